package projection

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/mediaplayer"
	"github.com/mantonx/aln-orchestrator/internal/offline"
	"github.com/mantonx/aln-orchestrator/internal/pipeline"
	"github.com/mantonx/aln-orchestrator/internal/session"
	"github.com/mantonx/aln-orchestrator/internal/store"
	"github.com/mantonx/aln-orchestrator/internal/video"
)

const testCatalogDoc = `
scoreTable:
  "Personal:1": 100
tokens:
  - id: "tok1"
    memoryType: Personal
    valueRating: 1
`

type fakePlayer struct{ connected bool }

func (f *fakePlayer) Play(context.Context, string) error    { return nil }
func (f *fakePlayer) Pause(context.Context) error           { return nil }
func (f *fakePlayer) Stop(context.Context) error             { return nil }
func (f *fakePlayer) ReturnToIdleLoop(context.Context) error { return nil }
func (f *fakePlayer) IsConnected() bool                      { return f.connected }
func (f *fakePlayer) Events() <-chan mediaplayer.Event       { return make(chan mediaplayer.Event) }

func newTestProjection(t *testing.T) (*Projection, *session.Service) {
	t.Helper()
	log := hclog.NewNullLogger()
	cat := catalog.New(log)
	require.NoError(t, cat.Reload([]byte(testCatalogDoc)))

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	bus := events.NewBus(16)
	t.Cleanup(bus.Stop)

	sessions := session.New(log, cat, st, bus)
	_, serr := sessions.CreateSession(session.CreateParams{Name: "Night One", Teams: []string{"001"}})
	require.Nil(t, serr)

	player := &fakePlayer{connected: true}
	videoFSM := video.New(log, player, cat, bus)
	t.Cleanup(videoFSM.Stop)

	pl := pipeline.New(log, cat, sessions, videoFSM, bus)
	off := offline.New(log, st, pl, bus)

	return New(sessions, pl, videoFSM, player, off), sessions
}

func TestSnapshotAssemblesCurrentState(t *testing.T) {
	proj, _ := newTestProjection(t)

	gs := proj.Snapshot()
	require.NotNil(t, gs.Session)
	assert.Equal(t, session.StatusActive, gs.Session.Status)
	assert.Len(t, gs.Scores, 1)
	assert.True(t, gs.SystemStatus.MediaPlayerConnected)
	assert.Equal(t, 0, gs.SystemStatus.OfflineQueueDepth)
	assert.False(t, gs.SystemStatus.OfflineQueueDraining)
}

func TestETagIsStableForIdenticalContentDespiteDifferentTimestamps(t *testing.T) {
	proj, _ := newTestProjection(t)

	gs1 := proj.Snapshot()
	time.Sleep(5 * time.Millisecond)
	gs2 := proj.Snapshot()

	tag1, err := ETag(gs1)
	require.NoError(t, err)
	tag2, err := ETag(gs2)
	require.NoError(t, err)
	assert.Equal(t, tag1, tag2, "ETag must hash content, not the GeneratedAt timestamp")
}

func TestETagChangesWhenContentChanges(t *testing.T) {
	proj, sessions := newTestProjection(t)

	before := proj.Snapshot()
	tagBefore, err := ETag(before)
	require.NoError(t, err)

	_, adjErr := sessions.AdjustScore("001", 500, "correction", "gm-1")
	require.Nil(t, adjErr)

	after := proj.Snapshot()
	tagAfter, err := ETag(after)
	require.NoError(t, err)
	assert.NotEqual(t, tagBefore, tagAfter)
}
