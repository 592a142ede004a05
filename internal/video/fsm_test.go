package video

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/mediaplayer"
)

// fakePlayer is a minimal mediaplayer.Port test double.
type fakePlayer struct {
	events    chan mediaplayer.Event
	playCalls []string
	failPlay  bool
	connected bool
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{events: make(chan mediaplayer.Event, 8), connected: true}
}

func (f *fakePlayer) Play(_ context.Context, filename string) error {
	f.playCalls = append(f.playCalls, filename)
	if f.failPlay {
		return errors.New("play failed")
	}
	return nil
}
func (f *fakePlayer) Pause(_ context.Context) error            { return nil }
func (f *fakePlayer) Stop(_ context.Context) error              { return nil }
func (f *fakePlayer) ReturnToIdleLoop(_ context.Context) error { return nil }
func (f *fakePlayer) IsConnected() bool                        { return f.connected }
func (f *fakePlayer) Events() <-chan mediaplayer.Event          { return f.events }

func newTestFSM(t *testing.T, player *fakePlayer) (*FSM, *catalog.Catalog, *events.Bus) {
	t.Helper()
	log := hclog.NewNullLogger()
	cat := catalog.New(log)
	require.NoError(t, cat.Reload([]byte(`
tokens:
  - id: "vid1"
    memoryType: Personal
    valueRating: 1
    mediaAssets:
      video: "vid1.mp4"
    duration: 2
  - id: "vid2"
    memoryType: Personal
    valueRating: 1
    mediaAssets:
      video: "vid2.mp4"
    duration: 3
  - id: "novideo"
    memoryType: Personal
    valueRating: 1
`)))
	bus := events.NewBus(32)
	t.Cleanup(bus.Stop)
	fsm := New(log, player, cat, bus)
	t.Cleanup(fsm.Stop)
	return fsm, cat, bus
}

// waitUntil polls cond until it's true or the deadline passes, since FSM
// mutation happens asynchronously on the writer goroutine.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestEnqueueStartsImmediatelyWhenIdle(t *testing.T) {
	player := newFakePlayer()
	fsm, _, _ := newTestFSM(t, player)

	queued, _, _ := fsm.Enqueue("vid1")
	assert.True(t, queued)
	waitUntil(t, func() bool { return fsm.Status().State == StatePlaying })
	assert.True(t, fsm.IsNonIdle())
}

func TestEnqueueUnknownOrNoVideoTokenIsRejected(t *testing.T) {
	player := newFakePlayer()
	fsm, _, _ := newTestFSM(t, player)

	queued, reason, _ := fsm.Enqueue("novideo")
	assert.False(t, queued)
	assert.NotEmpty(t, reason)

	queued, _, _ = fsm.Enqueue("does-not-exist")
	assert.False(t, queued)
}

// Invariant: at most one item is LOADING/PLAYING at a time — a second
// enqueue while one is already playing must queue, not start immediately.
func TestOnlyOneItemPlaysAtATime(t *testing.T) {
	player := newFakePlayer()
	fsm, _, _ := newTestFSM(t, player)

	fsm.Enqueue("vid1")
	waitUntil(t, func() bool { return fsm.Status().State == StatePlaying })

	fsm.Enqueue("vid2")
	time.Sleep(20 * time.Millisecond)
	status := fsm.Status()
	assert.Equal(t, StatePlaying, status.State)
	assert.Equal(t, "vid1", status.TokenID)
	assert.Equal(t, 1, status.QueueLength)
}

// Invariant: every enqueue eventually reaches COMPLETED or ERROR. A
// completed event from the player advances the queue to the next item.
func TestCompletedEventAdvancesQueue(t *testing.T) {
	player := newFakePlayer()
	fsm, _, _ := newTestFSM(t, player)

	fsm.Enqueue("vid1")
	waitUntil(t, func() bool { return fsm.Status().State == StatePlaying })
	fsm.Enqueue("vid2")

	player.events <- mediaplayer.Event{Kind: mediaplayer.EventCompleted}
	waitUntil(t, func() bool {
		s := fsm.Status()
		return s.State == StatePlaying && s.TokenID == "vid2"
	})
}

// A play() failure transitions the item to ERROR and the FSM advances
// past it; with nothing else queued it returns to IDLE rather than
// getting stuck in LOADING.
func TestPlayFailureTransitionsToErrorAndAdvances(t *testing.T) {
	player := newFakePlayer()
	player.failPlay = true
	fsm, _, _ := newTestFSM(t, player)

	fsm.Enqueue("vid1")
	waitUntil(t, func() bool { return fsm.Status().State == StateIdle })
	assert.Contains(t, player.playCalls, "vid1.mp4")
}

func TestEmptyQueueReturnsToIdle(t *testing.T) {
	player := newFakePlayer()
	fsm, _, _ := newTestFSM(t, player)

	fsm.Enqueue("vid1")
	waitUntil(t, func() bool { return fsm.Status().State == StatePlaying })
	fsm.Skip()
	waitUntil(t, func() bool { return fsm.Status().State == StateIdle })
	assert.False(t, fsm.IsNonIdle())
}
