package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/session"
)

type recordingTransport struct {
	all, gm, admin [][]byte
}

func (r *recordingTransport) BroadcastAll(data []byte)   { r.all = append(r.all, data) }
func (r *recordingTransport) BroadcastGM(data []byte)    { r.gm = append(r.gm, data) }
func (r *recordingTransport) BroadcastAdmin(data []byte) { r.admin = append(r.admin, data) }
func (r *recordingTransport) SendToDevice(string, []byte) {}

func waitForCount(t *testing.T, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d messages, got %d", want, get())
}

func TestSessionUpdatedBroadcastsToGMRoom(t *testing.T) {
	bus := events.NewBus(16)
	t.Cleanup(bus.Stop)
	transport := &recordingTransport{}
	New(hclog.NewNullLogger(), bus, transport, json.Marshal)

	bus.Publish(events.SessionUpdated, session.SessionUpdatedData{})
	waitForCount(t, func() int { return len(transport.gm) }, 1)
	assert.Empty(t, transport.all)
	assert.Empty(t, transport.admin)
}

func TestTransactionNewBroadcastsToGMOnly(t *testing.T) {
	bus := events.NewBus(16)
	t.Cleanup(bus.Stop)
	transport := &recordingTransport{}
	New(hclog.NewNullLogger(), bus, transport, json.Marshal)

	bus.Publish(events.TransactionNew, map[string]string{"id": "tx1"})
	waitForCount(t, func() int { return len(transport.gm) }, 1)
	assert.Empty(t, transport.all)
}

func TestServiceErrorBroadcastsToGMRoom(t *testing.T) {
	bus := events.NewBus(16)
	t.Cleanup(bus.Stop)
	transport := &recordingTransport{}
	New(hclog.NewNullLogger(), bus, transport, json.Marshal)

	bus.Publish(events.ServiceError, map[string]string{"detail": "boom"})
	waitForCount(t, func() int { return len(transport.gm) }, 1)
	assert.Empty(t, transport.all)
	assert.Empty(t, transport.admin)
}

// Envelope shape: every message is {event, data, timestamp}.
func TestEnvelopeShape(t *testing.T) {
	bus := events.NewBus(16)
	t.Cleanup(bus.Stop)
	transport := &recordingTransport{}
	New(hclog.NewNullLogger(), bus, transport, json.Marshal)

	bus.Publish(events.VideoStatus, map[string]string{"state": "playing"})
	waitForCount(t, func() int { return len(transport.gm) }, 1)

	var env map[string]any
	require.NoError(t, json.Unmarshal(transport.gm[0], &env))
	assert.Equal(t, "video:status", env["event"])
	assert.Contains(t, env, "data")
	assert.Contains(t, env, "timestamp")
}

// translate reshapes GroupCompletedData's internal field names into the
// wire names spec.md's glossary uses.
func TestGroupCompletedTranslatesWireFieldNames(t *testing.T) {
	bus := events.NewBus(16)
	t.Cleanup(bus.Stop)
	transport := &recordingTransport{}
	New(hclog.NewNullLogger(), bus, transport, json.Marshal)

	bus.Publish(events.GroupCompleted, session.GroupCompletedData{TeamID: "001", GroupID: "founders", Bonus: 5000})
	waitForCount(t, func() int { return len(transport.gm) }, 1)

	var env struct {
		Data struct {
			TeamID      string `json:"teamId"`
			Group       string `json:"group"`
			BonusPoints int    `json:"bonusPoints"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(transport.gm[0], &env))
	assert.Equal(t, "founders", env.Data.Group)
	assert.Equal(t, 5000, env.Data.BonusPoints)
}
