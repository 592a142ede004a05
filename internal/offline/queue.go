// Package offline implements the Offline Queue (C7): a durable FIFO of
// scans deferred while a player-scanner device couldn't reach the
// orchestrator, drained back through the pipeline once connectivity
// returns, per spec.md §4.7.
package offline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/pipeline"
	"github.com/mantonx/aln-orchestrator/internal/store"
)

// Entry is one deferred scan, per spec.md §3.
type Entry struct {
	ClientID  string    `json:"clientId"`
	TokenID   string    `json:"tokenId"`
	TeamID    string    `json:"teamId"`
	DeviceID  string    `json:"deviceId"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessedSummary is published as events.OfflineProcessed after a drain.
type ProcessedSummary struct {
	Total     int `json:"total"`
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
	Errored   int `json:"errored"`
}

// Queue is the Offline Queue (C7).
type Queue struct {
	log      hclog.Logger
	store    store.Port
	pipeline *pipeline.Pipeline
	bus      *events.Bus

	mu       sync.Mutex
	entries  []Entry
	draining bool
}

// New restores any persisted queue and returns a ready Queue.
func New(log hclog.Logger, st store.Port, pl *pipeline.Pipeline, bus *events.Bus) *Queue {
	q := &Queue{log: log, store: st, pipeline: pl, bus: bus}
	q.restore()
	return q
}

func (q *Queue) restore() {
	data, ok, err := q.store.Get(context.Background(), store.KeyOfflineQueue)
	if err != nil || !ok {
		return
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err == nil {
		q.entries = entries
	}
}

func (q *Queue) persistLocked() {
	data, err := json.Marshal(q.entries)
	if err != nil {
		return
	}
	if err := q.store.Put(context.Background(), store.KeyOfflineQueue, data); err != nil {
		q.log.Error("persisting offline queue failed", "error", err)
	}
}

// Enqueue appends a deferred scan, deduplicating by ClientID so a retried
// submission from the same device doesn't double-queue, per spec.md §4.7.
func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.entries {
		if existing.ClientID != "" && existing.ClientID == e.ClientID {
			return
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	q.entries = append(q.entries, e)
	q.persistLocked()
}

// Depth returns the current queue length, for the state projection and
// metrics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain replays every queued entry through the pipeline in FIFO order and
// emits a single summary event. ClientID deduplication happens only in
// Enqueue, against entries still pending; Drain does not skip a ClientID
// that an earlier drain already replayed. A Drain call made while another
// is in progress returns an empty summary at once; the draining flag, not
// the main mutex, guards this so Enqueue never blocks on a long drain, and
// entries enqueued during a drain stay queued for the next one.
func (q *Queue) Drain() ProcessedSummary {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return ProcessedSummary{}
	}
	q.draining = true
	pending := make([]Entry, len(q.entries))
	copy(pending, q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	summary := ProcessedSummary{Total: len(pending)}
	for _, e := range pending {
		result := q.pipeline.Submit(pipeline.ScanRequest{
			TokenID:    e.TokenID,
			TeamID:     e.TeamID,
			DeviceID:   e.DeviceID,
			DeviceType: pipeline.DevicePlayer,
			Mode:       pipeline.Mode(e.Mode),
			Timestamp:  e.Timestamp,
			ClientID:   e.ClientID,
		})
		switch result.Status {
		case pipeline.StatusAccepted:
			summary.Accepted++
		case pipeline.StatusDuplicate:
			summary.Duplicate++
		case pipeline.StatusRejected:
			summary.Rejected++
		default:
			summary.Errored++
		}
	}

	q.mu.Lock()
	q.entries = append([]Entry(nil), q.entries[len(pending):]...)
	q.persistLocked()
	q.mu.Unlock()

	q.bus.Publish(events.OfflineProcessed, summary)
	q.log.Info("offline queue drained", "total", summary.Total, "accepted", summary.Accepted)
	return summary
}

// IsDraining reports whether a drain is currently in progress.
func (q *Queue) IsDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}
