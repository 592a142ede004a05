// Package video implements the Video Queue & Playback FSM (C6): an ordered
// queue of video tokens, one-at-a-time playback, and the state machine
// from spec.md §4.6. It runs as a single-writer goroutine driven by a
// command channel, the strategy spec.md §5 recommends for this component
// because ordering and atomicity of transitions matter.
package video

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/mediaplayer"
)

// State is the closed set of FSM states from spec.md §4.6.
type State string

const (
	StateIdle     State = "idle"
	StateQueued   State = "queued"
	StateLoading  State = "loading"
	StatePlaying  State = "playing"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateComplete State = "completed"
)

// Item is one entry in the queue, per spec.md §3.
type Item struct {
	ID          string     `json:"id"`
	TokenID     string     `json:"tokenId"`
	Filename    string     `json:"filename"`
	DurationSec int        `json:"durationSec"`
	EnqueueTime time.Time  `json:"enqueueTime"`
	StartTime   *time.Time `json:"startTime"`
	Status      State      `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// Status is the public status() response, per spec.md §4.6.
type Status struct {
	State       State  `json:"state"`
	TokenID     string `json:"tokenId,omitempty"`
	DurationSec int    `json:"durationSec,omitempty"`
	QueueLength int    `json:"queueLength"`
}

// StatusEventData is published as events.VideoStatus on every transition
// and on queue-length changes, per spec.md §4.6.
type StatusEventData struct {
	Status Status
}

// command is the FSM's single-writer inbox entry.
type command struct {
	kind    string // enqueue, skip, pause, resume, stop, clear, reorder, completed, error, disconnect
	tokenID string
	order   []string
	errMsg  string
	reply   chan enqueueReply
}

type enqueueReply struct {
	queued   bool
	reason   string
	waitTime time.Duration
}

// TokenResolver looks up a token's video asset, satisfied by
// internal/catalog.Catalog.
type TokenResolver interface {
	Lookup(tokenID string) (catalog.Token, bool)
}

// FSM is the Video Queue & Playback state machine. All mutation happens on
// the run() goroutine; other goroutines only ever send commands or read
// the snapshot guarded by snapMu, never touch queue/current directly, per
// spec.md §5's single-writer-goroutine discipline.
type FSM struct {
	log      hclog.Logger
	player   mediaplayer.Port
	resolver TokenResolver
	bus      *events.Bus

	cmds chan command
	done chan struct{}

	queue   []Item
	current *Item

	snapMu  sync.RWMutex
	snap    Status
	nonIdle bool
}

// New constructs an FSM and starts its writer goroutine.
func New(log hclog.Logger, player mediaplayer.Port, resolver TokenResolver, bus *events.Bus) *FSM {
	f := &FSM{
		log:      log,
		player:   player,
		resolver: resolver,
		bus:      bus,
		cmds:     make(chan command, 64),
		done:     make(chan struct{}),
		snap:     Status{State: StateIdle},
	}
	go f.run()
	go f.watchPlayerEvents()
	return f
}

// Stop halts the writer goroutine.
func (f *FSM) Stop() { close(f.done) }

func (f *FSM) run() {
	for {
		select {
		case cmd := <-f.cmds:
			f.handle(cmd)
		case <-f.done:
			return
		}
	}
}

func (f *FSM) handle(cmd command) {
	switch cmd.kind {
	case "enqueue":
		f.handleEnqueue(cmd)
	case "skip":
		f.finishCurrent(StateComplete, "")
		f.advance()
	case "pause":
		if f.current != nil && f.current.Status == StatePlaying {
			_ = f.player.Pause(context.Background())
			f.current.Status = StatePaused
			f.emitStatus()
		}
	case "resume":
		if f.current != nil && f.current.Status == StatePaused {
			_ = f.player.Play(context.Background(), f.current.Filename)
			f.current.Status = StatePlaying
			f.emitStatus()
		}
	case "stop":
		_ = f.player.Stop(context.Background())
		f.finishCurrent(StateComplete, "")
		f.queue = nil
		_ = f.player.ReturnToIdleLoop(context.Background())
		f.emitStatus()
	case "clear":
		f.queue = nil
		f.emitStatus()
	case "reorder":
		f.reorder(cmd.order)
		f.emitStatus()
	case "completed":
		f.finishCurrent(StateComplete, "")
		f.advance()
	case "error":
		f.finishCurrent(StateError, cmd.errMsg)
		f.advance()
	case "disconnect":
		if f.current != nil {
			f.finishCurrent(StateError, "player disconnected")
		}
	}
}

func (f *FSM) handleEnqueue(cmd command) {
	tok, ok := f.resolver.Lookup(cmd.tokenID)
	if !ok || !tok.HasVideo() {
		cmd.reply <- enqueueReply{queued: false, reason: "token has no video asset"}
		return
	}

	item := Item{
		ID:          uuid.NewString(),
		TokenID:     tok.ID,
		Filename:    tok.MediaAssets.Video,
		DurationSec: tok.DurationSec,
		EnqueueTime: time.Now(),
		Status:      StateQueued,
	}

	if f.current == nil {
		f.startLocked(item)
	} else {
		f.queue = append(f.queue, item)
		f.emitStatus()
	}
	cmd.reply <- enqueueReply{queued: true, waitTime: f.estimatedWaitLocked()}
}

// startLocked begins playback of item as the current entry, handling the
// play() failure path by immediately transitioning to ERROR and advancing,
// per spec.md §4.6's "every enqueue eventually reaches COMPLETED or ERROR".
func (f *FSM) startLocked(item Item) {
	f.current = &item
	f.current.Status = StateLoading
	f.emitStatus()
	if err := f.player.Play(context.Background(), item.Filename); err != nil {
		f.current.Status = StateError
		f.current.Error = err.Error()
		f.emitStatus()
		f.current = nil
		f.advance()
		return
	}
	now := time.Now()
	f.current.StartTime = &now
	f.current.Status = StatePlaying
	f.emitStatus()
}

func (f *FSM) estimatedWaitLocked() time.Duration {
	var total time.Duration
	if f.current != nil {
		total += time.Duration(f.current.DurationSec) * time.Second
	}
	for _, it := range f.queue {
		total += time.Duration(it.DurationSec) * time.Second
	}
	return total
}

func (f *FSM) finishCurrent(final State, errMsg string) {
	if f.current == nil {
		return
	}
	f.current.Status = final
	f.current.Error = errMsg
	f.emitStatus()
	f.current = nil
}

func (f *FSM) advance() {
	if len(f.queue) == 0 {
		_ = f.player.ReturnToIdleLoop(context.Background())
		f.emitStatus()
		return
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	f.startLocked(next)
}

func (f *FSM) reorder(order []string) {
	byID := make(map[string]Item, len(f.queue))
	for _, it := range f.queue {
		byID[it.ID] = it
	}
	reordered := make([]Item, 0, len(f.queue))
	seen := make(map[string]bool)
	for _, id := range order {
		if it, ok := byID[id]; ok {
			reordered = append(reordered, it)
			seen[id] = true
		}
	}
	for _, it := range f.queue {
		if !seen[it.ID] {
			reordered = append(reordered, it)
		}
	}
	f.queue = reordered
}

// emitStatus recomputes the snapshot under snapMu and publishes it. Called
// only from run(), so queue/current reads here are safe.
func (f *FSM) emitStatus() {
	st := Status{State: StateIdle, QueueLength: len(f.queue)}
	nonIdle := f.current != nil
	if f.current != nil {
		st.State = f.current.Status
		st.TokenID = f.current.TokenID
		st.DurationSec = f.current.DurationSec
	}

	f.snapMu.Lock()
	f.snap = st
	f.nonIdle = nonIdle
	f.snapMu.Unlock()

	f.bus.Publish(events.VideoStatus, StatusEventData{Status: st})
}

// --- Public operations. Mutating ones are proxied through the command
// channel so every external caller observes the single-writer's serialized
// FSM walk; read-only ones consult the snapshot cache instead of blocking
// on the writer. ---

// Enqueue adds a token's video to the queue (or starts it immediately if
// idle). Satisfies pipeline.VideoEnqueuer.
func (f *FSM) Enqueue(tokenID string) (bool, string, time.Duration) {
	reply := make(chan enqueueReply, 1)
	f.cmds <- command{kind: "enqueue", tokenID: tokenID, reply: reply}
	r := <-reply
	return r.queued, r.reason, r.waitTime
}

// IsNonIdle reports whether the player is in any state other than idle,
// used by the HTTP ingest 409 rule. Satisfies pipeline.VideoEnqueuer.
func (f *FSM) IsNonIdle() bool {
	f.snapMu.RLock()
	defer f.snapMu.RUnlock()
	return f.nonIdle
}

// Status returns the last-published snapshot.
func (f *FSM) Status() Status {
	f.snapMu.RLock()
	defer f.snapMu.RUnlock()
	return f.snap
}

func (f *FSM) Skip()                  { f.cmds <- command{kind: "skip"} }
func (f *FSM) Pause()                 { f.cmds <- command{kind: "pause"} }
func (f *FSM) Resume()                { f.cmds <- command{kind: "resume"} }
func (f *FSM) StopPlayback()          { f.cmds <- command{kind: "stop"} }
func (f *FSM) Clear()                 { f.cmds <- command{kind: "clear"} }
func (f *FSM) Reorder(order []string) { f.cmds <- command{kind: "reorder", order: order} }

// watchPlayerEvents bridges the media player port's async connection
// events into FSM commands (completed/error/disconnect), per spec.md §4.6's
// rule that a media-player disconnect mid-playback transitions the current
// item to ERROR.
func (f *FSM) watchPlayerEvents() {
	for evt := range f.player.Events() {
		switch evt.Kind {
		case mediaplayer.EventCompleted:
			f.cmds <- command{kind: "completed"}
		case mediaplayer.EventError:
			f.cmds <- command{kind: "error", errMsg: evt.Message}
		case mediaplayer.EventDisconnected:
			f.cmds <- command{kind: "disconnect"}
		}
	}
}
