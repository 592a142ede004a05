// Package pipeline implements the Transaction Pipeline (C5): validates,
// deduplicates, and scores scans, producing TransactionResults. It owns
// the current session's transaction history (per spec.md §3's ownership
// summary) and is the one place duplicate-claim semantics live.
package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/session"
)

// Mode is the closed set of scoring modes from spec.md §4.5.
type Mode string

const (
	ModeBlackmarket Mode = "blackmarket"
	ModeDetective   Mode = "detective"
)

// DeviceType is the closed set of scanner device types from spec.md §6.
type DeviceType string

const (
	DevicePlayer DeviceType = "player"
	DeviceGM     DeviceType = "gm"
	DeviceESP32  DeviceType = "esp32"
	DeviceAdmin  DeviceType = "admin"
)

// Status is the outcome of running a scan through the pipeline.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusError     Status = "error"
)

// ScanRequest is the pipeline's input, per spec.md §4.5.
type ScanRequest struct {
	TokenID    string
	TeamID     string
	DeviceID   string
	DeviceType DeviceType
	Mode       Mode
	Timestamp  time.Time
	ClientID   string
	// FromHTTPIngest marks player-scanner HTTP submissions, which run the
	// 409 video-conflict check of spec.md §4.5 step 5. Duplicate detection
	// (step 3) does not depend on this flag: it runs for every non-player
	// DeviceType in blackmarket mode.
	FromHTTPIngest bool
}

// Transaction is a recorded scan event, per spec.md §3.
type Transaction struct {
	ID          string             `json:"id"`
	TokenID     string             `json:"tokenId"`
	TeamID      string             `json:"teamId"`
	DeviceID    string             `json:"deviceId"`
	DeviceType  DeviceType         `json:"deviceType"`
	Mode        Mode               `json:"mode"`
	Timestamp   time.Time          `json:"timestamp"`
	Points      int                `json:"points"`
	MemoryType  catalog.MemoryType `json:"memoryType"`
	ValueRating int                `json:"valueRating"`
	Summary     string             `json:"summary,omitempty"`
	Status      Status             `json:"status"`
}

// Result is the pipeline's output. Wire shape is pinned by spec.md §4.8:
// {status, message, tokenId, videoQueued, waitTime}; WaitTime is
// serialized in whole seconds, matching this codebase's *Sec convention
// for wire-facing durations (see video.Status.DurationSec).
type Result struct {
	Status      Status      `json:"status"`
	TokenID     string      `json:"tokenId"`
	Transaction Transaction `json:"transaction,omitempty"`
	Points      int         `json:"points,omitempty"`
	Message     string      `json:"message"`
	VideoQueued bool        `json:"videoQueued"`
	WaitTime    int         `json:"waitTime,omitempty"`
}

// waitTimeSec converts a duration to the whole-second wire value Result
// carries.
func waitTimeSec(d time.Duration) int {
	return int(d.Round(time.Second) / time.Second)
}

// VideoEnqueuer is the subset of the Video Queue & Playback FSM (C6) the
// pipeline needs: enqueue-on-scan and a query for whether the player is
// currently non-idle (to apply the 409 conflict rule to HTTP ingest).
type VideoEnqueuer interface {
	Enqueue(tokenID string) (queued bool, reason string, waitTime time.Duration)
	IsNonIdle() bool
}

// Pipeline is the Transaction Pipeline (C5). A single mutex serializes
// duplicate-detection-and-accept so "first claim wins" is well defined
// under concurrent submissions, matching the single-writer discipline
// spec.md §5 recommends for this component.
type Pipeline struct {
	log      hclog.Logger
	catalog  *catalog.Catalog
	sessions *session.Service
	video    VideoEnqueuer
	bus      *events.Bus

	mu      sync.Mutex
	claimed map[string]string // tokenId -> teamId, for the current session
	history []Transaction
}

// New constructs a Pipeline wired to its collaborators.
func New(log hclog.Logger, cat *catalog.Catalog, sessions *session.Service, video VideoEnqueuer, bus *events.Bus) *Pipeline {
	return &Pipeline{
		log:      log,
		catalog:  cat,
		sessions: sessions,
		video:    video,
		bus:      bus,
		claimed:  make(map[string]string),
	}
}

// ResetSession clears duplicate-claim and history state for a new session.
// Must be called whenever C4 starts a new session (the pipeline has no
// subscription of its own to session:updated to avoid a circular import).
func (p *Pipeline) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed = make(map[string]string)
	p.history = nil
}

// Submit runs a scan through the five-step pipeline of spec.md §4.5.
func (p *Pipeline) Submit(req ScanRequest) Result {
	// Step 1: token lookup.
	tok, ok := p.catalog.Lookup(req.TokenID)
	if !ok {
		return p.record(req, catalog.Token{}, Result{
			Status:  StatusError,
			TokenID: req.TokenID,
			Message: "Invalid token",
			Points:  0,
		})
	}

	// Step 2: session gate.
	if !p.sessions.IsActive() {
		return p.record(req, tok, Result{
			Status:  StatusError,
			TokenID: req.TokenID,
			Message: "Session is paused",
			Points:  0,
		})
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeBlackmarket
	}
	runsDuplicateCheck := req.DeviceType != DevicePlayer && mode == ModeBlackmarket

	p.mu.Lock()

	// Step 3: duplicate detection — GM scans, scoring (blackmarket) mode
	// only, per spec.md §4.5 step 3. Detective-mode scans of an
	// already-claimed token are still accepted (observation only, no
	// score), matching the seed scenario S2.
	if runsDuplicateCheck {
		if _, taken := p.claimed[req.TokenID]; taken {
			p.mu.Unlock()
			return p.record(req, tok, Result{
				Status:  StatusDuplicate,
				TokenID: req.TokenID,
				Message: "Token already claimed this session",
				Points:  0,
			})
		}
	}

	// Step 4: mode branch.
	points := 0
	if mode == ModeBlackmarket {
		points = p.catalog.ScoreFor(tok.MemoryType, tok.ValueRating)
	}

	if runsDuplicateCheck {
		p.claimed[req.TokenID] = req.TeamID
	}
	p.mu.Unlock()

	if mode == ModeBlackmarket {
		p.sessions.RecordAcceptedToken(req.TeamID, req.TokenID)
		if err := p.sessions.ApplyTransaction(session.AcceptedTransaction{
			TeamID:      req.TeamID,
			TokenID:     req.TokenID,
			MemoryType:  tok.MemoryType,
			ValueRating: tok.ValueRating,
			Points:      points,
			Mode:        string(mode),
		}); err != nil {
			return p.record(req, tok, Result{Status: StatusError, TokenID: req.TokenID, Message: err.Message, Points: 0})
		}
	} else {
		// Detective mode still advances the session's totalScans and
		// uniqueTokensScanned counters but never touches the team's score
		// or tokensScanned; ApplyTransaction short-circuits on Mode.
		_ = p.sessions.ApplyTransaction(session.AcceptedTransaction{
			TeamID:      req.TeamID,
			TokenID:     req.TokenID,
			MemoryType:  tok.MemoryType,
			ValueRating: tok.ValueRating,
			Points:      0,
			Mode:        string(mode),
		})
	}

	result := Result{
		Status:  StatusAccepted,
		TokenID: req.TokenID,
		Message: "Transaction accepted",
		Points:  points,
	}

	// Step 5: video side effect.
	if tok.HasVideo() {
		if req.FromHTTPIngest && p.video.IsNonIdle() {
			result.Status = StatusRejected
			result.Message = "Video already playing"
			result.VideoQueued = false
			result.WaitTime = waitTimeSec(30 * time.Second)
			return p.record(req, tok, result)
		}
		queued, _, waitTime := p.video.Enqueue(req.TokenID)
		result.VideoQueued = queued
		result.WaitTime = waitTimeSec(waitTime)
	}

	return p.record(req, tok, result)
}

func (p *Pipeline) record(req ScanRequest, tok catalog.Token, result Result) Result {
	tx := Transaction{
		ID:          uuid.NewString(),
		TokenID:     req.TokenID,
		TeamID:      req.TeamID,
		DeviceID:    req.DeviceID,
		DeviceType:  req.DeviceType,
		Mode:        req.Mode,
		Timestamp:   req.Timestamp,
		Points:      result.Points,
		MemoryType:  tok.MemoryType,
		ValueRating: tok.ValueRating,
		Status:      result.Status,
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}
	result.Transaction = tx

	p.mu.Lock()
	p.history = append(p.history, tx)
	p.mu.Unlock()

	// Every transaction, error or not, is kept in history above. Player
	// scans always publish player:scan. Accepted, duplicate and rejected
	// transactions (detective mode included) also publish transaction:new
	// so observers see the scan happened; error transactions (invalid
	// token, paused session) do not. The broadcast fabric decides final
	// audience routing.
	if req.DeviceType == DevicePlayer {
		p.bus.Publish(events.PlayerScan, tx)
	}
	if result.Status != StatusError {
		p.bus.Publish(events.TransactionNew, tx)
	}

	return result
}

// Recent returns up to n most-recent transactions, newest first.
func (p *Pipeline) Recent(n int) []Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n <= 0 || n > len(p.history) {
		n = len(p.history)
	}
	out := make([]Transaction, n)
	for i := 0; i < n; i++ {
		out[i] = p.history[len(p.history)-1-i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}
