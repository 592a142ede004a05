package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/aln-orchestrator/internal/apperr"
	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/store"
)

// legalTransitions encodes the session status state machine from spec.md §4.4.
var legalTransitions = map[Status]map[Status]bool{
	StatusActive: {StatusPaused: true, StatusEnded: true},
	StatusPaused: {StatusActive: true, StatusEnded: true},
	StatusEnded:  {},
}

// Service is the Session & Score Service (C4).
type Service struct {
	log     hclog.Logger
	catalog *catalog.Catalog
	store   store.Port
	bus     *events.Bus

	mu              sync.Mutex
	current         *Session
	scores          map[string]*TeamScore      // teamID -> score
	tokenTrackers   map[string]map[string]bool // teamID -> set of accepted tokenIDs, for group completion
	scannedTokenIDs map[string]bool            // session-wide dedup set, for Metadata.UniqueTokensScanned
}

// New constructs a Service. It attempts to restore persisted session/score
// state so a process restart doesn't silently lose an in-progress session.
func New(log hclog.Logger, cat *catalog.Catalog, st store.Port, bus *events.Bus) *Service {
	s := &Service{
		log:     log,
		catalog: cat,
		store:   st,
		bus:     bus,
		scores:  make(map[string]*TeamScore),
	}
	s.restore()
	return s
}

func (s *Service) restore() {
	ctx := context.Background()
	if data, ok, err := s.store.Get(ctx, store.KeySessionCurrent); err == nil && ok {
		var sess Session
		if err := json.Unmarshal(data, &sess); err == nil {
			s.current = &sess
		}
	}
	if data, ok, err := s.store.Get(ctx, store.KeyScoresCurrent); err == nil && ok {
		var scores []TeamScore
		if err := json.Unmarshal(data, &scores); err == nil {
			for i := range scores {
				ts := scores[i]
				if ts.CompletedGroups == nil {
					ts.CompletedGroups = make(map[string]bool)
				}
				s.scores[ts.TeamID] = &ts
			}
		}
	}
}

func (s *Service) persistLocked() {
	ctx := context.Background()
	if s.current != nil {
		if data, err := json.Marshal(s.current); err == nil {
			if err := s.store.Put(ctx, store.KeySessionCurrent, data); err != nil {
				s.log.Error("persisting session failed", "error", err)
			}
		}
	}
	scores := s.scoresSliceLocked()
	if data, err := json.Marshal(scores); err == nil {
		if err := s.store.Put(ctx, store.KeyScoresCurrent, data); err != nil {
			s.log.Error("persisting scores failed", "error", err)
		}
	}
}

func (s *Service) scoresSliceLocked() []TeamScore {
	out := make([]TeamScore, 0, len(s.scores))
	for _, ts := range s.scores {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}

// CreateSession implicitly ends any active session and starts a fresh one.
func (s *Service) CreateSession(p CreateParams) (Session, *apperr.Error) {
	if len(p.Name) < 1 || len(p.Name) > 100 {
		return Session{}, apperr.Validation("session name must be 1-100 characters", map[string]any{"field": "name"})
	}
	if len(p.Teams) == 0 {
		return Session{}, apperr.Validation("at least one team is required", map[string]any{"field": "teams"})
	}
	for _, t := range p.Teams {
		if t == "" {
			return Session{}, apperr.Validation("team id must not be empty", map[string]any{"field": "teams"})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Status != StatusEnded {
		now := time.Now()
		s.current.Status = StatusEnded
		s.current.EndTime = &now
		s.log.Info("active session implicitly ended by new session creation", "previousSessionId", s.current.ID)
	}

	sess := Session{
		ID:        uuid.NewString(),
		Name:      p.Name,
		StartTime: time.Now(),
		Status:    StatusActive,
		Teams:     append([]string(nil), p.Teams...),
	}
	s.current = &sess
	s.scores = make(map[string]*TeamScore, len(p.Teams))
	for _, t := range p.Teams {
		s.scores[t] = newTeamScore(t)
	}
	s.tokenTrackers = make(map[string]map[string]bool)
	s.scannedTokenIDs = make(map[string]bool)

	s.persistLocked()
	out := *s.current
	s.bus.Publish(events.SessionUpdated, SessionUpdatedData{Session: out})
	return out, nil
}

// UpdateSession applies the legal-transition state machine from spec.md §4.4.
func (s *Service) UpdateSession(p UpdateParams) (Session, *apperr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Session{}, apperr.NotFound("session")
	}

	if p.Status != nil {
		next := *p.Status
		if next != s.current.Status {
			allowed := legalTransitions[s.current.Status]
			if !allowed[next] {
				return Session{}, apperr.Validation(
					fmt.Sprintf("illegal session transition %s -> %s", s.current.Status, next),
					map[string]any{"from": s.current.Status, "to": next})
			}
			s.current.Status = next
			if next == StatusEnded {
				now := time.Now()
				s.current.EndTime = &now
			}
		}
	}
	if p.Name != nil {
		if len(*p.Name) < 1 || len(*p.Name) > 100 {
			return Session{}, apperr.Validation("session name must be 1-100 characters", map[string]any{"field": "name"})
		}
		s.current.Name = *p.Name
	}

	s.persistLocked()
	out := *s.current
	s.bus.Publish(events.SessionUpdated, SessionUpdatedData{Session: out})
	return out, nil
}

// EndSession is equivalent to UpdateSession({status: ended}); idempotent
// once terminal.
func (s *Service) EndSession() (Session, *apperr.Error) {
	s.mu.Lock()
	if s.current != nil && s.current.Status == StatusEnded {
		out := *s.current
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	ended := StatusEnded
	return s.UpdateSession(UpdateParams{Status: &ended})
}

// GetCurrentSession returns the active/paused/terminal session, if any.
func (s *Service) GetCurrentSession() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// IsActive reports whether the session gate in spec.md §4.5 step 2 passes.
func (s *Service) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.Status == StatusActive
}

// GetTeamScores returns every team's score, ordered by teamId.
func (s *Service) GetTeamScores() []TeamScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoresSliceLocked()
}

// AdjustScore appends a signed delta adjustment and recomputes CurrentScore.
// Delta semantics, not assignment, per spec.md §4.4.
func (s *Service) AdjustScore(teamID string, delta int, reason, gmDeviceID string) (TeamScore, *apperr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.scores[teamID]
	if !ok {
		return TeamScore{}, apperr.NotFound("team")
	}
	ts.AdminAdjustments = append(ts.AdminAdjustments, AdminAdjustment{
		Delta:      delta,
		Reason:     reason,
		Timestamp:  time.Now(),
		GMDeviceID: gmDeviceID,
	})
	ts.recompute()

	s.persistLocked()
	out := *ts
	s.bus.Publish(events.ScoreUpdated, ScoreUpdatedData{TeamScore: out})
	return out, nil
}

// AcceptedTransaction is the subset of pipeline.Transaction the score
// service needs in order to update scores and detect group completion. It
// is declared here (rather than importing internal/pipeline) to keep C4
// free of a dependency on C5 — the pipeline calls into C4, never the
// reverse, per spec.md §2's control-flow diagram.
type AcceptedTransaction struct {
	TeamID      string
	TokenID     string
	MemoryType  catalog.MemoryType
	ValueRating int
	Points      int
	Mode        string // "blackmarket" or "detective"
}

// ApplyTransaction is the scoring-authority half of spec.md §4.4's
// addTransaction: it is called by the pipeline (C5) once duplicate
// detection and mode branching have already produced points (0 for
// detective). Session-gate rejection already happened in the pipeline, so
// this only ever runs for active-session, non-duplicate scans.
func (s *Service) ApplyTransaction(tx AcceptedTransaction) *apperr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.scores[tx.TeamID]
	if !ok {
		ts = newTeamScore(tx.TeamID)
		s.scores[tx.TeamID] = ts
	}

	if s.current != nil {
		s.current.Metadata.TotalScans++
		if s.scannedTokenIDs == nil {
			s.scannedTokenIDs = make(map[string]bool)
		}
		if !s.scannedTokenIDs[tx.TokenID] {
			s.scannedTokenIDs[tx.TokenID] = true
			s.current.Metadata.UniqueTokensScanned++
		}
	}

	if tx.Mode == "detective" {
		// Detective mode never increments tokensScanned or touches scores,
		// per spec.md §4.4/§4.5 step 4.
		s.persistLocked()
		return nil
	}

	ts.TokensScanned++
	ts.BaseScore += tx.Points
	ts.recompute()
	s.persistLocked()
	out := *ts
	s.bus.Publish(events.ScoreUpdated, ScoreUpdatedData{TeamScore: out})

	s.checkGroupCompletionLocked(tx.TeamID)
	return nil
}

// checkGroupCompletionLocked awards a group bonus at most once per team
// per session, per spec.md §4.4.
func (s *Service) checkGroupCompletionLocked(teamID string) {
	ts, ok := s.scores[teamID]
	if !ok {
		return
	}

	for _, tok := range s.catalog.All() {
		if tok.Group == "" || ts.CompletedGroups[tok.Group] {
			continue
		}
		members := s.catalog.GroupMembers(tok.Group)
		if len(members) == 0 {
			continue
		}
		if s.teamHasAllLocked(teamID, members) {
			bonus := s.catalog.GroupBonus(tok.Group)
			ts.CompletedGroups[tok.Group] = true
			ts.BonusPoints += bonus
			ts.recompute()
			s.persistLocked()
			out := *ts
			s.bus.Publish(events.ScoreUpdated, ScoreUpdatedData{TeamScore: out})
			s.bus.Publish(events.GroupCompleted, GroupCompletedData{TeamID: teamID, GroupID: tok.Group, Bonus: bonus})
		}
	}
}

// teamHasAllLocked checks group membership against the tokens the pipeline
// has recorded as accepted for this team via RecordAcceptedToken.
func (s *Service) teamHasAllLocked(teamID string, members []string) bool {
	tracker, ok := s.tokenTrackers[teamID]
	if !ok {
		return false
	}
	for _, m := range members {
		if !tracker[m] {
			return false
		}
	}
	return true
}

// RecordAcceptedToken marks tokenID as claimed by teamID, for group
// completion detection. Called by the pipeline before ApplyTransaction.
func (s *Service) RecordAcceptedToken(teamID, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenTrackers == nil {
		s.tokenTrackers = make(map[string]map[string]bool)
	}
	if s.tokenTrackers[teamID] == nil {
		s.tokenTrackers[teamID] = make(map[string]bool)
	}
	s.tokenTrackers[teamID][tokenID] = true
}
