// Package projection implements the State Projection (C11): a read-only,
// derived snapshot of current game state assembled on demand from C4/C5/C6
// and the offline queue, cacheable via ETag, per spec.md §4.11.
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mantonx/aln-orchestrator/internal/mediaplayer"
	"github.com/mantonx/aln-orchestrator/internal/offline"
	"github.com/mantonx/aln-orchestrator/internal/pipeline"
	"github.com/mantonx/aln-orchestrator/internal/session"
	"github.com/mantonx/aln-orchestrator/internal/video"
)

// GameState is the projection's output shape, per spec.md §3/§4.11.
type GameState struct {
	Session             *session.Session        `json:"session"`
	Scores              []session.TeamScore     `json:"scores"`
	RecentTransactions  []pipeline.Transaction   `json:"recentTransactions"`
	VideoStatus         video.Status             `json:"videoStatus"`
	SystemStatus        SystemStatus             `json:"systemStatus"`
	GeneratedAt         time.Time                `json:"generatedAt"`
}

// SystemStatus surfaces downstream connectivity, per spec.md §4.11.
type SystemStatus struct {
	MediaPlayerConnected bool `json:"mediaPlayerConnected"`
	OfflineQueueDepth    int  `json:"offlineQueueDepth"`
	OfflineQueueDraining bool `json:"offlineQueueDraining"`
}

// Projection assembles GameState snapshots on demand.
type Projection struct {
	sessions *session.Service
	pipeline *pipeline.Pipeline
	videoFSM *video.FSM
	player   mediaplayer.Port
	offline  *offline.Queue

	recentN int
}

// New constructs a Projection wired to its read-only collaborators.
func New(sessions *session.Service, pl *pipeline.Pipeline, videoFSM *video.FSM, player mediaplayer.Port, off *offline.Queue) *Projection {
	return &Projection{sessions: sessions, pipeline: pl, videoFSM: videoFSM, player: player, offline: off, recentN: 20}
}

// Snapshot assembles the current GameState.
func (p *Projection) Snapshot() GameState {
	gs := GameState{
		Scores:             p.sessions.GetTeamScores(),
		RecentTransactions: p.pipeline.Recent(p.recentN),
		VideoStatus:        p.videoFSM.Status(),
		GeneratedAt:        time.Now(),
	}
	if sess, ok := p.sessions.GetCurrentSession(); ok {
		gs.Session = &sess
	}
	gs.SystemStatus = SystemStatus{
		MediaPlayerConnected: p.player.IsConnected(),
		OfflineQueueDepth:    p.offline.Depth(),
		OfflineQueueDraining: p.offline.IsDraining(),
	}
	return gs
}

// ETag returns a weak content hash of the snapshot suitable for
// If-None-Match comparisons, per spec.md §4.11.
func ETag(gs GameState) (string, error) {
	// GeneratedAt would make every snapshot's hash unique regardless of
	// content, defeating the point of an ETag; hash everything else.
	hashable := gs
	hashable.GeneratedAt = time.Time{}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return `W/"` + hex.EncodeToString(sum[:]) + `"`, nil
}
