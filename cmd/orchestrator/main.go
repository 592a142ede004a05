package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/aln-orchestrator/internal/auth"
	"github.com/mantonx/aln-orchestrator/internal/broadcast"
	"github.com/mantonx/aln-orchestrator/internal/catalog"
	"github.com/mantonx/aln-orchestrator/internal/config"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/httpapi"
	"github.com/mantonx/aln-orchestrator/internal/logger"
	"github.com/mantonx/aln-orchestrator/internal/mediaplayer"
	"github.com/mantonx/aln-orchestrator/internal/metrics"
	"github.com/mantonx/aln-orchestrator/internal/offline"
	"github.com/mantonx/aln-orchestrator/internal/pipeline"
	"github.com/mantonx/aln-orchestrator/internal/projection"
	"github.com/mantonx/aln-orchestrator/internal/session"
	"github.com/mantonx/aln-orchestrator/internal/store"
	"github.com/mantonx/aln-orchestrator/internal/video"
	"github.com/mantonx/aln-orchestrator/internal/wsgateway"
)

func main() {
	startedAt := time.Now()

	cfg, err := config.Load(os.Getenv("ORCHESTRATOR_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.JSON)
	log := logger.Root()

	fmt.Println("=========================================")
	fmt.Println("  ALN Live-Action Orchestrator            ")
	fmt.Println("=========================================")

	cat := catalog.New(logger.Named("catalog"))
	if err := cat.Load(cfg.Catalog.Path, cfg.Catalog.FallbackPath); err != nil {
		log.Error("failed to load token catalog, starting with an empty catalog", "error", err)
	}
	watchDone := make(chan struct{})
	if err := cat.Watch(cfg.Catalog.Path, watchDone); err != nil {
		log.Warn("token catalog hot-reload disabled", "error", err)
	}

	fileStore, err := store.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		log.Error("failed to initialize persistence port", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(256)

	sessions := session.New(logger.Named("session"), cat, fileStore, bus)

	player := mediaplayer.New(logger.Named("mediaplayer"), mediaplayer.Config{
		Host:           cfg.MediaPlayer.Host,
		Port:           cfg.MediaPlayer.Port,
		Password:       cfg.MediaPlayer.Password,
		PollInterval:   cfg.MediaPlayer.PollInterval,
		CommandTimeout: cfg.MediaPlayer.CommandTimeout,
		IdleLoopFile:   cfg.MediaPlayer.IdleLoopFile,
	})

	videoFSM := video.New(logger.Named("video"), player, cat, bus)

	pl := pipeline.New(logger.Named("pipeline"), cat, sessions, videoFSM, bus)

	offlineQueue := offline.New(logger.Named("offline"), fileStore, pl, bus)
	go drainOfflineQueuePeriodically(offlineQueue, cfg.Storage.OfflineDrainEvery, watchDone)

	proj := projection.New(sessions, pl, videoFSM, player, offlineQueue)

	issuer := auth.New(cfg.Admin.Password, cfg.Admin.SecretKey, cfg.Admin.TokenTTL)

	metricsReg, promReg := metrics.New()

	gateway := wsgateway.New(logger.Named("wsgateway"), issuer, pl, sessions, bus, commandDispatcher(sessions, videoFSM, pl), proj)
	_ = broadcast.New(logger.Named("broadcast"), bus, gateway, func(v any) ([]byte, error) { return json.Marshal(v) })

	router := httpapi.New(httpapi.Deps{
		Log:         logger.Named("httpapi"),
		Catalog:     cat,
		Sessions:    sessions,
		Pipeline:    pl,
		Offline:     offlineQueue,
		Projection:  proj,
		Auth:        issuer,
		CORSOrigins: cfg.Server.CORSOrigins,
		StartedAt:   startedAt,
		Outcomes:    metricsReg.PipelineOutcomes,
	})
	router.GET("/metrics", metrics.Handler(promReg))
	router.GET("/ws", func(c *gin.Context) { gateway.ServeHTTP(c.Writer, c.Request) })

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("orchestrator listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gracefully")
	close(watchDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
	videoFSM.Stop()
	bus.Stop()
}

func drainOfflineQueuePeriodically(q *offline.Queue, every time.Duration, done <-chan struct{}) {
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if q.Depth() > 0 {
				q.Drain()
			}
		case <-done:
			return
		}
	}
}

// commandDispatcher wires the GM Gateway's gm:command action table to the
// session/video/pipeline operations it names, per spec.md §4.9.
func commandDispatcher(sessions *session.Service, videoFSM *video.FSM, pl *pipeline.Pipeline) wsgateway.CommandHandler {
	return func(action string, payload json.RawMessage) (bool, string) {
		switch action {
		case "session:create":
			var p struct {
				Name  string   `json:"name"`
				Teams []string `json:"teams"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return false, "malformed session:create payload"
			}
			if _, aerr := sessions.CreateSession(session.CreateParams{Name: p.Name, Teams: p.Teams}); aerr != nil {
				return false, aerr.Message
			}
			pl.ResetSession()
			return true, "session created"
		case "session:pause":
			return updateSessionStatus(sessions, session.StatusPaused)
		case "session:resume", "session:start":
			return updateSessionStatus(sessions, session.StatusActive)
		case "session:end":
			if _, aerr := sessions.EndSession(); aerr != nil {
				return false, aerr.Message
			}
			return true, "session ended"
		case "video:play", "video:queue:add":
			var p struct {
				TokenID string `json:"tokenId"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return false, "malformed payload"
			}
			queued, reason, _ := videoFSM.Enqueue(p.TokenID)
			if !queued {
				return false, reason
			}
			return true, "video queued"
		case "video:pause":
			videoFSM.Pause()
			return true, "paused"
		case "video:skip":
			videoFSM.Skip()
			return true, "skipped"
		case "video:stop":
			videoFSM.StopPlayback()
			return true, "stopped"
		case "video:queue:clear":
			videoFSM.Clear()
			return true, "queue cleared"
		case "video:queue:reorder":
			var p struct {
				Order []string `json:"order"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return false, "malformed payload"
			}
			videoFSM.Reorder(p.Order)
			return true, "queue reordered"
		case "score:adjust":
			var p struct {
				TeamID     string `json:"teamId"`
				Delta      int    `json:"delta"`
				Reason     string `json:"reason"`
				GMDeviceID string `json:"gmDeviceId"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return false, "malformed score:adjust payload"
			}
			if _, aerr := sessions.AdjustScore(p.TeamID, p.Delta, p.Reason, p.GMDeviceID); aerr != nil {
				return false, aerr.Message
			}
			return true, "score adjusted"
		case "display:idle-loop", "display:scoreboard", "display:toggle", "display:status", "system:reset",
			"transaction:create", "transaction:delete":
			// No dedicated display-mode, system-reset, or manual
			// transaction-editing subsystem in this spec's scope;
			// acknowledged as a no-op so GM clients relying on the ack
			// contract don't stall waiting for a reply.
			return true, "acknowledged"
		default:
			return false, "unknown action: " + action
		}
	}
}

func updateSessionStatus(sessions *session.Service, status session.Status) (bool, string) {
	if _, aerr := sessions.UpdateSession(session.UpdateParams{Status: &status}); aerr != nil {
		return false, aerr.Message
	}
	return true, "session updated"
}
