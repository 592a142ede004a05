// Package wsgateway implements the GM Gateway (C9): a gorilla/websocket
// server that authenticates GM stations, accepts transaction submissions
// and admin commands, and fans out broadcast envelopes produced by
// internal/broadcast. This is the only package in the module that touches
// the socket transport directly, per spec.md §4.9/§4.10's layering rule.
package wsgateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/aln-orchestrator/internal/auth"
	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/pipeline"
	"github.com/mantonx/aln-orchestrator/internal/projection"
	"github.com/mantonx/aln-orchestrator/internal/session"
)

// outboundBufferSize bounds each socket's send queue; overflow is dropped
// rather than stalling the fan-out goroutine, per spec.md §5.
const outboundBufferSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handshake is the initial auth frame clients send, per spec.md §4.9.
type handshake struct {
	Token      string `json:"token"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	Version    string `json:"version"`
}

// legacyIdentify is the deprecated but still-accepted gm:identify frame.
type legacyIdentify struct {
	Event string `json:"event"`
	Data  struct {
		Token    string `json:"token"`
		DeviceID string `json:"deviceId"`
	} `json:"data"`
}

// inboundFrame is the generic {event, data} shape every other client
// message uses once connected, per spec.md §4.9.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// CommandHandler runs one gm:command action and reports outcome for the
// ack frame.
type CommandHandler func(action string, payload json.RawMessage) (ok bool, message string)

// socket is one connected GM or admin-monitor station.
type socket struct {
	conn       *websocket.Conn
	deviceID   string
	deviceType string
	isAdmin    bool
	send       chan []byte

	closeOnce sync.Once
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.send)
		_ = s.conn.Close()
	})
}

// Gateway is the GM Gateway (C9).
type Gateway struct {
	log        hclog.Logger
	auth       *auth.Issuer
	pipeline   *pipeline.Pipeline
	sessions   *session.Service
	bus        *events.Bus
	commands   CommandHandler
	projection *projection.Projection

	mu      sync.RWMutex
	sockets map[*socket]struct{}
}

// New constructs a Gateway. commands dispatches gm:command actions; the
// caller (main) wires it to session/video/score operations so this
// package stays free of knowledge about those APIs beyond the thin
// CommandHandler seam. proj supplies the sync:full snapshot sent to every
// newly authenticated station, per spec.md §4.9 step 2 / §4.11.
func New(log hclog.Logger, issuer *auth.Issuer, pl *pipeline.Pipeline, sessions *session.Service, bus *events.Bus, commands CommandHandler, proj *projection.Projection) *Gateway {
	return &Gateway{
		log:        log,
		auth:       issuer,
		pipeline:   pl,
		sessions:   sessions,
		bus:        bus,
		commands:   commands,
		projection: proj,
		sockets:    make(map[*socket]struct{}),
	}
}

// ServeHTTP upgrades the connection and runs its lifetime, per spec.md §4.9.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &socket{conn: conn, send: make(chan []byte, outboundBufferSize)}
	if !g.authenticate(s) {
		// The write loop never starts for a rejected station, so write the
		// queued error frame directly before closing.
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = s.conn.WriteMessage(websocket.TextMessage, msg)
		default:
		}
		s.close()
		return
	}

	// The snapshot is also the body of the sync:full event sent on GM
	// connect, per spec.md §4.9 step 2 / §4.11 — private to this station,
	// queued before the station is registered for broadcasts so nothing
	// else can race it.
	if g.projection != nil {
		g.sendTo(s, envelope("sync:full", g.projection.Snapshot()))
	}

	g.mu.Lock()
	g.sockets[s] = struct{}{}
	g.mu.Unlock()
	g.bus.Publish(events.DeviceConnected, map[string]string{"deviceId": s.deviceID, "deviceType": s.deviceType})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); g.writeLoop(s) }()
	go func() { defer wg.Done(); g.readLoop(s) }()
	wg.Wait()

	g.mu.Lock()
	delete(g.sockets, s)
	g.mu.Unlock()
	g.bus.Publish(events.DeviceDisconnect, map[string]string{"deviceId": s.deviceID, "deviceType": s.deviceType})
}

// authenticate accepts either the modern handshake frame or the legacy
// gm:identify frame, per spec.md §4.9's backward-compatibility note.
func (g *Gateway) authenticate(s *socket) bool {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}

	var h handshake
	if err := json.Unmarshal(raw, &h); err == nil && h.Token != "" {
		if !g.auth.VerifyWSToken(h.Token) {
			g.sendError(s, "unauthorized")
			return false
		}
		s.deviceID = h.DeviceID
		s.deviceType = h.DeviceType
		s.isAdmin = h.DeviceType == "admin"
		return true
	}

	var legacy legacyIdentify
	if err := json.Unmarshal(raw, &legacy); err == nil && legacy.Event == "gm:identify" {
		if !g.auth.VerifyWSToken(legacy.Data.Token) {
			g.sendError(s, "unauthorized")
			return false
		}
		s.deviceID = legacy.Data.DeviceID
		s.deviceType = "gm"
		return true
	}

	g.sendError(s, "handshake required")
	return false
}

func (g *Gateway) writeLoop(s *socket) {
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.close()
			return
		}
	}
}

func (g *Gateway) readLoop(s *socket) {
	defer s.close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(s, raw)
	}
}

// dispatch handles one inbound frame, recovering from any panic in a
// handler so a single bad message never brings the socket (or the
// process) down, per spec.md §4.9's resilience note.
func (g *Gateway) dispatch(s *socket, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("gm gateway handler panic", "deviceId", s.deviceID, "panic", r)
			g.bus.Publish(events.ServiceError, map[string]any{"source": "wsgateway", "detail": r})
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.sendError(s, "malformed frame")
		return
	}

	switch frame.Event {
	case "transaction:submit":
		g.handleTransactionSubmit(s, frame.Data)
	case "gm:command":
		g.handleCommand(s, frame.Data)
	case "ping":
		g.sendTo(s, envelope("pong", nil))
	default:
		g.log.Debug("unrecognized gm gateway event", "event", frame.Event)
	}
}

type transactionSubmitPayload struct {
	TokenID string `json:"tokenId"`
	TeamID  string `json:"teamId"`
	Mode    string `json:"mode"`
}

func (g *Gateway) handleTransactionSubmit(s *socket, data json.RawMessage) {
	var p transactionSubmitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(s, "malformed transaction:submit payload")
		return
	}

	result := g.pipeline.Submit(pipeline.ScanRequest{
		TokenID:    p.TokenID,
		TeamID:     p.TeamID,
		DeviceID:   s.deviceID,
		DeviceType: pipeline.DeviceGM,
		Mode:       pipeline.Mode(p.Mode),
		Timestamp:  time.Now(),
	})

	// transaction:result is private to the submitting station; broadcast
	// side effects (transaction:new, score:updated, etc.) are already
	// published to the bus by the pipeline/session services and reach
	// every station through the broadcast fabric, not through this reply.
	g.sendTo(s, envelope("transaction:result", result))
}

type commandPayload struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (g *Gateway) handleCommand(s *socket, data json.RawMessage) {
	var p commandPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendAck(s, "", false, "malformed gm:command payload")
		return
	}
	if g.commands == nil {
		g.sendAck(s, p.Action, false, "no command handler configured")
		return
	}
	ok, msg := g.commands(p.Action, p.Payload)
	if msg == "" {
		if ok {
			msg = "ok"
		} else {
			msg = "command failed"
		}
	}
	g.sendAck(s, p.Action, ok, msg)
}

func (g *Gateway) sendAck(s *socket, action string, ok bool, message string) {
	g.sendTo(s, envelope("gm:command:ack", map[string]any{
		"action":  action,
		"success": ok,
		"message": message,
	}))
}

func (g *Gateway) sendError(s *socket, message string) {
	g.sendTo(s, envelope("error", map[string]string{"message": message}))
}

func envelope(event string, data any) []byte {
	out, _ := json.Marshal(map[string]any{
		"event":     event,
		"data":      data,
		"timestamp": time.Now().UnixMilli(),
	})
	return out
}

func (g *Gateway) sendTo(s *socket, payload []byte) {
	select {
	case s.send <- payload:
	default:
		g.log.Warn("gm station outbound buffer full, dropping message", "deviceId", s.deviceID)
	}
}

// --- broadcast.Transport implementation ---

// BroadcastAll sends payload to every connected station, GM and admin
// alike. The broadcast fabric currently routes every event to BroadcastGM,
// so nothing calls this in the running service.
func (g *Gateway) BroadcastAll(payload []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for s := range g.sockets {
		g.sendTo(s, payload)
	}
}

// BroadcastGM sends payload to every non-admin station.
func (g *Gateway) BroadcastGM(payload []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for s := range g.sockets {
		if !s.isAdmin {
			g.sendTo(s, payload)
		}
	}
}

// BroadcastAdmin sends payload only to admin-monitor stations.
func (g *Gateway) BroadcastAdmin(payload []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for s := range g.sockets {
		if s.isAdmin {
			g.sendTo(s, payload)
		}
	}
}

// SendToDevice sends payload to the single station with the given device
// id, used for the submitter-only transaction:result reply path when
// routed through the fabric instead of directly (reserved for future
// command replies that originate outside the gateway's own handlers).
func (g *Gateway) SendToDevice(deviceID string, payload []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for s := range g.sockets {
		if s.deviceID == deviceID {
			g.sendTo(s, payload)
		}
	}
}

// ConnectionCount reports the number of live stations, for metrics.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sockets)
}
