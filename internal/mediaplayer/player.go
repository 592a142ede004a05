// Package mediaplayer implements the Media Player Port (C3): a bounded
// HTTP client against a VLC-style HTTP control interface, plus a status
// polling loop that surfaces connect/disconnect/completion as events the
// Video Queue & Playback FSM (C6) consumes. spec.md §4.3 deliberately
// leaves the wire protocol to "whatever the deployed player exposes"; this
// implementation targets VLC's documented `/requests/status.json`
// interface, the reference player named in spec.md's glossary.
package mediaplayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// EventKind is the closed set of player lifecycle events, per spec.md §4.3.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventCompleted    EventKind = "completed"
	EventError        EventKind = "error"
)

// Event is published on the channel returned by Port.Events().
type Event struct {
	Kind    EventKind
	Message string
}

// Port is the interface internal/video depends on, kept narrow so it can
// be faked in tests without a real VLC instance.
type Port interface {
	Play(ctx context.Context, filename string) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	ReturnToIdleLoop(ctx context.Context) error
	IsConnected() bool
	Events() <-chan Event
}

// Config configures the VLC HTTP control connection, mirrored from
// internal/config.MediaPlayerConfig.
type Config struct {
	Host           string
	Port           int
	Password       string
	PollInterval   time.Duration
	CommandTimeout time.Duration
	IdleLoopFile   string
}

// vlcStatus is the subset of VLC's status.json this package reads.
type vlcStatus struct {
	State        string `json:"state"`
	Position     float64 `json:"position"`
	CurrentPlID  int    `json:"currentplid"`
	Information  struct {
		Category map[string]map[string]string `json:"category"`
	} `json:"information"`
}

// Client is the VLC-backed implementation of Port.
type Client struct {
	log hclog.Logger
	cfg Config
	hc  *http.Client

	mu          sync.Mutex
	connected   bool
	lastState   string
	currentFile string

	events chan Event
	done   chan struct{}
}

// New constructs a Client and starts its status-polling goroutine.
func New(log hclog.Logger, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Second
	}
	c := &Client{
		log:    log,
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.CommandTimeout},
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
	go c.pollLoop()
	return c
}

// Stop halts the polling goroutine.
func (c *Client) Stop() { close(c.done) }

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("http://%s:%d/requests", c.cfg.Host, c.cfg.Port)
}

// Play issues VLC's in_play command, replacing the current playlist item.
func (c *Client) Play(ctx context.Context, filename string) error {
	c.mu.Lock()
	c.currentFile = filename
	c.mu.Unlock()
	_, err := c.command(ctx, map[string]string{
		"command": "in_play",
		"input":   filename,
	})
	return err
}

// Pause issues VLC's pl_pause toggle.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.command(ctx, map[string]string{"command": "pl_pause"})
	return err
}

// Stop issues VLC's pl_stop.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.command(ctx, map[string]string{"command": "pl_stop"})
	return err
}

// ReturnToIdleLoop plays the configured idle-loop asset, per spec.md §4.3.
func (c *Client) ReturnToIdleLoop(ctx context.Context) error {
	if c.cfg.IdleLoopFile == "" {
		return c.Stop(ctx)
	}
	return c.Play(ctx, c.cfg.IdleLoopFile)
}

func (c *Client) command(ctx context.Context, params map[string]string) (*vlcStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	u, err := url.Parse(c.baseURL() + "/status.json")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Password != "" {
		req.SetBasicAuth("", c.cfg.Password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.markDisconnected(err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("vlc http control returned status %d", resp.StatusCode)
		c.markDisconnected(err)
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var st vlcStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, err
	}
	c.markConnected()
	return &st, nil
}

func (c *Client) markConnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = true
	c.mu.Unlock()
	if !wasConnected {
		c.log.Info("media player connected", "host", c.cfg.Host, "port", c.cfg.Port)
		c.emit(Event{Kind: EventConnected})
	}
}

func (c *Client) markDisconnected(cause error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.log.Warn("media player disconnected", "error", cause)
		c.emit(Event{Kind: EventDisconnected, Message: cause.Error()})
	}
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.Warn("media player event channel full, dropping event", "kind", e.Kind)
	}
}

// pollLoop drives status() at cfg.PollInterval, per spec.md §4.3, and
// translates VLC's "stopped after having played something" transition into
// a completed event for the FSM.
func (c *Client) pollLoop() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st, err := c.command(context.Background(), map[string]string{"command": ""})
			if err != nil {
				continue
			}
			c.mu.Lock()
			prev := c.lastState
			c.lastState = st.State
			playingFile := c.currentFile != ""
			c.mu.Unlock()

			if prev == "playing" && st.State == "stopped" && playingFile {
				c.mu.Lock()
				c.currentFile = ""
				c.mu.Unlock()
				c.emit(Event{Kind: EventCompleted})
			}
		case <-c.done:
			return
		}
	}
}
