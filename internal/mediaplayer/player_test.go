package mediaplayer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVLC is a minimal stand-in for VLC's /requests/status.json endpoint,
// letting tests drive state transitions without a real player.
type fakeVLC struct {
	mu    chan struct{} // acts as a lock via buffered-channel token
	state string
}

func newFakeVLC() *fakeVLC {
	f := &fakeVLC{mu: make(chan struct{}, 1), state: "stopped"}
	f.mu <- struct{}{}
	return f
}

func (f *fakeVLC) setState(s string) {
	<-f.mu
	f.state = s
	f.mu <- struct{}{}
}

func (f *fakeVLC) handler(w http.ResponseWriter, r *http.Request) {
	<-f.mu
	state := f.state
	f.mu <- struct{}{}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(vlcStatus{State: state})
}

func startFakeVLC(t *testing.T) (*fakeVLC, string, int) {
	t.Helper()
	vlc := newFakeVLC()
	srv := httptest.NewServer(http.HandlerFunc(vlc.handler))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return vlc, u.Hostname(), port
}

func TestCommandsMarkConnectedOnSuccess(t *testing.T) {
	_, host, port := startFakeVLC(t)
	c := New(hclog.NewNullLogger(), Config{Host: host, Port: port, PollInterval: 20 * time.Millisecond})
	t.Cleanup(c.Stop)

	require.NoError(t, c.Play(context.Background(), "vid1.mp4"))
	assert.True(t, c.IsConnected())
}

func TestUnreachablePlayerMarksDisconnected(t *testing.T) {
	c := New(hclog.NewNullLogger(), Config{Host: "127.0.0.1", Port: 1, PollInterval: 20 * time.Millisecond, CommandTimeout: 100 * time.Millisecond})
	t.Cleanup(c.Stop)

	err := c.Play(context.Background(), "vid1.mp4")
	assert.Error(t, err)
	assert.False(t, c.IsConnected())
}

// A playing->stopped transition observed by the poll loop after a Play call
// emits a completed event, which is how internal/video advances its queue.
func TestPollLoopEmitsCompletedOnPlayingToStoppedTransition(t *testing.T) {
	vlc, host, port := startFakeVLC(t)
	c := New(hclog.NewNullLogger(), Config{Host: host, Port: port, PollInterval: 10 * time.Millisecond})
	t.Cleanup(c.Stop)

	require.NoError(t, c.Play(context.Background(), "vid1.mp4"))
	vlc.setState("playing")
	waitForPollObservation(t, c, "playing")

	vlc.setState("stopped")

	// The first successful command already emitted a connected event;
	// skip it and expect the next event to be completed.
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == EventConnected {
				continue
			}
			assert.Equal(t, EventCompleted, ev.Kind)
			return
		case <-timeout:
			t.Fatal("expected a completed event after playing->stopped transition")
		}
	}
}

func TestReturnToIdleLoopPlaysConfiguredAsset(t *testing.T) {
	_, host, port := startFakeVLC(t)
	c := New(hclog.NewNullLogger(), Config{Host: host, Port: port, PollInterval: 20 * time.Millisecond, IdleLoopFile: "idle.mp4"})
	t.Cleanup(c.Stop)

	require.NoError(t, c.ReturnToIdleLoop(context.Background()))
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "idle.mp4", c.currentFile)
}

func waitForPollObservation(t *testing.T, c *Client, want string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := c.lastState
		c.mu.Unlock()
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("poll loop never observed state %q", want)
}
