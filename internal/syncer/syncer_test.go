package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sessionsync/internal/poller"
	"sessionsync/internal/presence"
	"sessionsync/internal/session"
	"sessionsync/internal/stream"
	"sessionsync/pkg/arena"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeArena is an engine stub: a REST endpoint listing active sessions and a
// websocket endpoint that replays a fixed set of frames per connection.
type fakeArena struct {
	mu     sync.Mutex
	active arena.ActiveSessions
	frames []string

	rest *httptest.Server
	ws   *httptest.Server
}

func newFakeArena(t *testing.T) *fakeArena {
	f := &fakeArena{}

	f.rest = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/active" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.active)
	}))
	t.Cleanup(f.rest.Close)

	f.ws = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		frames := append([]string(nil), f.frames...)
		f.mu.Unlock()
		for _, frame := range frames {
			if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.ws.Close)

	return f
}

func (f *fakeArena) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ws.URL, "http")
}

func (f *fakeArena) setActive(active arena.ActiveSessions) {
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
}

func (f *fakeArena) setFrames(frames ...string) {
	f.mu.Lock()
	f.frames = frames
	f.mu.Unlock()
}

func newTestSyncer(t *testing.T, f *fakeArena) (*Syncer, *session.Store, *presence.Machine) {
	log := zap.NewNop()
	client := arena.NewRESTClient(f.rest.URL, 2*time.Second, nil)
	mux := stream.New(f.wsURL(), nil, stream.Options{
		HandshakeTimeout: 2 * time.Second,
		ReconnectMin:     20 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
	}, log, nil)
	store := session.NewStore(log, nil)
	poll := poller.New(client, 30*time.Millisecond, time.Millisecond, log, nil)
	pres := presence.NewMachine(presence.Dismiss{
		Narrator:    40 * time.Millisecond,
		Trade:       40 * time.Millisecond,
		Alpha:       40 * time.Millisecond,
		Celebration: 40 * time.Millisecond,
		IdleGrace:   10 * time.Millisecond,
	}, log)

	return New(client, mux, store, poll, pres, log), store, pres
}

func runSyncer(t *testing.T, s *Syncer) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSyncerFollowsActiveSessionsIntoStore(t *testing.T) {
	f := newFakeArena(t)
	f.setFrames(
		`{"type":"session_initialized","data":{"asset":"BTCUSDT","total_candles":100}}`,
		`{"type":"candle","data":{"timestamp":1000,"close":42}}`,
	)
	f.setActive(arena.ActiveSessions{
		Backtest: []arena.SessionSummary{{ID: "sess-1", Status: "running"}},
	})

	s, store, _ := newTestSyncer(t, f)

	runSyncer(t, s)

	require.Eventually(t, func() bool {
		snap, ok := store.Snapshot("sess-1")
		return ok && len(snap.Candles) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := store.Snapshot("sess-1")
	assert.Equal(t, "BTCUSDT", snap.Asset)
	assert.Equal(t, arena.StatusRunning, snap.Status)
	assert.Equal(t, 42.0, snap.Candles[0].Close)
}

func TestSyncerUnsubscribesVanishedSessions(t *testing.T) {
	f := newFakeArena(t)
	f.setActive(arena.ActiveSessions{
		Backtest: []arena.SessionSummary{{ID: "sess-1", Status: "running"}},
	})

	s, _, _ := newTestSyncer(t, f)

	runSyncer(t, s)

	key := stream.Key{Channel: arena.ChannelBacktest, SessionID: "sess-1"}
	require.Eventually(t, func() bool {
		s.mu.Lock()
		_, ok := s.subs[key]
		s.mu.Unlock()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The session disappears from the poll: its stream is unsubscribed.
	f.setActive(arena.ActiveSessions{})
	require.Eventually(t, func() bool {
		s.mu.Lock()
		_, ok := s.subs[key]
		s.mu.Unlock()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncerShowsLiveSessionForNewForward(t *testing.T) {
	f := newFakeArena(t)
	f.setActive(arena.ActiveSessions{
		Forward: []arena.SessionSummary{{ID: "fwd-1", Status: "running"}},
	})

	s, _, pres := newTestSyncer(t, f)

	runSyncer(t, s)

	require.Eventually(t, func() bool {
		mode, p := pres.Current()
		lp, ok := p.(presence.LiveSessionPayload)
		return mode == presence.ModeLiveSession && ok && lp.SessionID == "fwd-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncerClearSessionEvictsAggregate(t *testing.T) {
	f := newFakeArena(t)
	f.setFrames(`{"type":"candle","data":{"timestamp":1000,"close":1}}`)
	f.setActive(arena.ActiveSessions{
		Backtest: []arena.SessionSummary{{ID: "sess-1", Status: "running"}},
	})

	s, store, _ := newTestSyncer(t, f)

	runSyncer(t, s)

	require.Eventually(t, func() bool {
		_, ok := store.Snapshot("sess-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	s.ClearSession(arena.ChannelBacktest, "sess-1")
	_, ok := store.Snapshot("sess-1")
	assert.False(t, ok)
}
