package stream

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"sessionsync/internal/metrics"
	"sessionsync/pkg/arena"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler receives decoded stream events for one subscription.
type Handler func(arena.Envelope)

// TokenProvider returns the bearer token for one dial attempt.
type TokenProvider func(ctx context.Context) (string, error)

// Key identifies one underlying streaming connection.
type Key struct {
	Channel   arena.ChannelKind
	SessionID string
}

// ConnState is the externally visible state of one connection.
type ConnState struct {
	Connected     bool
	LastError     error
	LastHeartbeat time.Time
}

// Options tunes dial and reconnect behavior.
type Options struct {
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// DefaultOptions returns the reconnect envelope used when a field is zero.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		ReconnectMin:     1 * time.Second,
		ReconnectMax:     30 * time.Second,
	}
}

// Multiplexer shares one websocket connection per (channel, session) across
// any number of subscription handles. It owns every connection exclusively:
// observers only ever hold an unsubscribe capability.
type Multiplexer struct {
	wsURL string
	token TokenProvider
	opts  Options
	log   *zap.Logger
	rec   *metrics.Recorder

	mu    sync.Mutex
	conns map[Key]*conn
}

// New creates a multiplexer dialing wsURL + "/<channel>/<session-id>".
// token may be nil for unauthenticated streams; rec may be nil.
func New(wsURL string, token TokenProvider, opts Options, log *zap.Logger, rec *metrics.Recorder) *Multiplexer {
	def := DefaultOptions()
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = def.ReconnectMin
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	return &Multiplexer{
		wsURL: wsURL,
		token: token,
		opts:  opts,
		log:   log,
		rec:   rec,
		conns: make(map[Key]*conn),
	}
}

// Subscribe registers a handler for the given (channel, session) stream and
// returns its unsubscribe function. The first handle for a key opens the
// underlying connection; later handles attach to it. Calling the returned
// function more than once is a no-op.
func (m *Multiplexer) Subscribe(channel arena.ChannelKind, sessionID string, h Handler) (func(), error) {
	if sessionID == "" {
		return nil, fmt.Errorf("subscribe: empty session id")
	}
	if h == nil {
		return nil, fmt.Errorf("subscribe: nil handler")
	}
	key := Key{Channel: channel, SessionID: sessionID}

	for {
		m.mu.Lock()
		c, ok := m.conns[key]
		if !ok {
			c = newConn(m, key)
			m.conns[key] = c
			go c.run()
		}
		m.mu.Unlock()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			// Raced with the last handle's teardown; drop the stale entry
			// and open a fresh connection.
			m.mu.Lock()
			if m.conns[key] == c {
				delete(m.conns, key)
			}
			m.mu.Unlock()
			continue
		}
		id := c.nextID
		c.nextID++
		c.handlers[id] = h
		c.mu.Unlock()

		m.rec.SubscriberAdded(string(channel))

		var once sync.Once
		return func() {
			once.Do(func() {
				m.rec.SubscriberRemoved(string(channel))
				c.removeHandler(id)
			})
		}, nil
	}
}

// GetConnectionState reports transient connection state for a key. A key with
// no live handles reports a zero state.
func (m *Multiplexer) GetConnectionState(channel arena.ChannelKind, sessionID string) ConnState {
	m.mu.Lock()
	c, ok := m.conns[Key{Channel: channel, SessionID: sessionID}]
	m.mu.Unlock()
	if !ok {
		return ConnState{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscriberCount reports the number of live handles for a key.
func (m *Multiplexer) SubscriberCount(channel arena.ChannelKind, sessionID string) int {
	m.mu.Lock()
	c, ok := m.conns[Key{Channel: channel, SessionID: sessionID}]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// conn is one refcounted websocket connection plus its handler set.
type conn struct {
	mux *Multiplexer
	key Key

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	ws       *websocket.Conn
	state    ConnState
	closed   bool

	done chan struct{}
}

func newConn(m *Multiplexer, key Key) *conn {
	return &conn{
		mux:      m,
		key:      key,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
}

func (c *conn) url() string {
	return fmt.Sprintf("%s/%s/%s", c.mux.wsURL, c.key.Channel, c.key.SessionID)
}

// removeHandler drops one handle; the last removal tears the connection down.
func (c *conn) removeHandler(id int) {
	c.mu.Lock()
	delete(c.handlers, id)
	last := len(c.handlers) == 0 && !c.closed
	if last {
		c.closed = true
	}
	ws := c.ws
	c.mu.Unlock()

	if !last {
		return
	}

	c.mux.mu.Lock()
	if c.mux.conns[c.key] == c {
		delete(c.mux.conns, c.key)
	}
	c.mux.mu.Unlock()

	close(c.done)
	if ws != nil {
		_ = ws.Close()
	}
}

// run owns the connection lifecycle: dial with a fresh token, read until the
// transport fails, then reconnect with capped exponential backoff for as long
// as any handle remains.
func (c *conn) run() {
	delay := c.mux.opts.ReconnectMin
	attempt := 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if attempt > 0 {
			c.mux.rec.Reconnect(string(c.key.Channel))
		}
		attempt++

		ws, err := c.dial()
		if err != nil {
			c.fail(err)
			if !c.sleep(&delay) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.state.Connected = true
		c.state.LastError = nil
		c.mu.Unlock()

		c.mux.log.Info("stream connected",
			zap.String("channel", string(c.key.Channel)),
			zap.String("session", c.key.SessionID))
		c.mux.rec.ConnectionOpened(string(c.key.Channel))

		delay = c.mux.opts.ReconnectMin
		c.readLoop(ws)

		c.mux.rec.ConnectionClosed(string(c.key.Channel))

		c.mu.Lock()
		c.state.Connected = false
		c.ws = nil
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}
		if !c.sleep(&delay) {
			return
		}
	}
}

// sleep waits out the current backoff delay and doubles it for the next
// attempt, capped at ReconnectMax. Returns false when the connection is torn
// down mid-wait so run can exit without another dial.
func (c *conn) sleep(delay *time.Duration) bool {
	t := time.NewTimer(*delay)
	defer t.Stop()

	next := *delay * 2
	if next > c.mux.opts.ReconnectMax {
		next = c.mux.opts.ReconnectMax
	}
	*delay = next

	select {
	case <-c.done:
		return false
	case <-t.C:
		return true
	}
}

// dial fetches a fresh token and opens the websocket. The token provider is
// invoked on every attempt so rotation is transparent.
func (c *conn) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.mux.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.mux.token != nil {
		tok, err := c.mux.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.mux.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url(), header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return ws, nil
}

func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.fail(err)
			}
			return
		}

		env, err := arena.DecodeFrame(msg)
		if err != nil {
			c.mux.log.Warn("dropping malformed frame",
				zap.String("session", c.key.SessionID), zap.Error(err))
			c.mux.rec.MalformedDropped()
			continue
		}

		if _, ok := env.Event.(*arena.HeartbeatEvent); ok {
			c.mu.Lock()
			c.state.LastHeartbeat = time.Now()
			c.mu.Unlock()
		}

		c.dispatch(env)
	}
}

// fail records a transport error and forwards it to subscribers as an error
// event. Errors are never thrown into observer code without a channel to
// catch them.
func (c *conn) fail(err error) {
	c.mu.Lock()
	c.state.Connected = false
	c.state.LastError = err
	c.mu.Unlock()

	c.mux.log.Warn("stream error",
		zap.String("channel", string(c.key.Channel)),
		zap.String("session", c.key.SessionID),
		zap.Error(err))

	c.dispatch(arena.Envelope{Event: &arena.ErrorEvent{Message: err.Error(), Code: "transport"}})
}

// dispatch delivers one envelope to every live handler in registration order.
// The handler set is re-checked per call so an unsubscribed handle is never
// invoked after its unsubscribe returns.
func (c *conn) dispatch(env arena.Envelope) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Ints(ids)

	for _, id := range ids {
		c.mu.Lock()
		h := c.handlers[id]
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}
