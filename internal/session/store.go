package session

import (
	"sync"
	"time"

	"sessionsync/internal/metrics"
	"sessionsync/pkg/arena"

	"go.uber.org/zap"
)

// Change describes one committed aggregate mutation, delivered to watchers
// with a snapshot so observers never touch live state.
type Change struct {
	SessionID string
	Channel   arena.ChannelKind
	Kind      arena.EventKind
	State     State
}

// WatchFunc receives committed changes. Callbacks run on the event-delivery
// goroutine of the originating session, so they must not block.
type WatchFunc func(Change)

// Store owns every session aggregate. Aggregates are created lazily on first
// event and evicted explicitly; the reconciler behind each one is its single
// writer.
type Store struct {
	log *zap.Logger
	rec *metrics.Recorder
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*reconciler

	wmu       sync.Mutex
	watchers  map[int]WatchFunc
	nextWatch int
}

func NewStore(log *zap.Logger, rec *metrics.Recorder) *Store {
	return &Store{
		log:      log,
		rec:      rec,
		now:      time.Now,
		sessions: make(map[string]*reconciler),
		watchers: make(map[int]WatchFunc),
	}
}

// HandlerFor adapts the store into a multiplexer event handler for one
// session stream.
func (s *Store) HandlerFor(channel arena.ChannelKind, sessionID string) func(arena.Envelope) {
	return func(env arena.Envelope) {
		s.Apply(channel, sessionID, env)
	}
}

// Apply reconciles one envelope into the session's aggregate, creating the
// aggregate on first event. Watchers are notified only when observable state
// actually changed, so duplicate or no-op events propagate nothing.
func (s *Store) Apply(channel arena.ChannelKind, sessionID string, env arena.Envelope) {
	r := s.reconcilerFor(channel, sessionID)

	changed, duplicate := r.apply(env)
	if duplicate {
		s.rec.DuplicateDropped()
		return
	}
	if !changed {
		return
	}
	s.rec.EventApplied(string(env.Event.Kind()))

	s.notify(Change{
		SessionID: sessionID,
		Channel:   channel,
		Kind:      env.Event.Kind(),
		State:     r.snapshot(),
	})
}

// Seed installs a session-start response (id, totals, preview candles) so
// views have data before the first stream event lands.
func (s *Store) Seed(channel arena.ChannelKind, resp arena.StartSessionResponse) {
	if resp.SessionID == "" {
		return
	}
	r := s.reconcilerFor(channel, resp.SessionID)
	r.seed(resp)

	s.notify(Change{
		SessionID: resp.SessionID,
		Channel:   channel,
		Kind:      arena.EventSessionInitialized,
		State:     r.snapshot(),
	})
}

// Snapshot returns a deep copy of one session's aggregate.
func (s *Store) Snapshot(sessionID string) (State, bool) {
	s.mu.RLock()
	r, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	return r.snapshot(), true
}

// Sessions lists the session ids with live aggregates.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Evict drops a session's aggregate. Used when the observer clears the
// session or navigates away; streaming for it should be unsubscribed first.
func (s *Store) Evict(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Watch registers a change callback and returns its cancel function.
func (s *Store) Watch(fn WatchFunc) func() {
	s.wmu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.wmu.Unlock()

	return func() {
		s.wmu.Lock()
		delete(s.watchers, id)
		s.wmu.Unlock()
	}
}

func (s *Store) reconcilerFor(channel arena.ChannelKind, sessionID string) *reconciler {
	// Fast path: read lock only.
	s.mu.RLock()
	r, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.sessions[sessionID]; !ok {
		r = newReconciler(sessionID, channel, s.now, s.log)
		s.sessions[sessionID] = r
	}
	return r
}

func (s *Store) notify(c Change) {
	s.wmu.Lock()
	fns := make([]WatchFunc, 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.wmu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
