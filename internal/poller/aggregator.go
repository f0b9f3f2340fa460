package poller

import (
	"context"
	"math"
	"sync"
	"time"

	"sessionsync/internal/metrics"
	"sessionsync/pkg/arena"

	"go.uber.org/zap"
)

// pnlEpsilon absorbs float noise on percentage fields so a refresh that only
// jitters the last decimals does not propagate downstream.
const pnlEpsilon = 0.005

// Client is the slice of the arena REST client the aggregator needs.
type Client interface {
	GetActiveSessions(ctx context.Context) (arena.ActiveSessions, error)
}

// Aggregator polls the active-session endpoint on a fixed interval,
// coalesces concurrent fetches into one round trip, and commits a new
// snapshot only when it differs from the previous one.
type Aggregator struct {
	client   Client
	interval time.Duration
	window   time.Duration
	log      *zap.Logger
	rec      *metrics.Recorder
	now      func() time.Time

	mu        sync.Mutex
	call      *inflightCall
	committed arena.ActiveSessions
	fetched   bool
	lastErr   error
	stopped   bool

	wmu      sync.Mutex
	watchers map[int]func(arena.ActiveSessions)
	nextID   int
}

// inflightCall is the coalescing cache entry: one network round trip that any
// caller inside the window awaits instead of issuing its own.
type inflightCall struct {
	started time.Time
	done    chan struct{}
	res     arena.ActiveSessions
	err     error
}

// New creates an aggregator. interval defaults to 15s, window to 2s.
func New(client Client, interval, window time.Duration, log *zap.Logger, rec *metrics.Recorder) *Aggregator {
	if interval == 0 {
		interval = 15 * time.Second
	}
	if window == 0 {
		window = 2 * time.Second
	}
	return &Aggregator{
		client:   client,
		interval: interval,
		window:   window,
		log:      log,
		rec:      rec,
		now:      time.Now,
		watchers: make(map[int]func(arena.ActiveSessions)),
	}
}

// Run fetches immediately and then on every interval tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	if _, err := a.Fetch(ctx); err != nil {
		a.log.Warn("initial session poll failed", zap.Error(err))
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Fetch(ctx); err != nil {
				a.log.Warn("session poll failed", zap.Error(err))
			}
		}
	}
}

// Fetch returns the active sessions, reusing an in-flight or recent result
// when one exists inside the coalescing window. M concurrent callers inside
// the window share exactly one network round trip.
func (a *Aggregator) Fetch(ctx context.Context) (arena.ActiveSessions, error) {
	a.mu.Lock()
	if c := a.call; c != nil && a.now().Sub(c.started) < a.window {
		a.mu.Unlock()
		a.rec.PollCoalesced()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return arena.ActiveSessions{}, ctx.Err()
		}
	}

	c := &inflightCall{started: a.now(), done: make(chan struct{})}
	a.call = c
	a.mu.Unlock()

	res, err := a.client.GetActiveSessions(ctx)
	c.res, c.err = res, err
	close(c.done)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		// Evict our own cache entry so the next tick retries cleanly.
		if a.call == c {
			a.call = nil
		}
		a.lastErr = err
		a.rec.PollFetch("error")
		return arena.ActiveSessions{}, err
	}

	a.lastErr = nil
	a.rec.PollFetch("ok")

	// A response landing after Stop is discarded, not applied.
	if a.stopped {
		return res, nil
	}
	a.commitLocked(res)
	return res, nil
}

// Committed returns the last committed snapshot and the last fetch error.
// The bool reports whether any fetch has succeeded yet.
func (a *Aggregator) Committed() (arena.ActiveSessions, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneSessions(a.committed), a.fetched, a.lastErr
}

// Stop marks the aggregator as torn down: in-flight responses are discarded
// and no further state is committed. Run's context handles the ticker.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.call = nil
	a.mu.Unlock()
}

// Watch registers a callback fired on every committed (i.e. actually
// changed) snapshot. Returns the cancel function.
func (a *Aggregator) Watch(fn func(arena.ActiveSessions)) func() {
	a.wmu.Lock()
	id := a.nextID
	a.nextID++
	a.watchers[id] = fn
	a.wmu.Unlock()

	return func() {
		a.wmu.Lock()
		delete(a.watchers, id)
		a.wmu.Unlock()
	}
}

// commitLocked replaces committed state only when something really changed,
// suppressing no-op refreshes. Caller holds a.mu.
func (a *Aggregator) commitLocked(res arena.ActiveSessions) {
	if a.fetched && sessionsEqual(a.committed, res) {
		return
	}
	a.committed = cloneSessions(res)
	a.fetched = true

	snapshot := cloneSessions(res)
	go a.notify(snapshot)
}

func (a *Aggregator) notify(res arena.ActiveSessions) {
	a.wmu.Lock()
	fns := make([]func(arena.ActiveSessions), 0, len(a.watchers))
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	a.wmu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
}

func cloneSessions(s arena.ActiveSessions) arena.ActiveSessions {
	return arena.ActiveSessions{
		Forward:  append([]arena.SessionSummary(nil), s.Forward...),
		Backtest: append([]arena.SessionSummary(nil), s.Backtest...),
	}
}

func sessionsEqual(a, b arena.ActiveSessions) bool {
	return listEqual(a.Forward, b.Forward) && listEqual(a.Backtest, b.Backtest)
}

// listEqual compares session lists by id, field-wise, with an epsilon on the
// percentage fields.
func listEqual(a, b []arena.SessionSummary) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]arena.SessionSummary, len(a))
	for _, s := range a {
		byID[s.ID] = s
	}
	for _, s := range b {
		prev, ok := byID[s.ID]
		if !ok || !summaryEqual(prev, s) {
			return false
		}
	}
	return true
}

func summaryEqual(a, b arena.SessionSummary) bool {
	return a.AgentID == b.AgentID &&
		a.AgentName == b.AgentName &&
		a.Asset == b.Asset &&
		a.Status == b.Status &&
		a.StartedAt == b.StartedAt &&
		a.DurationDisplay == b.DurationDisplay &&
		a.TradesCount == b.TradesCount &&
		math.Abs(a.CurrentPnLPct-b.CurrentPnLPct) < pnlEpsilon &&
		math.Abs(a.WinRate-b.WinRate) < pnlEpsilon
}
