package syncer

import (
	"context"
	"sync"

	"sessionsync/internal/poller"
	"sessionsync/internal/presence"
	"sessionsync/internal/session"
	"sessionsync/internal/stream"
	"sessionsync/pkg/arena"

	"go.uber.org/zap"
)

// Syncer keeps the local aggregates in step with the remote engine: it
// follows the poller's active-session snapshots, subscribes each active
// session's stream through the multiplexer, feeds events to the session
// store, and translates stream signals into presence intents.
type Syncer struct {
	client   *arena.RESTClient
	mux      *stream.Multiplexer
	store    *session.Store
	poll     *poller.Aggregator
	presence *presence.Machine
	log      *zap.Logger

	mu   sync.Mutex
	subs map[stream.Key]func()
}

func New(client *arena.RESTClient, mux *stream.Multiplexer, store *session.Store,
	poll *poller.Aggregator, pres *presence.Machine, log *zap.Logger) *Syncer {
	return &Syncer{
		client:   client,
		mux:      mux,
		store:    store,
		poll:     poll,
		presence: pres,
		log:      log,
		subs:     make(map[stream.Key]func()),
	}
}

// Run drives the poll loop and keeps subscriptions reconciled until ctx is
// done, then tears everything down.
func (s *Syncer) Run(ctx context.Context) {
	cancelWatch := s.poll.Watch(s.reconcileSubscriptions)
	defer cancelWatch()

	s.poll.Run(ctx)

	s.poll.Stop()
	s.unsubscribeAll()
}

// StartBacktest starts a backtest on the engine, seeds the aggregate from the
// response and subscribes to its stream.
func (s *Syncer) StartBacktest(ctx context.Context, req arena.StartSessionRequest) (string, error) {
	return s.startSession(ctx, arena.ChannelBacktest, req)
}

// StartForward starts a forward test on the engine, seeds the aggregate and
// subscribes to its stream.
func (s *Syncer) StartForward(ctx context.Context, req arena.StartSessionRequest) (string, error) {
	return s.startSession(ctx, arena.ChannelForward, req)
}

func (s *Syncer) startSession(ctx context.Context, channel arena.ChannelKind, req arena.StartSessionRequest) (string, error) {
	var (
		resp arena.StartSessionResponse
		err  error
	)
	if channel == arena.ChannelBacktest {
		resp, err = s.client.StartBacktest(ctx, req)
	} else {
		resp, err = s.client.StartForward(ctx, req)
	}
	if err != nil {
		return "", err
	}

	s.store.Seed(channel, resp)

	s.mu.Lock()
	s.subscribeLocked(stream.Key{Channel: channel, SessionID: resp.SessionID})
	s.mu.Unlock()

	return resp.SessionID, nil
}

// ClearSession unsubscribes a session's stream and evicts its aggregate.
// This is the observer-driven teardown path (clear / navigate away).
func (s *Syncer) ClearSession(channel arena.ChannelKind, sessionID string) {
	key := stream.Key{Channel: channel, SessionID: sessionID}

	s.mu.Lock()
	if unsub, ok := s.subs[key]; ok {
		delete(s.subs, key)
		unsub()
	}
	s.mu.Unlock()

	s.store.Evict(sessionID)
}

// reconcileSubscriptions aligns the subscription set with the latest
// active-session snapshot: new sessions are subscribed, vanished ones are
// unsubscribed (their aggregates stay readable until explicitly cleared).
func (s *Syncer) reconcileSubscriptions(active arena.ActiveSessions) {
	want := make(map[stream.Key]bool, len(active.Forward)+len(active.Backtest))
	for _, sm := range active.Forward {
		want[stream.Key{Channel: arena.ChannelForward, SessionID: sm.ID}] = true
	}
	for _, sm := range active.Backtest {
		want[stream.Key{Channel: arena.ChannelBacktest, SessionID: sm.ID}] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range want {
		if _, ok := s.subs[key]; !ok {
			s.subscribeLocked(key)
			if key.Channel == arena.ChannelForward {
				s.presence.ShowLiveSession(presence.LiveSessionPayload{
					SessionID: key.SessionID,
					Channel:   key.Channel,
				})
			}
		}
	}
	for key, unsub := range s.subs {
		if !want[key] {
			delete(s.subs, key)
			unsub()
		}
	}
}

func (s *Syncer) subscribeLocked(key stream.Key) {
	if _, ok := s.subs[key]; ok {
		return
	}
	unsub, err := s.mux.Subscribe(key.Channel, key.SessionID, s.handlerFor(key))
	if err != nil {
		s.log.Warn("subscribe failed",
			zap.String("channel", string(key.Channel)),
			zap.String("session", key.SessionID),
			zap.Error(err))
		return
	}
	s.subs[key] = unsub
	s.log.Info("following session",
		zap.String("channel", string(key.Channel)),
		zap.String("session", key.SessionID))
}

func (s *Syncer) unsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, unsub := range s.subs {
		delete(s.subs, key)
		unsub()
	}
}

// handlerFor feeds the reconciler and derives presence signals from the
// stream. The reconciler is updated first so presence handlers always see
// the post-event aggregate.
func (s *Syncer) handlerFor(key stream.Key) stream.Handler {
	apply := s.store.HandlerFor(key.Channel, key.SessionID)

	return func(env arena.Envelope) {
		apply(env)

		switch ev := env.Event.(type) {
		case *arena.AiThinkingEvent:
			s.presence.RequestAnalyzing(presence.AnalyzingPayload{SessionID: key.SessionID})
		case *arena.PositionClosedEvent:
			s.presence.ShowTrade(presence.TradePayload{SessionID: key.SessionID, Trade: ev.Trade})
		case *arena.SessionCompletedEvent:
			pnl := 0.0
			if snap, ok := s.store.Snapshot(key.SessionID); ok {
				pnl = snap.Stats.PnLPct
			}
			s.presence.ShowCelebration(presence.CelebrationPayload{SessionID: key.SessionID, PnLPct: pnl})
		case *arena.ErrorEvent:
			if ev.Code == "transport" {
				s.presence.ShowConnection(presence.ConnectionPayload{Message: ev.Message})
			}
		}
	}
}
