package session

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"sessionsync/pkg/arena"

	"go.uber.org/zap"
)

// Tunables. The burst thresholds are timing heuristics with no server-side
// backfill acknowledgment; a stats_update is the only hard proof the stream
// has caught up to live processing.
const (
	dedupWindowCap  = 1000
	dedupWindowKeep = 500

	burstFastGap        = 50 * time.Millisecond
	burstEnterCandles   = 5
	burstExitMinCandles = 10

	maxTrades   = 100
	maxThoughts = 50
)

// reconciler applies the event stream of one session to its aggregate.
// It is the single writer for that state; callers read through snapshots.
type reconciler struct {
	mu    sync.Mutex
	state State
	dedup dedupWindow
	burst burstDetector
	now   func() time.Time
	log   *zap.Logger
}

func newReconciler(sessionID string, channel arena.ChannelKind, now func() time.Time, log *zap.Logger) *reconciler {
	return &reconciler{
		state: State{SessionID: sessionID, Channel: channel, Status: arena.StatusUninitialized},
		now:   now,
		log:   log,
	}
}

// apply reconciles one envelope into the aggregate. It returns whether any
// observable state changed and whether the event was dropped as a duplicate.
func (r *reconciler) apply(env arena.Envelope) (changed, duplicate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.dedup.seen(dedupKey(env, now)) {
		return false, true
	}
	r.state.LastEventAt = now

	switch ev := env.Event.(type) {
	case *arena.SessionInitializedEvent:
		r.advanceStatus(arena.StatusInitializing)
		if ev.Asset != "" {
			r.state.Asset = ev.Asset
		}
		if ev.TotalCandles > 0 {
			r.state.Stats.TotalCandles = ev.TotalCandles
		}

	case *arena.CandleEvent:
		r.applyCandle(ev.Candle)
		r.state.LoadingHistory = r.burst.observe(now)
		if r.state.Status == arena.StatusUninitialized || r.state.Status == arena.StatusInitializing {
			r.advanceStatus(arena.StatusRunning)
		}

	case *arena.AiThinkingEvent:
		r.addThought(arena.Thought{CandleIndex: ev.CandleIndex, Text: ev.Text, Kind: "thinking"})

	case *arena.AiDecisionEvent:
		text := ev.Action
		if ev.Reason != "" {
			text = fmt.Sprintf("%s: %s", ev.Action, ev.Reason)
		}
		r.addThought(arena.Thought{CandleIndex: ev.CandleIndex, Text: text, Kind: "decision"})

	case *arena.PositionOpenedEvent:
		p := ev.Position
		r.state.OpenPosition = &p

	case *arena.PositionClosedEvent:
		r.upsertTrade(ev.Trade)
		r.state.OpenPosition = nil

	case *arena.StatsUpdateEvent:
		r.mergeStats(ev.StatsUpdate)
		// Stats only flow once the stream is live, so any backfill burst
		// is over.
		r.burst.reset()
		r.state.LoadingHistory = false

	case *arena.SessionCompletedEvent:
		if ev.FinalEquity != nil {
			r.state.Stats.Equity = *ev.FinalEquity
		}
		if ev.PnLPct != nil {
			r.state.Stats.PnLPct = *ev.PnLPct
		}
		r.advanceStatus(arena.StatusCompleted)

	case *arena.SessionPausedEvent:
		r.advanceStatus(arena.StatusPaused)

	case *arena.SessionResumedEvent:
		r.advanceStatus(arena.StatusRunning)

	case *arena.ErrorEvent:
		// Partial data stays visible next to the error.
		r.state.Err = ev.Message
		if ev.Code == "fatal" {
			r.advanceStatus(arena.StatusFailed)
		}

	case *arena.HeartbeatEvent:
		return false, false

	case *arena.UnknownEvent:
		r.log.Debug("ignoring unknown event",
			zap.String("session", r.state.SessionID), zap.String("type", ev.Type))
		return false, false

	default:
		return false, false
	}

	return true, false
}

// seed installs preview candles returned by a session-start endpoint before
// any stream event arrives.
func (r *reconciler) seed(resp arena.StartSessionResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resp.Asset != "" {
		r.state.Asset = resp.Asset
	}
	if resp.TotalCandles > 0 {
		r.state.Stats.TotalCandles = resp.TotalCandles
	}
	for _, c := range resp.PreviewCandles {
		r.applyCandle(c)
	}
	r.advanceStatus(arena.StatusInitializing)
}

func (r *reconciler) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// advanceStatus moves the lifecycle machine
// uninitialized -> running <-> paused -> completed|failed.
// Terminal states accept only idempotent re-application.
func (r *reconciler) advanceStatus(to arena.SessionStatus) {
	cur := r.state.Status
	if cur == to {
		return
	}
	if cur.Terminal() {
		return
	}
	// Pausing makes sense only for a running session.
	if to == arena.StatusPaused && cur != arena.StatusRunning {
		return
	}
	r.state.Status = to
}

// applyCandle keeps the series sorted ascending with unique timestamps.
// Same-timestamp republish updates the tail in place, a newer candle appends,
// and an out-of-order historical candle triggers a full keyed rebuild.
func (r *reconciler) applyCandle(c arena.Candle) {
	candles := r.state.Candles
	n := len(candles)

	switch {
	case n == 0 || c.Timestamp > candles[n-1].Timestamp:
		r.state.Candles = append(candles, c)
	case c.Timestamp == candles[n-1].Timestamp:
		candles[n-1] = c
	default:
		// Late/out-of-order candle: rebuild the series from the union of
		// old and new keyed by timestamp. Rare O(n log n) in exchange for
		// the sorted-unique invariant never breaking.
		byTS := make(map[int64]arena.Candle, n+1)
		for _, old := range candles {
			byTS[old.Timestamp] = old
		}
		byTS[c.Timestamp] = c

		rebuilt := make([]arena.Candle, 0, len(byTS))
		for _, v := range byTS {
			rebuilt = append(rebuilt, v)
		}
		sort.Slice(rebuilt, func(i, j int) bool {
			return rebuilt[i].Timestamp < rebuilt[j].Timestamp
		})
		r.state.Candles = rebuilt
	}
}

// upsertTrade matches by tradeNumber when both sides carry one, else by id.
// A match replaces in place; otherwise the trade is prepended. The ledger is
// re-sorted newest-first and truncated to maxTrades.
func (r *reconciler) upsertTrade(t arena.Trade) {
	trades := r.state.Trades

	matched := false
	for i := range trades {
		if tradesMatch(trades[i], t) {
			trades[i] = t
			matched = true
			break
		}
	}
	if !matched {
		trades = append([]arena.Trade{t}, trades...)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		ni, nj := tradeNumber(trades[i]), tradeNumber(trades[j])
		if ni != nj {
			return ni > nj
		}
		if trades[i].ExitTime != trades[j].ExitTime {
			return trades[i].ExitTime > trades[j].ExitTime
		}
		return trades[i].ID < trades[j].ID
	})

	if len(trades) > maxTrades {
		trades = trades[:maxTrades]
	}
	r.state.Trades = trades
}

func tradesMatch(a, b arena.Trade) bool {
	if a.TradeNumber != nil && b.TradeNumber != nil {
		return *a.TradeNumber == *b.TradeNumber
	}
	return a.ID != "" && a.ID == b.ID
}

func tradeNumber(t arena.Trade) int {
	if t.TradeNumber == nil {
		return -1
	}
	return *t.TradeNumber
}

func (r *reconciler) addThought(t arena.Thought) {
	thoughts := append([]arena.Thought{t}, r.state.Thoughts...)
	if len(thoughts) > maxThoughts {
		thoughts = thoughts[:maxThoughts]
	}
	r.state.Thoughts = thoughts
}

func (r *reconciler) mergeStats(u arena.StatsUpdate) {
	if u.Equity != nil {
		r.state.Stats.Equity = *u.Equity
	}
	if u.PnLPct != nil {
		r.state.Stats.PnLPct = *u.PnLPct
	}
	if u.CurrentCandleIndex != nil {
		r.state.Stats.CurrentCandleIndex = *u.CurrentCandleIndex
	}
	if u.TotalCandles != nil {
		r.state.Stats.TotalCandles = *u.TotalCandles
	}
	if u.Status != nil {
		r.advanceStatus(*u.Status)
	}
}

// dedupKey builds the composite identity for at-least-once suppression.
// Index-bearing kinds key on (kind, identifying index, payload-or-frame
// timestamp); everything else keys on (kind, arrival time).
func dedupKey(env arena.Envelope, arrival time.Time) string {
	stamp := env.Timestamp
	if stamp == "" {
		stamp = strconv.FormatInt(arrival.UnixMilli(), 10)
	}

	switch ev := env.Event.(type) {
	case *arena.CandleEvent:
		// Identifying index: explicit index when present, else inferred
		// from the bar's own timestamp.
		idx := ev.Timestamp
		if ev.Index != nil {
			idx = int64(*ev.Index)
		}
		return fmt.Sprintf("candle:%d:%s", idx, stamp)
	case *arena.AiDecisionEvent:
		return fmt.Sprintf("ai_decision:%d:%s", ev.CandleIndex, stamp)
	case *arena.StatsUpdateEvent:
		idx := -1
		if ev.CurrentCandleIndex != nil {
			idx = *ev.CurrentCandleIndex
		}
		return fmt.Sprintf("stats_update:%d:%s", idx, stamp)
	default:
		return fmt.Sprintf("%s:%d", env.Event.Kind(), arrival.UnixMilli())
	}
}

// dedupWindow is an insertion-ordered key set capped at dedupWindowCap;
// when full, the oldest keys are trimmed in one batch down to
// dedupWindowKeep so trimming stays amortized O(1).
type dedupWindow struct {
	keys  map[string]struct{}
	order []string
}

// seen records key and reports whether it was already present.
func (d *dedupWindow) seen(key string) bool {
	if d.keys == nil {
		d.keys = make(map[string]struct{}, dedupWindowKeep)
	}
	if _, ok := d.keys[key]; ok {
		return true
	}
	d.keys[key] = struct{}{}
	d.order = append(d.order, key)

	if len(d.order) > dedupWindowCap {
		cut := len(d.order) - dedupWindowKeep
		for _, k := range d.order[:cut] {
			delete(d.keys, k)
		}
		d.order = append([]string(nil), d.order[cut:]...)
	}
	return false
}

// burstDetector distinguishes historical backfill from live cadence by
// inter-arrival timing of candle events.
type burstDetector struct {
	last    time.Time
	run     int // consecutive fast-arrival candles, including the run head
	counted int // candles observed since the flag was raised
	active  bool
}

// observe records one candle arrival and returns whether a historical burst
// is in progress.
func (b *burstDetector) observe(now time.Time) bool {
	gap := time.Duration(-1)
	if !b.last.IsZero() {
		gap = now.Sub(b.last)
	}
	b.last = now

	if b.active {
		b.counted++
		if b.counted >= burstExitMinCandles && gap >= burstFastGap {
			b.reset()
		}
		return b.active
	}

	if gap >= 0 && gap < burstFastGap {
		b.run++
	} else {
		b.run = 1
	}
	if b.run >= burstEnterCandles {
		b.active = true
		b.counted = 0
	}
	return b.active
}

func (b *burstDetector) reset() {
	b.active = false
	b.run = 1
	b.counted = 0
}
