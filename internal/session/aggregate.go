package session

import (
	"time"

	"sessionsync/pkg/arena"
)

// Stats is the mutable per-session aggregate of engine-reported numbers.
// Updates arrive as partial merges: absent fields never overwrite state.
type Stats struct {
	Equity             float64
	PnLPct             float64
	CurrentCandleIndex int
	TotalCandles       int
}

// ProgressPercent derives run progress from the candle cursor, clamped to
// [0, 100]. Returns 0 when the total is unknown.
func (s Stats) ProgressPercent() float64 {
	if s.TotalCandles <= 0 {
		return 0
	}
	pct := float64(s.CurrentCandleIndex+1) / float64(s.TotalCandles) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// State is one session's aggregate view. Only the reconciler mutates it;
// readers get deep copies via Store.Snapshot.
type State struct {
	SessionID string
	Channel   arena.ChannelKind
	Status    arena.SessionStatus
	Asset     string

	// Candles are sorted ascending by timestamp with unique timestamps.
	Candles []arena.Candle
	// Trades are newest-first (tradeNumber desc, then exit time desc),
	// capped at maxTrades.
	Trades []arena.Trade
	// Thoughts are newest-first, capped at maxThoughts.
	Thoughts     []arena.Thought
	OpenPosition *arena.Position

	Stats Stats

	// LoadingHistory flags a historical backfill burst so callers can
	// suppress live-trading affordances.
	LoadingHistory bool

	// Err is the last application-level error reported by the engine.
	// Collected candles/trades/thoughts stay visible alongside it.
	Err string

	LastEventAt time.Time
}

func (s State) clone() State {
	out := s
	out.Candles = append([]arena.Candle(nil), s.Candles...)
	out.Trades = append([]arena.Trade(nil), s.Trades...)
	out.Thoughts = append([]arena.Thought(nil), s.Thoughts...)
	if s.OpenPosition != nil {
		p := *s.OpenPosition
		out.OpenPosition = &p
	}
	return out
}
