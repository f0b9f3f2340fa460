package arena

import "encoding/json"

// ChannelKind selects which stream family a subscription attaches to.
type ChannelKind string

const (
	ChannelBacktest ChannelKind = "backtest"
	ChannelForward  ChannelKind = "forward"
)

// SessionStatus is the lifecycle status reported by the remote engine.
type SessionStatus string

const (
	StatusUninitialized SessionStatus = ""
	StatusInitializing  SessionStatus = "initializing"
	StatusRunning       SessionStatus = "running"
	StatusPaused        SessionStatus = "paused"
	StatusCompleted     SessionStatus = "completed"
	StatusFailed        SessionStatus = "failed"
)

// Terminal reports whether the status accepts no further advancement.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Frame is the wire envelope of every inbound stream message.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Candle is one OHLCV sample keyed by its epoch-millisecond timestamp.
type Candle struct {
	Timestamp int64   `json:"timestamp"` // epoch ms, unique within a session series
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Index     *int    `json:"index,omitempty"` // candle index within the run, when the engine sends it
}

// Trade is a closed position record. TradeNumber is a dense server-assigned
// sequence; ID is the fallback key when the number is absent.
type Trade struct {
	TradeNumber *int    `json:"tradeNumber,omitempty"`
	ID          string  `json:"id,omitempty"`
	Side        string  `json:"side,omitempty"`
	EntryPrice  float64 `json:"entry_price,omitempty"`
	ExitPrice   float64 `json:"exit_price,omitempty"`
	PnL         float64 `json:"pnl,omitempty"`
	PnLPct      float64 `json:"pnl_pct,omitempty"`
	EntryTime   int64   `json:"entry_time,omitempty"` // epoch ms
	ExitTime    int64   `json:"exit_time,omitempty"`  // epoch ms
}

// Position is an open position announced by the engine.
type Position struct {
	ID         string  `json:"id,omitempty"`
	Side       string  `json:"side,omitempty"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	Size       float64 `json:"size,omitempty"`
	EntryTime  int64   `json:"entry_time,omitempty"`
}

// Thought is an ephemeral reasoning/log entry tied to a candle index.
type Thought struct {
	CandleIndex int    `json:"candle_index"`
	Text        string `json:"text"`
	Kind        string `json:"kind,omitempty"` // "thinking" or "decision"
}

// StatsUpdate is a partial stats payload. Absent fields are nil and must not
// overwrite present aggregate state.
type StatsUpdate struct {
	Equity             *float64       `json:"equity,omitempty"`
	PnLPct             *float64       `json:"pnl_pct,omitempty"`
	Status             *SessionStatus `json:"status,omitempty"`
	CurrentCandleIndex *int           `json:"current_candle_index,omitempty"`
	TotalCandles       *int           `json:"total_candles,omitempty"`
}

// SessionSummary is one row of the active-session polling endpoint.
type SessionSummary struct {
	ID              string  `json:"id"`
	AgentID         string  `json:"agent_id"`
	AgentName       string  `json:"agent_name"`
	Asset           string  `json:"asset"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at"`
	DurationDisplay string  `json:"duration_display"`
	CurrentPnLPct   float64 `json:"current_pnl_pct"`
	TradesCount     int     `json:"trades_count"`
	WinRate         float64 `json:"win_rate"`
}

// ActiveSessions is the polling endpoint response.
type ActiveSessions struct {
	Forward  []SessionSummary `json:"forward"`
	Backtest []SessionSummary `json:"backtest"`
}

// StartSessionRequest starts a backtest or forward test for an agent.
type StartSessionRequest struct {
	AgentID string `json:"agent_id"`
	Asset   string `json:"asset"`
	Days    int    `json:"days,omitempty"` // backtest lookback, ignored for forward tests
}

// StartSessionResponse carries the new session id and optional preview
// candles used to seed aggregate state before streaming begins.
type StartSessionResponse struct {
	SessionID      string   `json:"session_id"`
	Asset          string   `json:"asset,omitempty"`
	TotalCandles   int      `json:"total_candles,omitempty"`
	PreviewCandles []Candle `json:"preview_candles,omitempty"`
}
