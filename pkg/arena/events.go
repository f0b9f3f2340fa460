package arena

import (
	"encoding/json"
	"fmt"
)

// EventKind enumerates the recognized stream event types.
type EventKind string

const (
	EventSessionInitialized EventKind = "session_initialized"
	EventCandle             EventKind = "candle"
	EventAiThinking         EventKind = "ai_thinking"
	EventAiDecision         EventKind = "ai_decision"
	EventPositionOpened     EventKind = "position_opened"
	EventPositionClosed     EventKind = "position_closed"
	EventStatsUpdate        EventKind = "stats_update"
	EventSessionCompleted   EventKind = "session_completed"
	EventSessionPaused      EventKind = "session_paused"
	EventSessionResumed     EventKind = "session_resumed"
	EventError              EventKind = "error"
	EventHeartbeat          EventKind = "heartbeat"
	EventUnknown            EventKind = "unknown"
)

// Event is the closed union of decoded stream payloads. Exactly one concrete
// type exists per recognized frame type; unrecognized frames decode to
// UnknownEvent rather than failing.
type Event interface {
	Kind() EventKind
}

type SessionInitializedEvent struct {
	SessionID    string `json:"session_id,omitempty"`
	Asset        string `json:"asset,omitempty"`
	TotalCandles int    `json:"total_candles,omitempty"`
}

type CandleEvent struct {
	Candle
}

type AiThinkingEvent struct {
	CandleIndex int    `json:"candle_index"`
	Text        string `json:"text"`
}

type AiDecisionEvent struct {
	CandleIndex int    `json:"candle_index"`
	Action      string `json:"action"`
	Reason      string `json:"reason,omitempty"`
}

type PositionOpenedEvent struct {
	Position
}

type PositionClosedEvent struct {
	Trade
}

type StatsUpdateEvent struct {
	StatsUpdate
}

type SessionCompletedEvent struct {
	FinalEquity *float64 `json:"final_equity,omitempty"`
	PnLPct      *float64 `json:"pnl_pct,omitempty"`
}

type SessionPausedEvent struct{}

type SessionResumedEvent struct{}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type HeartbeatEvent struct{}

// UnknownEvent preserves the raw frame of an unrecognized type so callers can
// log it without a runtime type error.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (SessionInitializedEvent) Kind() EventKind { return EventSessionInitialized }
func (CandleEvent) Kind() EventKind             { return EventCandle }
func (AiThinkingEvent) Kind() EventKind         { return EventAiThinking }
func (AiDecisionEvent) Kind() EventKind         { return EventAiDecision }
func (PositionOpenedEvent) Kind() EventKind     { return EventPositionOpened }
func (PositionClosedEvent) Kind() EventKind     { return EventPositionClosed }
func (StatsUpdateEvent) Kind() EventKind        { return EventStatsUpdate }
func (SessionCompletedEvent) Kind() EventKind   { return EventSessionCompleted }
func (SessionPausedEvent) Kind() EventKind      { return EventSessionPaused }
func (SessionResumedEvent) Kind() EventKind     { return EventSessionResumed }
func (ErrorEvent) Kind() EventKind              { return EventError }
func (HeartbeatEvent) Kind() EventKind          { return EventHeartbeat }
func (UnknownEvent) Kind() EventKind            { return EventUnknown }

// Envelope pairs a decoded event with its frame timestamp (when present).
type Envelope struct {
	Event     Event
	Timestamp string // frame-level timestamp, may be empty
}

// DecodeFrame parses one raw websocket message into a typed envelope.
// A frame of unrecognized type yields an UnknownEvent; a frame that cannot be
// parsed at all yields an error.
func DecodeFrame(msg []byte) (Envelope, error) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing type")
	}

	ev, err := decodeData(f)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: ev, Timestamp: f.Timestamp}, nil
}

func decodeData(f Frame) (Event, error) {
	data := f.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	unmarshal := func(v any) (Event, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", f.Type, err)
		}
		return v.(Event), nil
	}

	switch EventKind(f.Type) {
	case EventSessionInitialized:
		return unmarshal(&SessionInitializedEvent{})
	case EventCandle:
		return unmarshal(&CandleEvent{})
	case EventAiThinking:
		return unmarshal(&AiThinkingEvent{})
	case EventAiDecision:
		return unmarshal(&AiDecisionEvent{})
	case EventPositionOpened:
		return unmarshal(&PositionOpenedEvent{})
	case EventPositionClosed:
		return unmarshal(&PositionClosedEvent{})
	case EventStatsUpdate:
		return unmarshal(&StatsUpdateEvent{})
	case EventSessionCompleted:
		return unmarshal(&SessionCompletedEvent{})
	case EventSessionPaused:
		return &SessionPausedEvent{}, nil
	case EventSessionResumed:
		return &SessionResumedEvent{}, nil
	case EventError:
		return unmarshal(&ErrorEvent{})
	case EventHeartbeat:
		return &HeartbeatEvent{}, nil
	default:
		return &UnknownEvent{Type: f.Type, Raw: f.Data}, nil
	}
}
