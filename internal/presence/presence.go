package presence

import (
	"sync"
	"time"

	"sessionsync/pkg/arena"

	"go.uber.org/zap"
)

// Mode is the single process-wide notification/presence display mode.
type Mode string

const (
	ModeHidden      Mode = "hidden"
	ModeIdle        Mode = "idle"
	ModeAnalyzing   Mode = "analyzing"
	ModeNarrator    Mode = "narrator"
	ModeTrade       Mode = "trade"
	ModeAlpha       Mode = "alpha"
	ModeCelebration Mode = "celebration"
	ModeConnection  Mode = "connection"
	ModeLiveSession Mode = "liveSession"
)

// Protected reports whether the mode shields against automatic analyzing
// requests: a signal the user is mid-reading must not be interrupted.
func (m Mode) Protected() bool {
	return m == ModeTrade || m == ModeAlpha || m == ModeCelebration
}

// Payload is the tagged data attached to the active mode. Exactly one
// concrete type exists per payload-carrying mode; transitions always replace
// the payload wholesale.
type Payload interface {
	payload()
}

type NarratorPayload struct {
	Message string
	Detail  string
}

type TradePayload struct {
	SessionID string
	Trade     arena.Trade
}

type AlphaPayload struct {
	Text string
}

type CelebrationPayload struct {
	SessionID string
	PnLPct    float64
}

type ConnectionPayload struct {
	Message string
}

type LiveSessionPayload struct {
	SessionID string
	Channel   arena.ChannelKind
}

type AnalyzingPayload struct {
	SessionID string
}

func (NarratorPayload) payload()    {}
func (TradePayload) payload()       {}
func (AlphaPayload) payload()       {}
func (CelebrationPayload) payload() {}
func (ConnectionPayload) payload()  {}
func (LiveSessionPayload) payload() {}
func (AnalyzingPayload) payload()   {}

// Dismiss holds auto-dismiss durations for transient modes. A zero duration
// means the mode persists until explicitly replaced.
type Dismiss struct {
	Narrator    time.Duration
	Trade       time.Duration
	Alpha       time.Duration
	Celebration time.Duration
	IdleGrace   time.Duration
}

func DefaultDismiss() Dismiss {
	return Dismiss{
		Narrator:    4 * time.Second,
		Trade:       6 * time.Second,
		Alpha:       6 * time.Second,
		Celebration: 5 * time.Second,
		IdleGrace:   300 * time.Millisecond,
	}
}

// Machine arbitrates which of several competing live signals is displayed.
// One mode is active at a time; timers are single-slot, so starting a new one
// always cancels the previous one first.
type Machine struct {
	log     *zap.Logger
	dismiss Dismiss

	mu       sync.Mutex
	mode     Mode
	payload  Payload
	queue    []NarratorPayload
	timer    *time.Timer
	timerSeq int

	wmu      sync.Mutex
	watchers map[int]func(Mode, Payload)
	nextID   int
}

func NewMachine(dismiss Dismiss, log *zap.Logger) *Machine {
	if dismiss == (Dismiss{}) {
		dismiss = DefaultDismiss()
	}
	return &Machine{
		log:      log,
		dismiss:  dismiss,
		mode:     ModeHidden,
		watchers: make(map[int]func(Mode, Payload)),
	}
}

// Current returns the active mode and its payload.
func (m *Machine) Current() (Mode, Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.payload
}

// ShowIdle is the explicit UI intent to show the idle state.
func (m *Machine) ShowIdle() {
	m.transition(ModeIdle, nil, 0)
}

// RequestAnalyzing is the automatic "agent is thinking" signal. It is
// dropped, not queued, while a protected mode is active.
func (m *Machine) RequestAnalyzing(p AnalyzingPayload) {
	m.mu.Lock()
	if m.mode.Protected() {
		m.mu.Unlock()
		m.log.Debug("analyzing request dropped by protected mode", zap.String("mode", string(m.mode)))
		return
	}
	m.transitionLocked(ModeAnalyzing, p, 0)
	m.mu.Unlock()
	m.notify()
}

// ShowNarrator displays a narrator message. If the narrator is already on
// screen the message joins a FIFO queue instead of replacing the current one.
func (m *Machine) ShowNarrator(p NarratorPayload) {
	m.mu.Lock()
	if m.mode == ModeNarrator {
		m.queue = append(m.queue, p)
		m.mu.Unlock()
		return
	}
	m.transitionLocked(ModeNarrator, p, m.dismiss.Narrator)
	m.mu.Unlock()
	m.notify()
}

// ShowTrade displays a closed trade. Trade is a protected mode.
func (m *Machine) ShowTrade(p TradePayload) {
	m.transition(ModeTrade, p, m.dismiss.Trade)
}

// ShowAlpha displays an alpha call-out. Alpha is a protected mode.
func (m *Machine) ShowAlpha(p AlphaPayload) {
	m.transition(ModeAlpha, p, m.dismiss.Alpha)
}

// ShowCelebration displays a session-completed celebration (protected).
func (m *Machine) ShowCelebration(p CelebrationPayload) {
	m.transition(ModeCelebration, p, m.dismiss.Celebration)
}

// ShowConnection surfaces a transport problem. Persists until replaced.
func (m *Machine) ShowConnection(p ConnectionPayload) {
	m.transition(ModeConnection, p, 0)
}

// ShowLiveSession pins the live-session banner until explicitly replaced.
func (m *Machine) ShowLiveSession(p LiveSessionPayload) {
	m.transition(ModeLiveSession, p, 0)
}

// Hide forces hidden regardless of protection, clears the narrator queue and
// cancels any pending timer.
func (m *Machine) Hide() {
	m.mu.Lock()
	m.queue = nil
	m.transitionLocked(ModeHidden, nil, 0)
	m.mu.Unlock()
	m.notify()
}

// Watch registers a mode-change callback and returns its cancel function.
func (m *Machine) Watch(fn func(Mode, Payload)) func() {
	m.wmu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.wmu.Unlock()

	return func() {
		m.wmu.Lock()
		delete(m.watchers, id)
		m.wmu.Unlock()
	}
}

func (m *Machine) transition(mode Mode, p Payload, dismiss time.Duration) {
	m.mu.Lock()
	m.transitionLocked(mode, p, dismiss)
	m.mu.Unlock()
	m.notify()
}

// transitionLocked replaces mode and payload and re-arms the single-slot
// dismiss timer. Caller holds m.mu.
func (m *Machine) transitionLocked(mode Mode, p Payload, dismiss time.Duration) {
	m.cancelTimerLocked()
	m.mode = mode
	m.payload = p
	if dismiss > 0 {
		m.armTimerLocked(dismiss)
	}
}

// cancelTimerLocked stops the pending timer and invalidates any fire already
// in flight via the sequence counter.
func (m *Machine) cancelTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) armTimerLocked(d time.Duration) {
	seq := m.timerSeq
	m.timer = time.AfterFunc(d, func() {
		m.onTimer(seq)
	})
}

// onTimer advances past the current transient mode when its dismiss fires:
// the next queued narrator message is shown with a fresh timer, otherwise the
// machine falls back to idle after the grace delay.
func (m *Machine) onTimer(seq int) {
	m.mu.Lock()
	if seq != m.timerSeq {
		// A later transition already replaced this timer.
		m.mu.Unlock()
		return
	}

	if m.mode == ModeNarrator && len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.transitionLocked(ModeNarrator, next, m.dismiss.Narrator)
		m.mu.Unlock()
		m.notify()
		return
	}

	// Empty queue: keep the current display through the grace delay, then
	// fall back to idle.
	m.cancelTimerLocked()
	seq = m.timerSeq
	m.timer = time.AfterFunc(m.dismiss.IdleGrace, func() {
		m.mu.Lock()
		if seq != m.timerSeq {
			m.mu.Unlock()
			return
		}
		m.transitionLocked(ModeIdle, nil, 0)
		m.mu.Unlock()
		m.notify()
	})
	m.mu.Unlock()
}

func (m *Machine) notify() {
	m.mu.Lock()
	mode, p := m.mode, m.payload
	m.mu.Unlock()

	m.wmu.Lock()
	fns := make([]func(Mode, Payload), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.wmu.Unlock()

	for _, fn := range fns {
		fn(mode, p)
	}
}
