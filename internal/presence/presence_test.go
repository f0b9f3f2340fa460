package presence

import (
	"testing"
	"time"

	"sessionsync/pkg/arena"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDismiss() Dismiss {
	return Dismiss{
		Narrator:    40 * time.Millisecond,
		Trade:       40 * time.Millisecond,
		Alpha:       40 * time.Millisecond,
		Celebration: 40 * time.Millisecond,
		IdleGrace:   10 * time.Millisecond,
	}
}

func waitForMode(t *testing.T, m *Machine, want Mode) {
	t.Helper()
	require.Eventually(t, func() bool {
		mode, _ := m.Current()
		return mode == want
	}, time.Second, 2*time.Millisecond, "waiting for mode %q", want)
}

func TestNarratorQueuesWhileVisible(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	m.ShowNarrator(NarratorPayload{Message: "A"})
	m.ShowNarrator(NarratorPayload{Message: "B"})

	mode, p := m.Current()
	require.Equal(t, ModeNarrator, mode)
	assert.Equal(t, "A", p.(NarratorPayload).Message)

	// When A's timer fires, B becomes visible with its own fresh timer.
	require.Eventually(t, func() bool {
		mode, p := m.Current()
		np, ok := p.(NarratorPayload)
		return mode == ModeNarrator && ok && np.Message == "B"
	}, time.Second, 2*time.Millisecond)

	// After B's timer and the grace delay, the machine falls back to idle.
	waitForMode(t, m, ModeIdle)
}

func TestProtectedModeDropsAnalyzing(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	m.ShowTrade(TradePayload{SessionID: "sess-1", Trade: arena.Trade{ID: "t1"}})

	m.RequestAnalyzing(AnalyzingPayload{SessionID: "sess-1"})

	mode, p := m.Current()
	assert.Equal(t, ModeTrade, mode)
	assert.Equal(t, "t1", p.(TradePayload).Trade.ID, "analyzing must not displace a trade card")

	// The dropped request is gone for good: after dismiss the machine goes
	// idle rather than replaying it.
	waitForMode(t, m, ModeIdle)
}

func TestAnalyzingAllowedOverNonProtectedModes(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	m.ShowNarrator(NarratorPayload{Message: "A"})
	m.RequestAnalyzing(AnalyzingPayload{SessionID: "sess-1"})

	mode, _ := m.Current()
	assert.Equal(t, ModeAnalyzing, mode)
}

func TestNewTransitionCancelsPendingTimer(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	m.ShowNarrator(NarratorPayload{Message: "A"})
	m.ShowLiveSession(LiveSessionPayload{SessionID: "sess-1", Channel: arena.ChannelForward})

	// The narrator's dismiss timer was replaced; liveSession has no dismiss
	// and must still be on screen well past the old deadline.
	time.Sleep(100 * time.Millisecond)
	mode, _ := m.Current()
	assert.Equal(t, ModeLiveSession, mode)
}

func TestHideClearsQueueAndTimers(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	m.ShowNarrator(NarratorPayload{Message: "A"})
	m.ShowNarrator(NarratorPayload{Message: "B"})
	m.Hide()

	mode, _ := m.Current()
	assert.Equal(t, ModeHidden, mode)

	// Neither the queued message nor any stale timer resurfaces.
	time.Sleep(120 * time.Millisecond)
	mode, _ = m.Current()
	assert.Equal(t, ModeHidden, mode)
}

func TestHideOverridesProtectedMode(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	m.ShowCelebration(CelebrationPayload{SessionID: "sess-1", PnLPct: 12.5})
	m.Hide()

	mode, _ := m.Current()
	assert.Equal(t, ModeHidden, mode)
}

func TestTransientModeFallsBackToIdle(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	m.ShowAlpha(AlphaPayload{Text: "signal"})
	mode, _ := m.Current()
	require.Equal(t, ModeAlpha, mode)

	waitForMode(t, m, ModeIdle)
}

func TestWatchersObserveTransitions(t *testing.T) {
	m := NewMachine(testDismiss(), zap.NewNop())

	modes := make(chan Mode, 16)
	cancel := m.Watch(func(mode Mode, _ Payload) { modes <- mode })
	defer cancel()

	m.ShowConnection(ConnectionPayload{Message: "stream lost"})
	assert.Equal(t, ModeConnection, <-modes)

	m.ShowIdle()
	assert.Equal(t, ModeIdle, <-modes)
}
