package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sessionsync/pkg/arena"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubClient serves canned active-session responses with an optional delay,
// counting round trips.
type stubClient struct {
	mu    sync.Mutex
	resp  arena.ActiveSessions
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (c *stubClient) set(resp arena.ActiveSessions, err error) {
	c.mu.Lock()
	c.resp, c.err = resp, err
	c.mu.Unlock()
}

func (c *stubClient) GetActiveSessions(ctx context.Context) (arena.ActiveSessions, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return arena.ActiveSessions{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp, c.err
}

func summaries(ids ...string) []arena.SessionSummary {
	out := make([]arena.SessionSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, arena.SessionSummary{ID: id, Status: "running", CurrentPnLPct: 1.25})
	}
	return out
}

func TestConcurrentFetchesCoalesceToOneCall(t *testing.T) {
	client := &stubClient{delay: 50 * time.Millisecond}
	client.set(arena.ActiveSessions{Forward: summaries("f1")}, nil)

	a := New(client, time.Minute, 2*time.Second, zap.NewNop(), nil)

	const m = 8
	results := make([]arena.ActiveSessions, m)
	errs := make([]error, m)

	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Fetch(context.Background())
		}(i)
	}
	wg.Wait()

	// M concurrent callers inside the window share one round trip, and all
	// see the same result.
	assert.Equal(t, int32(1), client.calls.Load())
	for i := 0; i < m; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestRecentResultReusedWithinWindow(t *testing.T) {
	client := &stubClient{}
	client.set(arena.ActiveSessions{Backtest: summaries("b1")}, nil)

	a := New(client, time.Minute, 2*time.Second, zap.NewNop(), nil)

	_, err := a.Fetch(context.Background())
	require.NoError(t, err)
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), client.calls.Load())

	// Outside the window a fresh call goes out.
	a.now = func() time.Time { return time.Now().Add(3 * time.Second) }
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestChangeSuppression(t *testing.T) {
	client := &stubClient{}
	client.set(arena.ActiveSessions{Forward: summaries("f1")}, nil)

	a := New(client, time.Minute, time.Millisecond, zap.NewNop(), nil)

	var commits atomic.Int32
	cancel := a.Watch(func(arena.ActiveSessions) { commits.Add(1) })
	defer cancel()

	_, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return commits.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Same payload with sub-epsilon float noise: no re-commit.
	noisy := arena.ActiveSessions{Forward: summaries("f1")}
	noisy.Forward[0].CurrentPnLPct += 0.001
	client.set(noisy, nil)
	time.Sleep(5 * time.Millisecond)
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), commits.Load())

	// A real change commits.
	changed := arena.ActiveSessions{Forward: summaries("f1")}
	changed.Forward[0].TradesCount = 3
	client.set(changed, nil)
	time.Sleep(5 * time.Millisecond)
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return commits.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFailedFetchEvictsCacheAndKeepsData(t *testing.T) {
	client := &stubClient{}
	client.set(arena.ActiveSessions{Forward: summaries("f1")}, nil)

	a := New(client, time.Minute, time.Millisecond, zap.NewNop(), nil)

	_, err := a.Fetch(context.Background())
	require.NoError(t, err)

	client.set(arena.ActiveSessions{}, errors.New("boom"))
	time.Sleep(5 * time.Millisecond)
	_, err = a.Fetch(context.Background())
	require.Error(t, err)

	// Committed data survives the failure; the error is visible.
	committed, fetched, lastErr := a.Committed()
	assert.True(t, fetched)
	assert.Error(t, lastErr)
	require.Len(t, committed.Forward, 1)
	assert.Equal(t, "f1", committed.Forward[0].ID)

	// The failed entry was evicted, so the next fetch retries immediately.
	client.set(arena.ActiveSessions{Forward: summaries("f1", "f2")}, nil)
	_, err = a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), client.calls.Load())

	_, _, lastErr = a.Committed()
	assert.NoError(t, lastErr)
}

func TestStopDiscardsInFlightResponse(t *testing.T) {
	client := &stubClient{delay: 50 * time.Millisecond}
	client.set(arena.ActiveSessions{Forward: summaries("f1")}, nil)

	a := New(client, time.Minute, time.Millisecond, zap.NewNop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Fetch(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	a.Stop()
	<-done

	// The response landed after teardown and must not have been applied.
	_, fetched, _ := a.Committed()
	assert.False(t, fetched)
}

func TestRunPollsImmediatelyThenOnInterval(t *testing.T) {
	client := &stubClient{}
	client.set(arena.ActiveSessions{Forward: summaries("f1")}, nil)

	a := New(client, 30*time.Millisecond, time.Millisecond, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	require.Eventually(t, func() bool { return client.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return client.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
}
