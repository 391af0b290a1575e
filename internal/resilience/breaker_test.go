package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("upstream exploded")

func fail(context.Context) error { return errBoom }
func succeed(context.Context) error { return nil }

func newTestBreaker(clk *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		MonitoringPeriod: 2 * time.Minute,
	}, WithClock(clk.Now))
}

func TestBreaker_DefaultsFillNonPositive(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 7})
	cfg := b.Config()
	assert.Equal(t, 7, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 120*time.Second, cfg.MonitoringPeriod)
}

func TestBreaker_OpensAfterThresholdAndRejectsWithoutCalling(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Do(ctx, "openai", fail), errBoom)
	}
	require.Equal(t, StateOpen, b.State("openai"))

	calls := 0
	err := b.Do(ctx, "openai", func(context.Context) error { calls++; return nil })
	var open *CircuitBreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls, "wrapped function must not run while open")
	assert.Equal(t, clk.Now().Add(time.Minute), open.NextAttemptTime)
	assert.Equal(t, time.Minute, open.RetryAfter(clk.Now()))

	// Other providers are unaffected.
	assert.Equal(t, StateClosed, b.State("anthropic"))
	require.NoError(t, b.Do(ctx, "anthropic", succeed))
}

func TestBreaker_TrialCallAfterTimeoutEntersHalfOpen(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, "openai", fail)
	}

	clk.Advance(59 * time.Second)
	require.ErrorIs(t, b.Do(ctx, "openai", succeed), ErrCircuitOpen)

	clk.Advance(time.Second) // exactly nextAttemptTime
	var seen State
	err := b.Do(ctx, "openai", func(context.Context) error {
		seen = b.State("openai")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, seen, "trial call runs in HALF_OPEN")
	assert.Equal(t, StateHalfOpen, b.State("openai"))

	require.NoError(t, b.Do(ctx, "openai", succeed))
	assert.Equal(t, StateClosed, b.State("openai"))
	m := b.ProviderMetrics("openai")
	assert.Equal(t, 0, m.Failures)
	assert.Equal(t, 0, m.Successes)
	assert.Nil(t, m.NextAttemptTime)
}

func TestBreaker_HalfOpenSingleFailureReopens(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, "openai", fail)
	}
	clk.Advance(time.Minute)

	require.NoError(t, b.Do(ctx, "openai", succeed)) // 1 of 2 successes
	require.ErrorIs(t, b.Do(ctx, "openai", fail), errBoom)
	assert.Equal(t, StateOpen, b.State("openai"))

	m := b.ProviderMetrics("openai")
	require.NotNil(t, m.NextAttemptTime)
	assert.Equal(t, clk.Now().Add(time.Minute), *m.NextAttemptTime)
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	_ = b.Do(ctx, "openai", fail)
	_ = b.Do(ctx, "openai", fail)
	require.NoError(t, b.Do(ctx, "openai", succeed))
	_ = b.Do(ctx, "openai", fail)
	_ = b.Do(ctx, "openai", fail)
	assert.Equal(t, StateClosed, b.State("openai"))
	assert.Equal(t, 2, b.ProviderMetrics("openai").Failures)
}

func TestBreaker_SparseFailuresOutsideWindowNeverTrip(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Do(ctx, "openai", fail)
		clk.Advance(2*time.Minute + time.Second)
	}
	assert.Equal(t, StateClosed, b.State("openai"))
	assert.Equal(t, 1, b.ProviderMetrics("openai").Failures)
}

func TestBreaker_IgnoresCallerFaults(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	bad := NewProviderError(KindInvalidRequest, "openai", 400, "bad prompt", nil)
	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, "openai", func(context.Context) error { return bad })
		_ = b.Do(ctx, "openai", func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State("openai"))
	assert.Equal(t, 0, b.ProviderMetrics("openai").Failures)
}

func TestBreaker_ExecuteReturnsValue(t *testing.T) {
	b := NewCircuitBreaker(DefaultBreakerConfig())
	v, err := Execute(context.Background(), b, "google", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	v, err = Execute(context.Background(), b, "google", func(context.Context) (string, error) { return "partial", errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, v)
}

func TestBreaker_ResetAndResetAll(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, "openai", fail)
		_ = b.Do(ctx, "mistral", fail)
	}
	require.Equal(t, StateOpen, b.State("openai"))

	b.Reset("openai")
	assert.Equal(t, StateClosed, b.State("openai"))
	assert.Equal(t, StateOpen, b.State("mistral"))
	assert.Equal(t, float64(0), testutil.ToFloat64(breakerStateGauge.WithLabelValues("openai")))

	b.ResetAll()
	assert.Equal(t, StateClosed, b.State("mistral"))
	assert.Empty(t, b.AllMetrics())
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Do(context.Background(), "openai", fail)
			} else {
				_ = b.Do(context.Background(), "openai", succeed)
			}
			_ = b.ProviderMetrics("openai")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("openai"))
}
