package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig tunes the retry executor.
//
// Fields:
//   - MaxRetries: total attempts, including the first.
//   - InitialDelay / MaxDelay / BackoffMultiplier: delay before attempt n+1 is
//     min(InitialDelay * BackoffMultiplier^(n-1), MaxDelay).
//   - Timeout: per-attempt deadline, 0 disables.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
}

// DefaultRetryConfig returns the hardcoded fallbacks (3 attempts, 1s..30s, x2).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	return c
}

// Delay returns the wait before the attempt following attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Retrier retries transient failures with exponential backoff.
type Retrier struct {
	cfg       RetryConfig
	retryable func(error) bool
	sleep     func(context.Context, time.Duration) error
	log       zerolog.Logger
}

// RetryOption customizes a Retrier.
type RetryOption func(*Retrier)

// WithRetryPredicate replaces IsRetryable.
func WithRetryPredicate(fn func(error) bool) RetryOption {
	return func(r *Retrier) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// WithSleeper replaces the backoff wait; tests use it to skip real delays.
func WithSleeper(fn func(context.Context, time.Duration) error) RetryOption {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithRetryLogger sets the logger used for retry decisions.
func WithRetryLogger(l zerolog.Logger) RetryOption {
	return func(r *Retrier) { r.log = l }
}

// NewRetrier builds a Retrier. Invalid config fields fall back to
// DefaultRetryConfig.
func NewRetrier(cfg RetryConfig, opts ...RetryOption) *Retrier {
	r := &Retrier{
		cfg:       cfg.withDefaults(),
		retryable: IsRetryable,
		sleep:     sleepCtx,
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Retrier) Config() RetryConfig { return r.cfg }

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged. operation
// labels logs and metrics.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			retryAttempts.WithLabelValues(operation).Inc()
		}
		err = r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !r.retryable(err) || attempt == r.cfg.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := r.cfg.Delay(attempt)
		r.log.Debug().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("retrying after transient failure")
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

// ExecuteWithRetry is the value-returning form of Retrier.Do.
func ExecuteWithRetry[T any](ctx context.Context, r *Retrier, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, operation, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// attempt runs fn once, bounded by the per-attempt timeout when set. An
// attempt that outlives its own deadline fails with a timeout-kind error even
// if fn ignores ctx.
func (r *Retrier) attempt(ctx context.Context, fn func(context.Context) error) error {
	if r.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(actx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return NewProviderError(KindTimeout, "", 0, "attempt timed out", err)
		}
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewProviderError(KindTimeout, "", 0, "attempt timed out after "+r.cfg.Timeout.String(), actx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
