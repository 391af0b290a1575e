// Package resilience guards calls to external AI providers. It provides a
// per-provider circuit breaker, an exponential-backoff retry executor, and a
// closed error taxonomy that upstream SDK failures are translated into.
//
// Breaker state lives in memory and is owned by one CircuitBreaker value held
// by the composition root. Each process keeps its own view of provider health.
//
// Composition:
//
//	err := retrier.Do(ctx, "openai.text", func(ctx context.Context) error {
//	    return breaker.Do(ctx, "openai", call)
//	})
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerConfig tunes the breaker.
//
// Fields:
//   - FailureThreshold: failures within MonitoringPeriod that open the breaker.
//   - SuccessThreshold: half-open successes needed to close again.
//   - Timeout: how long the breaker stays open before allowing a trial call.
//   - MonitoringPeriod: a gap longer than this since the last failure resets the count.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MonitoringPeriod time.Duration
}

// DefaultBreakerConfig returns the hardcoded fallbacks (5/2/60s/120s).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringPeriod: 120 * time.Second,
	}
}

// withDefaults fills non-positive fields from DefaultBreakerConfig.
func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	return c
}

// ProviderMetrics is a read-only snapshot of one provider's breaker.
type ProviderMetrics struct {
	Provider        string     `json:"provider"`
	State           State      `json:"state"`
	Failures        int        `json:"failures"`
	Successes       int        `json:"successes"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
	NextAttemptTime *time.Time `json:"next_attempt_time,omitempty"`
}

type breakerState struct {
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	lastSuccess time.Time
	nextAttempt time.Time
}

// CircuitBreaker holds one state machine per provider key.
type CircuitBreaker struct {
	cfg       BreakerConfig
	now       func() time.Time
	log       zerolog.Logger
	isFailure func(error) bool

	mu     sync.Mutex
	states map[string]*breakerState
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithBreakerLogger sets the logger used for state transitions.
func WithBreakerLogger(l zerolog.Logger) BreakerOption {
	return func(b *CircuitBreaker) { b.log = l }
}

// WithFailurePredicate replaces the rule deciding which errors count
// against a provider.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *CircuitBreaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// NewCircuitBreaker builds a breaker. Non-positive config fields fall back to
// DefaultBreakerConfig.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		log:       zerolog.Nop(),
		isFailure: CountsAsFailure,
		states:    make(map[string]*breakerState),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *CircuitBreaker) Config() BreakerConfig { return b.cfg }

// CountsAsFailure is the default failure predicate. Caller cancellation and
// request-shaped errors say nothing about provider health.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindInvalidRequest, KindContentFiltered:
		return false
	}
	return true
}

// Do runs fn under provider's breaker. When the breaker is open and not yet
// eligible for a trial call it returns *CircuitBreakerOpenError without calling fn.
func (b *CircuitBreaker) Do(ctx context.Context, provider string, fn func(context.Context) error) error {
	if err := b.acquire(provider); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(provider, err)
	return err
}

// Execute is the value-returning form of CircuitBreaker.Do.
func Execute[T any](ctx context.Context, b *CircuitBreaker, provider string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, provider, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// acquire checks and, when due, moves OPEN to HALF_OPEN under the lock.
func (b *CircuitBreaker) acquire(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(provider)
	if st.state != StateOpen {
		return nil
	}
	now := b.now()
	if now.Before(st.nextAttempt) {
		breakerRejections.WithLabelValues(provider).Inc()
		return &CircuitBreakerOpenError{Provider: provider, NextAttemptTime: st.nextAttempt}
	}
	st.successes = 0
	b.transition(provider, st, StateHalfOpen)
	return nil
}

func (b *CircuitBreaker) record(provider string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(provider)
	now := b.now()

	if err != nil && !b.isFailure(err) {
		return
	}
	if err == nil {
		st.lastSuccess = now
		switch st.state {
		case StateHalfOpen:
			st.successes++
			if st.successes >= b.cfg.SuccessThreshold {
				st.failures = 0
				st.successes = 0
				b.transition(provider, st, StateClosed)
			}
		case StateClosed:
			st.failures = 0
		}
		return
	}

	switch st.state {
	case StateHalfOpen:
		st.lastFailure = now
		st.failures++
		b.open(provider, st, now)
	case StateClosed:
		if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.MonitoringPeriod {
			st.failures = 0
		}
		st.failures++
		st.lastFailure = now
		if st.failures >= b.cfg.FailureThreshold {
			b.open(provider, st, now)
		}
	case StateOpen:
		// A call admitted before another goroutine reopened the breaker.
		st.lastFailure = now
	}
}

func (b *CircuitBreaker) open(provider string, st *breakerState, now time.Time) {
	st.successes = 0
	st.nextAttempt = now.Add(b.cfg.Timeout)
	b.transition(provider, st, StateOpen)
}

func (b *CircuitBreaker) transition(provider string, st *breakerState, to State) {
	from := st.state
	st.state = to
	breakerStateGauge.WithLabelValues(provider).Set(stateValue(to))
	breakerTransitions.WithLabelValues(provider, string(to)).Inc()

	var ev *zerolog.Event
	if to == StateOpen {
		ev = b.log.Warn().Time("next_attempt", st.nextAttempt).Int("failures", st.failures)
	} else {
		ev = b.log.Info()
	}
	ev.Str("provider", provider).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker transition")
}

// get returns the state for provider, creating a CLOSED one. Callers hold mu.
func (b *CircuitBreaker) get(provider string) *breakerState {
	st, ok := b.states[provider]
	if !ok {
		st = &breakerState{state: StateClosed}
		b.states[provider] = st
	}
	return st
}

// State returns provider's current state; unknown providers are CLOSED.
func (b *CircuitBreaker) State(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[provider]; ok {
		return st.state
	}
	return StateClosed
}

// ProviderMetrics returns a snapshot for provider.
func (b *CircuitBreaker) ProviderMetrics(provider string) ProviderMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[provider]
	if !ok {
		return ProviderMetrics{Provider: provider, State: StateClosed}
	}
	return snapshot(provider, st)
}

// AllMetrics returns a snapshot of every provider seen so far.
func (b *CircuitBreaker) AllMetrics() []ProviderMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ProviderMetrics, 0, len(b.states))
	for k, st := range b.states {
		out = append(out, snapshot(k, st))
	}
	return out
}

func snapshot(provider string, st *breakerState) ProviderMetrics {
	m := ProviderMetrics{
		Provider:  provider,
		State:     st.state,
		Failures:  st.failures,
		Successes: st.successes,
	}
	if !st.lastFailure.IsZero() {
		t := st.lastFailure
		m.LastFailureTime = &t
	}
	if !st.lastSuccess.IsZero() {
		t := st.lastSuccess
		m.LastSuccessTime = &t
	}
	if st.state == StateOpen {
		t := st.nextAttempt
		m.NextAttemptTime = &t
	}
	return m
}

// Reset returns provider's breaker to a fresh CLOSED state.
func (b *CircuitBreaker) Reset(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[provider]; ok && st.state != StateClosed {
		b.transition(provider, st, StateClosed)
	}
	b.states[provider] = &breakerState{state: StateClosed}
}

// ResetAll resets every provider.
func (b *CircuitBreaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, st := range b.states {
		if st.state != StateClosed {
			b.transition(k, st, StateClosed)
		}
	}
	b.states = make(map[string]*breakerState)
}
