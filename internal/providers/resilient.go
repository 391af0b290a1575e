package providers

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/stream"
)

var (
	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_provider_calls_total",
			Help: "Provider calls by operation and outcome.",
		},
		[]string{"provider", "operation", "outcome"},
	)
	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_provider_call_duration_seconds",
			Help:    "Provider call latency including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)
)

func init() {
	prometheus.MustRegister(providerCalls, providerLatency)
}

// Resilient decorates a provider with error translation, the shared circuit
// breaker and the retry executor: retry(breaker(translate(call))).
type Resilient struct {
	inner   TextGenerationProvider
	breaker *resilience.CircuitBreaker
	retrier *resilience.Retrier
	log     zerolog.Logger
}

// NewResilient wraps p. breaker is shared across providers and keyed by
// p.Name().
func NewResilient(p TextGenerationProvider, breaker *resilience.CircuitBreaker, retrier *resilience.Retrier, log zerolog.Logger) *Resilient {
	return &Resilient{inner: p, breaker: breaker, retrier: retrier, log: log}
}

func (r *Resilient) Name() string { return r.inner.Name() }

// Unwrap returns the decorated provider.
func (r *Resilient) Unwrap() TextGenerationProvider { return r.inner }

// GenerateText runs the inner call under the resilience policy.
func (r *Resilient) GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error) {
	return guarded(ctx, r, "text", func(ctx context.Context) (*TextResponse, error) {
		return r.inner.GenerateText(ctx, req)
	})
}

// StreamText guards stream setup only. Failures after the first chunk are
// translated but never retried, since output was already delivered.
func (r *Resilient) StreamText(ctx context.Context, req TextRequest) (stream.Stream, error) {
	// The stream outlives the attempt, so it binds to the caller's ctx.
	s, err := guarded(ctx, r, "stream", func(context.Context) (stream.Stream, error) {
		return r.inner.StreamText(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &translatingStream{inner: s, provider: r.Name()}, nil
}

// GenerateImage forwards to the inner provider when it can generate images.
func (r *Resilient) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	ip, ok := r.inner.(ImageGenerationProvider)
	if !ok {
		return nil, ErrUnsupported
	}
	return guarded(ctx, r, "image", func(ctx context.Context) (*ImageResponse, error) {
		return ip.GenerateImage(ctx, req)
	})
}

// Synthesize forwards to the inner provider when it can produce speech.
func (r *Resilient) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResponse, error) {
	sp, ok := r.inner.(SpeechProvider)
	if !ok {
		return nil, ErrUnsupported
	}
	return guarded(ctx, r, "speech", func(ctx context.Context) (*SpeechResponse, error) {
		return sp.Synthesize(ctx, req)
	})
}

func guarded[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	name := r.inner.Name()
	start := time.Now()
	out, err := resilience.ExecuteWithRetry(ctx, r.retrier, name+"."+op, func(ctx context.Context) (T, error) {
		return resilience.Execute(ctx, r.breaker, name, func(ctx context.Context) (T, error) {
			v, err := fn(ctx)
			return v, resilience.Translate(name, err)
		})
	})
	providerLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	providerCalls.WithLabelValues(name, op, outcome(err)).Inc()
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn().
			Str("provider", name).
			Str("operation", op).
			Str("kind", string(resilience.KindOf(err))).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("provider call failed")
	}
	return out, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	if k := resilience.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

type translatingStream struct {
	inner    stream.Stream
	provider string
}

func (s *translatingStream) Next(ctx context.Context) (stream.Chunk, error) {
	c, err := s.inner.Next(ctx)
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, stream.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return c, err
	}
	return c, resilience.Translate(s.provider, err)
}

func (s *translatingStream) Close() error { return s.inner.Close() }
