package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// ErrorKind is the provider-agnostic classification of an upstream failure.
type ErrorKind string

const (
	KindRateLimit           ErrorKind = "rate_limit"
	KindTimeout             ErrorKind = "timeout"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindAuthentication      ErrorKind = "authentication"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindContentFiltered     ErrorKind = "content_filtered"
	KindCircuitOpen         ErrorKind = "circuit_open"
	KindServiceError        ErrorKind = "service_error"
)

// ErrCircuitOpen matches any *CircuitBreakerOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ProviderError is a translated upstream failure. Retryable decides whether
// the retry executor makes another attempt.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	HTTPStatus int
	Retryable  bool
	Message    string
	Context    map[string]string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.HTTPStatus > 0 {
		fmt.Fprintf(&b, " (status %d)", e.HTTPStatus)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderError whose Retryable flag follows the
// kind's default.
func NewProviderError(kind ErrorKind, provider string, status int, msg string, err error) *ProviderError {
	return &ProviderError{
		Kind:       kind,
		Provider:   provider,
		HTTPStatus: status,
		Retryable:  retryableKind(kind, status),
		Message:    msg,
		Err:        err,
	}
}

// WithContext attaches a diagnostic key/value and returns e.
func (e *ProviderError) WithContext(k, v string) *ProviderError {
	if e.Context == nil {
		e.Context = make(map[string]string, 2)
	}
	e.Context[k] = v
	return e
}

func retryableKind(kind ErrorKind, status int) bool {
	switch kind {
	case KindRateLimit, KindTimeout, KindProviderUnavailable:
		return true
	case KindServiceError:
		return status >= 500
	}
	return false
}

// CircuitBreakerOpenError is returned without invoking the wrapped call when
// a provider's breaker is open.
type CircuitBreakerOpenError struct {
	Provider        string
	NextAttemptTime time.Time
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Provider, e.NextAttemptTime.UTC().Format(time.RFC3339))
}

func (e *CircuitBreakerOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// RetryAfter returns how long until the breaker allows a trial call, never negative.
func (e *CircuitBreakerOpenError) RetryAfter(now time.Time) time.Duration {
	if d := e.NextAttemptTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// KindOf returns the classification of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var ob *CircuitBreakerOpenError
	if errors.As(err, &ob) {
		return KindCircuitOpen
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// retryableMarkers are lowercase message fragments that indicate transient
// conditions on errors that carry no structured type.
var retryableMarkers = []string{
	"network", "timeout", "timed out", "econnreset", "econnrefused", "connection reset",
	"connection refused", "rate limit", "too many requests",
	"internal server error", "bad gateway", "service unavailable", "overloaded",
}

// retryableStatus matches a transient HTTP status quoted as a whole number,
// so "status 503" matches and "length 5000" does not.
var retryableStatus = regexp.MustCompile(`\b(429|500|502|503|504)\b`)

// IsRetryable reports whether err is a transient failure worth another
// attempt. Breaker rejections and caller cancellation never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return retryableStatus.MatchString(msg)
}
