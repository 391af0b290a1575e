// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes the symbolic error codes returned in ErrorResponse and
// the translation of service and provider errors into (status, code) pairs.
// Clients branch on the code; the message is for humans.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes mirror HTTP status semantics (bad_request, not_found).
//   - Domain codes (insufficient_credits, circuit_open) name business
//     conditions a status alone cannot convey.
//
// Example response:
//
//	HTTP/1.1 402 Payment Required
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "insufficient_credits",
//	  "message": "insufficient credits: requested 40, available 12"
//	}
package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-backend/internal/providers"
	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Ledger
	ErrCodeInvalidAmount       = "invalid_amount"
	ErrCodeInsufficientCredits = "insufficient_credits"
	ErrCodeExceedsAllocated    = "exceeds_allocated"

	// Billing
	ErrCodeInvalidPeriod     = "invalid_period"
	ErrCodeIncompatiblePlans = "incompatible_plans"
	ErrCodeInvalidSignature  = "invalid_signature"
	ErrCodeNotConfigured     = "not_configured"

	// Providers
	ErrCodeProviderUnavailable = "provider_unavailable"
	ErrCodeCircuitOpen         = "circuit_open"
	ErrCodeProviderTimeout     = "provider_timeout"
	ErrCodeProviderRejected    = "provider_rejected"
	ErrCodeContentFiltered     = "content_filtered"
	ErrCodeUnsupported         = "unsupported"
)

// writeError maps err onto the error envelope. Unknown errors become 500.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && code == ErrCodeInternal {
		msg = "internal server error"
		_ = c.Error(err)
	}

	var open *resilience.CircuitBreakerOpenError
	if errors.As(err, &open) {
		secs := int(math.Ceil(open.RetryAfter(time.Now()).Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	fail(c, status, code, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidAmount):
		return http.StatusBadRequest, ErrCodeInvalidAmount
	case errors.Is(err, services.ErrInsufficientCredits):
		return http.StatusPaymentRequired, ErrCodeInsufficientCredits
	case errors.Is(err, services.ErrExceedsAllocated):
		return http.StatusConflict, ErrCodeExceedsAllocated
	case errors.Is(err, services.ErrWorkspaceNotFound),
		errors.Is(err, services.ErrTransactionNotFound),
		errors.Is(err, services.ErrGenerationNotFound),
		errors.Is(err, services.ErrPlanNotFound),
		errors.Is(err, providers.ErrUnknownProvider):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrEmptyPrompt), errors.Is(err, services.ErrTooLong):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, services.ErrInvalidPeriod):
		return http.StatusBadRequest, ErrCodeInvalidPeriod
	case errors.Is(err, services.ErrCurrencyMismatch), errors.Is(err, services.ErrIntervalMismatch):
		return http.StatusUnprocessableEntity, ErrCodeIncompatiblePlans
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusBadRequest, ErrCodeInvalidSignature
	case errors.Is(err, services.ErrWebhookNotConfigured):
		return http.StatusServiceUnavailable, ErrCodeNotConfigured
	case errors.Is(err, providers.ErrUnsupported):
		return http.StatusNotImplemented, ErrCodeUnsupported
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful reaches it.
		return 499, ErrCodeBadRequest
	}

	switch resilience.KindOf(err) {
	case resilience.KindCircuitOpen:
		return http.StatusServiceUnavailable, ErrCodeCircuitOpen
	case resilience.KindRateLimit:
		return http.StatusTooManyRequests, ErrCodeRateLimited
	case resilience.KindTimeout:
		return http.StatusGatewayTimeout, ErrCodeProviderTimeout
	case resilience.KindProviderUnavailable, resilience.KindServiceError:
		return http.StatusServiceUnavailable, ErrCodeProviderUnavailable
	case resilience.KindAuthentication, resilience.KindInvalidRequest:
		return http.StatusBadGateway, ErrCodeProviderRejected
	case resilience.KindContentFiltered:
		return http.StatusUnprocessableEntity, ErrCodeContentFiltered
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
