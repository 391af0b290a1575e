package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusError is implemented by transport errors that know the HTTP status
// of the failed response, such as an error event inside an Anthropic stream.
type StatusError interface {
	error
	StatusCode() int
}

// contentFilterMarkers identify safety rejections across providers.
var contentFilterMarkers = []string{
	"content_filter", "content filter", "content_policy", "content policy",
	"safety", "blocked", "moderation",
}

// contentFilterCodes are structured error codes that name a safety rejection
// whatever 4xx status carries them.
var contentFilterCodes = []string{"content_filter", "content_policy"}

// Translate maps an SDK or transport error from provider into a
// *ProviderError. Already-classified errors, breaker rejections, and caller
// cancellation pass through unchanged.
func Translate(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return err
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return err
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return NewProviderError(KindContentFiltered, provider, http.StatusBadRequest, blocked.Error(), err)
	}

	st, msg, code := inspect(err)
	out := NewProviderError(classify(st, msg, code), provider, st, msg, err)
	if code != "" {
		out.WithContext("code", code)
	}
	if out.Kind == KindServiceError && st == 0 {
		out.Retryable = IsRetryable(err)
	}
	return out
}

// inspect extracts (status, message, provider code) from known error shapes.
func inspect(err error) (int, string, string) {
	var oa *openai.APIError
	if errors.As(err, &oa) {
		code := oa.Type
		if oa.Code != nil {
			code = strings.TrimSpace(fmt.Sprintf("%v %s", oa.Code, oa.Type))
		}
		return oa.HTTPStatusCode, oa.Message, code
	}
	var or *openai.RequestError
	if errors.As(err, &or) {
		msg := or.HTTPStatus
		if or.Err != nil {
			msg = or.Err.Error()
		}
		return or.HTTPStatusCode, msg, ""
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, ae.Error(), ""
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		reason := ""
		if len(ge.Errors) > 0 {
			reason = ge.Errors[0].Reason
		}
		return ge.Code, ge.Message, reason
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.StatusCode(), se.Error(), ""
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK && s.Code() != codes.Unknown {
		return grpcToHTTP(s.Code()), s.Message(), s.Code().String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, err.Error(), ""
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return http.StatusGatewayTimeout, err.Error(), ""
		}
		return http.StatusServiceUnavailable, err.Error(), ""
	}
	return 0, err.Error(), ""
}

// classify picks a kind from an HTTP status, falling back to message
// heuristics when the status is unknown. Safety markers only decide the kind
// of a malformed-request status or of an error without one.
func classify(st int, msg, code string) ErrorKind {
	low := strings.ToLower(msg + " " + code)
	if st >= 400 && st < 500 && hasContentFilterMarker(strings.ToLower(code), contentFilterCodes) {
		return KindContentFiltered
	}
	switch {
	case st == http.StatusUnauthorized || st == http.StatusForbidden:
		return KindAuthentication
	case st == http.StatusTooManyRequests:
		return KindRateLimit
	case st == http.StatusRequestTimeout || st == http.StatusGatewayTimeout:
		return KindTimeout
	case st == http.StatusInternalServerError || st == http.StatusBadGateway ||
		st == http.StatusServiceUnavailable || st == 529:
		return KindProviderUnavailable
	case st >= 500:
		return KindServiceError
	case st == http.StatusBadRequest || st == http.StatusUnprocessableEntity:
		if hasContentFilterMarker(low, contentFilterMarkers) {
			return KindContentFiltered
		}
		return KindInvalidRequest
	case st >= 400:
		return KindInvalidRequest
	}

	switch {
	case hasContentFilterMarker(low, contentFilterMarkers):
		return KindContentFiltered
	case strings.Contains(low, "rate limit") || strings.Contains(low, "too many requests") || strings.Contains(low, "quota"):
		return KindRateLimit
	case strings.Contains(low, "timeout") || strings.Contains(low, "timed out") || strings.Contains(low, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(low, "api key") || strings.Contains(low, "unauthorized") || strings.Contains(low, "authentication"):
		return KindAuthentication
	case strings.Contains(low, "econnrefused") || strings.Contains(low, "connection refused") ||
		strings.Contains(low, "econnreset") || strings.Contains(low, "connection reset") ||
		strings.Contains(low, "no such host") || strings.Contains(low, "overloaded") || strings.Contains(low, "unavailable"):
		return KindProviderUnavailable
	}
	return KindServiceError
}

func hasContentFilterMarker(low string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

func grpcToHTTP(c codes.Code) int {
	switch c {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.NotFound, codes.AlreadyExists:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled:
		return 499
	}
	return http.StatusInternalServerError
}
