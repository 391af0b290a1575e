// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the structured access logger. It
// scrubs PII and credentials from request metadata before emitting logs and
// attaches the request-scoped logger returned by LoggerFrom.
//
// Scrubbing:
//   - Request and response bodies are never logged.
//   - Emails, phone numbers and UUID-like identifiers in the query string and
//     header values are replaced with typed placeholders.
//   - Provider API keys and payment secrets (sk-..., sk_live_..., whsec_...,
//     Bearer tokens) are replaced wherever they appear.
//   - Credential headers are masked entirely: Authorization, Cookie,
//     Set-Cookie, Stripe-Signature, Idempotency-Key, X-Api-Key, plus
//     RedactOptions.MaskHeaders.
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.RequestID())
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders lists extra header names (case-insensitive) whose values are
// replaced with "[REDACTED]".
type RedactOptions struct {
	MaskHeaders []string
}

var defaultMaskedHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"stripe-signature",
	"idempotency-key",
	"x-api-key",
	"x-goog-api-key",
}

// Order matters: secrets, then IDs, then email, then phone (the loosest).
// Redacting UUIDs before phones keeps the phone pattern off UUID digit runs.
var (
	secretRE = regexp.MustCompile(`(?i)\b(?:sk-(?:ant-|proj-)?[A-Za-z0-9_\-]{16,}|(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{8,}|whsec_[A-Za-z0-9]{8,}|bearer\s+[A-Za-z0-9._\-]{8,})`)
	uuidRE   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex characters from UUIDs never match.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Redact scrubs credentials and PII from s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = secretRE.ReplaceAllString(s, "[REDACTED:secret]")
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// RedactingLogger returns a Gin middleware that attaches a request-scoped
// logger and writes one access log per request with sensitive values
// scrubbed.
//
// Level: error for 5xx or when handlers recorded errors via c.Error, warn for
// 4xx, info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := make(map[string]struct{}, len(defaultMaskedHeaders)+len(opts.MaskHeaders))
	for _, h := range append(append([]string(nil), defaultMaskedHeaders...), opts.MaskHeaders...) {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		l := requestLogger(c)
		c.Set(loggerKey, &l)

		safeQuery := Redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))
		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = Redact(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = l.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", Redact(c.Errors.String()))
			}
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}

		ev.
			Str("query", safeQuery).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}

// accessLogRequestID prefers the ID chosen by RequestID, then whatever
// correlation header is present on the response or request.
func accessLogRequestID(c *gin.Context) string {
	if rid := asString(c.Value(requestIDKey)); rid != "" {
		return rid
	}
	if rid := c.Writer.Header().Get(requestIDHeader); rid != "" {
		return rid
	}
	return c.GetHeader(requestIDHeader)
}
