// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a hardening middleware that attaches a
// conservative set of HTTP security headers for a JSON API behind a reverse
// proxy: HSTS (opt-in, HTTPS only), cache controls for balance and ledger
// responses, browser feature policies, and exposure of the correlation and
// retry headers browser clients need to read.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// exposedHeaders are made readable to browser clients when present.
var exposedHeaders = []string{"X-Request-ID", "Retry-After", "Idempotent-Replayed", "ETag"}

// SecurityOptions configures HTTP security headers emitted by SecurityHeaders.
//
//   - EnableHSTS: emit Strict-Transport-Security for HTTPS requests only.
//   - HSTSMaxAge: HSTS lifetime; <= 0 means 180 days.
//   - NoStore: Cache-Control: no-store (plus legacy Pragma/Expires).
//   - PrivateNoCache: Cache-Control: private, no-cache. Responses may be
//     stored by the client but must be revalidated, which keeps ETags useful.
//     Ignored when NoStore is set.
//   - EnablePolicy: Permissions-Policy and X-Permitted-Cross-Domain-Policies.
type SecurityOptions struct {
	EnableHSTS     bool
	HSTSMaxAge     time.Duration
	NoStore        bool
	PrivateNoCache bool
	EnablePolicy   bool
}

// SecurityHeaders returns a Gin middleware that adds security headers to
// each response.
//
// Always sets X-Content-Type-Options: nosniff, X-Frame-Options: DENY and
// Referrer-Policy: no-referrer. Access-Control-Expose-Headers gains
// X-Request-ID when it is already set, and always lists Retry-After,
// Idempotent-Replayed and ETag, which handlers set later. Existing entries
// are kept and never duplicated.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		switch {
		case opt.NoStore:
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		case opt.PrivateNoCache:
			h.Set("Cache-Control", "private, no-cache")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		// Known already: the request ID. The rest are decided by handlers.
		if h.Get("X-Request-ID") != "" {
			exposeHeader(h, "X-Request-ID")
		}
		for _, name := range exposedHeaders[1:] {
			exposeHeader(h, name)
		}

		c.Next()
	}
}

// exposeHeader appends name to Access-Control-Expose-Headers once.
func exposeHeader(h http.Header, name string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	if cur == "" {
		h.Set(hdr, name)
		return
	}
	for _, p := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(p), name) {
			return
		}
	}
	h.Set(hdr, cur+", "+name)
}

// isHTTPS reports whether the request used HTTPS either directly or via a
// reverse proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
