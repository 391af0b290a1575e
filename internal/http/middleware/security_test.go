package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func serveSecurity(t *testing.T, opt SecurityOptions, pre gin.HandlerFunc, req *http.Request) http.Header {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if pre != nil {
		r.Use(pre)
	}
	r.Use(SecurityHeaders(opt))
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if req == nil {
		req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Baseline_And_ExposeHeader(t *testing.T) {
	t.Run("baseline headers and exposed request id", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{}, func(c *gin.Context) {
			c.Header("X-Request-ID", "rid-123")
			c.Next()
		}, nil)

		if h.Get("X-Content-Type-Options") != "nosniff" ||
			h.Get("X-Frame-Options") != "DENY" ||
			h.Get("Referrer-Policy") != "no-referrer" {
			t.Fatalf("baseline headers missing: %#v", h)
		}
		if h.Get("Permissions-Policy") != "" || h.Get("Cache-Control") != "" || h.Get("Strict-Transport-Security") != "" {
			t.Fatalf("unexpected optional headers: %#v", h)
		}
		if got := h.Get("Access-Control-Expose-Headers"); got != "X-Request-ID, Retry-After, Idempotent-Replayed, ETag" {
			t.Fatalf("unexpected expose header %q", got)
		}
	})

	t.Run("existing entries are kept and not duplicated", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{}, func(c *gin.Context) {
			c.Header("X-Request-ID", "rid-xyz")
			c.Header("Access-Control-Expose-Headers", "Foo, etag")
			c.Next()
		}, nil)

		got := h.Get("Access-Control-Expose-Headers")
		if got != "Foo, etag, X-Request-ID, Retry-After, Idempotent-Replayed" {
			t.Fatalf("unexpected expose header %q", got)
		}
	})

	t.Run("no request id, no request id exposure", func(t *testing.T) {
		h := serveSecurity(t, SecurityOptions{}, nil, nil)
		if strings.Contains(h.Get("Access-Control-Expose-Headers"), "X-Request-ID") {
			t.Fatalf("X-Request-ID exposed without being set: %q", h.Get("Access-Control-Expose-Headers"))
		}
	})
}

func TestSecurityHeaders_WithPolicy_NoStore_HSTS_TLS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.TLS = &tls.ConnectionState{}
	h := serveSecurity(t, SecurityOptions{
		EnableHSTS:     true,
		HSTSMaxAge:     24 * time.Hour,
		NoStore:        true,
		PrivateNoCache: true,
		EnablePolicy:   true,
	}, nil, req)

	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("missing policy headers: %#v", h)
	}
	if h.Get("Cache-Control") != "no-store" || h.Get("Pragma") != "no-cache" || h.Get("Expires") != "0" {
		t.Fatalf("NoStore should win: %#v", h)
	}
	if want := "max-age=86400; includeSubDomains; preload"; h.Get("Strict-Transport-Security") != want {
		t.Fatalf("expected HSTS %q, got %q", want, h.Get("Strict-Transport-Security"))
	}
}

func TestSecurityHeaders_PrivateNoCache(t *testing.T) {
	h := serveSecurity(t, SecurityOptions{PrivateNoCache: true}, nil, nil)
	if h.Get("Cache-Control") != "private, no-cache" || h.Get("Pragma") != "" {
		t.Fatalf("unexpected cache headers: %#v", h)
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if got := serveSecurity(t, SecurityOptions{EnableHSTS: true}, nil, req).Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains; preload" {
		t.Fatalf("expected default HSTS, got %q", got)
	}

	if got := serveSecurity(t, SecurityOptions{EnableHSTS: true}, nil, nil).Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("HSTS must not be sent over plain HTTP, got %q", got)
	}
}

func Test_isHTTPS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if isHTTPS(req) {
		t.Fatalf("plain HTTP should not be https")
	}
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.TLS = &tls.ConnectionState{}
	if !isHTTPS(req2) {
		t.Fatalf("TLS request should be https")
	}
	req3 := httptest.NewRequest(http.MethodGet, "/", nil)
	req3.Header.Set("X-Forwarded-Proto", "HTTPS")
	if !isHTTPS(req3) {
		t.Fatalf("X-Forwarded-Proto=https should be https")
	}
}
