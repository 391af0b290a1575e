// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/config"
	"github.com/tbourn/go-credit-backend/internal/http/handlers"
	"github.com/tbourn/go-credit-backend/internal/http/middleware"
	"github.com/tbourn/go-credit-backend/internal/providers"
	"github.com/tbourn/go-credit-backend/internal/repo"
	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/services"
)

// maxPromptRunes caps generation prompts accepted over HTTP.
const maxPromptRunes = 32000

// Dependencies are the long-lived collaborators built by cmd/server.
type Dependencies struct {
	DB        *gorm.DB
	Providers *providers.Registry
	Breaker   *resilience.CircuitBreaker
	Log       zerolog.Logger
}

// idempotencyLookup reports whether a live record exists for the key. The
// workspace segment of the path scopes the key.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, workspaceID, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, userID, workspaceID, key, now)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return rec != nil, nil
	}
}

// NewHandlers builds the service graph over deps and returns the HTTP
// handlers bound to it.
func NewHandlers(deps Dependencies, cfg config.Config) *handlers.Handlers {
	credits := services.NewCreditService(deps.DB, deps.Log.With().Str("component", "credits").Logger())

	billing := services.NewBillingService(deps.DB, deps.Log.With().Str("component", "billing").Logger())

	webhooks := services.NewWebhookService(deps.DB, cfg.Stripe.WebhookSecret,
		deps.Log.With().Str("component", "webhooks").Logger())

	gen := &services.GenerationService{
		DB:                       deps.DB,
		Credits:                  credits,
		Providers:                deps.Providers,
		Log:                      deps.Log.With().Str("component", "generation").Logger(),
		CreditsPerThousandTokens: cfg.Credits.PerThousandTokens,
		DefaultMaxTokens:         cfg.Credits.DefaultMaxTokens,
		MaxPromptRunes:           maxPromptRunes,
		StreamInactivity:         cfg.Stream.InactivityTimeout,
		StreamMaxBytes:           cfg.Stream.MaxBufferBytes,
		IdempotencyTTL:           cfg.IdempotencyTTL,
	}

	return handlers.New(handlers.Deps{
		Credits:    credits,
		Billing:    billing,
		Generation: gen,
		Webhooks:   webhooks,
		Breaker:    deps.Breaker,
		Providers:  deps.Providers,
	})
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret and PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per workspace, else user/IP; bypass on replay)
//
// The Stripe webhook is mounted before 8 and 9: Stripe retries on its own
// schedule and must never be throttled.
func RegisterRoutes(r *gin.Engine, deps Dependencies, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture and security headers
	r.Use(corsMiddleware(cfg.CORS)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:     cfg.Security.EnableHSTS,
		HSTSMaxAge:     cfg.Security.HSTSMaxAge,
		PrivateNoCache: true,
		EnablePolicy:   true,
	}))

	// Compress JSON; SSE and /metrics manage their own framing.
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{"/metrics", "/swagger"}),
		gzip.WithExcludedPathsRegexs([]string{`/generations$`}),
	))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := NewHandlers(deps, cfg)

	apiBase := cfg.APIBasePath // e.g. "/api/v1"

	// Webhooks: outside idempotency and rate limiting
	hooks := groupWithPrefix(r, apiBase)
	hooks.POST("/webhooks/stripe", h.StripeWebhook)

	// 8) + 9) apply to the public API only
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByWorkspaceOrIP())
	api := groupWithPrefix(r, apiBase)
	api.Use(
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(deps.DB)),
		rl.Handler(),
	)
	{
		// Credits
		api.GET("/workspaces/:id/credits", h.GetCreditBalance)
		api.GET("/workspaces/:id/credits/transactions", h.ListCreditTransactions)
		api.GET("/workspaces/:id/credits/transactions/:txID", h.GetCreditTransaction)
		api.POST("/workspaces/:id/credits/allocations", h.AllocateCredits)
		api.POST("/workspaces/:id/credits/allocations/consume", h.ConsumeCredits)
		api.POST("/workspaces/:id/credits/allocations/release", h.ReleaseCredits)
		api.POST("/workspaces/:id/credits/deductions", h.DeductCredits)
		api.POST("/workspaces/:id/credits/refunds", h.RefundCredits)

		// Generations
		api.POST("/workspaces/:id/generations", h.CreateGeneration)
		api.GET("/workspaces/:id/generations/:genID", h.GetGeneration)

		// Billing
		api.GET("/workspaces/:id/trial", h.GetTrial)
		api.POST("/workspaces/:id/trial", h.UseTrial)
		api.POST("/billing/proration", h.CalculateProration)
		api.GET("/billing/plans", h.ListPlans)
		api.PUT("/billing/plans/:planID", h.UpsertPlan)

		// Providers
		api.GET("/providers/health", h.ProvidersHealth)
		api.POST("/providers/:name/reset", h.ResetProvider)
	}
}

// corsMiddleware returns the CORS chain: allow-all when no origins are
// configured, otherwise an allowlist echoed back per request.
func corsMiddleware(cfg config.CORSConfig) []gin.HandlerFunc {
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID",
		middleware.HeaderIdempotencyKey, "If-None-Match",
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "Retry-After", "ETag", handlers.HeaderReplayed}
	methods := []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

	if len(cfg.AllowedOrigins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     methods,
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    exposeHeaders,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
