// Command server runs the credit ledger and AI generation API.
//
// @title                      Go Credit Backend API
// @version                    1.0
// @description                Workspace credit ledger, metered AI generations behind circuit breakers, and Stripe billing sync.
// @BasePath                   /api/v1
// @schemes                    http https
// @securityDefinitions.apikey UserID
// @in                         header
// @name                       X-User-ID
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/docs"
	"github.com/tbourn/go-credit-backend/internal/config"
	httpapi "github.com/tbourn/go-credit-backend/internal/http"
	"github.com/tbourn/go-credit-backend/internal/observability"
	"github.com/tbourn/go-credit-backend/internal/providers"
	"github.com/tbourn/go-credit-backend/internal/repo"
	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// idempotencyPurgeEvery is how often expired Idempotency-Key records are
// deleted.
const idempotencyPurgeEvery = 15 * time.Minute

func main() {
	cfg := config.MustLoad()
	log := sysutil.NewLogger(cfg.LogLevel, cfg.LogPretty, nil)

	ctx, stop := sysutil.SignalContext(context.Background())
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	breaker := resilience.NewCircuitBreaker(cfg.Breaker.Resilience(),
		resilience.WithBreakerLogger(log.With().Str("component", "breaker").Logger()))
	retrier := resilience.NewRetrier(cfg.Retry.Resilience(),
		resilience.WithRetryLogger(log.With().Str("component", "retry").Logger()))

	registry, err := providers.FromConfig(ctx, cfg.Providers, breaker, retrier, log)
	if err != nil {
		return err
	}
	log.Info().Strs("providers", registry.Names()).Msg("providers registered")

	gin.SetMode(cfg.GinMode)
	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = version

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Dependencies{
		DB:        db,
		Providers: registry,
		Breaker:   breaker,
		Log:       log,
	}, cfg)

	go purgeIdempotency(ctx, db, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// purgeIdempotency deletes expired idempotency records until ctx ends.
func purgeIdempotency(ctx context.Context, db *gorm.DB, log zerolog.Logger) {
	t := time.NewTicker(idempotencyPurgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency keys")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired idempotency keys removed")
			}
		}
	}
}
