// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database selection, rate limiting,
// provider resilience tuning, billing secrets, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-credit-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]

	Environment   string            // DEPLOYMENT_ENV (e.g. "production")
	Headers       map[string]string // OTEL_EXPORTER_OTLP_HEADERS "k1=v1,k2=v2"
	ExportTimeout time.Duration     // OTEL_EXPORTER_OTLP_TIMEOUT
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH: SQLite file path
	URL    string // DATABASE_URL: Postgres DSN
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // BREAKER_FAILURE_THRESHOLD
	SuccessThreshold int           // BREAKER_SUCCESS_THRESHOLD
	Timeout          time.Duration // BREAKER_TIMEOUT (open -> half-open)
	MonitoringPeriod time.Duration // BREAKER_MONITORING_PERIOD (failure window)
}

// RetryConfig tunes exponential-backoff retries around provider calls.
type RetryConfig struct {
	MaxRetries        int           // RETRY_MAX_RETRIES (total attempts)
	InitialDelay      time.Duration // RETRY_INITIAL_DELAY
	MaxDelay          time.Duration // RETRY_MAX_DELAY
	BackoffMultiplier float64       // RETRY_BACKOFF_MULTIPLIER
	AttemptTimeout    time.Duration // RETRY_ATTEMPT_TIMEOUT, 0 disables
}

// Resilience converts c into the breaker's config. Non-positive fields fall
// back to resilience.DefaultBreakerConfig one by one.
func (c BreakerConfig) Resilience() resilience.BreakerConfig {
	out := resilience.DefaultBreakerConfig()
	if c.FailureThreshold > 0 {
		out.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		out.SuccessThreshold = c.SuccessThreshold
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.MonitoringPeriod > 0 {
		out.MonitoringPeriod = c.MonitoringPeriod
	}
	return out
}

// Resilience converts c into the retrier's config, falling back field by
// field to resilience.DefaultRetryConfig.
func (c RetryConfig) Resilience() resilience.RetryConfig {
	out := resilience.DefaultRetryConfig()
	if c.MaxRetries > 0 {
		out.MaxRetries = c.MaxRetries
	}
	if c.InitialDelay > 0 {
		out.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		out.MaxDelay = c.MaxDelay
	}
	if c.BackoffMultiplier >= 1 {
		out.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.AttemptTimeout > 0 {
		out.Timeout = c.AttemptTimeout
	}
	return out
}

// StreamConfig bounds streamed completions.
type StreamConfig struct {
	InactivityTimeout time.Duration // STREAM_INACTIVITY_TIMEOUT
	MaxBufferBytes    int           // STREAM_MAX_BUFFER_BYTES
}

// StripeConfig holds payment provider secrets.
type StripeConfig struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
}

// ProvidersConfig holds AI provider credentials and default models. A
// provider with an empty key is not registered.
type ProvidersConfig struct {
	OpenAIKey      string
	OpenAIModel    string
	AnthropicKey   string
	AnthropicModel string
	GoogleKey      string
	GoogleModel    string
	MistralKey     string
	MistralModel   string
	Default        string // DEFAULT_PROVIDER
}

// CreditsConfig controls how generation cost is estimated and billed.
type CreditsConfig struct {
	PerThousandTokens int // CREDITS_PER_1K_TOKENS
	DefaultMaxTokens  int // ESTIMATE_DEFAULT_MAX_TOKENS
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DB DatabaseConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Provider resilience
	Breaker BreakerConfig
	Retry   RetryConfig
	Stream  StreamConfig

	// Billing / AI
	Stripe    StripeConfig
	Providers ProvidersConfig
	Credits   CreditsConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables (and an optional .env
// file in the working directory), applies defaults, normalizes values, and
// validates the result.
func Load() (Config, error) {
	// A missing .env is the normal case in containers.
	_ = godotenv.Load()

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DB: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "app.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Provider resilience
		Breaker: BreakerConfig{
			FailureThreshold: getint("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getint("BREAKER_SUCCESS_THRESHOLD", 2),
			Timeout:          getdur("BREAKER_TIMEOUT", 60*time.Second),
			MonitoringPeriod: getdur("BREAKER_MONITORING_PERIOD", 120*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:        getint("RETRY_MAX_RETRIES", 3),
			InitialDelay:      getdur("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:          getdur("RETRY_MAX_DELAY", 30*time.Second),
			BackoffMultiplier: getfloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			AttemptTimeout:    getdur("RETRY_ATTEMPT_TIMEOUT", 0),
		},
		Stream: StreamConfig{
			InactivityTimeout: getdur("STREAM_INACTIVITY_TIMEOUT", 30*time.Second),
			MaxBufferBytes:    getint("STREAM_MAX_BUFFER_BYTES", 1<<20),
		},

		// Billing / AI
		Stripe: StripeConfig{
			SecretKey:     getenv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getenv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Providers: ProvidersConfig{
			OpenAIKey:      getenv("OPENAI_API_KEY", ""),
			OpenAIModel:    getenv("OPENAI_MODEL", "gpt-4o-mini"),
			AnthropicKey:   getenv("ANTHROPIC_API_KEY", ""),
			AnthropicModel: getenv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
			GoogleKey:      getenv("GOOGLE_API_KEY", ""),
			GoogleModel:    getenv("GOOGLE_MODEL", "gemini-1.5-flash"),
			MistralKey:     getenv("MISTRAL_API_KEY", ""),
			MistralModel:   getenv("MISTRAL_MODEL", "mistral-small-latest"),
			Default:        strings.ToLower(getenv("DEFAULT_PROVIDER", "openai")),
		},
		Credits: CreditsConfig{
			PerThousandTokens: getint("CREDITS_PER_1K_TOKENS", 1),
			DefaultMaxTokens:  getint("ESTIMATE_DEFAULT_MAX_TOKENS", 1024),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-credit-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),

			Environment:   getenv("DEPLOYMENT_ENV", "development"),
			Headers:       parseHeaders(getenv("OTEL_EXPORTER_OTLP_HEADERS", "")),
			ExportTimeout: getdur("OTEL_EXPORTER_OTLP_TIMEOUT", 10*time.Second),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Breaker.FailureThreshold < 1 || cfg.Breaker.SuccessThreshold < 1 {
		return cfg, errors.New("BREAKER_FAILURE_THRESHOLD and BREAKER_SUCCESS_THRESHOLD must be >= 1")
	}
	if cfg.Breaker.Timeout <= 0 || cfg.Breaker.MonitoringPeriod <= 0 {
		return cfg, errors.New("BREAKER_TIMEOUT and BREAKER_MONITORING_PERIOD must be positive durations")
	}
	if cfg.Retry.MaxRetries < 1 {
		return cfg, errors.New("RETRY_MAX_RETRIES must be >= 1")
	}
	if cfg.Retry.InitialDelay < 0 || cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return cfg, errors.New("RETRY_INITIAL_DELAY must be >= 0 and <= RETRY_MAX_DELAY")
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		return cfg, errors.New("RETRY_BACKOFF_MULTIPLIER must be >= 1")
	}
	if cfg.Retry.AttemptTimeout < 0 {
		return cfg, errors.New("RETRY_ATTEMPT_TIMEOUT must be >= 0")
	}
	if cfg.Stream.InactivityTimeout <= 0 || cfg.Stream.MaxBufferBytes <= 0 {
		return cfg, errors.New("STREAM_INACTIVITY_TIMEOUT and STREAM_MAX_BUFFER_BYTES must be > 0")
	}
	if cfg.Credits.PerThousandTokens < 1 || cfg.Credits.DefaultMaxTokens < 1 {
		return cfg, errors.New("CREDITS_PER_1K_TOKENS and ESTIMATE_DEFAULT_MAX_TOKENS must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if sysutil.IsTruthy(v) {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseHeaders reads "k1=v1,k2=v2". Entries without "=" or with an empty
// key are skipped.
func parseHeaders(s string) map[string]string {
	var out map[string]string
	for _, kv := range splitCSV(s) {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
