package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-credit-backend/internal/config"
	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/http/middleware"
	"github.com/tbourn/go-credit-backend/internal/providers"
	"github.com/tbourn/go-credit-backend/internal/repo"
	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/stream"
)

// --- fake text provider ---
type fakeText struct{ calls int }

func (f *fakeText) Name() string { return "fake" }

func (f *fakeText) GenerateText(_ context.Context, req providers.TextRequest) (*providers.TextResponse, error) {
	f.calls++
	return &providers.TextResponse{
		Provider: "fake",
		Model:    "fake-1",
		Content:  "echo: " + req.Prompt,
		Usage:    providers.Usage{TotalTokens: 500},
	}, nil
}

func (f *fakeText) StreamText(_ context.Context, _ providers.TextRequest) (stream.Stream, error) {
	return stream.FromChunks(stream.Chunk{Content: "echo"}), nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:routerdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      10,
		CORS:           config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:       config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		IdempotencyTTL: time.Hour,
		Credits:        config.CreditsConfig{PerThousandTokens: 1, DefaultMaxTokens: 1024},
		Stream:         config.StreamConfig{InactivityTimeout: time.Second, MaxBufferBytes: 1 << 16},
	}
}

func newTestRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB, *fakeText) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)

	fake := &fakeText{}
	reg := providers.NewRegistry("fake")
	reg.Register(fake)

	r := gin.New()
	RegisterRoutes(r, Dependencies{
		DB:        db,
		Providers: reg,
		Breaker:   resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
		Log:       zerolog.Nop(),
	}, cfg)
	return r, db, fake
}

func seedWorkspace(t *testing.T, db *gorm.DB, credits int64) *domain.Workspace {
	t.Helper()
	w, err := repo.CreateWorkspace(context.Background(), db, "acme", credits)
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return w
}

func do(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	// /health works
	w := do(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Fatalf("expected X-Request-ID on every response")
	}

	// /metrics is wired
	w = do(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = do(r, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = do(r, http.MethodPost, "/health", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _, _ := newTestRouter(t, cfg)

	w := do(r, http.MethodGet, "/health", "", map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRoutes_CreditsAndGenerationFlow(t *testing.T) {
	r, db, fake := newTestRouter(t, testConfig())
	ws := seedWorkspace(t, db, 100)
	base := "/api/v1/workspaces/" + ws.ID

	w := do(r, http.MethodGet, base+"/credits", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance = %d %s", w.Code, w.Body.String())
	}
	var bal struct{ Total, Allocated, Available int64 }
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Available != 100 {
		t.Fatalf("unexpected balance: %+v (%s)", bal, w.Body.String())
	}

	hdr := map[string]string{middleware.HeaderIdempotencyKey: "gen-1", "X-User-ID": "u1"}
	w = do(r, http.MethodPost, base+"/generations", `{"prompt":"hi"}`, hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("first generation = %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodPost, base+"/generations", `{"prompt":"hi"}`, hdr)
	if w.Code != http.StatusOK || w.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay = %d replayed=%q", w.Code, w.Header().Get("Idempotent-Replayed"))
	}
	if fake.calls != 1 {
		t.Fatalf("provider called %d times; want 1", fake.calls)
	}

	got, err := repo.GetWorkspace(context.Background(), db, ws.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.CreditCount != 99 || got.AllocatedCredits != 0 {
		t.Fatalf("after generation count=%d allocated=%d; want 99/0", got.CreditCount, got.AllocatedCredits)
	}

	w = do(r, http.MethodGet, base+"/credits/transactions", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("history = %d etag=%q", w.Code, w.Header().Get("ETag"))
	}
	w2 := do(r, http.MethodGet, base+"/credits/transactions", "", map[string]string{"If-None-Match": w.Header().Get("ETag")})
	if w2.Code != http.StatusNotModified {
		t.Fatalf("conditional history = %d; want 304", w2.Code)
	}
}

func TestRoutes_WebhookBypassesRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r, db, _ := newTestRouter(t, cfg)
	ws := seedWorkspace(t, db, 5)

	if w := do(r, http.MethodGet, "/api/v1/workspaces/"+ws.ID+"/credits", "", nil); w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}
	w := do(r, http.MethodGet, "/api/v1/workspaces/"+ws.ID+"/credits", "", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second request = %d retry-after=%q", w.Code, w.Header().Get("Retry-After"))
	}

	// No webhook secret configured: 503 every time, never 429.
	for i := 0; i < 3; i++ {
		w := do(r, http.MethodPost, "/api/v1/webhooks/stripe", `{}`, map[string]string{"Stripe-Signature": "t=1,v1=x"})
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("webhook #%d = %d %s", i, w.Code, w.Body.String())
		}
	}
}

func TestRoutes_ProvidersHealthAndReset(t *testing.T) {
	r, _, _ := newTestRouter(t, testConfig())

	w := do(r, http.MethodGet, "/api/v1/providers/health", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"fake"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/api/v1/providers/fake/reset", "", nil); w.Code != http.StatusOK {
		t.Fatalf("reset = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/providers/nope/reset", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("reset unknown = %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}
