package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/http/middleware"
	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/services"
	"github.com/tbourn/go-credit-backend/internal/stream"
)

func newGenerationRouter(f *fakeGeneration) *gin.Engine {
	h := New(Deps{Generation: f})
	r := newEngine()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/workspaces/:id/generations", h.CreateGeneration)
	r.GET("/workspaces/:id/generations/:genID", h.GetGeneration)
	return r
}

func okResult(replayed bool) *services.GenerationResult {
	return &services.GenerationResult{
		Generation: &domain.Generation{ID: "g-1", WorkspaceID: testWS, Output: "hello", Status: domain.GenerationSucceeded},
		Replayed:   replayed,
	}
}

func TestCreateGeneration_JSON(t *testing.T) {
	f := &fakeGeneration{generate: func(services.GenerateInput) (*services.GenerationResult, error) {
		return okResult(false), nil
	}}
	r := newGenerationRouter(f)

	w := perform(r, http.MethodPost, "/workspaces/"+testWS+"/generations",
		`{"prompt":"hi","provider":" openai ","max_tokens":256}`,
		"X-User-ID", "u1", middleware.HeaderIdempotencyKey, "k-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if f.last.UserID != "u1" || f.last.IdempotencyKey != "k-1" || f.last.Provider != "openai" || f.last.MaxTokens != 256 {
		t.Fatalf("unexpected input: %+v", f.last)
	}
	if w.Header().Get(HeaderReplayed) != "" {
		t.Fatalf("fresh result must not be marked replayed")
	}

	f.generate = func(services.GenerateInput) (*services.GenerationResult, error) { return okResult(true), nil }
	w = perform(r, http.MethodPost, "/workspaces/"+testWS+"/generations", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK || w.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("replay: status=%d header=%q", w.Code, w.Header().Get(HeaderReplayed))
	}
}

func TestCreateGeneration_Validation(t *testing.T) {
	r := newGenerationRouter(&fakeGeneration{})
	for _, body := range []string{`{}`, `{"prompt":"x","max_tokens":-1}`, `not json`} {
		if w := perform(r, http.MethodPost, "/workspaces/"+testWS+"/generations", body); w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status=%d", body, w.Code)
		}
	}
}

func TestCreateGeneration_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter bool
	}{
		{"insufficient", &services.InsufficientCreditsError{Requested: 2, Available: 0}, http.StatusPaymentRequired, ErrCodeInsufficientCredits, false},
		{"circuit open", &resilience.CircuitBreakerOpenError{Provider: "openai", NextAttemptTime: time.Now().Add(30 * time.Second)}, http.StatusServiceUnavailable, ErrCodeCircuitOpen, true},
		{"timeout", &resilience.ProviderError{Kind: resilience.KindTimeout, Provider: "openai", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, ErrCodeProviderTimeout, false},
		{"content filtered", &resilience.ProviderError{Kind: resilience.KindContentFiltered, Provider: "openai", Err: errors.New("blocked")}, http.StatusUnprocessableEntity, ErrCodeContentFiltered, false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeGeneration{generate: func(services.GenerateInput) (*services.GenerationResult, error) { return nil, tc.err }}
			w := perform(newGenerationRouter(f), http.MethodPost, "/workspaces/"+testWS+"/generations", `{"prompt":"hi"}`)
			if w.Code != tc.status {
				t.Fatalf("status = %d; want %d", w.Code, tc.status)
			}
			er := decodeError(t, w)
			if er.Code != tc.code {
				t.Fatalf("code = %q; want %q", er.Code, tc.code)
			}
			if tc.status == http.StatusInternalServerError && er.Message != "internal server error" {
				t.Fatalf("internal details leaked: %q", er.Message)
			}
			if got := w.Header().Get("Retry-After"); tc.retryAfter && got == "" {
				t.Fatalf("expected Retry-After")
			}
		})
	}
}

func TestCreateGeneration_SSE(t *testing.T) {
	f := &fakeGeneration{stream: func(_ services.GenerateInput, onChunk func(stream.Chunk) error) (*services.GenerationResult, error) {
		for _, s := range []string{"Hel", "", "lo"} {
			if err := onChunk(stream.Chunk{Content: s}); err != nil {
				return nil, err
			}
		}
		return okResult(false), nil
	}}
	r := newGenerationRouter(f)

	w := perform(r, http.MethodPost, "/workspaces/"+testWS+"/generations", `{"prompt":"hi","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if strings.Count(body, "event:chunk") != 2 || !strings.Contains(body, "event:done") {
		t.Fatalf("unexpected event stream:\n%s", body)
	}
}

func TestCreateGeneration_SSEErrors(t *testing.T) {
	// failure before any chunk: plain JSON error
	f := &fakeGeneration{stream: func(services.GenerateInput, func(stream.Chunk) error) (*services.GenerationResult, error) {
		return nil, &services.InsufficientCreditsError{Requested: 2}
	}}
	w := perform(newGenerationRouter(f), http.MethodPost, "/workspaces/"+testWS+"/generations", `{"prompt":"hi"}`, "Accept", "text/event-stream")
	if w.Code != http.StatusPaymentRequired || decodeError(t, w).Code != ErrCodeInsufficientCredits {
		t.Fatalf("pre-stream error: status=%d body=%s", w.Code, w.Body.String())
	}

	// failure mid-stream: an error event after the chunks
	f.stream = func(_ services.GenerateInput, onChunk func(stream.Chunk) error) (*services.GenerationResult, error) {
		_ = onChunk(stream.Chunk{Content: "partial"})
		return nil, &stream.StreamError{Reason: stream.ReasonTimeout, Partial: "partial", Err: context.DeadlineExceeded}
	}
	w = perform(newGenerationRouter(f), http.MethodPost, "/workspaces/"+testWS+"/generations", `{"prompt":"hi","stream":true}`)
	body := w.Body.String()
	if w.Code != http.StatusOK || !strings.Contains(body, "event:chunk") || !strings.Contains(body, "event:error") {
		t.Fatalf("mid-stream error: status=%d body=%s", w.Code, body)
	}

	// replay: no chunks, stored JSON resource
	f.stream = func(services.GenerateInput, func(stream.Chunk) error) (*services.GenerationResult, error) {
		return okResult(true), nil
	}
	w = perform(newGenerationRouter(f), http.MethodPost, "/workspaces/"+testWS+"/generations", `{"prompt":"hi","stream":true}`)
	if w.Code != http.StatusOK || w.Header().Get(HeaderReplayed) != "true" || strings.Contains(w.Body.String(), "event:") {
		t.Fatalf("stream replay: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestGetGeneration(t *testing.T) {
	f := &fakeGeneration{get: func(ws, id string) (*domain.Generation, error) {
		if id == "g-1" {
			return okResult(false).Generation, nil
		}
		return nil, services.ErrGenerationNotFound
	}}
	r := newGenerationRouter(f)
	if w := perform(r, http.MethodGet, "/workspaces/"+testWS+"/generations/g-1", ""); w.Code != http.StatusOK {
		t.Fatalf("found status = %d", w.Code)
	}
	if w := perform(r, http.MethodGet, "/workspaces/"+testWS+"/generations/g-2", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}
}
