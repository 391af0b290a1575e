// Generation HTTP handlers.
//
// This file exposes REST endpoints for metered AI generations:
//   - POST   /workspaces/{id}/generations        (create; JSON or text/event-stream)
//   - GET    /workspaces/{id}/generations/{genID} (fetch a stored result)
//
// Credits are reserved before the provider is called and settled when it
// returns; see services.GenerationService for the accounting rules.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/http/middleware"
	"github.com/tbourn/go-credit-backend/internal/services"
	"github.com/tbourn/go-credit-backend/internal/stream"
)

// HeaderReplayed is set on responses served from an earlier request with
// the same Idempotency-Key.
const HeaderReplayed = "Idempotent-Replayed"

//
// DTOs
//

// CreateGenerationRequest is the JSON payload for a text generation.
type CreateGenerationRequest struct {
	// Prompt is the user input (required).
	Prompt string `json:"prompt" binding:"required" example:"Summarize our Q3 churn drivers"`
	// System optionally sets the system instruction.
	System string `json:"system,omitempty" example:"You are a concise analyst."`
	// Provider selects a registered provider; empty uses the default.
	Provider string `json:"provider,omitempty" example:"openai"`
	// Model overrides the provider's default model.
	Model string `json:"model,omitempty" example:"gpt-4o-mini"`
	// MaxTokens bounds the completion and drives the credit estimate.
	MaxTokens int `json:"max_tokens,omitempty" example:"512"`
	// Stream requests server-sent events instead of a single JSON response.
	Stream bool `json:"stream,omitempty"`
}

// GenerationResponse wraps a settled generation.
type GenerationResponse struct {
	Generation *domain.Generation `json:"generation"`
	Replayed   bool               `json:"replayed"`
}

// streamChunkEvent is the payload of an SSE "chunk" event.
type streamChunkEvent struct {
	Content string `json:"content"`
}

//
// Helpers
//

func wantsEventStream(c *gin.Context, req CreateGenerationRequest) bool {
	return req.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

//
// Handlers
//

// CreateGeneration godoc
// @ID          createGeneration
// @Summary     Run a metered text generation
// @Description Reserves the estimated credits, calls the provider through the circuit breaker and retry layer, then consumes actual usage and releases the rest. With stream=true (or Accept: text/event-stream) chunks are delivered as server-sent events: "chunk" per delta, then "done" with the settled generation, or "error".
// @Tags        Generations
// @Accept      json
// @Produce     json
// @Produce     text/event-stream
//
// @Param       X-User-ID        header  string  false  "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false  "Replay protection key"  example(5b1d3c8e-2f4a-4b6b-9e0d-7a1f2c3d4e5f)
// @Param       id               path    string  true   "Workspace ID (UUID)"    format(uuid)
// @Param       body             body    handlers.CreateGenerationRequest  true  "Generation request"
//
// @Success     201  {object}  handlers.GenerationResponse
// @Success     200  {object}  handlers.GenerationResponse  "Replayed result"
// @Header      200  {string}  Idempotent-Replayed  "true when served from an earlier request"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient credits"
// @Failure     404  {object}  handlers.ErrorResponse  "Workspace or provider not found"
// @Failure     429  {object}  handlers.ErrorResponse  "Provider rate limited"
// @Failure     503  {object}  handlers.ErrorResponse  "Provider unavailable or circuit open"
// @Failure     504  {object}  handlers.ErrorResponse  "Provider timeout"
// @Router      /workspaces/{id}/generations [post]
func (h *Handlers) CreateGeneration(c *gin.Context) {
	ws, valid := workspaceParam(c)
	if !valid {
		return
	}
	var req CreateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "prompt required")
		return
	}
	if req.MaxTokens < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "max_tokens must not be negative")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	in := services.GenerateInput{
		WorkspaceID:    ws,
		UserID:         userID(c),
		Provider:       strings.TrimSpace(req.Provider),
		Model:          strings.TrimSpace(req.Model),
		System:         req.System,
		Prompt:         req.Prompt,
		MaxTokens:      req.MaxTokens,
		IdempotencyKey: key,
	}

	if wantsEventStream(c, req) {
		h.streamGeneration(c, in)
		return
	}

	res, err := h.generation.Generate(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	writeGeneration(c, res)
}

func writeGeneration(c *gin.Context, res *services.GenerationResult) {
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
		c.Header(HeaderReplayed, "true")
	}
	ok(c, status, GenerationResponse{Generation: res.Generation, Replayed: res.Replayed})
}

// streamGeneration relays chunks as server-sent events. Nothing is written
// until the first chunk arrives, so setup failures still get a JSON error.
func (h *Handlers) streamGeneration(c *gin.Context, in services.GenerateInput) {
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
	}

	done := middleware.TrackStream()
	defer done()

	res, err := h.generation.Stream(c.Request.Context(), in, func(ch stream.Chunk) error {
		if ch.Content == "" {
			return nil
		}
		begin()
		c.SSEvent("chunk", streamChunkEvent{Content: ch.Content})
		c.Writer.Flush()
		return nil
	})

	if err != nil {
		if !started {
			writeError(c, err)
			return
		}
		status, code := classify(err)
		middleware.LoggerFrom(c).Warn().Err(err).Int("status", status).Msg("stream aborted")
		c.SSEvent("error", ErrorResponse{
			RequestID: c.Writer.Header().Get("X-Request-ID"),
			Code:      code,
			Message:   err.Error(),
		})
		c.Writer.Flush()
		return
	}

	if !started && res.Replayed {
		// Replays carry no chunks; answer with the stored resource.
		writeGeneration(c, res)
		return
	}
	begin()
	c.SSEvent("done", GenerationResponse{Generation: res.Generation, Replayed: res.Replayed})
	c.Writer.Flush()
}

// GetGeneration godoc
// @ID          getGeneration
// @Summary     Fetch a generation
// @Tags        Generations
// @Produce     json
//
// @Param       id     path  string  true  "Workspace ID (UUID)"   format(uuid)
// @Param       genID  path  string  true  "Generation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Generation
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Generation not found"
// @Router      /workspaces/{id}/generations/{genID} [get]
func (h *Handlers) GetGeneration(c *gin.Context) {
	ws, valid := workspaceParam(c)
	if !valid {
		return
	}
	g, err := h.generation.GetGeneration(c.Request.Context(), ws, c.Param("genID"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, g)
}
