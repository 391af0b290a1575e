// Package services – GenerationService
//
// This file implements metered AI generation: the cost of a request is
// estimated from its token budget and reserved on the ledger, the provider
// is called through the resilience layer, and the reservation is settled
// against actual usage. On success the used credits are consumed (never more
// than the estimate) and the rest released; on failure everything is
// released. Streamed generations that fail midway are billed for the partial
// output they delivered.
//
// Observability: Generate and Stream open OpenTelemetry spans carrying the
// workspace, provider, and settlement amounts.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/domain"
	"github.com/tbourn/go-credit-backend/internal/providers"
	"github.com/tbourn/go-credit-backend/internal/repo"
	"github.com/tbourn/go-credit-backend/internal/resilience"
	"github.com/tbourn/go-credit-backend/internal/stream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// charsPerToken approximates token usage from text length when a provider
// reports none.
const charsPerToken = 4

// ProviderResolver looks up text providers by name; "" selects the default.
type ProviderResolver interface {
	Text(name string) (providers.TextGenerationProvider, error)
}

// GenerateInput is one metered generation request.
type GenerateInput struct {
	WorkspaceID    string
	UserID         string
	Provider       string
	Model          string
	System         string
	Prompt         string
	MaxTokens      int
	IdempotencyKey string
}

// GenerationResult is a settled generation. Replayed is true when an earlier
// result was returned for the same idempotency key.
type GenerationResult struct {
	Generation *domain.Generation
	Replayed   bool
}

// GenerationService coordinates the ledger and the provider registry.
type GenerationService struct {
	DB        *gorm.DB
	Credits   *CreditService
	Providers ProviderResolver
	Log       zerolog.Logger

	// CreditsPerThousandTokens prices usage; values <= 0 mean 1.
	CreditsPerThousandTokens int
	// DefaultMaxTokens is the budget used when a request sets none.
	DefaultMaxTokens int
	// MaxPromptRunes rejects longer prompts when > 0.
	MaxPromptRunes int

	StreamInactivity time.Duration
	StreamMaxBytes   int
	IdempotencyTTL   time.Duration
}

// EstimateCredits returns the reservation for a maxTokens budget:
// ceil(maxTokens / 1000 * creditsPer1K), at least 1.
func (s *GenerationService) EstimateCredits(maxTokens int) int64 {
	if maxTokens <= 0 {
		maxTokens = s.maxTokens(0)
	}
	if c := s.creditsForTokens(maxTokens); c > 0 {
		return c
	}
	return 1
}

func (s *GenerationService) perThousand() int64 {
	if s.CreditsPerThousandTokens <= 0 {
		return 1
	}
	return int64(s.CreditsPerThousandTokens)
}

func (s *GenerationService) creditsForTokens(tokens int) int64 {
	if tokens <= 0 {
		return 0
	}
	return (int64(tokens)*s.perThousand() + 999) / 1000
}

func (s *GenerationService) maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	if s.DefaultMaxTokens > 0 {
		return s.DefaultMaxTokens
	}
	return 1024
}

func (s *GenerationService) validate(in *GenerateInput) error {
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Prompt == "" {
		return ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(in.Prompt) > s.MaxPromptRunes {
		return ErrTooLong
	}
	in.MaxTokens = s.maxTokens(in.MaxTokens)
	return nil
}

// replay returns the stored result for in's idempotency key, if any.
func (s *GenerationService) replay(ctx context.Context, in GenerateInput) (*GenerationResult, error) {
	if in.IdempotencyKey == "" {
		return nil, nil
	}
	rec, err := repo.GetIdempotency(ctx, s.DB, in.UserID, in.WorkspaceID, in.IdempotencyKey, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g, err := repo.GetGeneration(ctx, s.DB, in.WorkspaceID, rec.ResourceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &GenerationResult{Generation: g, Replayed: true}, nil
}

// Generate runs a metered, non-streamed generation.
func (s *GenerationService) Generate(ctx context.Context, in GenerateInput) (*GenerationResult, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	if res, err := s.replay(ctx, in); res != nil || err != nil {
		return res, err
	}
	p, err := s.Providers.Text(in.Provider)
	if err != nil {
		return nil, err
	}

	tr := otel.Tracer("services/GenerationService")
	ctx, span := tr.Start(ctx, "Generate", trace.WithAttributes(
		attribute.String("workspace.id", in.WorkspaceID),
		attribute.String("provider", p.Name()),
		attribute.Int("max_tokens", in.MaxTokens),
	))
	defer span.End()

	g := s.newGeneration(in, p.Name())
	if _, err := s.Credits.AllocateCredits(ctx, in.WorkspaceID, g.EstimatedCredits, WithReference(g.ID, "generation")); err != nil {
		return nil, err
	}

	resp, callErr := p.GenerateText(ctx, providers.TextRequest{
		Model:     in.Model,
		System:    in.System,
		Prompt:    in.Prompt,
		MaxTokens: in.MaxTokens,
	})
	if callErr != nil {
		span.RecordError(callErr)
		return nil, s.fail(ctx, g, "", callErr)
	}

	g.Model = resp.Model
	g.Output = resp.Content
	g.TotalTokens = resp.Usage.TotalTokens
	used := s.creditsForTokens(resp.Usage.TotalTokens)
	if used == 0 {
		used = s.creditsForText(in.Prompt + resp.Content)
	}
	if err := s.settle(ctx, g, used); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("credits.charged", g.ChargedCredits))
	return s.store(ctx, in, g)
}

// Stream runs a metered streamed generation, handing each chunk to onChunk
// as it arrives. A failing onChunk aborts the stream; the partial output
// delivered so far is still billed.
func (s *GenerationService) Stream(ctx context.Context, in GenerateInput, onChunk func(stream.Chunk) error) (*GenerationResult, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	p, err := s.Providers.Text(in.Provider)
	if err != nil {
		return nil, err
	}

	tr := otel.Tracer("services/GenerationService")
	ctx, span := tr.Start(ctx, "Stream", trace.WithAttributes(
		attribute.String("workspace.id", in.WorkspaceID),
		attribute.String("provider", p.Name()),
		attribute.Int("max_tokens", in.MaxTokens),
	))
	defer span.End()

	g := s.newGeneration(in, p.Name())
	g.Model = in.Model
	if _, err := s.Credits.AllocateCredits(ctx, in.WorkspaceID, g.EstimatedCredits, WithReference(g.ID, "generation")); err != nil {
		return nil, err
	}

	src, err := p.StreamText(ctx, providers.TextRequest{
		Model:     in.Model,
		System:    in.System,
		Prompt:    in.Prompt,
		MaxTokens: in.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.fail(ctx, g, "", err)
	}
	tapped := &tapStream{inner: stream.WithInactivityTimeout(src, s.StreamInactivity), fn: onChunk, maxBytes: s.StreamMaxBytes}
	res, streamErr := stream.Collect(ctx, tapped, s.StreamMaxBytes)
	if streamErr != nil {
		span.RecordError(streamErr)
		// Bill what the caller was actually handed.
		partial := tapped.sent.String()
		var se *stream.StreamError
		if onChunk == nil && errors.As(streamErr, &se) {
			partial = se.Partial
		}
		return nil, s.fail(ctx, g, partial, streamErr)
	}

	g.Output = res.Content
	g.TotalTokens = res.TotalTokens
	used := s.creditsForTokens(res.TotalTokens)
	if used == 0 {
		used = s.creditsForText(in.Prompt + res.Content)
	}
	if err := s.settle(ctx, g, used); err != nil {
		return nil, err
	}
	return s.store(ctx, in, g)
}

func (s *GenerationService) newGeneration(in GenerateInput, provider string) *domain.Generation {
	return &domain.Generation{
		ID:               uuid.NewString(),
		WorkspaceID:      in.WorkspaceID,
		UserID:           in.UserID,
		Provider:         provider,
		Model:            in.Model,
		Prompt:           in.Prompt,
		EstimatedCredits: s.EstimateCredits(in.MaxTokens),
		CreatedAt:        time.Now().UTC(),
	}
}

func (s *GenerationService) creditsForText(text string) int64 {
	n := utf8.RuneCountInString(text)
	return s.creditsForTokens((n + charsPerToken - 1) / charsPerToken)
}

// settle consumes used (capped at the estimate) and releases the remainder.
// It runs detached from ctx so a cancelled caller cannot strand a
// reservation.
func (s *GenerationService) settle(ctx context.Context, g *domain.Generation, used int64) error {
	ctx = context.WithoutCancel(ctx)
	if used > g.EstimatedCredits {
		used = g.EstimatedCredits
	}
	if used < 0 {
		used = 0
	}
	ref := WithReference(g.ID, "generation")
	if used > 0 {
		if _, err := s.Credits.ConsumeCredits(ctx, g.WorkspaceID, used, ref); err != nil {
			return fmt.Errorf("settle generation %s: %w", g.ID, err)
		}
	}
	if rest := g.EstimatedCredits - used; rest > 0 {
		if _, err := s.Credits.ReleaseCredits(ctx, g.WorkspaceID, rest, ref); err != nil {
			return fmt.Errorf("release generation %s: %w", g.ID, err)
		}
	}
	g.ChargedCredits = used
	if g.Status == "" {
		g.Status = domain.GenerationSucceeded
	}
	return nil
}

// fail settles a failed generation, billing only partial output, records it
// and returns cause.
func (s *GenerationService) fail(ctx context.Context, g *domain.Generation, partial string, cause error) error {
	g.Status = domain.GenerationFailed
	g.Output = partial
	g.ErrorKind = errorKind(cause)
	var used int64
	if partial != "" {
		used = s.creditsForText(partial)
	}
	if err := s.settle(ctx, g, used); err != nil {
		s.Log.Error().Err(err).Str("generation_id", g.ID).Msg("settling failed generation")
		return errors.Join(cause, err)
	}
	if err := repo.CreateGeneration(context.WithoutCancel(ctx), s.DB, g); err != nil {
		s.Log.Error().Err(err).Str("generation_id", g.ID).Msg("recording failed generation")
	}
	s.Log.Warn().
		Str("generation_id", g.ID).
		Str("workspace_id", g.WorkspaceID).
		Str("provider", g.Provider).
		Str("kind", g.ErrorKind).
		Int64("charged", g.ChargedCredits).
		Msg("generation failed")
	return cause
}

func errorKind(err error) string {
	if k := resilience.KindOf(err); k != "" {
		return string(k)
	}
	var se *stream.StreamError
	if errors.As(err, &se) {
		return "stream_" + string(se.Reason)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return string(resilience.KindServiceError)
}

// store persists a succeeded generation and its idempotency record.
func (s *GenerationService) store(ctx context.Context, in GenerateInput, g *domain.Generation) (*GenerationResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := repo.CreateGeneration(ctx, s.DB, g); err != nil {
		return nil, err
	}
	if in.IdempotencyKey != "" {
		ttl := s.IdempotencyTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		// Best effort: a concurrent request with the same key may have won.
		if _, err := repo.CreateIdempotency(ctx, s.DB, in.UserID, in.WorkspaceID, in.IdempotencyKey, g.ID, http.StatusCreated, ttl); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			s.Log.Warn().Err(err).Str("generation_id", g.ID).Msg("storing idempotency record")
		}
	}
	return &GenerationResult{Generation: g}, nil
}

// GetGeneration returns a stored generation of workspaceID.
func (s *GenerationService) GetGeneration(ctx context.Context, workspaceID, id string) (*domain.Generation, error) {
	g, err := repo.GetGeneration(ctx, s.DB, workspaceID, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrGenerationNotFound
	}
	return g, err
}

// tapStream forwards each chunk to fn before handing it to the consumer.
// A chunk the consumer is about to reject (cancelled ctx, byte limit) is
// never forwarded, and sent records exactly what fn accepted.
type tapStream struct {
	inner    stream.Stream
	fn       func(stream.Chunk) error
	maxBytes int
	sent     strings.Builder
}

func (t *tapStream) Next(ctx context.Context) (stream.Chunk, error) {
	c, err := t.inner.Next(ctx)
	if err != nil || t.fn == nil {
		return c, err
	}
	if ctx.Err() != nil {
		return c, nil
	}
	if t.maxBytes > 0 && t.sent.Len()+len(c.Content) > t.maxBytes {
		return c, nil
	}
	if err := t.fn(c); err != nil {
		_ = t.inner.Close()
		return stream.Chunk{}, err
	}
	t.sent.WriteString(c.Content)
	return c, nil
}

func (t *tapStream) Close() error { return t.inner.Close() }
