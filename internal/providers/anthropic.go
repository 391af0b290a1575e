package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tbourn/go-credit-backend/internal/stream"
	"github.com/tbourn/go-credit-backend/internal/sysutil"
)

// The messages API requires max_tokens.
const anthropicDefaultMaxTokens = 1024

// AnthropicConfig configures the Anthropic messages client.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// AnthropicProvider calls the Anthropic messages API through the official SDK.
// SDK retries are disabled; the resilience layer owns retry and backoff.
type AnthropicProvider struct {
	model  string
	client anthropic.Client
}

// NewAnthropic builds an AnthropicProvider.
func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(cfg.APIKey),
		anthropicopt.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, anthropicopt.WithHTTPClient(cfg.HTTPClient))
	}
	return &AnthropicProvider{model: cfg.Model, client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return Anthropic }

func (p *AnthropicProvider) params(req TextRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(sysutil.FirstNonEmpty(req.Model, p.model)),
		MaxTokens: int64(maxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	return params
}

// GenerateText sends a single-turn messages request.
func (p *AnthropicProvider) GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error) {
	params := p.params(req)
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, c := range msg.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &TextResponse{
		Provider:     Anthropic,
		Model:        sysutil.FirstNonEmpty(string(msg.Model), string(params.Model)),
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage:        Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// StreamText opens a server-sent-events stream. A body that ends before
// message_stop surfaces as io.ErrUnexpectedEOF.
func (p *AnthropicProvider) StreamText(ctx context.Context, req TextRequest) (stream.Stream, error) {
	sse := p.client.Messages.NewStreaming(ctx, p.params(req))
	if err := sse.Err(); err != nil {
		return nil, err
	}
	return stream.NewChannelStream(ctx, func(ctx context.Context, emit stream.Emit) error {
		defer sse.Close()

		var input, output int
		for sse.Next() {
			switch ev := sse.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				input = int(ev.Message.Usage.InputTokens)
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					if err := emit(stream.Chunk{Content: d.Text}); err != nil {
						return err
					}
				}
			case anthropic.MessageDeltaEvent:
				output = int(ev.Usage.OutputTokens)
				if err := emit(stream.Chunk{FinishReason: string(ev.Delta.StopReason), TotalTokens: input + output}); err != nil {
					return err
				}
			case anthropic.MessageStopEvent:
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sse.Err(); err != nil {
			return streamEventError(err)
		}
		return io.ErrUnexpectedEOF
	}), nil
}

// AnthropicStreamError is an error event received inside a 200 stream. It
// carries the status the same error type has on a plain response.
type AnthropicStreamError struct {
	Status int
	Err    error
}

func (e *AnthropicStreamError) Error() string   { return fmt.Sprintf("anthropic stream: %v", e.Err) }
func (e *AnthropicStreamError) Unwrap() error   { return e.Err }
func (e *AnthropicStreamError) StatusCode() int { return e.Status }

func streamEventError(err error) error {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return err
	}
	if st := anthropicStatus(err.Error()); st != 0 {
		return &AnthropicStreamError{Status: st, Err: err}
	}
	return err
}

// anthropicErrorTypes maps the documented error types to HTTP statuses.
var anthropicErrorTypes = []struct {
	typ    string
	status int
}{
	{"invalid_request_error", http.StatusBadRequest},
	{"authentication_error", http.StatusUnauthorized},
	{"permission_error", http.StatusForbidden},
	{"not_found_error", http.StatusNotFound},
	{"rate_limit_error", http.StatusTooManyRequests},
	{"overloaded_error", 529},
	{"api_error", http.StatusInternalServerError},
}

// anthropicStatus finds the error type named in an event payload.
func anthropicStatus(text string) int {
	for _, t := range anthropicErrorTypes {
		if strings.Contains(text, t.typ) {
			return t.status
		}
	}
	return 0
}
