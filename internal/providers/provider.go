// Package providers adapts third-party AI SDKs to a small set of capability
// interfaces. Concrete providers return raw SDK errors; the Resilient
// decorator translates them into the resilience taxonomy and applies the
// circuit breaker and retry policy uniformly.
package providers

import (
	"context"
	"errors"

	"github.com/tbourn/go-credit-backend/internal/stream"
)

// Provider keys used for registry lookup, breaker state and metrics.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Google    = "google"
	Mistral   = "mistral"
)

var (
	// ErrUnknownProvider is returned by Registry lookups for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnsupported is returned when a provider lacks the requested capability.
	ErrUnsupported = errors.New("capability not supported by provider")

	// ErrEmptyResponse is returned when a provider answered without any content.
	ErrEmptyResponse = errors.New("provider returned no content")
)

// TextRequest is a single-turn text generation request. Zero values select
// the provider's defaults.
type TextRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Usage reports token accounting as returned by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TextResponse is a completed generation.
type TextResponse struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// ImageRequest asks for N images of Size (e.g. "1024x1024").
type ImageRequest struct {
	Model  string
	Prompt string
	Size   string
	N      int
}

// ImageResponse carries image URLs or base64 payloads, depending on provider.
type ImageResponse struct {
	Provider string   `json:"provider"`
	URLs     []string `json:"urls,omitempty"`
	B64      []string `json:"b64,omitempty"`
}

// SpeechRequest converts Input to audio.
type SpeechRequest struct {
	Model  string
	Input  string
	Voice  string
	Format string
}

// SpeechResponse holds the encoded audio.
type SpeechResponse struct {
	Provider    string
	ContentType string
	Audio       []byte
}

// TextGenerationProvider generates text, optionally streamed.
type TextGenerationProvider interface {
	Name() string
	GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error)
	StreamText(ctx context.Context, req TextRequest) (stream.Stream, error)
}

// ImageGenerationProvider generates images from a prompt.
type ImageGenerationProvider interface {
	Name() string
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// SpeechProvider synthesizes speech.
type SpeechProvider interface {
	Name() string
	Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResponse, error)
}
