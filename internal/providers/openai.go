package providers

import (
	"context"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tbourn/go-credit-backend/internal/stream"
	"github.com/tbourn/go-credit-backend/internal/sysutil"
)

// MistralBaseURL is Mistral's OpenAI-compatible endpoint.
const MistralBaseURL = "https://api.mistral.ai/v1"

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name is the provider key; defaults to "openai".
	Name   string
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint (Mistral, tests).
	BaseURL    string
	HTTPClient *http.Client
	// StreamUsage requests a final usage chunk on streams. Only OpenAI
	// itself honours stream_options.
	StreamUsage bool
	ImageModel  string
	SpeechModel string
	Voice       string
}

// OpenAIProvider talks to OpenAI or any API speaking its wire format.
type OpenAIProvider struct {
	name   string
	cfg    OpenAIConfig
	client *openai.Client
}

// NewOpenAI builds an OpenAIProvider.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIProvider{
		name:   sysutil.FirstNonEmpty(cfg.Name, OpenAI),
		cfg:    cfg,
		client: openai.NewClientWithConfig(oc),
	}
}

// NewMistral builds a provider for Mistral's OpenAI-compatible API.
func NewMistral(apiKey, model string) *OpenAIProvider {
	return NewOpenAI(OpenAIConfig{
		Name:    Mistral,
		APIKey:  apiKey,
		Model:   model,
		BaseURL: MistralBaseURL,
	})
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) chatRequest(req TextRequest) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	return openai.ChatCompletionRequest{
		Model:       sysutil.FirstNonEmpty(req.Model, p.cfg.Model, openai.GPT4oMini),
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// GenerateText runs a chat completion.
func (p *OpenAIProvider) GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error) {
	cr := p.chatRequest(req)
	resp, err := p.client.CreateChatCompletion(ctx, cr)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	ch := resp.Choices[0]
	return &TextResponse{
		Provider:     p.name,
		Model:        sysutil.FirstNonEmpty(resp.Model, cr.Model),
		Content:      ch.Message.Content,
		FinishReason: string(ch.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// StreamText opens a streamed chat completion. The connection is established
// before returning so that setup failures surface here rather than mid-stream.
func (p *OpenAIProvider) StreamText(ctx context.Context, req TextRequest) (stream.Stream, error) {
	cr := p.chatRequest(req)
	cr.Stream = true
	if p.cfg.StreamUsage {
		cr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	cs, err := p.client.CreateChatCompletionStream(ctx, cr)
	if err != nil {
		return nil, err
	}
	return stream.NewChannelStream(ctx, func(ctx context.Context, emit stream.Emit) error {
		defer cs.Close()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			resp, err := cs.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			var c stream.Chunk
			if len(resp.Choices) > 0 {
				c.Content = resp.Choices[0].Delta.Content
				c.FinishReason = string(resp.Choices[0].FinishReason)
			}
			if resp.Usage != nil {
				c.TotalTokens = resp.Usage.TotalTokens
			}
			if c == (stream.Chunk{}) {
				continue
			}
			if err := emit(c); err != nil {
				return err
			}
		}
	}), nil
}

// GenerateImage calls the images endpoint and returns URLs.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          sysutil.FirstNonEmpty(req.Model, p.cfg.ImageModel, openai.CreateImageModelDallE3),
		N:              n,
		Size:           sysutil.FirstNonEmpty(req.Size, openai.CreateImageSize1024x1024),
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, err
	}
	out := &ImageResponse{Provider: p.name}
	for _, d := range resp.Data {
		if d.URL != "" {
			out.URLs = append(out.URLs, d.URL)
		}
		if d.B64JSON != "" {
			out.B64 = append(out.B64, d.B64JSON)
		}
	}
	if len(out.URLs) == 0 && len(out.B64) == 0 {
		return nil, ErrEmptyResponse
	}
	return out, nil
}

// Synthesize calls the speech endpoint and reads the whole audio body.
func (p *OpenAIProvider) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResponse, error) {
	format := sysutil.FirstNonEmpty(req.Format, string(openai.SpeechResponseFormatMp3))
	raw, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(sysutil.FirstNonEmpty(req.Model, p.cfg.SpeechModel, string(openai.TTSModel1))),
		Input:          req.Input,
		Voice:          openai.SpeechVoice(sysutil.FirstNonEmpty(req.Voice, p.cfg.Voice, string(openai.VoiceAlloy))),
		ResponseFormat: openai.SpeechResponseFormat(format),
	})
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	audio, err := io.ReadAll(raw)
	if err != nil {
		return nil, err
	}
	return &SpeechResponse{Provider: p.name, ContentType: audioContentType(format), Audio: audio}, nil
}

func audioContentType(format string) string {
	switch format {
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	}
	return "audio/mpeg"
}
