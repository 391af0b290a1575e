package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tbourn/go-credit-backend/internal/stream"
	"github.com/tbourn/go-credit-backend/internal/sysutil"
)

// GoogleProvider calls Gemini through the generative-ai-go SDK.
type GoogleProvider struct {
	client *genai.Client
	model  string
}

// NewGoogle creates the Gemini client. Close releases it.
func NewGoogle(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*GoogleProvider, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GoogleProvider{client: client, model: sysutil.FirstNonEmpty(model, "gemini-1.5-flash")}, nil
}

func (p *GoogleProvider) Name() string { return Google }

// Close releases the underlying client.
func (p *GoogleProvider) Close() error { return p.client.Close() }

func (p *GoogleProvider) generativeModel(req TextRequest) (*genai.GenerativeModel, string) {
	name := sysutil.FirstNonEmpty(req.Model, p.model)
	m := p.client.GenerativeModel(name)
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		m.SetTemperature(req.Temperature)
	}
	if req.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	return m, name
}

// GenerateText runs a single GenerateContent call.
func (p *GoogleProvider) GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error) {
	m, name := p.generativeModel(req)
	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, err
	}
	text, finish := candidateText(resp)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return &TextResponse{
		Provider:     Google,
		Model:        name,
		Content:      text,
		FinishReason: finish,
		Usage:        geminiUsage(resp),
	}, nil
}

// StreamText iterates GenerateContentStream inside the producer goroutine.
func (p *GoogleProvider) StreamText(ctx context.Context, req TextRequest) (stream.Stream, error) {
	m, _ := p.generativeModel(req)
	it := m.GenerateContentStream(ctx, genai.Text(req.Prompt))
	return stream.NewChannelStream(ctx, func(ctx context.Context, emit stream.Emit) error {
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return err
			}
			text, finish := candidateText(resp)
			c := stream.Chunk{Content: text, FinishReason: finish, TotalTokens: geminiUsage(resp).TotalTokens}
			if c == (stream.Chunk{}) {
				continue
			}
			if err := emit(c); err != nil {
				return err
			}
		}
	}), nil
}

// candidateText joins the text parts of the first candidate.
func candidateText(resp *genai.GenerateContentResponse) (string, string) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ""
	}
	c := resp.Candidates[0]
	finish := ""
	if c.FinishReason != genai.FinishReasonUnspecified {
		finish = strings.ToLower(strings.TrimPrefix(c.FinishReason.String(), "FinishReason"))
	}
	if c.Content == nil {
		return "", finish
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String(), finish
}

func geminiUsage(resp *genai.GenerateContentResponse) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	u := resp.UsageMetadata
	return Usage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}
