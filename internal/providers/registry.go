package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-credit-backend/internal/config"
	"github.com/tbourn/go-credit-backend/internal/resilience"
)

// Registry resolves providers by key. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	text     map[string]TextGenerationProvider
	fallback string
}

// NewRegistry returns an empty registry whose default is fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{
		text:     make(map[string]TextGenerationProvider),
		fallback: strings.ToLower(fallback),
	}
}

// Register adds or replaces p under p.Name().
func (r *Registry) Register(p TextGenerationProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text[strings.ToLower(p.Name())] = p
}

// Text returns the provider registered as name, or the default when name is
// empty.
func (r *Registry) Text(name string) (TextGenerationProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = r.fallback
	}
	p, ok := r.text[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
	}
	return p, nil
}

// Image returns name's image capability.
func (r *Registry) Image(name string) (ImageGenerationProvider, error) {
	p, err := r.Text(name)
	if err != nil {
		return nil, err
	}
	ip, ok := p.(ImageGenerationProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s images", ErrUnsupported, p.Name())
	}
	return ip, nil
}

// Speech returns name's speech capability.
func (r *Registry) Speech(name string) (SpeechProvider, error) {
	p, err := r.Text(name)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(SpeechProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s speech", ErrUnsupported, p.Name())
	}
	return sp, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.text[strings.ToLower(name)]
	return ok
}

// Names lists registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.text))
	for k := range r.text {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FromConfig registers every provider with an API key, each wrapped in
// Resilient. Providers without keys are skipped.
func FromConfig(ctx context.Context, cfg config.ProvidersConfig, breaker *resilience.CircuitBreaker, retrier *resilience.Retrier, log zerolog.Logger) (*Registry, error) {
	reg := NewRegistry(cfg.Default)
	add := func(p TextGenerationProvider) {
		reg.Register(NewResilient(p, breaker, retrier, log.With().Str("provider", p.Name()).Logger()))
	}
	if cfg.OpenAIKey != "" {
		add(NewOpenAI(OpenAIConfig{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel, StreamUsage: true}))
	}
	if cfg.AnthropicKey != "" {
		add(NewAnthropic(AnthropicConfig{APIKey: cfg.AnthropicKey, Model: cfg.AnthropicModel}))
	}
	if cfg.MistralKey != "" {
		add(NewMistral(cfg.MistralKey, cfg.MistralModel))
	}
	if cfg.GoogleKey != "" {
		g, err := NewGoogle(ctx, cfg.GoogleKey, cfg.GoogleModel)
		if err != nil {
			return nil, err
		}
		add(g)
	}
	if len(reg.text) > 0 && !reg.Has(reg.fallback) {
		log.Warn().Str("default", reg.fallback).Strs("registered", reg.Names()).Msg("default provider has no API key")
	}
	return reg, nil
}
