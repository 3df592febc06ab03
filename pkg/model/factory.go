// Package model provides backends implementing agent.ModelProvider for the
// supported LLM APIs.
package model

import (
	"fmt"
	"sync"

	"github.com/voskan/agentcore/pkg/agent"
)

// Supported provider names
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// DefaultMaxTokens is used when Options.MaxTokens is unset. The Anthropic
// API requires an explicit cap.
const DefaultMaxTokens = 4096

// Options configures a provider instance.
type Options struct {
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// New constructs a provider for the given backend name.
func New(provider string, opts Options) (agent.ModelProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("API key is required for provider %s", provider)
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("model is required for provider %s", provider)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}

	switch provider {
	case ProviderAnthropic:
		return newAnthropicProvider(opts), nil
	case ProviderOpenAI:
		return newOpenAIProvider(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// Factory caches provider instances by backend and model so repeated runs
// share HTTP clients.
type Factory struct {
	mu    sync.Mutex
	cache map[string]agent.ModelProvider
}

// NewFactory creates an empty Factory.
func NewFactory() *Factory {
	return &Factory{cache: make(map[string]agent.ModelProvider)}
}

// Get returns a cached provider or constructs one.
func (f *Factory) Get(provider string, opts Options) (agent.ModelProvider, error) {
	key := provider + "/" + opts.Model

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[key]; ok {
		return p, nil
	}

	p, err := New(provider, opts)
	if err != nil {
		return nil, err
	}
	f.cache[key] = p
	return p, nil
}
