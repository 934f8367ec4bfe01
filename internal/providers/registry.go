package providers

import (
	"fmt"
	"sync"
)

// Credentials is the live provider configuration. The registry re-reads it
// on every cache miss, so a settings update takes effect after InvalidateAll.
type Credentials struct {
	AnthropicKey     string
	AnthropicBaseURL string

	OpenRouterKey     string
	OpenRouterBaseURL string

	OllamaBaseURL string
}

// Registry lazily constructs and caches provider clients.
type Registry struct {
	mu    sync.Mutex
	creds func() Credentials
	cache map[string]Provider
}

func NewRegistry(creds func() Credentials) *Registry {
	return &Registry{
		creds: creds,
		cache: make(map[string]Provider),
	}
}

// Get returns the client for the named provider, constructing it on first
// use. defaultModel seeds the client's fallback model; it does not affect
// an already cached client.
func (r *Registry) Get(name, defaultModel string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[name]; ok {
		return p, nil
	}

	c := r.creds()
	var p Provider
	switch name {
	case "anthropic":
		if c.AnthropicKey == "" {
			return nil, fmt.Errorf("provider anthropic: no api key configured")
		}
		p = NewAnthropic(c.AnthropicKey, c.AnthropicBaseURL, defaultModel)
	case "openrouter":
		if c.OpenRouterKey == "" {
			return nil, fmt.Errorf("provider openrouter: no api key configured")
		}
		p = NewOpenRouter(c.OpenRouterKey, c.OpenRouterBaseURL, defaultModel)
	case "ollama":
		p = NewOllama(c.OllamaBaseURL, defaultModel)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	r.cache[name] = p
	return p, nil
}

// GetEmbedder returns the named provider if it can embed.
func (r *Registry) GetEmbedder(name, defaultModel string) (Embedder, error) {
	p, err := r.Get(name, defaultModel)
	if err != nil {
		return nil, err
	}
	e, ok := p.(Embedder)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support embeddings", name)
	}
	return e, nil
}

// InvalidateAll drops every cached client. Called after a settings update
// so new keys and base URLs are picked up.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Provider)
}
