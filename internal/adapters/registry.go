// Registry manages adapter registration and lookup.
//
// DESIGN: Thread-safe map of provider id → Adapter, built once at startup
// from the providers section of the config. There is no runtime discovery.
package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry manages adapter registration.
type Registry struct {
	adapters map[Provider]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates a registry with one adapter per configured provider.
// The mock adapter is always registered.
func NewRegistry(providers map[string]ProviderConfig) (*Registry, error) {
	r := &Registry{
		adapters: make(map[Provider]Adapter),
	}

	for id, cfg := range providers {
		p, ok := ParseProvider(id)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", id)
		}
		switch p {
		case ProviderOpenAI:
			r.Register(NewOpenAIAdapter(cfg))
		case ProviderAnthropic:
			r.Register(NewAnthropicAdapter(cfg))
		case ProviderGemini:
			r.Register(NewGeminiAdapter(cfg))
		case ProviderBedrock:
			r.Register(NewBedrockAdapter(cfg))
		case ProviderOllama:
			r.Register(NewOllamaAdapter(cfg))
		case ProviderMock:
			// registered below
		}
	}

	if r.Get(ProviderMock) == nil {
		r.Register(NewMockAdapter(nil))
	}

	log.Debug().Strs("providers", r.Names()).Msg("adapter registry built")
	return r, nil
}

// NewEmptyRegistry creates a registry with no adapters. Used by tests.
func NewEmptyRegistry() *Registry {
	return &Registry{adapters: make(map[Provider]Adapter)}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Provider()] = adapter
}

// Get returns an adapter by provider, or nil.
func (r *Registry) Get(p Provider) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[p]
}

// Names returns the registered provider ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
