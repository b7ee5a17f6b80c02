// Provider and model catalog configuration.
//
// DESIGN: providers carry credentials only; models map public ids to a
// provider and upstream name, optionally with prices. Prices declared here
// seed the static price table used when no price list source is configured
// or while it is unreachable.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/workflowai/inference-gateway/internal/adapters"
	"github.com/workflowai/inference-gateway/internal/pricing"
)

// ProviderConfig contains credentials and endpoints for one provider.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Region  string        `yaml:"region"` // bedrock only
	Timeout time.Duration `yaml:"timeout"`
}

// ProvidersConfig maps provider id (openai, anthropic, gemini, bedrock,
// ollama, mock) to its settings.
type ProvidersConfig map[string]ProviderConfig

// Validate checks provider ids.
func (p ProvidersConfig) Validate() error {
	for id, cfg := range p {
		if _, ok := adapters.ParseProvider(id); !ok {
			return fmt.Errorf("providers.%s: unknown provider", id)
		}
		if cfg.Timeout < 0 {
			return fmt.Errorf("providers.%s.timeout must not be negative", id)
		}
	}
	return nil
}

// Adapters converts the section for adapters.NewRegistry.
func (p ProvidersConfig) Adapters() map[string]adapters.ProviderConfig {
	out := make(map[string]adapters.ProviderConfig, len(p))
	for id, cfg := range p {
		out[id] = adapters.ProviderConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Region:  cfg.Region,
			Timeout: cfg.Timeout,
		}
	}
	return out
}

// ModelConfig is one catalog entry.
type ModelConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Provider    string `yaml:"provider"`
	Upstream    string `yaml:"upstream"` // defaults to id
	Fallback    string `yaml:"fallback"` // catalog id
	// StructuredOutput overrides the provider default when set.
	StructuredOutput *bool `yaml:"structured_output"`
	// Prices in USD per million tokens.
	InputPerMillion  *float64 `yaml:"input_per_million"`
	OutputPerMillion *float64 `yaml:"output_per_million"`
}

func (c *Config) validateModels() error {
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d].id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("models[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		p, ok := adapters.ParseProvider(m.Provider)
		if !ok {
			return fmt.Errorf("models.%s: unknown provider %q", m.ID, m.Provider)
		}
		if p != adapters.ProviderMock {
			if _, ok := c.Providers[string(p)]; !ok {
				return fmt.Errorf("models.%s: provider %q is not configured", m.ID, p)
			}
		}
		if (m.InputPerMillion == nil) != (m.OutputPerMillion == nil) {
			return fmt.Errorf("models.%s: set both input_per_million and output_per_million", m.ID)
		}
		if m.InputPerMillion != nil && (*m.InputPerMillion < 0 || *m.OutputPerMillion < 0) {
			return fmt.Errorf("models.%s: prices must not be negative", m.ID)
		}
	}
	for _, m := range c.Models {
		if m.Fallback != "" && !seen[m.Fallback] {
			return fmt.Errorf("models.%s: fallback %q is not in the catalog", m.ID, m.Fallback)
		}
	}
	return nil
}

// Catalog returns the model catalog entries.
func (c *Config) Catalog() []adapters.Model {
	out := make([]adapters.Model, 0, len(c.Models))
	for _, m := range c.Models {
		p, _ := adapters.ParseProvider(m.Provider)
		out = append(out, adapters.Model{
			ID:               m.ID,
			Provider:         p,
			Upstream:         m.Upstream,
			Fallback:         m.Fallback,
			StructuredOutput: m.StructuredOutput,
			DisplayName:      m.DisplayName,
		})
	}
	return out
}

// PriceEntries returns the prices declared in the catalog. Each model is
// indexed by its catalog id and by "provider/upstream", the form runs are
// priced under.
func (c *Config) PriceEntries() []pricing.Entry {
	var out []pricing.Entry
	for _, m := range c.Models {
		if m.InputPerMillion == nil {
			continue
		}
		upstream := m.Upstream
		if upstream == "" {
			upstream = m.ID
		}
		ids := []string{m.ID, m.Provider + "/" + upstream}
		if ids[0] == ids[1] {
			ids = ids[:1]
		}
		for _, id := range ids {
			out = append(out, pricing.PerMillion(id, *m.InputPerMillion, *m.OutputPerMillion))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
