package adapters

import (
	"sort"
	"strings"

	"github.com/workflowai/inference-gateway/internal/apierr"
)

// Model is a catalog entry mapping a public model id to an upstream model.
type Model struct {
	ID       string
	Provider Provider
	// Upstream is the provider's model name; defaults to ID.
	Upstream string
	// Fallback is the catalog id tried once when the provider stays unavailable.
	Fallback string
	// StructuredOutput overrides the adapter's capability when set.
	StructuredOutput *bool
	DisplayName      string
}

// Catalog resolves model strings to targets.
//
// Accepted forms, tried in order:
//   - a catalog id ("gpt-4o-mini")
//   - "provider/model" for any configured provider, even if uncatalogued
type Catalog struct {
	models map[string]Model
}

// NewCatalog indexes models by id.
func NewCatalog(models []Model) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		if m.Upstream == "" {
			m.Upstream = m.ID
		}
		c.models[m.ID] = m
	}
	return c
}

// Models returns the catalog sorted by id.
func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the catalog entry for id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Resolve turns a model string and optional provider hint into a target
// with its fallback chain (one level).
func (c *Catalog) Resolve(model, providerHint string) (Target, error) {
	t, err := c.resolve(model, providerHint)
	if err != nil {
		return Target{}, err
	}
	if m, ok := c.models[model]; ok && m.Fallback != "" && m.Fallback != model {
		if fb, err := c.resolve(m.Fallback, ""); err == nil {
			t.Fallback = &fb
		}
	}
	return t, nil
}

func (c *Catalog) resolve(model, providerHint string) (Target, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Target{}, apierr.New(apierr.InvalidRequest, "model is required")
	}

	if providerHint != "" {
		p, ok := ParseProvider(providerHint)
		if !ok {
			return Target{}, apierr.New(apierr.InvalidRequest, "unknown provider %q", providerHint)
		}
		if m, ok := c.models[model]; ok && m.Provider == p {
			return Target{Provider: p, Model: m.Upstream, ModelID: m.ID}, nil
		}
		return Target{Provider: p, Model: strings.TrimPrefix(model, string(p)+"/")}, nil
	}

	if m, ok := c.models[model]; ok {
		return Target{Provider: m.Provider, Model: m.Upstream, ModelID: m.ID}, nil
	}

	if prefix, rest, ok := strings.Cut(model, "/"); ok && rest != "" {
		if p, ok := ParseProvider(prefix); ok {
			return Target{Provider: p, Model: rest}, nil
		}
	}
	return Target{}, apierr.New(apierr.InvalidRequest, "unknown model %q (use a catalog id or provider/model)", model)
}

// Capabilities returns the adapter capabilities for target, applying catalog overrides.
func (c *Catalog) Capabilities(a Adapter, target Target, modelID string) Capabilities {
	caps := a.Capabilities(target.Model)
	if m, ok := c.models[modelID]; ok && m.StructuredOutput != nil {
		caps.StructuredOutput = *m.StructuredOutput
	}
	return caps
}
