// Package adapters translates provider-neutral calls into upstream provider calls.
//
// DESIGN: The gateway supports a closed set of providers (OpenAI, Anthropic,
// Gemini, Bedrock, Ollama, plus a local mock). Each has its own wire format,
// auth scheme and streaming framing. Adapters hide all of it behind one
// operation:
//
//	Execute(ctx, messages, params) -> Stream
//
// FLOW:
//  1. Runner resolves a provider id and gets the adapter from the Registry
//  2. Adapter maps llm.Message/llm.Params to the provider body (sjson)
//  3. Adapter posts upstream, classifying failures into apierr kinds
//  4. Stream.Next() decodes SSE/NDJSON frames (gjson) into llm.StreamChunk
//  5. The final chunk carries the aggregated llm.Response and usage
//
// Parameters a provider does not support are omitted. When dropping one
// changes semantics, the final response carries a warning.
//
// To add a new provider: implement Adapter and register it in NewRegistry.
package adapters

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// Provider identifies an upstream provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderBedrock   Provider = "bedrock"
	ProviderOllama    Provider = "ollama"
	ProviderMock      Provider = "mock"
)

// AllProviders lists every provider the gateway knows about.
var AllProviders = []Provider{
	ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderBedrock, ProviderOllama, ProviderMock,
}

// ParseProvider returns the provider for an id, or false if unknown.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllProviders {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// Stream yields chunks for one upstream call.
// Next returns io.EOF after the final chunk. Close releases the upstream body
// and may be called at any point, including mid-stream.
type Stream interface {
	Next() (llm.StreamChunk, error)
	Close() error
}

// Capabilities describes what a provider/model pair accepts.
type Capabilities struct {
	StructuredOutput bool
	Streaming        bool
	// ContentTypes are accepted MIME types; an entry ending in "/*" matches a family.
	ContentTypes []string
	// FileURLs is true when files may be passed by URL instead of inline data.
	FileURLs bool
}

// SupportsStructuredOutput reports whether the provider enforces an output schema natively.
func (c Capabilities) SupportsStructuredOutput() bool { return c.StructuredOutput }

// SupportsFileURLs reports whether files may be referenced by URL.
func (c Capabilities) SupportsFileURLs() bool { return c.FileURLs }

// SupportsContentType reports whether files of the given MIME type are accepted.
func (c Capabilities) SupportsContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, accepted := range c.ContentTypes {
		if accepted == ct {
			return true
		}
		if family, ok := strings.CutSuffix(accepted, "/*"); ok && strings.HasPrefix(ct, family+"/") {
			return true
		}
	}
	return false
}

// Adapter defines the unified interface for provider-specific execution.
// Adapters are stateless apart from their HTTP client and safe for concurrent use.
type Adapter interface {
	// Name returns the adapter identifier (e.g., "openai", "anthropic")
	Name() string

	// Provider returns the provider type for this adapter
	Provider() Provider

	// Capabilities returns what the given upstream model accepts.
	Capabilities(model string) Capabilities

	// Execute runs one upstream call. Errors are classified with apierr.
	Execute(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error)
}

// ProviderConfig holds connection settings for one provider.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Region  string
	Timeout time.Duration
	// HTTPClient overrides the default client (tests, custom transports).
	HTTPClient *http.Client
}

// BaseAdapter provides common functionality for all adapters.
type BaseAdapter struct {
	name     string
	provider Provider
	baseURL  string
	apiKey   string
	client   *http.Client
}

func newBaseAdapter(provider Provider, cfg ProviderConfig, defaultURL string) BaseAdapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultURL
	}
	client := cfg.HTTPClient
	if client == nil {
		// Streaming responses can outlive any fixed client timeout; the
		// run context bounds the call instead.
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return BaseAdapter{
		name:     string(provider),
		provider: provider,
		baseURL:  baseURL,
		apiKey:   cfg.APIKey,
		client:   client,
	}
}

// Name returns the adapter name.
func (a *BaseAdapter) Name() string {
	return a.name
}

// Provider returns the provider type.
func (a *BaseAdapter) Provider() Provider {
	return a.provider
}
