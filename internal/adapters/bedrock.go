package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

const bedrockHostPattern = "https://bedrock-runtime.%s.amazonaws.com"

// BedrockAdapter calls Anthropic models hosted on AWS Bedrock.
// Bedrock with Claude uses the Anthropic Messages body, so request building
// and response parsing are shared with AnthropicAdapter.
//
// The key differences from direct Anthropic are:
//   - Authentication: AWS SigV4 via BedrockSigningTransport instead of x-api-key
//   - URL pattern: /model/{modelId}/invoke, model id not in the body
//   - anthropic_version: "bedrock-2023-05-31" in the body
//   - Streaming uses the AWS event-stream framing, which this adapter does not
//     decode: streaming requests are served by invoke and delivered as one chunk
type BedrockAdapter struct {
	BaseAdapter
	region  string
	initErr error
}

// NewBedrockAdapter creates a new Bedrock adapter. When no HTTP client is
// configured a SigV4 signing client is built from the AWS credential chain;
// if that fails the adapter reports ProviderUnavailable on every call.
func NewBedrockAdapter(cfg ProviderConfig) *BedrockAdapter {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	a := &BedrockAdapter{region: region}

	if cfg.HTTPClient == nil {
		transport, err := NewBedrockSigningTransport(context.Background(), region, nil)
		if err != nil {
			log.Warn().Err(err).Str("region", region).Msg("bedrock signer not configured")
			a.initErr = err
		} else {
			cfg.HTTPClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
			log.Info().Str("region", region).Msg("bedrock signer initialized")
		}
	}

	a.BaseAdapter = newBaseAdapter(ProviderBedrock, cfg, fmt.Sprintf(bedrockHostPattern, region))
	return a
}

// Capabilities implements Adapter.
func (a *BedrockAdapter) Capabilities(_ string) Capabilities {
	c := anthropicCapabilities()
	c.Streaming = false
	c.FileURLs = false
	return c
}

// Execute implements Adapter.
func (a *BedrockAdapter) Execute(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error) {
	if a.initErr != nil {
		return nil, apierr.Wrap(apierr.ProviderUnavailable, a.initErr, "bedrock credentials unavailable")
	}

	names := newToolNames(params.Tools)
	body, warnings, err := buildAnthropicRequest(a.provider, messages, params, names)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "anthropic_version", "bedrock-2023-05-31")
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "failed to build bedrock request")
	}

	target := fmt.Sprintf("%s/model/%s/invoke", a.baseURL, url.PathEscape(params.Model))
	resp, err := a.post(ctx, target, body, nil)
	if err != nil {
		return nil, err
	}
	raw, err := readAll(ctx, a.name, resp)
	if err != nil {
		return nil, err
	}
	return newSingleStream(parseAnthropicResponse(raw, newAccumulator(names, warnings))), nil
}

// Ensure BedrockAdapter implements Adapter
var _ Adapter = (*BedrockAdapter)(nil)
