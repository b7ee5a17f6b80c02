package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowai/inference-gateway/internal/apierr"
)

func TestCatalog_Resolve(t *testing.T) {
	no := false
	c := NewCatalog([]Model{
		{ID: "gpt-4o-mini", Provider: ProviderOpenAI, Fallback: "claude-haiku"},
		{ID: "claude-haiku", Provider: ProviderAnthropic, Upstream: "claude-3-5-haiku-latest", StructuredOutput: &no},
	})

	tgt, err := c.Resolve("gpt-4o-mini", "")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", tgt.String())
	require.NotNil(t, tgt.Fallback)
	assert.Equal(t, "anthropic/claude-3-5-haiku-latest", tgt.Fallback.String())

	tgt, err = c.Resolve("gemini/gemini-2.0-flash", "")
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, tgt.Provider)
	assert.Equal(t, "gemini-2.0-flash", tgt.Model)
	assert.Nil(t, tgt.Fallback)

	tgt, err = c.Resolve("llama3.2", "ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3.2", tgt.String())

	_, err = c.Resolve("nope", "")
	assert.True(t, apierr.Is(err, apierr.InvalidRequest))
	_, err = c.Resolve("x", "acme")
	assert.True(t, apierr.Is(err, apierr.InvalidRequest))
	_, err = c.Resolve("", "")
	assert.True(t, apierr.Is(err, apierr.InvalidRequest))

	caps := c.Capabilities(NewAnthropicAdapter(ProviderConfig{}), Target{Provider: ProviderAnthropic, Model: "m"}, "claude-haiku")
	assert.False(t, caps.SupportsStructuredOutput())

	ids := []string{}
	for _, m := range c.Models() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"claude-haiku", "gpt-4o-mini"}, ids)
}
