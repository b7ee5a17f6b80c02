package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

// =============================================================================
// HELPERS
// =============================================================================

type captured struct {
	path    string
	headers http.Header
	body    []byte
}

func newUpstream(t *testing.T, status int, contentType, response string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.RequestURI()
		c.headers = r.Header.Clone()
		c.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func drain(t *testing.T, s Stream) ([]llm.StreamChunk, *llm.Response) {
	t.Helper()
	defer s.Close()
	var chunks []llm.StreamChunk
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if chunk.IsFinal {
			return chunks, chunk.Response
		}
		chunks = append(chunks, chunk)
	}
	t.Fatal("stream ended without final chunk")
	return nil, nil
}

func userMessages(text string) []llm.Message {
	return []llm.Message{
		llm.NewTextMessage(llm.RoleSystem, "You are terse."),
		llm.NewTextMessage(llm.RoleUser, text),
	}
}

// =============================================================================
// CAPABILITIES
// =============================================================================

func TestCapabilities_SupportsContentType(t *testing.T) {
	c := Capabilities{ContentTypes: []string{"image/*", "application/pdf"}}
	assert.True(t, c.SupportsContentType("image/png"))
	assert.True(t, c.SupportsContentType("IMAGE/JPEG; charset=binary"))
	assert.True(t, c.SupportsContentType("application/pdf"))
	assert.False(t, c.SupportsContentType("audio/wav"))
	assert.False(t, c.SupportsContentType("imagex/png"))
}

func TestParseProvider(t *testing.T) {
	p, ok := ParseProvider("OpenAI")
	assert.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p)
	_, ok = ParseProvider("cohere")
	assert.False(t, ok)
}

func TestToolNames_HostedMapping(t *testing.T) {
	names := newToolNames([]llm.ToolDefinition{{Name: "@search-google"}, {Name: "browser-text"}, {Name: "@browser-text"}})
	assert.Equal(t, "search-google", names.encode("@search-google"))
	assert.Equal(t, "hosted_browser-text", names.encode("@browser-text"))
	assert.Equal(t, "browser-text", names.encode("browser-text"))
	assert.Equal(t, "@search-google", names.decode("search-google"))
	assert.Equal(t, "@browser-text", names.decode("hosted_browser-text"))
	assert.Equal(t, "unknown", names.decode("unknown"))
}

// =============================================================================
// OPENAI
// =============================================================================

const openAIStream = `data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"bon"}}]}

data: {"choices":[{"index":0,"delta":{"content":"jour"}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search-google","arguments":"{\"qu"}}]}}]}

data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ery\":\"x\"}"}}]},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"completion_tokens_details":{"reasoning_tokens":2}}}

data: [DONE]

`

func TestOpenAI_Streaming(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "text/event-stream", openAIStream)
	a := NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL, APIKey: "sk-test"})

	params := llm.Params{
		Model:           "gpt-4o",
		Stream:          true,
		Temperature:     llm.Float(0.5),
		ReasoningEffort: llm.ReasoningLow,
		Tools:           []llm.ToolDefinition{{Name: "@search-google", Description: "search"}},
		OutputSchema:    json.RawMessage(`{"type":"object"}`),
	}
	s, err := a.Execute(context.Background(), userMessages("hello"), params)
	require.NoError(t, err)

	chunks, resp := drain(t, s)
	require.Len(t, chunks, 2)
	assert.Equal(t, "bon", chunks[0].Delta)
	assert.Equal(t, "jour", chunks[1].Delta)

	assert.Equal(t, "bonjour", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "@search-google", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"x"}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	assert.Equal(t, &llm.Usage{InputTokens: 12, OutputTokens: 7, ReasoningTokens: 2}, resp.Usage)
	assert.Contains(t, resp.Warnings, "temperature is ignored when reasoning_effort is set")

	assert.Equal(t, "/v1/chat/completions", req.path)
	assert.Equal(t, "Bearer sk-test", req.headers.Get("Authorization"))
	body := gjson.ParseBytes(req.body)
	assert.False(t, body.Get("temperature").Exists())
	assert.Equal(t, "low", body.Get("reasoning_effort").String())
	assert.True(t, body.Get("stream_options.include_usage").Bool())
	assert.Equal(t, "json_schema", body.Get("response_format.type").String())
	assert.Equal(t, "search-google", body.Get("tools.0.function.name").String())
	assert.Equal(t, "system", body.Get("messages.0.role").String())
}

func TestOpenAI_NonStreamingWithToolHistory(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "application/json", `{
		"choices":[{"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":30,"completion_tokens":1}
	}`)
	a := NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL})

	call := llm.ToolCall{ID: "c1", Name: "lookup", Input: json.RawMessage(`{"id":1}`)}
	result := call
	result.Output = json.RawMessage(`"found"`)
	messages := []llm.Message{
		llm.NewTextMessage(llm.RoleUser, "find 1"),
		{Role: llm.RoleAssistant, Content: []llm.ContentPart{llm.ToolCallPart(call)}},
		{Role: llm.RoleTool, Content: []llm.ContentPart{llm.ToolResultPart(result)}},
	}
	s, err := a.Execute(context.Background(), messages, llm.Params{Model: "gpt-4o", Temperature: llm.Float(0)})
	require.NoError(t, err)

	chunks, resp := drain(t, s)
	assert.Empty(t, chunks)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, 30, resp.Usage.InputTokens)

	body := gjson.ParseBytes(req.body)
	assert.Equal(t, float64(0), body.Get("temperature").Float())
	assert.True(t, body.Get("temperature").Exists())
	assert.Equal(t, "lookup", body.Get("messages.1.tool_calls.0.function.name").String())
	assert.Equal(t, "tool", body.Get("messages.2.role").String())
	assert.Equal(t, "c1", body.Get("messages.2.tool_call_id").String())
	assert.Equal(t, "found", body.Get("messages.2.content").String())
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
		}))
		defer srv.Close()

		_, err := NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL}).Execute(context.Background(), userMessages("x"), llm.Params{Model: "m"})
		e, ok := apierr.As(err)
		require.True(t, ok)
		assert.Equal(t, apierr.ProviderRateLimited, e.Kind)
		assert.Equal(t, 3*time.Second, e.RetryAfter)
	})

	t.Run("context length", func(t *testing.T) {
		srv, _ := newUpstream(t, http.StatusBadRequest, "application/json",
			`{"error":{"message":"This model's maximum context length is 128000 tokens","code":"context_length_exceeded"}}`)
		_, err := NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL}).Execute(context.Background(), userMessages("x"), llm.Params{Model: "m"})
		assert.Equal(t, apierr.ContextLengthExceeded, apierr.KindOf(err))
	})

	t.Run("invalid request", func(t *testing.T) {
		srv, _ := newUpstream(t, http.StatusBadRequest, "application/json", `{"error":{"message":"bad top_p"}}`)
		_, err := NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL}).Execute(context.Background(), userMessages("x"), llm.Params{Model: "m"})
		assert.Equal(t, apierr.ProviderInvalidRequest, apierr.KindOf(err))
		assert.Contains(t, err.Error(), "bad top_p")
	})
}

func TestOpenAI_FileParts(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "application/json", `{"choices":[{"message":{"content":"ok"}}]}`)
	a := NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL})

	msg := llm.Message{Role: llm.RoleUser, Content: []llm.ContentPart{
		llm.TextPart("describe"),
		llm.FilePart(llm.File{ContentType: "image/png", Data: "aGVsbG8="}),
	}}
	_, err := a.Execute(context.Background(), []llm.Message{msg}, llm.Params{Model: "m"})
	require.NoError(t, err)

	body := gjson.ParseBytes(req.body)
	assert.Equal(t, "image_url", body.Get("messages.0.content.1.type").String())
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", body.Get("messages.0.content.1.image_url.url").String())
}

// =============================================================================
// ANTHROPIC
// =============================================================================

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":20,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me think"}}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"id\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"7}"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropic_Streaming(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "text/event-stream", anthropicStream)
	a := NewAnthropicAdapter(ProviderConfig{BaseURL: srv.URL, APIKey: "ak"})

	s, err := a.Execute(context.Background(), userMessages("hi"), llm.Params{
		Model:           "claude-sonnet-4",
		Stream:          true,
		ReasoningEffort: llm.ReasoningMedium,
		PresencePenalty: llm.Float(0.2),
		Tools:           []llm.ToolDefinition{{Name: "lookup"}},
	})
	require.NoError(t, err)

	chunks, resp := drain(t, s)
	require.Len(t, chunks, 2)
	assert.Equal(t, "let me think", chunks[0].Reasoning)
	assert.Equal(t, "Hello", chunks[1].Delta)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "let me think", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"id":7}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, 20, resp.Usage.InputTokens)
	assert.Equal(t, 15, resp.Usage.OutputTokens)
	assert.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	assert.Contains(t, resp.Warnings, "presence_penalty is not supported by anthropic and was ignored")

	assert.Equal(t, "/v1/messages", req.path)
	assert.Equal(t, "ak", req.headers.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.headers.Get("anthropic-version"))
	body := gjson.ParseBytes(req.body)
	assert.Equal(t, "You are terse.", body.Get("system").String())
	assert.Equal(t, "user", body.Get("messages.0.role").String())
	assert.Equal(t, int64(4096), body.Get("thinking.budget_tokens").Int())
	assert.Greater(t, body.Get("max_tokens").Int(), int64(4096))
}

func TestAnthropic_StreamErrorEvent(t *testing.T) {
	srv, _ := newUpstream(t, http.StatusOK, "text/event-stream",
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	s, err := NewAnthropicAdapter(ProviderConfig{BaseURL: srv.URL}).Execute(context.Background(), userMessages("hi"), llm.Params{Model: "m", Stream: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next()
	assert.Equal(t, apierr.ProviderUnavailable, apierr.KindOf(err))
}

func TestAnthropic_ToolResultsBecomeUserBlocks(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "application/json",
		`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`)
	a := NewAnthropicAdapter(ProviderConfig{BaseURL: srv.URL})

	call := llm.ToolCall{ID: "t1", Name: "@search-google", Input: json.RawMessage(`{"query":"go"}`)}
	res := call
	res.Error = "backend down"
	messages := []llm.Message{
		llm.NewTextMessage(llm.RoleUser, "search"),
		{Role: llm.RoleAssistant, Content: []llm.ContentPart{llm.ToolCallPart(call)}},
		{Role: llm.RoleTool, Content: []llm.ContentPart{llm.ToolResultPart(res)}},
	}
	s, err := a.Execute(context.Background(), messages, llm.Params{Model: "m", Tools: []llm.ToolDefinition{{Name: "@search-google"}}})
	require.NoError(t, err)
	_, resp := drain(t, s)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)

	body := gjson.ParseBytes(req.body)
	assert.Equal(t, "search-google", body.Get("messages.1.content.0.name").String())
	assert.Equal(t, "user", body.Get("messages.2.role").String())
	assert.Equal(t, "tool_result", body.Get("messages.2.content.0.type").String())
	assert.True(t, body.Get("messages.2.content.0.is_error").Bool())
}

// =============================================================================
// GEMINI
// =============================================================================

func TestGemini_NonStreaming(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "application/json", `{
		"candidates":[{"content":{"role":"model","parts":[{"text":"hmm","thought":true},{"text":"{\"a\":1}"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4,"thoughtsTokenCount":2}
	}`)
	a := NewGeminiAdapter(ProviderConfig{BaseURL: srv.URL, APIKey: "gk"})

	s, err := a.Execute(context.Background(), userMessages("hi"), llm.Params{
		Model:        "gemini-2.0-flash",
		OutputSchema: json.RawMessage(`{"type":"object","additionalProperties":false,"properties":{"title":{"type":"string"}}}`),
	})
	require.NoError(t, err)

	_, resp := drain(t, s)
	assert.Equal(t, `{"a":1}`, resp.Text)
	assert.Equal(t, "hmm", resp.Reasoning)
	assert.Equal(t, &llm.Usage{InputTokens: 9, OutputTokens: 6, ReasoningTokens: 2}, resp.Usage)

	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", req.path)
	assert.Equal(t, "gk", req.headers.Get("x-goog-api-key"))
	body := gjson.ParseBytes(req.body)
	assert.Equal(t, "You are terse.", body.Get("systemInstruction.parts.0.text").String())
	assert.Equal(t, "application/json", body.Get("generationConfig.responseMimeType").String())
	assert.False(t, body.Get("generationConfig.responseSchema.additionalProperties").Exists())
	assert.True(t, body.Get("generationConfig.responseSchema.properties.title").Exists())
}

func TestGemini_Streaming(t *testing.T) {
	stream := `data: {"candidates":[{"content":{"parts":[{"text":"Bon"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"jour"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}

`
	srv, req := newUpstream(t, http.StatusOK, "text/event-stream", stream)
	s, err := NewGeminiAdapter(ProviderConfig{BaseURL: srv.URL}).Execute(context.Background(), userMessages("hi"), llm.Params{Model: "g", Stream: true})
	require.NoError(t, err)

	chunks, resp := drain(t, s)
	assert.Len(t, chunks, 2)
	assert.Equal(t, "Bonjour", resp.Text)
	assert.Equal(t, 2, resp.Usage.OutputTokens)
	assert.Equal(t, "/v1beta/models/g:streamGenerateContent?alt=sse", req.path)
}

// =============================================================================
// OLLAMA
// =============================================================================

func TestOllama_Streaming(t *testing.T) {
	stream := `{"message":{"role":"assistant","content":"Hel"},"done":false}
{"message":{"role":"assistant","content":"lo"},"done":false}
{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":11,"eval_count":2}
`
	srv, req := newUpstream(t, http.StatusOK, "application/x-ndjson", stream)
	a := NewOllamaAdapter(ProviderConfig{BaseURL: srv.URL})

	s, err := a.Execute(context.Background(), userMessages("hi"), llm.Params{
		Model:        "llama3.1",
		Stream:       true,
		MaxTokens:    64,
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, err)

	chunks, resp := drain(t, s)
	assert.Len(t, chunks, 2)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, &llm.Usage{InputTokens: 11, OutputTokens: 2}, resp.Usage)

	assert.Equal(t, "/api/chat", req.path)
	body := gjson.ParseBytes(req.body)
	assert.Equal(t, int64(64), body.Get("options.num_predict").Int())
	assert.Equal(t, "object", body.Get("format.type").String())
	assert.True(t, body.Get("stream").Bool())
}

// =============================================================================
// BEDROCK
// =============================================================================

func TestBedrock_InvokeDegradesStreaming(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "application/json",
		`{"content":[{"type":"text","text":"hola"}],"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2}}`)
	a := NewBedrockAdapter(ProviderConfig{BaseURL: srv.URL, Region: "eu-west-1", HTTPClient: srv.Client()})
	assert.False(t, a.Capabilities("x").Streaming)

	s, err := a.Execute(context.Background(), userMessages("hi"), llm.Params{Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", Stream: true})
	require.NoError(t, err)

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.True(t, chunk.IsFinal)
	assert.Equal(t, "hola", chunk.Delta)
	assert.Equal(t, 2, chunk.Usage.OutputTokens)

	assert.True(t, strings.HasPrefix(req.path, "/model/anthropic.claude-3-5-sonnet-20241022-v2:0/invoke"))
	body := gjson.ParseBytes(req.body)
	assert.Equal(t, "bedrock-2023-05-31", body.Get("anthropic_version").String())
	assert.False(t, body.Get("model").Exists())
	assert.False(t, body.Get("stream").Exists())
}

func TestBedrockSigningTransport_SignsRequest(t *testing.T) {
	srv, req := newUpstream(t, http.StatusOK, "application/json", `{}`)
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}, nil
	})
	client := &http.Client{Transport: newSigningTransport(creds, "us-east-1", nil)}

	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/model/m/invoke", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	resp, err := client.Do(httpReq)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, req.headers.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/")
	assert.Contains(t, req.headers.Get("Authorization"), "/us-east-1/bedrock/aws4_request")
	assert.JSONEq(t, `{"a":1}`, string(req.body))
}

// =============================================================================
// DISPATCHER
// =============================================================================

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	reg := NewEmptyRegistry()
	reg.Register(NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL}))
	d := NewDispatcher(reg, RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	s, used, err := d.Execute(context.Background(), Target{Provider: ProviderOpenAI, Model: "m"}, userMessages("x"), llm.Params{})
	require.NoError(t, err)
	resp, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "m", used.Model)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDispatcher_DoesNotRetryInvalidRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := NewEmptyRegistry()
	reg.Register(NewOpenAIAdapter(ProviderConfig{BaseURL: srv.URL}))
	d := NewDispatcher(reg, RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	_, _, err := d.Execute(context.Background(), Target{Provider: ProviderOpenAI, Model: "m"}, userMessages("x"), llm.Params{})
	assert.Equal(t, apierr.ProviderInvalidRequest, apierr.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatcher_FallbackOnUnavailable(t *testing.T) {
	reg := NewEmptyRegistry()
	reg.Register(NewOpenAIAdapter(ProviderConfig{BaseURL: "http://127.0.0.1:1"}))
	mock := NewMockAdapter(func(_ context.Context, _ []llm.Message, p llm.Params) (*llm.Response, error) {
		return &llm.Response{Text: fmt.Sprintf("served by %s", p.Model)}, nil
	})
	reg.Register(mock)
	d := NewDispatcher(reg, RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond})

	target := Target{Provider: ProviderOpenAI, Model: "gpt-4o", Fallback: &Target{Provider: ProviderMock, Model: "backup"}}
	s, used, err := d.Execute(context.Background(), target, userMessages("x"), llm.Params{})
	require.NoError(t, err)
	resp, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "served by backup", resp.Text)
	assert.Equal(t, ProviderMock, used.Provider)
}

func TestDispatcher_FallbackRebuildsMessages(t *testing.T) {
	var seen []string
	mock := NewMockAdapter(func(_ context.Context, msgs []llm.Message, p llm.Params) (*llm.Response, error) {
		if p.Model == "down" {
			return nil, apierr.New(apierr.ProviderUnavailable, "mock is down")
		}
		seen = append(seen, msgs[len(msgs)-1].Text())
		return &llm.Response{Text: "ok"}, nil
	})
	reg := NewEmptyRegistry()
	reg.Register(mock)
	d := NewDispatcher(reg, RetryConfig{})

	target := Target{Provider: ProviderMock, Model: "down", Fallback: &Target{Provider: ProviderMock, Model: "up", ModelID: "backup"}}
	var rebuiltFor Target
	s, used, err := d.ExecuteWith(context.Background(), target, userMessages("primary"), llm.Params{},
		func(fb Target) ([]llm.Message, error) {
			rebuiltFor = fb
			return userMessages("rebuilt"), nil
		})
	require.NoError(t, err)
	_, err = Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "backup", rebuiltFor.ModelID)
	assert.Equal(t, "up", used.Model)
	assert.Equal(t, []string{"rebuilt"}, seen)
}

func TestDispatcher_BackoffStaysBounded(t *testing.T) {
	mock := NewMockAdapter(func(context.Context, []llm.Message, llm.Params) (*llm.Response, error) {
		return nil, apierr.New(apierr.ProviderRateLimited, "slow down")
	})
	reg := NewEmptyRegistry()
	reg.Register(mock)
	d := NewDispatcher(reg, RetryConfig{MaxRetries: 80, BaseDelay: time.Nanosecond, MaxDelay: time.Microsecond})

	_, _, err := d.Execute(context.Background(), Target{Provider: ProviderMock, Model: "m"}, userMessages("x"), llm.Params{})
	assert.Equal(t, apierr.ProviderRateLimited, apierr.KindOf(err))
	assert.Equal(t, int64(81), mock.Calls())

	assert.Equal(t, 2*time.Second, nextDelay(time.Second, 8*time.Second))
	assert.Equal(t, 8*time.Second, nextDelay(5*time.Second, 8*time.Second))
	assert.Equal(t, time.Duration(math.MaxInt64), nextDelay(time.Duration(math.MaxInt64/2+1), time.Duration(math.MaxInt64)))
}

func TestDispatcher_UnknownProvider(t *testing.T) {
	d := NewDispatcher(NewEmptyRegistry(), RetryConfig{})
	_, _, err := d.Execute(context.Background(), Target{Provider: ProviderGemini, Model: "g"}, nil, llm.Params{})
	assert.Equal(t, apierr.InvalidRequest, apierr.KindOf(err))
}

// =============================================================================
// MOCK
// =============================================================================

func TestMock_StreamsFragments(t *testing.T) {
	m := NewMockAdapter(nil)
	m.ChunkSize = 3
	s, err := m.Execute(context.Background(), userMessages("abcdefg"), llm.Params{Stream: true})
	require.NoError(t, err)
	chunks, resp := drain(t, s)
	require.Len(t, chunks, 3)
	assert.Equal(t, "abc", chunks[0].Delta)
	assert.Equal(t, "g", chunks[2].Delta)
	assert.Equal(t, "abcdefg", resp.Text)
	assert.Equal(t, int64(1), m.Calls())
}

func TestMock_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockAdapter(nil).Execute(ctx, userMessages("x"), llm.Params{})
	assert.Equal(t, apierr.ClientCancelled, apierr.KindOf(err))
}
