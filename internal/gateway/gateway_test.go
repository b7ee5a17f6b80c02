package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowai/inference-gateway/internal/adapters"
	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/cache"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/pricing"
	"github.com/workflowai/inference-gateway/internal/runner"
	"github.com/workflowai/inference-gateway/internal/runs"
	"github.com/workflowai/inference-gateway/internal/store"
	"github.com/workflowai/inference-gateway/internal/versions"
)

// =============================================================================
// HARNESS
// =============================================================================

func newTestGateway(t *testing.T, handler adapters.MockHandler) (*Gateway, *adapters.MockAdapter) {
	t.Helper()
	mock := adapters.NewMockAdapter(handler)
	reg := adapters.NewEmptyRegistry()
	reg.Register(mock)

	st := store.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = st.Close() })

	r := runner.New(runner.Deps{
		Repository: versions.NewMemoryRepository(),
		Catalog: adapters.NewCatalog([]adapters.Model{
			{ID: "echo", Provider: adapters.ProviderMock, DisplayName: "Echo"},
		}),
		Dispatcher: adapters.NewDispatcher(reg, adapters.RetryConfig{}),
		Cache:      cache.New(st, time.Hour),
		Accountant: pricing.NewAccountant(pricing.NewStaticTable(nil)),
		Runs:       runs.NewMemoryStore(),
	}, runner.Config{})
	return New(r, Options{Version: "test"}, Monitoring{}), mock
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// sseEvents splits a recorded event stream into its data payloads.
func sseEvents(t *testing.T, body []byte) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, data)
		}
	}
	require.NoError(t, sc.Err())
	return out
}

// =============================================================================
// MODEL STRINGS
// =============================================================================

func TestParseModel(t *testing.T) {
	catalog := adapters.NewCatalog([]adapters.Model{{ID: "gpt-4o-mini", Provider: adapters.ProviderOpenAI}})

	tests := []struct {
		in   string
		want modelRef
		err  bool
	}{
		{in: "gpt-4o-mini", want: modelRef{Model: "gpt-4o-mini"}},
		{in: "openai/gpt-4o", want: modelRef{Model: "openai/gpt-4o"}},
		{in: "ollama/library/llama3", want: modelRef{Model: "ollama/library/llama3"}},
		{in: "translator/gpt-4o-mini", want: modelRef{AgentID: "translator", Model: "gpt-4o-mini"}},
		{in: "translator/anthropic/claude-3-5-haiku", want: modelRef{AgentID: "translator", Model: "anthropic/claude-3-5-haiku"}},
		{in: "translator/#2/production", want: modelRef{AgentID: "translator", Reference: versions.Reference{SchemaID: 2, Environment: versions.EnvProduction}}},
		{in: "translator/abc123", want: modelRef{AgentID: "translator", Reference: versions.Reference{VersionID: "abc123"}}},
		{in: "", err: true},
		{in: "a//b", err: true},
		{in: "translator/#x/production", err: true},
		{in: "translator/#1/prod", err: true},
		{in: "translator/#1", err: true},
		{in: "translator/unknown/model", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseModel(tt.in, catalog)
			if tt.err {
				assert.True(t, apierr.Is(err, apierr.InvalidRequest), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// CONVERSION
// =============================================================================

func TestConvertMessages(t *testing.T) {
	msgs, err := convertMessages([]ChatMessage{
		{Role: "developer", Content: json.RawMessage(`"be brief"`)},
		{Role: "user", Content: json.RawMessage(`[
			{"type":"text","text":"what is this?"},
			{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBORw0KGgo="}},
			{"type":"image_url","image_url":{"url":"https://example.com/cat.webp"}},
			{"type":"input_audio","input_audio":{"data":"UklGRg==","format":"mp3"}}
		]`)},
		{Role: "assistant", ToolCalls: []ChatToolCall{{ID: "call_1", Type: "function", Function: ChatFunctionCall{Name: "lookup", Arguments: `{"q":"cat"}`}}}},
		{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`"a cat"`)},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Text())

	files := msgs[1].Files()
	require.Len(t, files, 3)
	assert.Equal(t, llm.File{ContentType: "image/png", Data: "iVBORw0KGgo="}, files[0])
	assert.Equal(t, "image/webp", files[1].ContentType)
	assert.Equal(t, "https://example.com/cat.webp", files[1].URL)
	assert.Equal(t, "audio/mp3", files[2].ContentType)

	calls := msgs[2].ToolCalls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"q":"cat"}`, string(calls[0].Input))

	require.Len(t, msgs[3].Content, 1)
	res := msgs[3].Content[0].ToolResult
	require.NotNil(t, res)
	assert.Equal(t, "lookup", res.Name)
	assert.JSONEq(t, `"a cat"`, string(res.Output))
}

func TestConvertMessages_Invalid(t *testing.T) {
	tests := map[string]ChatMessage{
		"role":            {Role: "robot", Content: json.RawMessage(`"hi"`)},
		"tool without id": {Role: "tool", Content: json.RawMessage(`"x"`)},
		"part type":       {Role: "user", Content: json.RawMessage(`[{"type":"video"}]`)},
		"ftp url":         {Role: "user", Content: json.RawMessage(`[{"type":"image_url","image_url":{"url":"ftp://x/y.png"}}]`)},
		"bad args":        {Role: "assistant", ToolCalls: []ChatToolCall{{ID: "c", Function: ChatFunctionCall{Name: "f", Arguments: "{"}}}},
		"content type":    {Role: "user", Content: json.RawMessage(`42`)},
	}
	for name, m := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := convertMessages([]ChatMessage{m})
			assert.True(t, apierr.Is(err, apierr.InvalidRequest), "err = %v", err)
		})
	}
}

func TestToRunRequest_InlineVersion(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	temp := 0.0

	rr, err := g.toRunRequest(&ChatRequest{
		Model: "translator/mock/echo",
		Messages: []ChatMessage{
			{Role: "system", Content: json.RawMessage(`"Translate {{text}}"`)},
			{Role: "user", Content: json.RawMessage(`"go"`)},
		},
		Input:          json.RawMessage(`{"text":"hi"}`),
		Temperature:    &temp,
		Tools:          []ChatTool{{Type: "function", Function: ChatFunction{Name: "@search-google"}}, {Type: "function", Function: ChatFunction{Name: "lookup"}}},
		ToolChoice:     json.RawMessage(`{"type":"function","function":{"name":"lookup"}}`),
		ResponseFormat: &ResponseFormat{Type: "json_object"},
		UseCache:       "always",
		Metadata:       map[string]any{"user": "u1", "attempt": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "translator", rr.AgentID)
	assert.Equal(t, cache.PolicyAlways, rr.UseCache)
	assert.Equal(t, map[string]string{"user": "u1", "attempt": "2"}, rr.Metadata)

	v := rr.Reference.Inline
	require.NotNil(t, v)
	assert.Equal(t, "mock/echo", v.ModelID)
	assert.Equal(t, "Translate {{text}}", v.Instructions)
	assert.Equal(t, []string{"@search-google"}, v.EnabledTools)
	require.Len(t, v.Tools, 1)
	assert.Equal(t, "lookup", v.Tools[0].Name)
	assert.Equal(t, llm.ToolChoice("lookup"), v.ToolChoice)
	assert.JSONEq(t, `{"type":"object"}`, string(v.OutputSchema))

	require.Len(t, rr.Messages, 1)
	assert.Equal(t, llm.RoleUser, rr.Messages[0].Role)
}

func TestToRunRequest_ReplyKeepsModel(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	rr, err := g.toRunRequest(&ChatRequest{Model: "openai/gpt-4o", ReplyToRunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", rr.ReplyToRunID)
	assert.Equal(t, "openai/gpt-4o", rr.ModelOverride)
	assert.Equal(t, versions.Reference{}, rr.Reference)

	rr, err = g.toRunRequest(&ChatRequest{ReplyToRunID: "r1"})
	require.NoError(t, err)
	assert.Empty(t, rr.ModelOverride)
}

func TestToRunRequest_Rejects(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	tests := map[string]ChatRequest{
		"mcp servers":      {Model: "mock/echo", MCPServers: []json.RawMessage{json.RawMessage(`{}`)}},
		"use cache":        {Model: "mock/echo", UseCache: "sometimes"},
		"reasoning effort": {Model: "mock/echo", ReasoningEffort: "extreme"},
		"tool choice":      {Model: "mock/echo", ToolChoice: json.RawMessage(`"maybe"`)},
		"response format":  {Model: "mock/echo", ResponseFormat: &ResponseFormat{Type: "xml"}},
		"schema missing":   {Model: "mock/echo", ResponseFormat: &ResponseFormat{Type: "json_schema"}},
		"model missing":    {},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := g.toRunRequest(&req)
			assert.True(t, apierr.Is(err, apierr.InvalidRequest), "err = %v", err)
		})
	}
}

// =============================================================================
// HTTP
// =============================================================================

func TestChatCompletions_JSON(t *testing.T) {
	g, mock := newTestGateway(t, nil)
	h := g.Handler()

	rec := postJSON(t, h, "/v1/chat/completions",
		`{"model":"mock/echo","messages":[{"role":"user","content":"hello there"}],"temperature":0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	runID := rec.Header().Get(HeaderRunID)
	require.NotEmpty(t, runID)

	resp := decode[ChatResponse](t, rec)
	assert.Equal(t, runID, resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "hello there", *resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", *resp.Choices[0].FinishReason)
	require.NotNil(t, resp.CacheHit)
	assert.False(t, *resp.CacheHit)
	assert.NotEmpty(t, resp.VersionID)

	// Deterministic requests are served from the cache.
	rec = postJSON(t, h, "/v1/chat/completions",
		`{"model":"mock/echo","messages":[{"role":"user","content":"hello there"}],"temperature":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[ChatResponse](t, rec)
	assert.True(t, *again.CacheHit)
	assert.Equal(t, int64(1), mock.Calls())

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil))
	require.Equal(t, http.StatusOK, get.Code)
	run := decode[runs.Run](t, get)
	assert.Equal(t, runs.StatusSuccess, run.Status)
	assert.Equal(t, "hello there", run.Output)
}

func TestChatCompletions_Errors(t *testing.T) {
	g, _ := newTestGateway(t, func(context.Context, []llm.Message, llm.Params) (*llm.Response, error) {
		return nil, apierr.New(apierr.ProviderRateLimited, "slow down")
	})
	h := g.Handler()

	rec := postJSON(t, h, "/v1/chat/completions", `{"model":"nope","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(apierr.InvalidRequest), body.Error.Code)

	rec = postJSON(t, h, "/v1/chat/completions", `{"model":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/v1/chat/completions", `{"model":"mock/echo","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body = decode[ErrorResponse](t, rec)
	assert.Equal(t, string(apierr.ProviderRateLimited), body.Error.Code)
	assert.NotEmpty(t, body.Error.RunID)
	assert.Equal(t, body.Error.RunID, rec.Header().Get(HeaderRunID))

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, get.Code)

	rec = postJSON(t, h, "/v1/chat/completions",
		`{"model":"mock/echo","reply_to_run_id":"missing","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatCompletions_SSE(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	rec := postJSON(t, g.Handler(), "/v1/chat/completions",
		`{"model":"mock/echo","stream":true,"messages":[{"role":"user","content":"streaming works"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(HeaderRunID))

	events := sseEvents(t, rec.Body.Bytes())
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var text strings.Builder
	var final ChatResponse
	for i, data := range events[:len(events)-1] {
		var chunk ChatResponse
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Len(t, chunk.Choices, 1)
		if i == 0 {
			assert.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
		}
		if c := chunk.Choices[0].Delta.Content; c != nil {
			text.WriteString(*c)
		}
		final = chunk
	}
	assert.Equal(t, "streaming works", text.String())
	require.NotNil(t, final.Choices[0].FinishReason)
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)
	require.NotNil(t, final.Usage)
	assert.NotNil(t, final.CacheHit)
}

func TestChatCompletions_SSEFailureBeforeOutput(t *testing.T) {
	g, _ := newTestGateway(t, func(context.Context, []llm.Message, llm.Params) (*llm.Response, error) {
		return nil, apierr.New(apierr.ProviderInvalidRequest, "bad prompt")
	})

	rec := postJSON(t, g.Handler(), "/v1/chat/completions",
		`{"model":"mock/echo","stream":true,"messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, string(apierr.ProviderInvalidRequest), body.Error.Code)
}

func TestChatCompletions_ReplyWithToolResult(t *testing.T) {
	var seen []llm.Message
	g, _ := newTestGateway(t, func(_ context.Context, msgs []llm.Message, _ llm.Params) (*llm.Response, error) {
		seen = msgs
		if msgs[len(msgs)-1].Role == llm.RoleTool {
			return &llm.Response{Text: "it is sunny"}, nil
		}
		return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "weather", Input: json.RawMessage(`{"city":"Paris"}`)}}}, nil
	})
	h := g.Handler()

	rec := postJSON(t, h, "/v1/chat/completions", `{
		"model":"mock/echo",
		"messages":[{"role":"user","content":"weather in Paris?"}],
		"tools":[{"type":"function","function":{"name":"weather","parameters":{"type":"object"}}}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[ChatResponse](t, rec)
	assert.Equal(t, "tool_calls", *first.Choices[0].FinishReason)
	require.Len(t, first.Choices[0].Message.ToolCalls, 1)
	call := first.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "weather", call.Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, call.Function.Arguments)
	assert.Nil(t, first.Choices[0].Message.Content)

	rec = postJSON(t, h, "/v1/chat/completions", `{
		"reply_to_run_id":"`+first.ID+`",
		"messages":[{"role":"tool","tool_call_id":"call_1","content":"{\"sky\":\"clear\"}"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[ChatResponse](t, rec)
	assert.Equal(t, "it is sunny", *second.Choices[0].Message.Content)
	assert.Equal(t, first.VersionID, second.VersionID)

	require.Len(t, seen, 3)
	res := seen[2].Content[0].ToolResult
	require.NotNil(t, res)
	assert.Equal(t, "weather", res.Name)
	assert.JSONEq(t, `{"sky":"clear"}`, string(res.Output))
}

func TestVersionsAndDeployments(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	h := g.Handler()

	rec := postJSON(t, h, "/v1/agents/greeter/versions", `{"model":"mock/echo","instructions":"Greet {{name}}"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decode[versions.Version](t, rec)
	assert.Equal(t, "greeter", saved.AgentID)
	assert.Equal(t, 1, saved.SchemaID)
	require.NotEmpty(t, saved.ID)

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/agents/greeter/versions/"+saved.ID, nil))
	assert.Equal(t, http.StatusOK, get.Code)

	rec = postJSON(t, h, "/v1/agents/greeter/deployments", `{"version_id":"`+saved.ID+`","environment":"production"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dep := decode[versions.Deployment](t, rec)
	assert.Equal(t, versions.EnvProduction, dep.Environment)

	rec = postJSON(t, h, "/v1/chat/completions",
		`{"model":"greeter/#1/production","input":{"name":"Ada"},"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ChatResponse](t, rec)
	assert.Equal(t, saved.ID, resp.VersionID)

	rec = postJSON(t, h, "/v1/chat/completions",
		`{"model":"greeter/#1/staging","input":{"name":"Ada"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, h, "/v1/agents/greeter/deployments", `{"version_id":"missing","environment":"dev"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = postJSON(t, h, "/v1/agents/greeter/deployments", `{"version_id":"`+saved.ID+`","environment":"qa"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = postJSON(t, h, "/v1/agents/greeter/versions", `{"model":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompare(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	rec := postJSON(t, g.Handler(), "/v1/chat/completions/compare", `{
		"models":["mock/a","mock/b","nope"],
		"messages":[{"role":"user","content":"same prompt"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CompareResponse](t, rec)
	require.Len(t, resp.Results, 3)

	for i, model := range []string{"mock/a", "mock/b"} {
		r := resp.Results[i]
		assert.Equal(t, model, r.Model)
		require.NotNil(t, r.Response, "model %s", model)
		assert.Equal(t, "same prompt", *r.Response.Choices[0].Message.Content)
	}
	require.NotNil(t, resp.Results[2].Error)
	assert.Equal(t, string(apierr.InvalidRequest), resp.Results[2].Error.Code)

	rec = postJSON(t, g.Handler(), "/v1/chat/completions/compare", `{"model":"mock/a","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompare_SSE(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	rec := postJSON(t, g.Handler(), "/v1/chat/completions/compare", `{
		"models":["mock/a","mock/b"],"stream":true,
		"messages":[{"role":"user","content":"x"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events := sseEvents(t, rec.Body.Bytes())
	require.Len(t, events, 3)
	assert.Equal(t, "[DONE]", events[2])

	seen := map[string]bool{}
	for _, data := range events[:2] {
		var r CompareResult
		require.NoError(t, json.Unmarshal([]byte(data), &r))
		seen[r.Model] = r.Response != nil
	}
	assert.Equal(t, map[string]bool{"mock/a": true, "mock/b": true}, seen)
}

func TestModelsAndHealth(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	h := g.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ModelList](t, rec)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "echo", list.Data[0].ID)
	assert.Equal(t, "mock", list.Data[0].OwnedBy)
	assert.Equal(t, "Echo", list.Data[0].DisplayName)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "test", health["version"])
}

func TestChatCompletions_Warnings(t *testing.T) {
	g, _ := newTestGateway(t, func(context.Context, []llm.Message, llm.Params) (*llm.Response, error) {
		return &llm.Response{Text: "ok", FinishReason: llm.FinishStop, Warnings: []string{"stop is not supported"}}, nil
	})

	rec := postJSON(t, g.Handler(), "/v1/chat/completions", `{"model":"mock/echo","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ChatResponse](t, rec)
	assert.Equal(t, []string{"stop is not supported"}, resp.Warnings)
}

func TestChatCompletions_ContentFiltered(t *testing.T) {
	g, _ := newTestGateway(t, func(context.Context, []llm.Message, llm.Params) (*llm.Response, error) {
		return &llm.Response{FinishReason: llm.FinishFiltered}, nil
	})

	rec := postJSON(t, g.Handler(), "/v1/chat/completions", `{"model":"mock/echo","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), string(apierr.ContentFiltered))
}

func TestRateLimit(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	g.rateLimiter = newRateLimiter(1)
	h := g.Handler()

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}

func TestBodyLimit(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	g.opts.MaxBodyBytes = 64

	rec := postJSON(t, g.Handler(), "/v1/chat/completions",
		`{"model":"mock/echo","messages":[{"role":"user","content":"`+strings.Repeat("a", 200)+`"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds 64 bytes")
}

func TestWebSocket(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/chat/completions/ws", nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, wsjson.Write(ctx, c, ChatRequest{
		Model:    "mock/echo",
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"over the socket"`)}},
	}))

	var text strings.Builder
	for {
		var chunk ChatResponse
		require.NoError(t, wsjson.Read(ctx, c, &chunk))
		require.Len(t, chunk.Choices, 1)
		if d := chunk.Choices[0].Delta.Content; d != nil {
			text.WriteString(*d)
		}
		if chunk.Choices[0].FinishReason != nil {
			break
		}
	}
	assert.Equal(t, "over the socket", text.String())

	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
