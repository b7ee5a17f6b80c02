package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

const openAIDefaultURL = "https://api.openai.com"

// OpenAIAdapter calls the OpenAI Chat Completions API.
// Format: messages[] with role="tool" items for tool results, SSE streaming
// with "data: [DONE]" terminator, native json_schema response format.
type OpenAIAdapter struct {
	BaseAdapter
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(cfg ProviderConfig) *OpenAIAdapter {
	return &OpenAIAdapter{BaseAdapter: newBaseAdapter(ProviderOpenAI, cfg, openAIDefaultURL)}
}

// Capabilities implements Adapter.
func (a *OpenAIAdapter) Capabilities(_ string) Capabilities {
	return Capabilities{
		StructuredOutput: true,
		Streaming:        true,
		ContentTypes:     []string{"image/*", "audio/wav", "audio/mpeg", "audio/mp3", "application/pdf"},
		FileURLs:         true,
	}
}

// Execute implements Adapter.
func (a *OpenAIAdapter) Execute(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error) {
	names := newToolNames(params.Tools)
	body, warnings, err := a.buildRequest(messages, params, names)
	if err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, a.baseURL+"/v1/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return nil, err
	}

	acc := newAccumulator(names, warnings)
	if params.Stream {
		return newEventStream(ctx, a.name, resp.Body, newSSEReader(resp.Body), a.decodeChunk, acc), nil
	}

	raw, err := readAll(ctx, a.name, resp)
	if err != nil {
		return nil, err
	}
	return newSingleStream(a.parseResponse(raw, acc)), nil
}

// =============================================================================
// REQUEST
// =============================================================================

func (a *OpenAIAdapter) buildRequest(messages []llm.Message, params llm.Params, names *toolNames) ([]byte, []string, error) {
	var warnings []string

	wire := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, a.convertMessage(m, names)...)
	}
	body, err := json.Marshal(map[string]any{"model": params.Model, "messages": wire})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to marshal openai request")
	}

	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	setRaw := func(path string, v []byte) {
		if err == nil {
			body, err = sjson.SetRawBytes(body, path, v)
		}
	}

	if params.Stream {
		set("stream", true)
		set("stream_options.include_usage", true)
	}
	if params.ReasoningEffort != "" {
		set("reasoning_effort", string(params.ReasoningEffort))
		if params.Temperature != nil {
			warnings = append(warnings, "temperature is ignored when reasoning_effort is set")
		}
	} else if params.Temperature != nil {
		set("temperature", *params.Temperature)
	}
	if params.TopP != nil {
		set("top_p", *params.TopP)
	}
	if params.MaxTokens > 0 {
		set("max_completion_tokens", params.MaxTokens)
	}
	if params.PresencePenalty != nil {
		set("presence_penalty", *params.PresencePenalty)
	}
	if params.FrequencyPenalty != nil {
		set("frequency_penalty", *params.FrequencyPenalty)
	}
	if len(params.Stop) > 0 {
		set("stop", params.Stop)
	}
	for i, t := range params.Tools {
		prefix := fmt.Sprintf("tools.%d", i)
		set(prefix+".type", "function")
		set(prefix+".function.name", names.encode(t.Name))
		if t.Description != "" {
			set(prefix+".function.description", t.Description)
		}
		setRaw(prefix+".function.parameters", schemaOrEmpty(t.InputSchema))
	}
	if len(params.Tools) > 0 && params.ToolChoice != "" {
		switch params.ToolChoice {
		case llm.ToolChoiceAuto, llm.ToolChoiceNone, llm.ToolChoiceRequired:
			set("tool_choice", string(params.ToolChoice))
		default:
			set("tool_choice.type", "function")
			set("tool_choice.function.name", names.encode(string(params.ToolChoice)))
		}
	}
	if len(params.OutputSchema) > 0 {
		set("response_format.type", "json_schema")
		set("response_format.json_schema.name", "output")
		setRaw("response_format.json_schema.schema", params.OutputSchema)
	}
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to build openai request")
	}
	return body, warnings, nil
}

func (a *OpenAIAdapter) convertMessage(m llm.Message, names *toolNames) []map[string]any {
	switch m.Role {
	case llm.RoleTool:
		var out []map[string]any
		for _, p := range m.Content {
			if p.Type == llm.PartToolCallResult && p.ToolResult != nil {
				out = append(out, map[string]any{
					"role":         "tool",
					"tool_call_id": p.ToolResult.ID,
					"content":      toolResultText(p.ToolResult),
				})
			}
		}
		return out

	case llm.RoleAssistant:
		msg := map[string]any{"role": "assistant", "content": m.Text()}
		var calls []map[string]any
		for _, tc := range m.ToolCalls() {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      names.encode(tc.Name),
					"arguments": string(rawArgs(tc.Input)),
				},
			})
		}
		if len(calls) > 0 {
			msg["tool_calls"] = calls
		}
		return []map[string]any{msg}

	default:
		files := m.Files()
		if len(files) == 0 {
			return []map[string]any{{"role": string(m.Role), "content": m.Text()}}
		}
		var parts []map[string]any
		for _, p := range m.Content {
			switch {
			case p.Type == llm.PartText:
				parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			case p.Type == llm.PartFile && p.File != nil:
				parts = append(parts, openAIFilePart(p.File))
			}
		}
		return []map[string]any{{"role": string(m.Role), "content": parts}}
	}
}

func openAIFilePart(f *llm.File) map[string]any {
	switch {
	case f.IsAudio():
		format := strings.TrimPrefix(f.ContentType, "audio/")
		if format == "mpeg" {
			format = "mp3"
		}
		return map[string]any{"type": "input_audio", "input_audio": map[string]any{"data": f.Data, "format": format}}
	case f.IsPDF():
		return map[string]any{"type": "file", "file": map[string]any{"filename": "document.pdf", "file_data": dataURL(f)}}
	default:
		return map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL(f)}}
	}
}

// =============================================================================
// RESPONSE
// =============================================================================

func (a *OpenAIAdapter) decodeChunk(f frame, acc *accumulator) (llm.StreamChunk, bool, error) {
	if string(f.data) == "[DONE]" {
		return llm.StreamChunk{}, false, errEndOfStream
	}
	data := gjson.ParseBytes(f.data)
	if e := data.Get("error"); e.Exists() {
		return llm.StreamChunk{}, false, streamError(a.name, e)
	}
	if u := data.Get("usage"); u.Exists() && u.Type != gjson.Null {
		acc.usage = openAIUsage(u)
	}

	var chunk llm.StreamChunk
	choice := data.Get("choices.0")
	if !choice.Exists() {
		return chunk, false, nil
	}
	delta := choice.Get("delta")
	if c := delta.Get("content").String(); c != "" {
		acc.text.WriteString(c)
		chunk.Delta = c
	}
	if r := delta.Get("reasoning_content").String(); r != "" {
		acc.reasoning.WriteString(r)
		chunk.Reasoning = r
	}
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		b := acc.call(int(tc.Get("index").Int()))
		if id := tc.Get("id").String(); id != "" {
			b.id = id
		}
		if name := tc.Get("function.name").String(); name != "" {
			b.name = name
		}
		b.args.WriteString(tc.Get("function.arguments").String())
		return true
	})
	if fr := choice.Get("finish_reason").String(); fr != "" {
		acc.finish = openAIFinish(fr)
	}
	return chunk, chunk.Delta != "" || chunk.Reasoning != "", nil
}

func (a *OpenAIAdapter) parseResponse(raw []byte, acc *accumulator) *llm.Response {
	data := gjson.ParseBytes(raw)
	msg := data.Get("choices.0.message")
	acc.text.WriteString(msg.Get("content").String())
	acc.reasoning.WriteString(msg.Get("reasoning_content").String())
	msg.Get("tool_calls").ForEach(func(i, tc gjson.Result) bool {
		b := acc.call(int(i.Int()))
		b.id = tc.Get("id").String()
		b.name = tc.Get("function.name").String()
		b.args.WriteString(tc.Get("function.arguments").String())
		return true
	})
	acc.finish = openAIFinish(data.Get("choices.0.finish_reason").String())
	if u := data.Get("usage"); u.Exists() {
		acc.usage = openAIUsage(u)
	}
	return acc.response()
}

func openAIUsage(u gjson.Result) *llm.Usage {
	return &llm.Usage{
		InputTokens:     int(u.Get("prompt_tokens").Int()),
		OutputTokens:    int(u.Get("completion_tokens").Int()),
		ReasoningTokens: int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		CachedTokens:    int(u.Get("prompt_tokens_details.cached_tokens").Int()),
	}
}

func openAIFinish(s string) llm.FinishReason {
	switch s {
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishFiltered
	case "":
		return ""
	default:
		return llm.FinishStop
	}
}

// Ensure OpenAIAdapter implements Adapter
var _ Adapter = (*OpenAIAdapter)(nil)
