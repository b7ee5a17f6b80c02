package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"

	// anthropicVersion is the Anthropic API version header value.
	anthropicVersion = "2023-06-01"

	// anthropicDefaultMaxTokens is sent when the caller sets none; the API requires it.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicAdapter calls the Anthropic Messages API.
// Format: top-level system string, messages[] of content blocks, tool results
// as user-role tool_result blocks. Thinking blocks stream on the reasoning channel.
// There is no native structured output: the compiler injects the schema.
type AnthropicAdapter struct {
	BaseAdapter
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(cfg ProviderConfig) *AnthropicAdapter {
	return &AnthropicAdapter{BaseAdapter: newBaseAdapter(ProviderAnthropic, cfg, anthropicDefaultURL)}
}

// Capabilities implements Adapter.
func (a *AnthropicAdapter) Capabilities(_ string) Capabilities {
	return anthropicCapabilities()
}

func anthropicCapabilities() Capabilities {
	return Capabilities{
		StructuredOutput: false,
		Streaming:        true,
		ContentTypes:     []string{"image/jpeg", "image/png", "image/gif", "image/webp", "application/pdf"},
		FileURLs:         true,
	}
}

// Execute implements Adapter.
func (a *AnthropicAdapter) Execute(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error) {
	names := newToolNames(params.Tools)
	body, warnings, err := buildAnthropicRequest(a.provider, messages, params, names)
	if err != nil {
		return nil, err
	}
	body, _ = sjson.SetBytes(body, "model", params.Model)
	if params.Stream {
		body, _ = sjson.SetBytes(body, "stream", true)
	}

	resp, err := a.post(ctx, a.baseURL+"/v1/messages", body, map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return nil, err
	}

	acc := newAccumulator(names, warnings)
	if params.Stream {
		return newEventStream(ctx, a.name, resp.Body, newSSEReader(resp.Body), a.decodeEvent, acc), nil
	}
	raw, err := readAll(ctx, a.name, resp)
	if err != nil {
		return nil, err
	}
	return newSingleStream(parseAnthropicResponse(raw, acc)), nil
}

// =============================================================================
// REQUEST
// =============================================================================

// buildAnthropicRequest builds a Messages API body without model/stream,
// shared with Bedrock which carries the model in the URL.
func buildAnthropicRequest(provider Provider, messages []llm.Message, params llm.Params, names *toolNames) ([]byte, []string, error) {
	var warnings []string

	var wire []map[string]any
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "assistant"
		}
		blocks := anthropicBlocks(m, names)
		if len(blocks) == 0 {
			continue
		}
		// Consecutive same-role turns are merged into one message.
		if n := len(wire); n > 0 && wire[n-1]["role"] == role {
			wire[n-1]["content"] = append(wire[n-1]["content"].([]map[string]any), blocks...)
			continue
		}
		wire = append(wire, map[string]any{"role": role, "content": blocks})
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	budget := reasoningBudget(params.ReasoningEffort)
	if budget > 0 && maxTokens <= budget {
		maxTokens = budget + anthropicDefaultMaxTokens
	}

	sys := systemText(messages)
	if len(wire) == 0 && sys != "" {
		// The Messages API requires at least one turn.
		wire = append(wire, map[string]any{"role": "user", "content": []map[string]any{{"type": "text", "text": sys}}})
		sys = ""
	}
	req := map[string]any{"max_tokens": maxTokens, "messages": wire}
	if sys != "" {
		req["system"] = sys
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to marshal anthropic request")
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

	if budget > 0 {
		set("thinking.type", "enabled")
		set("thinking.budget_tokens", budget)
		if params.Temperature != nil {
			warnings = append(warnings, "temperature is ignored when reasoning_effort is set")
		}
	} else if params.Temperature != nil {
		set("temperature", *params.Temperature)
	}
	if params.TopP != nil && budget == 0 {
		set("top_p", *params.TopP)
	}
	if params.PresencePenalty != nil {
		warnings = append(warnings, warnUnsupported(provider, "presence_penalty"))
	}
	if params.FrequencyPenalty != nil {
		warnings = append(warnings, warnUnsupported(provider, "frequency_penalty"))
	}
	if len(params.Stop) > 0 {
		set("stop_sequences", params.Stop)
	}
	for i, t := range params.Tools {
		prefix := fmt.Sprintf("tools.%d", i)
		set(prefix+".name", names.encode(t.Name))
		if t.Description != "" {
			set(prefix+".description", t.Description)
		}
		setRaw(prefix+".input_schema", schemaOrEmpty(t.InputSchema))
	}
	if len(params.Tools) > 0 && params.ToolChoice != "" {
		switch params.ToolChoice {
		case llm.ToolChoiceAuto:
			set("tool_choice.type", "auto")
		case llm.ToolChoiceNone:
			set("tool_choice.type", "none")
		case llm.ToolChoiceRequired:
			set("tool_choice.type", "any")
		default:
			set("tool_choice.type", "tool")
			set("tool_choice.name", names.encode(string(params.ToolChoice)))
		}
	}
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to build anthropic request")
	}
	return body, warnings, nil
}

func anthropicBlocks(m llm.Message, names *toolNames) []map[string]any {
	var blocks []map[string]any
	for _, p := range m.Content {
		switch p.Type {
		case llm.PartText:
			if p.Text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			}
		case llm.PartFile:
			if p.File == nil {
				continue
			}
			typ := "image"
			if p.File.IsPDF() {
				typ = "document"
			}
			source := map[string]any{"type": "base64", "media_type": p.File.ContentType, "data": p.File.Data}
			if p.File.URL != "" {
				source = map[string]any{"type": "url", "url": p.File.URL}
			}
			blocks = append(blocks, map[string]any{"type": typ, "source": source})
		case llm.PartToolCall:
			if p.ToolCall == nil {
				continue
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolCall.ID,
				"name":  names.encode(p.ToolCall.Name),
				"input": rawArgs(p.ToolCall.Input),
			})
		case llm.PartToolCallResult:
			if p.ToolResult == nil {
				continue
			}
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolResult.ID,
				"content":     toolResultText(p.ToolResult),
			}
			if p.ToolResult.Error != "" {
				block["is_error"] = true
			}
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// =============================================================================
// RESPONSE
// =============================================================================

func (a *AnthropicAdapter) decodeEvent(f frame, acc *accumulator) (llm.StreamChunk, bool, error) {
	data := gjson.ParseBytes(f.data)
	var chunk llm.StreamChunk

	switch data.Get("type").String() {
	case "message_start":
		u := data.Get("message.usage")
		acc.usage = &llm.Usage{
			InputTokens:  int(u.Get("input_tokens").Int() + u.Get("cache_read_input_tokens").Int() + u.Get("cache_creation_input_tokens").Int()),
			OutputTokens: int(u.Get("output_tokens").Int()),
			CachedTokens: int(u.Get("cache_read_input_tokens").Int()),
		}
	case "content_block_start":
		block := data.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			b := acc.call(int(data.Get("index").Int()))
			b.id = block.Get("id").String()
			b.name = block.Get("name").String()
		}
	case "content_block_delta":
		delta := data.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			chunk.Delta = delta.Get("text").String()
			acc.text.WriteString(chunk.Delta)
		case "thinking_delta":
			chunk.Reasoning = delta.Get("thinking").String()
			acc.reasoning.WriteString(chunk.Reasoning)
		case "input_json_delta":
			acc.call(int(data.Get("index").Int())).args.WriteString(delta.Get("partial_json").String())
		}
	case "message_delta":
		if sr := data.Get("delta.stop_reason").String(); sr != "" {
			acc.finish = anthropicFinish(sr)
		}
		if out := data.Get("usage.output_tokens"); out.Exists() {
			if acc.usage == nil {
				acc.usage = &llm.Usage{}
			}
			acc.usage.OutputTokens = int(out.Int())
		}
	case "message_stop":
		return chunk, false, errEndOfStream
	case "error":
		return chunk, false, streamError(a.name, data.Get("error"))
	}
	return chunk, chunk.Delta != "" || chunk.Reasoning != "", nil
}

func parseAnthropicResponse(raw []byte, acc *accumulator) *llm.Response {
	data := gjson.ParseBytes(raw)
	data.Get("content").ForEach(func(i, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			acc.text.WriteString(block.Get("text").String())
		case "thinking":
			acc.reasoning.WriteString(block.Get("thinking").String())
		case "tool_use":
			b := acc.call(int(i.Int()))
			b.id = block.Get("id").String()
			b.name = block.Get("name").String()
			b.args.WriteString(block.Get("input").Raw)
		}
		return true
	})
	acc.finish = anthropicFinish(data.Get("stop_reason").String())
	if u := data.Get("usage"); u.Exists() {
		acc.usage = &llm.Usage{
			InputTokens:  int(u.Get("input_tokens").Int() + u.Get("cache_read_input_tokens").Int() + u.Get("cache_creation_input_tokens").Int()),
			OutputTokens: int(u.Get("output_tokens").Int()),
			CachedTokens: int(u.Get("cache_read_input_tokens").Int()),
		}
	}
	return acc.response()
}

func anthropicFinish(s string) llm.FinishReason {
	switch s {
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	case "refusal":
		return llm.FinishFiltered
	case "":
		return ""
	default:
		return llm.FinishStop
	}
}

// Ensure AnthropicAdapter implements Adapter
var _ Adapter = (*AnthropicAdapter)(nil)
