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

const ollamaDefaultURL = "http://localhost:11434"

// OllamaAdapter calls the native Ollama /api/chat endpoint.
// Messages follow the chat shape with base64 images[] and tool_calls carrying
// argument objects. Streaming is newline-delimited JSON; usage comes from
// prompt_eval_count/eval_count on the final (done=true) line. Output schemas
// go in the "format" field.
type OllamaAdapter struct {
	BaseAdapter
}

// NewOllamaAdapter creates a new Ollama adapter.
func NewOllamaAdapter(cfg ProviderConfig) *OllamaAdapter {
	return &OllamaAdapter{BaseAdapter: newBaseAdapter(ProviderOllama, cfg, ollamaDefaultURL)}
}

// Capabilities implements Adapter.
func (a *OllamaAdapter) Capabilities(_ string) Capabilities {
	return Capabilities{
		StructuredOutput: true,
		Streaming:        true,
		ContentTypes:     []string{"image/jpeg", "image/png"},
		FileURLs:         false,
	}
}

// Execute implements Adapter.
func (a *OllamaAdapter) Execute(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error) {
	names := newToolNames(params.Tools)
	body, warnings, err := a.buildRequest(messages, params, names)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if a.apiKey != "" {
		headers["Authorization"] = "Bearer " + a.apiKey
	}
	resp, err := a.post(ctx, a.baseURL+"/api/chat", body, headers)
	if err != nil {
		return nil, err
	}

	acc := newAccumulator(names, warnings)
	if params.Stream {
		return newEventStream(ctx, a.name, resp.Body, newNDJSONReader(resp.Body), a.decodeLine, acc), nil
	}
	raw, err := readAll(ctx, a.name, resp)
	if err != nil {
		return nil, err
	}
	if _, _, err := a.decodeLine(frame{data: raw}, acc); err != nil && err != errEndOfStream {
		return nil, err
	}
	return newSingleStream(acc.response()), nil
}

func (a *OllamaAdapter) buildRequest(messages []llm.Message, params llm.Params, names *toolNames) ([]byte, []string, error) {
	var warnings []string

	var wire []map[string]any
	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			for _, p := range m.Content {
				if p.Type == llm.PartToolCallResult && p.ToolResult != nil {
					wire = append(wire, map[string]any{
						"role":      "tool",
						"tool_name": names.encode(p.ToolResult.Name),
						"content":   toolResultText(p.ToolResult),
					})
				}
			}
		default:
			msg := map[string]any{"role": string(m.Role), "content": m.Text()}
			var images []string
			for _, f := range m.Files() {
				images = append(images, f.Data)
			}
			if len(images) > 0 {
				msg["images"] = images
			}
			var calls []map[string]any
			for _, tc := range m.ToolCalls() {
				calls = append(calls, map[string]any{
					"function": map[string]any{"name": names.encode(tc.Name), "arguments": rawArgs(tc.Input)},
				})
			}
			if len(calls) > 0 {
				msg["tool_calls"] = calls
			}
			wire = append(wire, msg)
		}
	}

	body, err := json.Marshal(map[string]any{"model": params.Model, "messages": wire, "stream": params.Stream})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to marshal ollama request")
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

	if params.Temperature != nil {
		set("options.temperature", *params.Temperature)
	}
	if params.TopP != nil {
		set("options.top_p", *params.TopP)
	}
	if params.MaxTokens > 0 {
		set("options.num_predict", params.MaxTokens)
	}
	if params.PresencePenalty != nil {
		set("options.presence_penalty", *params.PresencePenalty)
	}
	if params.FrequencyPenalty != nil {
		set("options.frequency_penalty", *params.FrequencyPenalty)
	}
	if len(params.Stop) > 0 {
		set("options.stop", params.Stop)
	}
	if params.ReasoningEffort != "" {
		set("think", true)
	}
	if len(params.OutputSchema) > 0 {
		setRaw("format", params.OutputSchema)
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
	if params.ToolChoice != "" && params.ToolChoice != llm.ToolChoiceAuto && len(params.Tools) > 0 {
		warnings = append(warnings, warnUnsupported(ProviderOllama, "tool_choice"))
	}
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to build ollama request")
	}
	return body, warnings, nil
}

func (a *OllamaAdapter) decodeLine(f frame, acc *accumulator) (llm.StreamChunk, bool, error) {
	data := gjson.ParseBytes(f.data)
	if e := data.Get("error"); e.Exists() {
		return llm.StreamChunk{}, false, streamError(a.name, gjson.Parse(fmt.Sprintf(`{"message":%q}`, e.String())))
	}
	var chunk llm.StreamChunk
	msg := data.Get("message")
	chunk.Delta = msg.Get("content").String()
	chunk.Reasoning = msg.Get("thinking").String()
	acc.text.WriteString(chunk.Delta)
	acc.reasoning.WriteString(chunk.Reasoning)
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		idx := len(acc.calls)
		b := acc.call(idx)
		b.id = fmt.Sprintf("call_%d", idx)
		b.name = tc.Get("function.name").String()
		b.args.WriteString(tc.Get("function.arguments").Raw)
		return true
	})

	if data.Get("done").Bool() {
		acc.usage = &llm.Usage{
			InputTokens:  int(data.Get("prompt_eval_count").Int()),
			OutputTokens: int(data.Get("eval_count").Int()),
		}
		switch data.Get("done_reason").String() {
		case "length":
			acc.finish = llm.FinishLength
		default:
			acc.finish = llm.FinishStop
		}
		if chunk.Delta != "" || chunk.Reasoning != "" {
			// Deliver the trailing text; the next read hits EOF and finalizes.
			return chunk, true, nil
		}
		return chunk, false, errEndOfStream
	}
	return chunk, chunk.Delta != "" || chunk.Reasoning != "", nil
}

// Ensure OllamaAdapter implements Adapter
var _ Adapter = (*OllamaAdapter)(nil)
