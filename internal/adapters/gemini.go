package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

const geminiDefaultURL = "https://generativelanguage.googleapis.com"

// GeminiAdapter calls the Gemini generateContent API.
// Format: contents[] with role "user"/"model" and parts[], systemInstruction,
// generationConfig. Streaming uses streamGenerateContent?alt=sse where every
// event is a partial GenerateContentResponse. Parts flagged thought=true are
// reasoning.
type GeminiAdapter struct {
	BaseAdapter
}

// NewGeminiAdapter creates a new Gemini adapter.
func NewGeminiAdapter(cfg ProviderConfig) *GeminiAdapter {
	return &GeminiAdapter{BaseAdapter: newBaseAdapter(ProviderGemini, cfg, geminiDefaultURL)}
}

// Capabilities implements Adapter.
func (a *GeminiAdapter) Capabilities(_ string) Capabilities {
	return Capabilities{
		StructuredOutput: true,
		Streaming:        true,
		ContentTypes:     []string{"image/*", "audio/*", "video/*", "application/pdf", "text/plain"},
		FileURLs:         true,
	}
}

// Execute implements Adapter.
func (a *GeminiAdapter) Execute(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error) {
	names := newToolNames(params.Tools)
	body, warnings, err := a.buildRequest(messages, params, names)
	if err != nil {
		return nil, err
	}

	method := "generateContent"
	if params.Stream {
		method = "streamGenerateContent?alt=sse"
	}
	target := fmt.Sprintf("%s/v1beta/models/%s:%s", a.baseURL, url.PathEscape(params.Model), method)
	resp, err := a.post(ctx, target, body, map[string]string{"x-goog-api-key": a.apiKey})
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
	if _, _, err := a.decodeEvent(frame{data: raw}, acc); err != nil {
		return nil, err
	}
	return newSingleStream(acc.response()), nil
}

// =============================================================================
// REQUEST
// =============================================================================

func (a *GeminiAdapter) buildRequest(messages []llm.Message, params llm.Params, names *toolNames) ([]byte, []string, error) {
	var warnings []string

	// Gemini functionResponse parts are keyed by name, not call id.
	callNames := make(map[string]string)
	var contents []map[string]any
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		var parts []map[string]any
		for _, p := range m.Content {
			switch p.Type {
			case llm.PartText:
				if p.Text != "" {
					parts = append(parts, map[string]any{"text": p.Text})
				}
			case llm.PartFile:
				if p.File == nil {
					continue
				}
				if p.File.URL != "" {
					parts = append(parts, map[string]any{"fileData": map[string]any{"mimeType": p.File.ContentType, "fileUri": p.File.URL}})
				} else {
					parts = append(parts, map[string]any{"inlineData": map[string]any{"mimeType": p.File.ContentType, "data": p.File.Data}})
				}
			case llm.PartToolCall:
				if p.ToolCall == nil {
					continue
				}
				callNames[p.ToolCall.ID] = p.ToolCall.Name
				parts = append(parts, map[string]any{"functionCall": map[string]any{"name": names.encode(p.ToolCall.Name), "args": rawArgs(p.ToolCall.Input)}})
			case llm.PartToolCallResult:
				if p.ToolResult == nil {
					continue
				}
				name := p.ToolResult.Name
				if name == "" {
					name = callNames[p.ToolResult.ID]
				}
				result := map[string]any{"result": toolResultText(p.ToolResult)}
				if p.ToolResult.Error != "" {
					result = map[string]any{"error": p.ToolResult.Error}
				}
				parts = append(parts, map[string]any{"functionResponse": map[string]any{"name": names.encode(name), "response": result}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1]["role"] == role {
			contents[n-1]["parts"] = append(contents[n-1]["parts"].([]map[string]any), parts...)
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	sys := systemText(messages)
	if len(contents) == 0 && sys != "" {
		contents = append(contents, map[string]any{"role": "user", "parts": []map[string]any{{"text": sys}}})
		sys = ""
	}

	body, err := json.Marshal(map[string]any{"contents": contents})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to marshal gemini request")
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

	if sys != "" {
		set("systemInstruction.parts.0.text", sys)
	}
	if params.Temperature != nil {
		set("generationConfig.temperature", *params.Temperature)
	}
	if params.TopP != nil {
		set("generationConfig.topP", *params.TopP)
	}
	if params.MaxTokens > 0 {
		set("generationConfig.maxOutputTokens", params.MaxTokens)
	}
	if params.PresencePenalty != nil {
		set("generationConfig.presencePenalty", *params.PresencePenalty)
	}
	if params.FrequencyPenalty != nil {
		set("generationConfig.frequencyPenalty", *params.FrequencyPenalty)
	}
	if len(params.Stop) > 0 {
		set("generationConfig.stopSequences", params.Stop)
	}
	if budget := reasoningBudget(params.ReasoningEffort); budget > 0 {
		set("generationConfig.thinkingConfig.thinkingBudget", budget)
		set("generationConfig.thinkingConfig.includeThoughts", true)
	}
	if len(params.OutputSchema) > 0 {
		schema, serr := sanitizeGeminiSchema(params.OutputSchema)
		if serr != nil {
			return nil, nil, apierr.Wrap(apierr.InvalidRequest, serr, "invalid output schema")
		}
		set("generationConfig.responseMimeType", "application/json")
		setRaw("generationConfig.responseSchema", schema)
	}
	for i, t := range params.Tools {
		prefix := fmt.Sprintf("tools.0.functionDeclarations.%d", i)
		set(prefix+".name", names.encode(t.Name))
		if t.Description != "" {
			set(prefix+".description", t.Description)
		}
		if len(t.InputSchema) > 0 {
			schema, serr := sanitizeGeminiSchema(t.InputSchema)
			if serr == nil {
				setRaw(prefix+".parameters", schema)
			}
		}
	}
	if len(params.Tools) > 0 && params.ToolChoice != "" {
		switch params.ToolChoice {
		case llm.ToolChoiceAuto:
			set("toolConfig.functionCallingConfig.mode", "AUTO")
		case llm.ToolChoiceNone:
			set("toolConfig.functionCallingConfig.mode", "NONE")
		case llm.ToolChoiceRequired:
			set("toolConfig.functionCallingConfig.mode", "ANY")
		default:
			set("toolConfig.functionCallingConfig.mode", "ANY")
			set("toolConfig.functionCallingConfig.allowedFunctionNames", []string{names.encode(string(params.ToolChoice))})
		}
	}
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.Internal, err, "failed to build gemini request")
	}
	return body, warnings, nil
}

// geminiUnsupportedKeys are JSON Schema keywords the Gemini schema subset rejects.
var geminiUnsupportedKeys = []string{"additionalProperties", "$schema", "$id", "examples", "default", "title"}

func sanitizeGeminiSchema(schema json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return nil, err
	}
	return json.Marshal(stripKeys(v))
}

func stripKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range geminiUnsupportedKeys {
			delete(t, k)
		}
		for k, child := range t {
			// Keys of "properties" are field names, not keywords.
			if k == "properties" {
				if props, ok := child.(map[string]any); ok {
					for name, p := range props {
						props[name] = stripKeys(p)
					}
					continue
				}
			}
			t[k] = stripKeys(child)
		}
		return t
	case []any:
		for i := range t {
			t[i] = stripKeys(t[i])
		}
		return t
	default:
		return v
	}
}

// =============================================================================
// RESPONSE
// =============================================================================

func (a *GeminiAdapter) decodeEvent(f frame, acc *accumulator) (llm.StreamChunk, bool, error) {
	data := gjson.ParseBytes(f.data)
	if e := data.Get("error"); e.Exists() {
		return llm.StreamChunk{}, false, streamError(a.name, e)
	}
	var chunk llm.StreamChunk

	candidate := data.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			idx := len(acc.calls)
			b := acc.call(idx)
			b.id = fmt.Sprintf("call_%d", idx)
			b.name = fc.Get("name").String()
			b.args.WriteString(fc.Get("args").Raw)
		case part.Get("thought").Bool():
			chunk.Reasoning += part.Get("text").String()
		default:
			chunk.Delta += part.Get("text").String()
		}
		return true
	})
	acc.text.WriteString(chunk.Delta)
	acc.reasoning.WriteString(chunk.Reasoning)

	if fr := candidate.Get("finishReason").String(); fr != "" {
		acc.finish = geminiFinish(fr)
	}
	if u := data.Get("usageMetadata"); u.Exists() {
		// usageMetadata is cumulative; the last event wins.
		acc.usage = &llm.Usage{
			InputTokens:     int(u.Get("promptTokenCount").Int()),
			OutputTokens:    int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()),
			ReasoningTokens: int(u.Get("thoughtsTokenCount").Int()),
			CachedTokens:    int(u.Get("cachedContentTokenCount").Int()),
		}
	}
	return chunk, chunk.Delta != "" || chunk.Reasoning != "", nil
}

func geminiFinish(s string) llm.FinishReason {
	switch s {
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return llm.FinishFiltered
	default:
		return llm.FinishStop
	}
}

// Ensure GeminiAdapter implements Adapter
var _ Adapter = (*GeminiAdapter)(nil)
