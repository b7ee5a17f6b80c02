package gateway

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/cache"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/runner"
	"github.com/workflowai/inference-gateway/internal/runs"
	"github.com/workflowai/inference-gateway/internal/stream"
	"github.com/workflowai/inference-gateway/internal/versions"
)

// =============================================================================
// REQUEST -> RUN
// =============================================================================

// toRunRequest converts a chat request into a runner request.
func (g *Gateway) toRunRequest(req *ChatRequest) (runner.Request, error) {
	if len(req.MCPServers) > 0 {
		return runner.Request{}, apierr.New(apierr.InvalidRequest, "mcp_servers are not supported by this gateway")
	}
	policy, err := cache.ParsePolicy(req.UseCache)
	if err != nil {
		return runner.Request{}, apierr.Wrap(apierr.InvalidRequest, err, "")
	}
	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return runner.Request{}, err
	}
	input := req.Input
	if string(input) == "null" {
		input = nil
	}

	var ref modelRef
	if req.Model != "" || req.ReplyToRunID == "" {
		if ref, err = parseModel(req.Model, g.catalog); err != nil {
			return runner.Request{}, err
		}
	}

	metadata := stringMap(req.Metadata)
	agentID := ref.AgentID
	if agentID == "" {
		agentID = metadata["agent_id"]
	}

	out := runner.Request{
		AgentID:      agentID,
		Reference:    ref.Reference,
		Input:        input,
		Messages:     msgs,
		ReplyToRunID: req.ReplyToRunID,
		UseCache:     policy,
		Stream:       req.Stream,
		Metadata:     metadata,
	}
	if req.StreamOptions != nil {
		out.ValidJSON = req.StreamOptions.ValidJSONChunks
	}

	// Replies continue the replied-to run's version unless a stored one is
	// named; an inline model switches that version to the model.
	if ref.inline() && req.ReplyToRunID != "" {
		out.Reference = versions.Reference{}
		out.ModelOverride = ref.Model
	}
	if ref.inline() && req.ReplyToRunID == "" {
		v, rest, err := inlineVersion(req, ref.Model, msgs, len(input) > 0)
		if err != nil {
			return runner.Request{}, err
		}
		out.Reference = versions.Reference{Inline: v}
		out.Messages = rest
	}
	return out, nil
}

// inlineVersion builds the version described by the request's own fields.
// With a structured input, leading system messages become the instructions
// template; otherwise every message is passed through as-is.
func inlineVersion(req *ChatRequest, model string, msgs []llm.Message, templated bool) (*versions.Version, []llm.Message, error) {
	v := &versions.Version{
		ModelID:          model,
		ProviderHint:     req.Provider,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stop:             []string(req.Stop),
		MaxToolRounds:    req.MaxToolRounds,
	}
	if req.MaxCompletionTokens > 0 {
		v.MaxTokens = req.MaxCompletionTokens
	}

	switch effort := llm.ReasoningEffort(req.ReasoningEffort); effort {
	case "", llm.ReasoningLow, llm.ReasoningMedium, llm.ReasoningHigh:
		v.ReasoningEffort = effort
	default:
		return nil, nil, apierr.New(apierr.InvalidRequest, "invalid reasoning_effort %q", req.ReasoningEffort)
	}

	choice, err := parseToolChoice(req.ToolChoice)
	if err != nil {
		return nil, nil, err
	}
	v.ToolChoice = choice

	for i, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			return nil, nil, apierr.New(apierr.InvalidRequest, "tools[%d]: unsupported type %q", i, t.Type)
		}
		if t.Function.Name == "" {
			return nil, nil, apierr.New(apierr.InvalidRequest, "tools[%d]: function.name is required", i)
		}
		if llm.IsHostedTool(t.Function.Name) {
			v.EnabledTools = append(v.EnabledTools, t.Function.Name)
			continue
		}
		v.Tools = append(v.Tools, llm.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "", "text":
		case "json_object":
			v.OutputSchema = json.RawMessage(`{"type":"object"}`)
		case "json_schema":
			if rf.JSONSchema == nil || len(rf.JSONSchema.Schema) == 0 {
				return nil, nil, apierr.New(apierr.InvalidRequest, "response_format.json_schema.schema is required")
			}
			v.OutputSchema = rf.JSONSchema.Schema
		default:
			return nil, nil, apierr.New(apierr.InvalidRequest, "invalid response_format.type %q", rf.Type)
		}
	}

	if !templated {
		return v, msgs, nil
	}
	var instructions []string
	i := 0
	for ; i < len(msgs) && msgs[i].Role == llm.RoleSystem; i++ {
		instructions = append(instructions, msgs[i].Text())
	}
	v.Instructions = strings.Join(instructions, "\n\n")
	return v, msgs[i:], nil
}

func parseToolChoice(raw json.RawMessage) (llm.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch c := llm.ToolChoice(s); c {
		case llm.ToolChoiceAuto, llm.ToolChoiceNone, llm.ToolChoiceRequired:
			return c, nil
		}
		return "", apierr.New(apierr.InvalidRequest, "invalid tool_choice %q", s)
	}
	name := gjson.GetBytes(raw, "function.name").String()
	if name == "" {
		return "", apierr.New(apierr.InvalidRequest, "tool_choice must be auto, none, required or name a function")
	}
	return llm.ToolChoice(name), nil
}

func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			b, _ := json.Marshal(t)
			out[k] = string(b)
		}
	}
	return out
}

// =============================================================================
// MESSAGES
// =============================================================================

func convertMessages(in []ChatMessage) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(in))
	names := map[string]string{} // tool call id -> function name
	for i, m := range in {
		msg, err := convertMessage(m, names)
		if err != nil {
			return nil, apierr.New(apierr.InvalidRequest, "messages[%d]: %s", i, apierr.Classify(err).Message)
		}
		out = append(out, msg)
	}
	return out, nil
}

func convertMessage(m ChatMessage, names map[string]string) (llm.Message, error) {
	var role llm.Role
	switch m.Role {
	case "system", "developer":
		role = llm.RoleSystem
	case "user":
		role = llm.RoleUser
	case "assistant":
		role = llm.RoleAssistant
	case "tool":
		role = llm.RoleTool
	default:
		return llm.Message{}, fmt.Errorf("unsupported role %q", m.Role)
	}

	parts, err := convertContent(m.Content)
	if err != nil {
		return llm.Message{}, err
	}

	if role == llm.RoleTool {
		if m.ToolCallID == "" {
			return llm.Message{}, fmt.Errorf("tool messages require tool_call_id")
		}
		var text strings.Builder
		for _, p := range parts {
			text.WriteString(p.Text)
		}
		name := names[m.ToolCallID]
		if name == "" {
			name = m.Name
		}
		return llm.Message{Role: role, Content: []llm.ContentPart{llm.ToolResultPart(llm.ToolCall{
			ID:     m.ToolCallID,
			Name:   name,
			Output: toolOutput(text.String()),
		})}}, nil
	}

	msg := llm.Message{Role: role, Content: parts}
	if role == llm.RoleAssistant {
		for _, tc := range m.ToolCalls {
			args := strings.TrimSpace(tc.Function.Arguments)
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				return llm.Message{}, fmt.Errorf("tool call %q has invalid JSON arguments", tc.ID)
			}
			names[tc.ID] = tc.Function.Name
			msg.Content = append(msg.Content, llm.ToolCallPart(llm.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(args),
			}))
		}
	}
	return msg, nil
}

// toolOutput keeps JSON results as-is and wraps plain text as a JSON string.
func toolOutput(s string) json.RawMessage {
	t := strings.TrimSpace(s)
	if t != "" && json.Valid([]byte(t)) {
		return json.RawMessage(t)
	}
	b, _ := json.Marshal(s)
	return b
}

func convertContent(raw json.RawMessage) ([]llm.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []llm.ContentPart{llm.TextPart(s)}, nil
	}

	var parts []ChatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of parts")
	}
	out := make([]llm.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, llm.TextPart(p.Text))
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, fmt.Errorf("image_url.url is required")
			}
			f, err := fileFromURL(p.ImageURL.URL, "image/jpeg")
			if err != nil {
				return nil, err
			}
			out = append(out, llm.FilePart(f))
		case "input_audio":
			if p.InputAudio == nil || p.InputAudio.Data == "" {
				return nil, fmt.Errorf("input_audio.data is required")
			}
			format := p.InputAudio.Format
			if format == "" {
				format = "wav"
			}
			out = append(out, llm.FilePart(llm.File{ContentType: "audio/" + format, Data: p.InputAudio.Data}))
		case "file":
			if p.File == nil {
				return nil, fmt.Errorf("file is required")
			}
			src := p.File.FileData
			if src == "" {
				src = p.File.FileURL
			}
			if src == "" {
				return nil, fmt.Errorf("file.file_data or file.file_url is required")
			}
			f, err := fileFromURL(src, "application/pdf")
			if err != nil {
				return nil, err
			}
			out = append(out, llm.FilePart(f))
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return out, nil
}

// fileFromURL accepts data URLs (inline base64) and http(s) URLs.
func fileFromURL(raw, fallbackType string) (llm.File, error) {
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, data, ok := strings.Cut(rest, ",")
		if !ok {
			return llm.File{}, fmt.Errorf("malformed data URL")
		}
		ct, enc, _ := strings.Cut(meta, ";")
		if enc != "base64" {
			return llm.File{}, fmt.Errorf("data URLs must be base64 encoded")
		}
		if ct == "" {
			ct = fallbackType
		}
		return llm.File{ContentType: ct, Data: data}, nil
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return llm.File{}, fmt.Errorf("file URLs must be http(s) or data URLs")
	}
	ct := mime.TypeByExtension(path.Ext(u.Path))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if ct == "" {
		ct = fallbackType
	}
	return llm.File{ContentType: ct, URL: raw}, nil
}

// =============================================================================
// RUN -> RESPONSE
// =============================================================================

func finishReason(run *runs.Run) string {
	if len(run.ToolCallRequests) > 0 {
		return string(llm.FinishToolCalls)
	}
	return string(llm.FinishStop)
}

func wireToolCalls(calls []llm.ToolCall, indexed bool) []ChatToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ChatToolCall, len(calls))
	for i, tc := range calls {
		args := string(tc.Input)
		if args == "" {
			args = "{}"
		}
		out[i] = ChatToolCall{ID: tc.ID, Type: "function", Function: ChatFunctionCall{Name: tc.Name, Arguments: args}}
		if indexed {
			idx := i
			out[i].Index = &idx
		}
	}
	return out
}

func wireUsage(u *llm.Usage) *ChatUsage {
	if u == nil {
		return nil
	}
	out := &ChatUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &CompletionTokensDetails{ReasoningTokens: u.ReasoningTokens}
	}
	if u.CachedTokens > 0 {
		out.PromptTokensDetails = &PromptTokensDetails{CachedTokens: u.CachedTokens}
	}
	return out
}

// newChatResponse renders a terminal successful run.
func newChatResponse(run *runs.Run) *ChatResponse {
	msg := &ResponseMessage{
		Role:      string(llm.RoleAssistant),
		Reasoning: run.Reasoning,
		ToolCalls: wireToolCalls(run.ToolCallRequests, false),
		Parsed:    run.Parsed,
	}
	if run.Output != "" || len(run.ToolCallRequests) == 0 {
		content := run.Output
		msg.Content = &content
	}
	finish := finishReason(run)
	hit := run.CacheHit
	return &ChatResponse{
		ID:              run.ID,
		Object:          "chat.completion",
		Created:         run.CreatedAt.Unix(),
		Model:           run.Model,
		Choices:         []ChatChoice{{Message: msg, FinishReason: &finish}},
		Usage:           wireUsage(run.Usage),
		VersionID:       run.VersionID,
		CostUSD:         run.CostUSD,
		DurationSeconds: run.DurationSeconds,
		CacheHit:        &hit,
		EstimatedCost:   run.EstimatedCost,
		Warnings:        run.Warnings,
	}
}

// chunker renders streamed events as chat.completion.chunk objects.
type chunker struct {
	model     string
	created   int64
	validJSON bool
	sentRole  bool
}

func newChunker(model string, validJSON bool) *chunker {
	return &chunker{model: model, created: time.Now().Unix(), validJSON: validJSON}
}

func (c *chunker) chunk(runID string, delta *ResponseMessage, finish *string) *ChatResponse {
	if !c.sentRole {
		delta.Role = string(llm.RoleAssistant)
		c.sentRole = true
	}
	return &ChatResponse{
		ID:      runID,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []ChatChoice{{Delta: delta, FinishReason: finish}},
	}
}

// event renders one runner event; nil means nothing to send.
func (c *chunker) event(ev runner.Event) *ChatResponse {
	switch ev.Kind {
	case stream.KindText:
		if ev.Delta == "" {
			return nil
		}
		d := ev.Delta
		return c.chunk(ev.RunID, &ResponseMessage{Content: &d}, nil)
	case stream.KindReasoning:
		if ev.Delta == "" {
			return nil
		}
		return c.chunk(ev.RunID, &ResponseMessage{Reasoning: ev.Delta}, nil)
	case stream.KindSnapshot:
		s := string(ev.Snapshot)
		return c.chunk(ev.RunID, &ResponseMessage{Content: &s, Parsed: ev.Snapshot}, nil)
	}
	return nil
}

// final is the terminator chunk: finish reason, tool calls, usage and cost.
func (c *chunker) final(run *runs.Run) *ChatResponse {
	finish := finishReason(run)
	delta := &ResponseMessage{ToolCalls: wireToolCalls(run.ToolCallRequests, true)}
	if c.validJSON && len(run.Parsed) > 0 {
		delta.Parsed = run.Parsed
	}
	out := c.chunk(run.ID, delta, &finish)
	hit := run.CacheHit
	out.Usage = wireUsage(run.Usage)
	out.VersionID = run.VersionID
	out.CostUSD = run.CostUSD
	out.DurationSeconds = run.DurationSeconds
	out.CacheHit = &hit
	out.EstimatedCost = run.EstimatedCost
	out.Warnings = run.Warnings
	return out
}
