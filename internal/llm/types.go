// Package llm defines the provider-neutral vocabulary of the gateway.
//
// DESIGN: Every component speaks these types. Adapters translate them to and
// from provider wire formats; nothing outside internal/adapters knows what an
// upstream request looks like.
//
// TYPES:
//   - Message / ContentPart: conversation entries, ContentPart is a tagged union
//   - ToolCall / ToolDefinition: tool requests, results and schemas
//   - Params: sampling and output parameters for one upstream call
//   - StreamChunk / Response: what an adapter yields
//   - Usage: token accounting reported by providers
package llm

import (
	"encoding/json"
	"strings"
)

// Role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// =============================================================================
// CONTENT
// =============================================================================

// PartType tags a ContentPart.
type PartType string

const (
	PartText           PartType = "text"
	PartFile           PartType = "file"
	PartToolCallResult PartType = "tool_call_result"
	PartToolCall       PartType = "tool_call_request"
)

// File is an inline or remote file attached to a message.
// Exactly one of Data (base64) or URL is set.
type File struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data,omitempty"`
	URL         string `json:"url,omitempty"`
}

// IsImage reports whether the file is an image.
func (f *File) IsImage() bool { return strings.HasPrefix(f.ContentType, "image/") }

// IsAudio reports whether the file is audio.
func (f *File) IsAudio() bool { return strings.HasPrefix(f.ContentType, "audio/") }

// IsPDF reports whether the file is a PDF document.
func (f *File) IsPDF() bool { return f.ContentType == "application/pdf" }

// ContentPart is one piece of message content. Type selects the populated field.
type ContentPart struct {
	Type       PartType  `json:"type"`
	Text       string    `json:"text,omitempty"`
	File       *File     `json:"file,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	ToolResult *ToolCall `json:"tool_result,omitempty"`
}

// TextPart builds a text part.
func TextPart(s string) ContentPart { return ContentPart{Type: PartText, Text: s} }

// FilePart builds a file part.
func FilePart(f File) ContentPart { return ContentPart{Type: PartFile, File: &f} }

// ToolCallPart builds an assistant tool call request part.
func ToolCallPart(tc ToolCall) ContentPart { return ContentPart{Type: PartToolCall, ToolCall: &tc} }

// ToolResultPart builds a tool result part.
func ToolResultPart(tc ToolCall) ContentPart {
	return ContentPart{Type: PartToolCallResult, ToolResult: &tc}
}

// Message is one conversation entry.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{TextPart(text)}}
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool call requests carried by the message.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Content {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// Files returns the file parts of the message.
func (m Message) Files() []File {
	var out []File
	for _, p := range m.Content {
		if p.Type == PartFile && p.File != nil {
			out = append(out, *p.File)
		}
	}
	return out
}

// =============================================================================
// TOOLS
// =============================================================================

// HostedToolPrefix marks tools executed by the gateway itself.
const HostedToolPrefix = "@"

// ToolCall is a tool invocation requested by the model, optionally with its result.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsHosted reports whether the call targets a gateway-hosted tool.
func (tc ToolCall) IsHosted() bool { return IsHostedTool(tc.Name) }

// IsHostedTool reports whether name refers to a hosted tool.
func IsHostedTool(name string) bool { return strings.HasPrefix(name, HostedToolPrefix) }

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice constrains tool usage: "auto", "none", "required", or a tool name.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// =============================================================================
// PARAMETERS
// =============================================================================

// ReasoningEffort requested from reasoning models.
type ReasoningEffort string

const (
	ReasoningLow    ReasoningEffort = "low"
	ReasoningMedium ReasoningEffort = "medium"
	ReasoningHigh   ReasoningEffort = "high"
)

// Params configures one upstream call.
type Params struct {
	Model            string
	Temperature      *float64
	TopP             *float64
	MaxTokens        int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Stop             []string
	ReasoningEffort  ReasoningEffort
	ToolChoice       ToolChoice
	Tools            []ToolDefinition
	OutputSchema     json.RawMessage
	Stream           bool
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// =============================================================================
// OUTPUT
// =============================================================================

// Usage is the token accounting for one or more upstream calls.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CachedTokens += other.CachedTokens
}

// FinishReason reported by the provider.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishFiltered  FinishReason = "content_filter"
)

// Response is the complete result of one upstream call.
type Response struct {
	Text         string       `json:"text"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
}

// AssistantMessage converts the response into a conversation entry.
func (r *Response) AssistantMessage() Message {
	msg := Message{Role: RoleAssistant}
	if r.Text != "" {
		msg.Content = append(msg.Content, TextPart(r.Text))
	}
	for _, tc := range r.ToolCalls {
		msg.Content = append(msg.Content, ToolCallPart(tc))
	}
	return msg
}

// StreamChunk is one increment yielded by an adapter stream.
// The final chunk has IsFinal set and carries the aggregated Response.
type StreamChunk struct {
	Delta     string
	Reasoning string
	IsFinal   bool
	Usage     *Usage
	Response  *Response
}
