// Package gateway types - OpenAI-compatible wire types.
//
// DESIGN: Requests follow the chat completions shape with gateway
// extensions (input, use_cache, reply_to_run_id, max_tool_rounds). Responses
// add cost_usd, duration_seconds, cache_hit and message.parsed.
//
// Types are defined here to avoid circular imports and provide clear contracts.
package gateway

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// REQUEST
// =============================================================================

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []ChatMessage   `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	Stop                StopList        `json:"stop,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	Tools               []ChatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`

	// Provider pins the provider for a bare model name.
	Provider string `json:"provider,omitempty"`

	// Extensions
	Input         json.RawMessage   `json:"input,omitempty"`
	UseCache      string            `json:"use_cache,omitempty"`
	ReplyToRunID  string            `json:"reply_to_run_id,omitempty"`
	MCPServers    []json.RawMessage `json:"mcp_servers,omitempty"`
	MaxToolRounds int               `json:"max_tool_rounds,omitempty"`
}

// CompareRequest is the body of POST /v1/chat/completions/compare.
type CompareRequest struct {
	ChatRequest
	Models []string `json:"models"`
}

// StopList accepts a string or an array of strings.
type StopList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StopList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// ChatMessage is one request message. Content is a string or an array of parts.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ChatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatContentPart is one element of an array content.
type ChatContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ImageURL   *ChatImageURL   `json:"image_url,omitempty"`
	InputAudio *ChatInputAudio `json:"input_audio,omitempty"`
	File       *ChatFile       `json:"file,omitempty"`
}

// ChatImageURL is an image given by URL or data URL.
type ChatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ChatInputAudio is base64 audio.
type ChatInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// ChatFile is a document given as a data URL or a plain URL.
type ChatFile struct {
	FileData string `json:"file_data,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ChatTool is a function tool definition. Names starting with "@" enable
// hosted tools; their parameters are ignored.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

// ChatFunction describes a function tool.
type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatToolCall is a tool call in an assistant message.
type ChatToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall carries the function name and its JSON arguments.
type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamOptions tune streaming.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
	// ValidJSONChunks makes every structured output chunk a complete JSON document.
	ValidJSONChunks bool `json:"valid_json_chunks,omitempty"`
}

// ResponseFormat selects structured output.
type ResponseFormat struct {
	Type       string          `json:"type"` // text, json_object, json_schema
	JSONSchema *JSONSchemaSpec `json:"json_schema,omitempty"`
}

// JSONSchemaSpec is the json_schema response format payload.
type JSONSchemaSpec struct {
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema"`
	Strict *bool           `json:"strict,omitempty"`
}

// =============================================================================
// RESPONSE
// =============================================================================

// ChatResponse is a chat completion, or one chunk of a streamed completion.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`

	// Extensions
	VersionID       string   `json:"version_id,omitempty"`
	CostUSD         *float64 `json:"cost_usd,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	CacheHit        *bool    `json:"cache_hit,omitempty"`
	EstimatedCost   bool     `json:"estimated_cost,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ChatChoice holds either a message (completion) or a delta (chunk).
type ChatChoice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	Delta        *ResponseMessage `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

// ResponseMessage is an assistant message or delta.
type ResponseMessage struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	Reasoning string          `json:"reasoning_content,omitempty"`
	ToolCalls []ChatToolCall  `json:"tool_calls,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
}

// ChatUsage is OpenAI-shaped token usage.
type ChatUsage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
}

// CompletionTokensDetails breaks down completion tokens.
type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// PromptTokensDetails breaks down prompt tokens.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CompareResult is one model's outcome in a comparison.
type CompareResult struct {
	Index    int           `json:"index"`
	Model    string        `json:"model"`
	RunID    string        `json:"run_id,omitempty"`
	Response *ChatResponse `json:"response,omitempty"`
	Error    *ErrorBody    `json:"error,omitempty"`
}

// CompareResponse is the batch comparison result.
type CompareResponse struct {
	Results []CompareResult `json:"results"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure. Code is the error kind.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	ID               string `json:"id"`
	Object           string `json:"object"`
	OwnedBy          string `json:"owned_by"`
	DisplayName      string `json:"display_name,omitempty"`
	Upstream         string `json:"upstream"`
	Fallback         string `json:"fallback,omitempty"`
	StructuredOutput *bool  `json:"structured_output,omitempty"`
}

// ModelList is the GET /v1/models payload.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// DeployRequest is the body of POST /v1/agents/{agent_id}/deployments.
type DeployRequest struct {
	VersionID   string `json:"version_id"`
	Environment string `json:"environment"`
}
