package adapters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// =============================================================================
// TOOL NAMES
// =============================================================================

var wireNameInvalid = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// toolNames maps gateway tool names to names providers accept.
// Hosted tools ("@search-google") lose their marker; collisions with a
// custom tool of the same name get a "hosted_" prefix.
type toolNames struct {
	toWire   map[string]string
	fromWire map[string]string
}

func newToolNames(tools []llm.ToolDefinition) *toolNames {
	n := &toolNames{toWire: make(map[string]string), fromWire: make(map[string]string)}
	custom := make(map[string]bool)
	for _, t := range tools {
		if !llm.IsHostedTool(t.Name) {
			custom[t.Name] = true
		}
	}
	for _, t := range tools {
		wire := t.Name
		if llm.IsHostedTool(t.Name) {
			wire = wireNameInvalid.ReplaceAllString(strings.TrimPrefix(t.Name, llm.HostedToolPrefix), "_")
			if custom[wire] {
				wire = "hosted_" + wire
			}
		}
		n.toWire[t.Name] = wire
		n.fromWire[wire] = t.Name
	}
	return n
}

func (n *toolNames) encode(name string) string {
	if n != nil {
		if w, ok := n.toWire[name]; ok {
			return w
		}
	}
	return name
}

func (n *toolNames) decode(wire string) string {
	if n != nil {
		if name, ok := n.fromWire[wire]; ok {
			return name
		}
	}
	return wire
}

// =============================================================================
// CONTENT HELPERS
// =============================================================================

// dataURL renders an inline file as a data URL, or returns its remote URL.
func dataURL(f *llm.File) string {
	if f.URL != "" {
		return f.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", f.ContentType, f.Data)
}

// systemText joins all system messages into one instruction block.
func systemText(messages []llm.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if t := m.Text(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// toolResultText renders a tool result for providers that take plain text.
func toolResultText(tc *llm.ToolCall) string {
	if tc.Error != "" {
		return "Error: " + tc.Error
	}
	if len(tc.Output) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(tc.Output, &s); err == nil {
		return s
	}
	return string(tc.Output)
}

// rawArgs returns tool call input as a JSON object, defaulting to {}.
func rawArgs(input json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(input))) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}

// schemaOrEmpty returns a tool input schema, defaulting to an empty object schema.
func schemaOrEmpty(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}

// reasoningBudget converts an effort level to a thinking token budget.
func reasoningBudget(effort llm.ReasoningEffort) int {
	switch effort {
	case llm.ReasoningLow:
		return 1024
	case llm.ReasoningHigh:
		return 16384
	case llm.ReasoningMedium:
		return 4096
	default:
		return 0
	}
}

func warnUnsupported(provider Provider, param string) string {
	return fmt.Sprintf("%s is not supported by %s and was ignored", param, provider)
}
