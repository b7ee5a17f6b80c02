package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// Key is a run fingerprint.
type Key string

// Policy controls cache usage for one request.
type Policy string

const (
	// PolicyAuto serves cached results only for temperature 0 runs.
	PolicyAuto Policy = "auto"
	// PolicyAlways serves any prior matching run regardless of temperature.
	PolicyAlways Policy = "always"
	// PolicyNever bypasses the cache entirely.
	PolicyNever Policy = "never"
	// PolicyOnly serves from cache or fails without calling upstream.
	PolicyOnly Policy = "only"
)

// ParsePolicy validates a use_cache value; empty means auto.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyAuto, nil
	case PolicyAuto, PolicyAlways, PolicyNever, PolicyOnly:
		return Policy(s), nil
	}
	return "", fmt.Errorf("invalid use_cache %q (expected auto, always, never or only)", s)
}

// Request holds the cache-relevant fields of a run. Request ids, metadata
// and timestamps are not part of it.
type Request struct {
	VersionID        string               `json:"version_id"`
	Model            string               `json:"model"`
	Input            json.RawMessage      `json:"input,omitempty"`
	Messages         []llm.Message        `json:"messages,omitempty"`
	Temperature      float64              `json:"temperature"`
	TopP             *float64             `json:"top_p,omitempty"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
	ReasoningEffort  llm.ReasoningEffort  `json:"reasoning_effort,omitempty"`
	ToolChoice       llm.ToolChoice       `json:"tool_choice,omitempty"`
	EnabledTools     []string             `json:"enabled_tools,omitempty"`
	Tools            []llm.ToolDefinition `json:"tools,omitempty"`
}

// Fingerprint hashes the canonical form of r.
func Fingerprint(r Request) Key {
	r.Input = llm.CanonicalJSON(r.Input)
	if len(r.EnabledTools) > 0 {
		tools := append([]string(nil), r.EnabledTools...)
		sort.Strings(tools)
		r.EnabledTools = tools
	}
	if len(r.Tools) > 0 {
		tools := make([]llm.ToolDefinition, len(r.Tools))
		for i, t := range r.Tools {
			t.InputSchema = llm.CanonicalJSON(t.InputSchema)
			tools[i] = t
		}
		r.Tools = tools
	}

	data, err := json.Marshal(r)
	if err != nil {
		data = fmt.Appendf(nil, "%+v", r)
	}
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}
