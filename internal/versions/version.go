// Package versions resolves agent version references into immutable Version
// records.
//
// DESIGN: A Version is a frozen agent configuration. Its id is a content hash,
// so an API call that introduces a previously unseen combination of
// properties always maps to the same id and re-saving it is a no-op. Output
// and input schemas are grouped under a per-agent schema id; deployments are
// (environment, schema id) pointers that are re-read on every resolution.
//
// FILES:
//   - version.go: Version, Reference, content hashing
//   - schema.go: schema compatibility rules
//   - resolver.go: Resolver (read-only)
//   - memory.go / sqlite.go: Repository implementations
package versions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// DefaultMaxToolRounds bounds hosted-tool round trips when a version does not set one.
const DefaultMaxToolRounds = 10

// Version is an immutable snapshot of an agent configuration.
type Version struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	SchemaID int    `json:"schema_id,omitempty"`

	ModelID      string `json:"model"`
	ProviderHint string `json:"provider,omitempty"`

	// Instructions is a template rendered into the system message.
	// Ignored when Messages is set.
	Instructions string        `json:"instructions,omitempty"`
	Messages     []llm.Message `json:"messages,omitempty"`

	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"top_p,omitempty"`
	MaxTokens        int                 `json:"max_tokens,omitempty"`
	PresencePenalty  *float64            `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64            `json:"frequency_penalty,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	ReasoningEffort  llm.ReasoningEffort `json:"reasoning_effort,omitempty"`

	ToolChoice llm.ToolChoice `json:"tool_choice,omitempty"`
	// EnabledTools lists hosted tool handles such as "@search-google".
	EnabledTools []string `json:"enabled_tools,omitempty"`
	// Tools are user-defined function tools executed by the caller.
	Tools         []llm.ToolDefinition `json:"tools,omitempty"`
	MaxToolRounds int                  `json:"max_tool_rounds,omitempty"`

	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// ComputeID returns the content hash of the version. Identity fields
// (ID, SchemaID, CreatedAt) are excluded.
func (v *Version) ComputeID() string {
	c := *v
	c.ID = ""
	c.SchemaID = 0
	c.CreatedAt = time.Time{}
	c.InputSchema = llm.CanonicalJSON(c.InputSchema)
	c.OutputSchema = llm.CanonicalJSON(c.OutputSchema)
	tools := make([]llm.ToolDefinition, len(c.Tools))
	for i, t := range c.Tools {
		t.InputSchema = llm.CanonicalJSON(t.InputSchema)
		tools[i] = t
	}
	c.Tools = tools

	data, err := json.Marshal(c)
	if err != nil {
		// Only reachable with unmarshalable raw schemas, which CanonicalJSON passes through.
		data = fmt.Appendf(nil, "%+v", c)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Rounds returns the tool round limit.
func (v *Version) Rounds() int {
	if v.MaxToolRounds > 0 {
		return v.MaxToolRounds
	}
	return DefaultMaxToolRounds
}

// Params returns the upstream parameters the version configures.
// Hosted tool definitions are added by the tool orchestrator.
func (v *Version) Params() llm.Params {
	return llm.Params{
		Model:            v.ModelID,
		Temperature:      v.Temperature,
		TopP:             v.TopP,
		MaxTokens:        v.MaxTokens,
		PresencePenalty:  v.PresencePenalty,
		FrequencyPenalty: v.FrequencyPenalty,
		Stop:             v.Stop,
		ReasoningEffort:  v.ReasoningEffort,
		ToolChoice:       v.ToolChoice,
		Tools:            v.Tools,
		OutputSchema:     v.OutputSchema,
	}
}

// EffectiveTemperature returns the sampling temperature, 0 when unset.
func (v *Version) EffectiveTemperature() float64 {
	if v.Temperature == nil {
		return 0
	}
	return *v.Temperature
}

// =============================================================================
// REFERENCES
// =============================================================================

// Environment names a deployment target.
type Environment string

const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// ParseEnvironment validates an environment label.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvDev, EnvStaging, EnvProduction:
		return Environment(s), nil
	}
	return "", fmt.Errorf("unknown environment %q (expected dev, staging or production)", s)
}

// Reference selects a version. Exactly one form is used, checked in order:
// VersionID, Environment (with SchemaID), Inline.
type Reference struct {
	VersionID   string
	Environment Environment
	SchemaID    int
	Inline      *Version
}

// String renders the reference for logs.
func (r Reference) String() string {
	switch {
	case r.VersionID != "":
		return "version:" + r.VersionID
	case r.Environment != "":
		return fmt.Sprintf("deployment:#%d/%s", r.SchemaID, r.Environment)
	case r.Inline != nil:
		return "inline"
	}
	return "empty"
}

// Deployment points an (environment, schema id) pair at a version.
type Deployment struct {
	AgentID     string      `json:"agent_id"`
	Environment Environment `json:"environment"`
	SchemaID    int         `json:"schema_id"`
	VersionID   string      `json:"version_id"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Schema is a numbered (input, output) schema pair of an agent.
type Schema struct {
	ID     int             `json:"id"`
	Input  json.RawMessage `json:"input_schema,omitempty"`
	Output json.RawMessage `json:"output_schema,omitempty"`
}
