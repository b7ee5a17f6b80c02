// Package runs holds run records and their persistence.
//
// DESIGN: A Run is created when a request starts and finalized exactly once.
//
//	pending -> streaming -> success
//	        \            \-> failed
//	         \-----------------^
//
// Terminal states are write-once: Succeed and Fail refuse a second terminal
// transition, and stores refuse to overwrite a terminal record. Cost and
// duration are only set by the terminal transition.
package runs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

// Status of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// ErrTerminal is returned when a finalized run is mutated.
var ErrTerminal = errors.New("run is already terminal")

// Error is the failure recorded on a run.
type Error struct {
	Kind    apierr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Run is one execution of a version against one input.
type Run struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id,omitempty"`
	VersionID string            `json:"version_id"`
	Model     string            `json:"model"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// ReplyToRunID links a follow-up run to the run it answers.
	ReplyToRunID string `json:"reply_to_run_id,omitempty"`

	Status Status `json:"status"`

	Messages         []llm.Message   `json:"messages,omitempty"`
	Output           string          `json:"output,omitempty"`
	Parsed           json.RawMessage `json:"parsed,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ToolCallRequests []llm.ToolCall  `json:"tool_call_requests,omitempty"`
	ToolCalls        []llm.ToolCall  `json:"tool_calls,omitempty"`
	Error            *Error          `json:"error,omitempty"`
	// Warnings name request parameters the provider dropped or adjusted.
	Warnings []string `json:"warnings,omitempty"`

	Usage           *llm.Usage `json:"usage,omitempty"`
	CostUSD         *float64   `json:"cost_usd,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	EstimatedCost   bool       `json:"estimated_cost,omitempty"`
	CacheHit        bool       `json:"cache_hit"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// New creates a pending run with a time-sortable id.
func New(agentID, versionID, model string) *Run {
	return &Run{
		ID:        NewID(),
		AgentID:   agentID,
		VersionID: versionID,
		Model:     model,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// NewID returns a UUIDv7, falling back to v4 if the clock source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Outcome is what a terminal transition records.
type Outcome struct {
	Messages         []llm.Message
	Output           string
	Parsed           json.RawMessage
	Reasoning        string
	ToolCallRequests []llm.ToolCall
	ToolCalls        []llm.ToolCall
	Warnings         []string
	Usage            *llm.Usage
	CostUSD          float64
	DurationSeconds  float64
	EstimatedCost    bool
	CacheHit         bool
}

// Start marks the run as streaming.
func (r *Run) Start() error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	r.Status = StatusStreaming
	return nil
}

// Succeed finalizes the run as successful.
func (r *Run) Succeed(o Outcome) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	r.apply(o)
	r.Status = StatusSuccess
	return nil
}

// Fail finalizes the run as failed. Partial output in o is preserved.
func (r *Run) Fail(err error, o Outcome) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	e := apierr.Classify(err)
	r.apply(o)
	r.Error = &Error{Kind: e.Kind, Message: e.Message}
	r.Status = StatusFailed
	return nil
}

func (r *Run) apply(o Outcome) {
	if o.Messages != nil {
		r.Messages = o.Messages
	}
	r.Output = o.Output
	r.Parsed = o.Parsed
	r.Reasoning = o.Reasoning
	r.ToolCallRequests = o.ToolCallRequests
	r.ToolCalls = o.ToolCalls
	r.Warnings = o.Warnings
	r.Usage = o.Usage
	r.CostUSD = &o.CostUSD
	r.DurationSeconds = &o.DurationSeconds
	r.EstimatedCost = o.EstimatedCost
	r.CacheHit = o.CacheHit
	r.CompletedAt = time.Now().UTC()
}

// Clone returns a deep copy through JSON.
func (r *Run) Clone() *Run {
	data, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var out Run
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *r
		return &cp
	}
	return &out
}
