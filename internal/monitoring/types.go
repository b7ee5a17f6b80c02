// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by the gateway, the runner wiring and cmd.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - RunEvent:     Telemetry record for each terminal run
//   - Config types: TelemetryConfig, LoggerConfig, AlertConfig, OTelConfig
package monitoring

import (
	"time"

	"github.com/workflowai/inference-gateway/internal/runs"
)

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RunEvent captures one terminal run. It is the JSONL telemetry record.
type RunEvent struct {
	Timestamp       time.Time   `json:"timestamp"`
	RequestID       string      `json:"request_id,omitempty"`
	RunID           string      `json:"run_id"`
	AgentID         string      `json:"agent_id"`
	VersionID       string      `json:"version_id,omitempty"`
	Model           string      `json:"model,omitempty"`
	Status          runs.Status `json:"status"`
	ErrorKind       string      `json:"error_kind,omitempty"`
	Error           string      `json:"error,omitempty"`
	CacheHit        bool        `json:"cache_hit"`
	ReplyToRunID    string      `json:"reply_to_run_id,omitempty"`
	InputTokens     int         `json:"input_tokens,omitempty"`
	OutputTokens    int         `json:"output_tokens,omitempty"`
	ReasoningTokens int         `json:"reasoning_tokens,omitempty"`
	CostUSD         float64     `json:"cost_usd"`
	EstimatedCost   bool        `json:"estimated_cost,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"`
	ToolCalls       int         `json:"tool_calls,omitempty"`
	ToolRequests    int         `json:"tool_call_requests,omitempty"`
}

// NewRunEvent flattens a terminal run into a telemetry record.
func NewRunEvent(run *runs.Run, requestID string) *RunEvent {
	ev := &RunEvent{
		Timestamp:    run.CompletedAt,
		RequestID:    requestID,
		RunID:        run.ID,
		AgentID:      run.AgentID,
		VersionID:    run.VersionID,
		Model:        run.Model,
		Status:       run.Status,
		CacheHit:     run.CacheHit,
		ReplyToRunID: run.ReplyToRunID,
		ToolCalls:    len(run.ToolCalls),
		ToolRequests: len(run.ToolCallRequests),
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if run.Error != nil {
		ev.ErrorKind = string(run.Error.Kind)
		ev.Error = run.Error.Message
	}
	if run.Usage != nil {
		ev.InputTokens = run.Usage.InputTokens
		ev.OutputTokens = run.Usage.OutputTokens
		ev.ReasoningTokens = run.Usage.ReasoningTokens
	}
	if run.CostUSD != nil {
		ev.CostUSD = *run.CostUSD
		ev.EstimatedCost = run.EstimatedCost
	}
	if run.DurationSeconds != nil {
		ev.DurationSeconds = *run.DurationSeconds
	}
	return ev
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
	HighCostThreshold    float64       `yaml:"high_cost_threshold"`
}

// OTelConfig configures OpenTelemetry export. An empty endpoint disables it.
type OTelConfig struct {
	Endpoint    string `yaml:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}
