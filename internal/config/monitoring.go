// Monitoring configuration - telemetry and logging settings.
//
// DESIGN: Separates logging (zerolog) from telemetry (JSONL run events) and
// from OpenTelemetry export. Logging is for operators, telemetry is for
// analytics, otel feeds dashboards.
package config

import (
	"fmt"
	"time"

	"github.com/workflowai/inference-gateway/internal/monitoring"
)

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console, auto
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Telemetry settings
	TelemetryEnabled bool   `yaml:"telemetry_enabled"` // Enable run event tracking
	TelemetryPath    string `yaml:"telemetry_path"`    // Path to run events JSONL file
	LogToStdout      bool   `yaml:"log_to_stdout"`     // Also log run events to stdout

	// Alerts
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
	HighCostThreshold    float64       `yaml:"high_cost_threshold"` // USD per run

	// OpenTelemetry export (OTLP/HTTP); empty endpoint disables it
	OTelEndpoint string `yaml:"otel_endpoint"`
	OTelInsecure bool   `yaml:"otel_insecure"`
	ServiceName  string `yaml:"service_name"`

	// gops diagnostics agent; empty address disables it
	DebugAgentAddr string `yaml:"debug_agent_addr"`
}

// Validate checks the monitoring section.
func (m MonitoringConfig) Validate() error {
	switch m.LogFormat {
	case "", "json", "console", "auto":
	default:
		return fmt.Errorf("invalid monitoring.log_format: %q (expected json, console or auto)", m.LogFormat)
	}
	if m.TelemetryEnabled && m.TelemetryPath == "" && !m.LogToStdout {
		return fmt.Errorf("monitoring.telemetry_path is required when telemetry is enabled")
	}
	if m.HighCostThreshold < 0 {
		return fmt.Errorf("monitoring.high_cost_threshold must not be negative")
	}
	return nil
}

// Logger returns the logger settings.
func (m MonitoringConfig) Logger() monitoring.LoggerConfig {
	return monitoring.LoggerConfig{Level: m.LogLevel, Format: m.LogFormat, Output: m.LogOutput}
}

// Telemetry returns the run event tracker settings.
func (m MonitoringConfig) Telemetry() monitoring.TelemetryConfig {
	return monitoring.TelemetryConfig{Enabled: m.TelemetryEnabled, LogPath: m.TelemetryPath, LogToStdout: m.LogToStdout}
}

// Alerts returns alert thresholds.
func (m MonitoringConfig) Alerts() monitoring.AlertConfig {
	return monitoring.AlertConfig{HighLatencyThreshold: m.HighLatencyThreshold, HighCostThreshold: m.HighCostThreshold}
}

// OTel returns OpenTelemetry export settings.
func (m MonitoringConfig) OTel() monitoring.OTelConfig {
	return monitoring.OTelConfig{Endpoint: m.OTelEndpoint, Insecure: m.OTelInsecure, ServiceName: m.ServiceName}
}

// Debug returns the gops agent settings.
func (m MonitoringConfig) Debug() monitoring.DebugConfig {
	return monitoring.DebugConfig{Addr: m.DebugAgentAddr}
}
