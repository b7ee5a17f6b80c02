// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:  Warn when a request exceeds the latency threshold
//   - FlagHighCost:     Warn when a single run costs more than the threshold
//   - FlagRunFailure:   Warn on upstream failures, Debug on caller errors
//   - FlagPanic:        Error on recovered panics
package monitoring

import (
	"time"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/runs"
)

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
	highCostThreshold    float64
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 30 * time.Second
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold, highCostThreshold: cfg.HighCostThreshold}
}

// FlagHighLatency logs when request latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, path string) {
	if latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("path", path).
		Msg("high_latency")
}

// FlagRun inspects a terminal run and logs failures and expensive runs.
func (am *AlertManager) FlagRun(requestID string, run *runs.Run) {
	if run == nil {
		return
	}
	if run.Error != nil {
		am.FlagRunFailure(requestID, run.ID, run.Model, run.Error.Kind, run.Error.Message)
	}
	if am.highCostThreshold > 0 && run.CostUSD != nil && *run.CostUSD >= am.highCostThreshold {
		am.logger.Warn().
			Str("request_id", requestID).
			Str("run_id", run.ID).
			Str("model", run.Model).
			Float64("cost_usd", *run.CostUSD).
			Msg("high_cost")
	}
}

// FlagRunFailure logs a failed run. Caller mistakes are logged at debug.
func (am *AlertManager) FlagRunFailure(requestID, runID, model string, kind apierr.Kind, message string) {
	event := am.logger.Warn()
	if apierr.HTTPStatus(kind) < 500 && kind != apierr.ProviderRateLimited {
		event = am.logger.Debug()
	}
	event.
		Str("request_id", requestID).
		Str("run_id", runID).
		Str("model", model).
		Str("kind", string(kind)).
		Str("error", message).
		Msg("run_failed")
}

// FlagInvalidRequest logs invalid request.
func (am *AlertManager) FlagInvalidRequest(requestID, reason string) {
	am.logger.Debug().
		Str("request_id", requestID).
		Str("reason", reason).
		Msg("invalid_request")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
