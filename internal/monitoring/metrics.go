// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: HTTP requests handled
//   - runs/failures:      Terminal runs by outcome
//   - cache_hits/misses:  Runs served from cache vs upstream
//   - upstream_calls:     Provider calls, with errors counted apart
//   - tool_rounds:        Hosted tool dispatch rounds
//
// The same figures are exported through OpenTelemetry by the runner.
package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/workflowai/inference-gateway/internal/runs"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests       atomic.Int64
	successes      atomic.Int64
	runs           atomic.Int64
	runFailures    atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	upstreamCalls  atomic.Int64
	upstreamErrors atomic.Int64
	toolRounds     atomic.Int64
	runMillis      atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records an HTTP request.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordRun records a terminal run.
func (mc *MetricsCollector) RecordRun(status runs.Status, cacheHit bool, duration time.Duration) {
	mc.runs.Add(1)
	mc.runMillis.Add(duration.Milliseconds())
	if status == runs.StatusFailed {
		mc.runFailures.Add(1)
		return
	}
	if cacheHit {
		mc.cacheHits.Add(1)
	} else {
		mc.cacheMisses.Add(1)
	}
}

// RecordUpstream records one provider call.
func (mc *MetricsCollector) RecordUpstream(_ string, err error) {
	mc.upstreamCalls.Add(1)
	if err != nil {
		mc.upstreamErrors.Add(1)
	}
}

// RecordToolRounds records hosted tool rounds of one run.
func (mc *MetricsCollector) RecordToolRounds(n int) {
	mc.toolRounds.Add(int64(n))
}

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":        mc.requests.Load(),
		"successes":       mc.successes.Load(),
		"runs":            mc.runs.Load(),
		"run_failures":    mc.runFailures.Load(),
		"cache_hits":      mc.cacheHits.Load(),
		"cache_misses":    mc.cacheMisses.Load(),
		"upstream_calls":  mc.upstreamCalls.Load(),
		"upstream_errors": mc.upstreamErrors.Load(),
		"tool_rounds":     mc.toolRounds.Load(),
		"run_millis":      mc.runMillis.Load(),
	}
}
