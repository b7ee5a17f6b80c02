// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes one RunEvent per terminal run as JSONL
// (one JSON object per line). It is the runner's Sink.
//
// Events are appended to the file immediately for real-time logging.
package monitoring

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/runs"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config   TelemetryConfig
	runsPath string
	runCount int
	mu       sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled {
		return t, nil
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
			return nil, err
		}
		t.runsPath = cfg.LogPath
		if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
			if f, err := os.Create(cfg.LogPath); err == nil {
				f.Close()
			}
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// RecordRun records a terminal run.
func (t *Tracker) RecordRun(ctx context.Context, run *runs.Run) {
	if !t.config.Enabled {
		return
	}
	t.RecordEvent(NewRunEvent(run, RequestIDFromContext(ctx)))
}

// RecordEvent records a prepared run event.
func (t *Tracker) RecordEvent(event *RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("run_id", event.RunID).
			Str("agent_id", event.AgentID).
			Str("status", string(event.Status)).
			Bool("cache_hit", event.CacheHit).
			Float64("cost_usd", event.CostUSD).
			Msg("telemetry")
	}

	if t.runsPath != "" {
		if err := appendJSONL(t.runsPath, event); err != nil {
			log.Error().Err(err).Str("path", t.runsPath).Msg("telemetry: failed to write run event")
		} else {
			t.runCount++
		}
	}
}

// Close logs a summary of the session.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runsPath != "" && t.runCount > 0 {
		log.Info().
			Str("path", t.runsPath).
			Int("events", t.runCount).
			Msg("telemetry: session complete")
	}

	return nil
}
