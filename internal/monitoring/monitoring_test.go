package monitoring

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/runs"
)

func succeededRun(t *testing.T, cost float64) *runs.Run {
	t.Helper()
	run := runs.New("translator", "v1", "gpt-4o-mini")
	require.NoError(t, run.Succeed(runs.Outcome{
		Output:          "bonjour",
		Usage:           &llm.Usage{InputTokens: 1000, OutputTokens: 500},
		CostUSD:         cost,
		DurationSeconds: 1.5,
	}))
	return run
}

func TestTracker_RecordRunWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.jsonl")
	tr, err := NewTracker(TelemetryConfig{Enabled: true, LogPath: path})
	require.NoError(t, err)

	ctx := WithRequestIDContext(context.Background(), "req-1")
	tr.RecordRun(ctx, succeededRun(t, 0.002))

	failed := runs.New("translator", "v1", "gpt-4o-mini")
	require.NoError(t, failed.Fail(apierr.New(apierr.ProviderUnavailable, "down"), runs.Outcome{}))
	tr.RecordRun(ctx, failed)
	require.NoError(t, tr.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []RunEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev RunEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)

	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, runs.StatusSuccess, events[0].Status)
	assert.Equal(t, 1000, events[0].InputTokens)
	assert.InDelta(t, 0.002, events[0].CostUSD, 1e-12)
	assert.InDelta(t, 1.5, events[0].DurationSeconds, 1e-12)

	assert.Equal(t, runs.StatusFailed, events[1].Status)
	assert.Equal(t, string(apierr.ProviderUnavailable), events[1].ErrorKind)
}

func TestTracker_DisabledWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	tr, err := NewTracker(TelemetryConfig{Enabled: false, LogPath: path})
	require.NoError(t, err)
	tr.RecordRun(context.Background(), succeededRun(t, 0))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordRequest(true, time.Millisecond)
	mc.RecordRequest(false, time.Millisecond)
	mc.RecordRun(runs.StatusSuccess, false, 1500*time.Millisecond)
	mc.RecordRun(runs.StatusSuccess, true, 10*time.Millisecond)
	mc.RecordRun(runs.StatusFailed, false, time.Second)
	mc.RecordUpstream("openai/gpt-4o", nil)
	mc.RecordUpstream("openai/gpt-4o", errors.New("boom"))
	mc.RecordToolRounds(2)

	s := mc.Stats()
	assert.Equal(t, int64(2), s["requests"])
	assert.Equal(t, int64(1), s["successes"])
	assert.Equal(t, int64(3), s["runs"])
	assert.Equal(t, int64(1), s["run_failures"])
	assert.Equal(t, int64(1), s["cache_hits"])
	assert.Equal(t, int64(1), s["cache_misses"])
	assert.Equal(t, int64(2), s["upstream_calls"])
	assert.Equal(t, int64(1), s["upstream_errors"])
	assert.Equal(t, int64(2), s["tool_rounds"])
	assert.Equal(t, int64(2510), s["run_millis"])
}

func TestAlertManager_FlagRun(t *testing.T) {
	var buf bytes.Buffer
	am := NewAlertManager(NewWithWriter(&buf, zerolog.WarnLevel), AlertConfig{HighCostThreshold: 0.001})

	am.FlagRun("req-1", succeededRun(t, 0.0005))
	assert.Empty(t, buf.String())

	am.FlagRun("req-2", succeededRun(t, 0.002))
	assert.Contains(t, buf.String(), `"message":"high_cost"`)

	buf.Reset()
	failed := runs.New("a", "v", "m")
	require.NoError(t, failed.Fail(apierr.New(apierr.TemplateVariableMissing, "missing text"), runs.Outcome{}))
	am.FlagRun("req-3", failed)
	assert.Empty(t, buf.String(), "caller errors are debug-level")

	failed = runs.New("a", "v", "m")
	require.NoError(t, failed.Fail(apierr.New(apierr.ProviderUnavailable, "down"), runs.Outcome{}))
	am.FlagRun("req-4", failed)
	assert.Contains(t, buf.String(), `"kind":"provider_unavailable"`)
}

func TestAlertManager_HighLatency(t *testing.T) {
	var buf bytes.Buffer
	am := NewAlertManager(NewWithWriter(&buf, zerolog.DebugLevel), AlertConfig{HighLatencyThreshold: time.Second})
	am.FlagHighLatency("r", 10*time.Millisecond, "/v1/chat/completions")
	assert.Empty(t, buf.String())
	am.FlagHighLatency("r", 2*time.Second, "/v1/chat/completions")
	assert.Contains(t, buf.String(), "high_latency")
}

func TestInitOTel_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitOTel(context.Background(), OTelConfig{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartDebugAgent(t *testing.T) {
	stop, err := StartDebugAgent(DebugConfig{})
	require.NoError(t, err)
	require.NoError(t, stop())

	stop, err = StartDebugAgent(DebugConfig{Addr: "127.0.0.1:0", ConfigDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, stop())
}
