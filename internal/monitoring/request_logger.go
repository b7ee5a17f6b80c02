// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:  Request received from client
//   - LogRun:       Run resolved for the request (agent, version, model)
//   - LogStream:    Streaming transport closed (events sent, how it ended)
//   - LogResponse:  Response sent to client
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// RunInfo describes how a request was mapped to a run.
type RunInfo struct {
	RequestID string
	AgentID   string
	Reference string
	Model     string
	Stream    bool
	UseCache  string
}

// LogRun logs the run a request resolved to.
func (rl *RequestLogger) LogRun(info *RunInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("agent_id", info.AgentID).
		Str("reference", info.Reference).
		Str("model", info.Model).
		Bool("stream", info.Stream).
		Str("use_cache", info.UseCache).
		Msg("run")
}

// StreamInfo summarizes a finished streaming response.
type StreamInfo struct {
	RequestID string
	RunID     string
	Transport string // sse, ws
	Events    int
	Failed    bool
}

// LogStream logs the end of a streaming response.
func (rl *RequestLogger) LogStream(info *StreamInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("run_id", info.RunID).
		Str("transport", info.Transport).
		Int("events", info.Events).
		Bool("failed", info.Failed).
		Msg("stream_closed")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}
