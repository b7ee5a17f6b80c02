// Package gateway is the HTTP surface of the inference gateway.
//
// DESIGN: Handlers translate the OpenAI-compatible wire format into
// runner.Request values and runs back into chat completion payloads. They
// hold no run logic of their own.
//
// FILES:
//   - gateway.go:    Gateway struct, server lifecycle, JSON/error helpers
//   - router.go:     Route table and middleware chain
//   - middleware.go: Panic recovery, rate limiting, logging, CORS
//   - types.go:      Wire types (requests, responses, chunks)
//   - model.go:      Model string forms (agent/version selectors)
//   - convert.go:    Wire <-> runner/llm conversion
//   - handlers.go:   Chat completions, compare, runs, versions, models
//   - complete.go:   In-process completion for the CLI
//   - sse.go:        Server-sent event writer
//   - websocket.go:  Websocket streaming transport
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/adapters"
	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/monitoring"
	"github.com/workflowai/inference-gateway/internal/runner"
)

const (
	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"
	// HeaderRunID is set on every completion response.
	HeaderRunID = "X-Run-ID"

	// MaxRateLimitBuckets bounds the per-IP limiter's memory.
	MaxRateLimitBuckets = 10000
	// DefaultMaxBodyBytes bounds request bodies when not configured.
	DefaultMaxBodyBytes = 32 << 20
)

// Options configure a Gateway.
type Options struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit int
	Version   string
}

// Gateway serves the HTTP API.
type Gateway struct {
	opts    Options
	runner  *runner.Runner
	catalog *adapters.Catalog

	logger        *monitoring.Logger
	requestLogger *monitoring.RequestLogger
	metrics       *monitoring.MetricsCollector
	alerts        *monitoring.AlertManager
	rateLimiter   *rateLimiter

	server *http.Server
}

// Monitoring bundles the observability collaborators. Nil fields get no-op defaults.
type Monitoring struct {
	Logger  *monitoring.Logger
	Metrics *monitoring.MetricsCollector
	Alerts  *monitoring.AlertManager
}

// New creates a gateway around r.
func New(r *runner.Runner, opts Options, mon Monitoring) *Gateway {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if mon.Logger == nil {
		mon.Logger = monitoring.Nop()
	}
	if mon.Metrics == nil {
		mon.Metrics = monitoring.NewMetricsCollector()
	}
	if mon.Alerts == nil {
		mon.Alerts = monitoring.NewAlertManager(mon.Logger, monitoring.AlertConfig{})
	}
	g := &Gateway{
		opts:          opts,
		runner:        r,
		catalog:       r.Catalog(),
		logger:        mon.Logger,
		requestLogger: monitoring.NewRequestLogger(mon.Logger),
		metrics:       mon.Metrics,
		alerts:        mon.Alerts,
	}
	if opts.RateLimit > 0 {
		g.rateLimiter = newRateLimiter(opts.RateLimit)
	}
	return g
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", g.opts.Port),
		Handler:      g.Handler(),
		ReadTimeout:  g.opts.ReadTimeout,
		WriteTimeout: g.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", g.opts.Port).Msg("gateway listening")
		errCh <- g.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.ShutdownTimeout)
	defer cancel()
	log.Info().Msg("gateway shutting down")
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

// writeError writes a plain error with an explicit status.
func (g *Gateway) writeError(w http.ResponseWriter, message string, status int) {
	g.writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Message: message,
		Type:    http.StatusText(status),
	}})
}

// writeAPIError maps a classified error onto its status.
func (g *Gateway) writeAPIError(w http.ResponseWriter, err error, runID string) {
	e := apierr.Classify(err)
	if e.Kind == apierr.ProviderRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(e.RetryAfter.Seconds()+0.5)))
	}
	g.writeJSON(w, apierr.HTTPStatus(e.Kind), newErrorResponse(e, runID))
}

func newErrorResponse(e *apierr.Error, runID string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{
		Message: e.Message,
		Type:    string(e.Kind),
		Code:    string(e.Kind),
		RunID:   runID,
	}}
}
