package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/monitoring"
	"github.com/workflowai/inference-gateway/internal/runner"
	"github.com/workflowai/inference-gateway/internal/runs"
	"github.com/workflowai/inference-gateway/internal/versions"
)

// decodeJSON decodes a request body, classifying failures as invalid requests.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierr.New(apierr.InvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return apierr.New(apierr.InvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

func runID(run *runs.Run) string {
	if run == nil {
		return ""
	}
	return run.ID
}

func describeReference(ref versions.Reference) string {
	switch {
	case ref.Inline != nil:
		return "inline"
	case ref.VersionID != "":
		return ref.VersionID
	case ref.Environment != "":
		return fmt.Sprintf("#%d/%s", ref.SchemaID, ref.Environment)
	}
	return ""
}

// reportRun feeds the alert manager after a run completes.
func (g *Gateway) reportRun(requestID string, run *runs.Run, err error) {
	if run != nil {
		g.alerts.FlagRun(requestID, run)
	}
	if err != nil {
		e := apierr.Classify(err)
		model := ""
		if run != nil {
			model = run.Model
		}
		g.alerts.FlagRunFailure(requestID, runID(run), model, e.Kind, e.Message)
	}
}

// prepareChat decodes and converts a chat request, answering errors itself.
func (g *Gateway) prepareChat(w http.ResponseWriter, r *http.Request, req *ChatRequest) (runner.Request, bool) {
	requestID := monitoring.RequestIDFromContext(r.Context())
	rr, err := g.toRunRequest(req)
	if err != nil {
		g.alerts.FlagInvalidRequest(requestID, apierr.Classify(err).Message)
		g.writeAPIError(w, err, "")
		return runner.Request{}, false
	}
	g.requestLogger.LogRun(&monitoring.RunInfo{
		RequestID: requestID,
		AgentID:   rr.AgentID,
		Reference: describeReference(rr.Reference),
		Model:     req.Model,
		Stream:    rr.Stream,
		UseCache:  string(rr.UseCache),
	})
	return rr, true
}

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeAPIError(w, err, "")
		return
	}
	rr, ok := g.prepareChat(w, r, &req)
	if !ok {
		return
	}
	if rr.Stream {
		g.streamCompletion(w, r, rr, req.Model)
		return
	}

	run, err := g.runner.Execute(r.Context(), rr, nil)
	g.reportRun(monitoring.RequestIDFromContext(r.Context()), run, err)
	if id := runID(run); id != "" {
		w.Header().Set(HeaderRunID, id)
	}
	if err != nil {
		g.writeAPIError(w, err, runID(run))
		return
	}
	g.writeJSON(w, http.StatusOK, newChatResponse(run))
}

func (g *Gateway) streamCompletion(w http.ResponseWriter, r *http.Request, rr runner.Request, model string) {
	sse := newSSEWriter(w)
	chunks := newChunker(model, rr.ValidJSON)
	emit := func(ev runner.Event) {
		if sse.runID == "" {
			sse.runID = ev.RunID
		}
		if c := chunks.event(ev); c != nil {
			sse.send(c)
		}
	}

	run, err := g.runner.Execute(r.Context(), rr, emit)
	requestID := monitoring.RequestIDFromContext(r.Context())
	g.reportRun(requestID, run, err)
	defer func() {
		g.requestLogger.LogStream(&monitoring.StreamInfo{
			RequestID: requestID,
			RunID:     runID(run),
			Transport: "sse",
			Events:    sse.events,
			Failed:    err != nil,
		})
	}()

	sse.runID = runID(run)
	if err != nil {
		if !sse.started {
			if sse.runID != "" {
				w.Header().Set(HeaderRunID, sse.runID)
			}
			g.writeAPIError(w, err, sse.runID)
			return
		}
		sse.send(newErrorResponse(apierr.Classify(err), sse.runID))
		return
	}
	sse.send(chunks.final(run))
	sse.done()
}

// handleCompare serves POST /v1/chat/completions/compare: one run per model.
func (g *Gateway) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeAPIError(w, err, "")
		return
	}
	if req.Model == "" && len(req.Models) > 0 {
		req.Model = req.Models[0]
	}
	rr, ok := g.prepareChat(w, r, &req.ChatRequest)
	if !ok {
		return
	}
	requestID := monitoring.RequestIDFromContext(r.Context())

	var (
		sse *sseWriter
		mu  sync.Mutex
	)
	if req.Stream {
		sse = newSSEWriter(w)
	}
	onResult := func(c runner.Comparison) {
		g.reportRun(requestID, c.Run, c.Err)
		if sse != nil {
			mu.Lock()
			sse.send(newCompareResult(c))
			mu.Unlock()
		}
	}

	results, err := g.runner.Compare(r.Context(), rr, req.Models, onResult)
	if err != nil {
		g.writeAPIError(w, err, "")
		return
	}
	if sse != nil {
		sse.done()
		return
	}
	out := CompareResponse{Results: make([]CompareResult, len(results))}
	for i, c := range results {
		out.Results[i] = newCompareResult(c)
	}
	g.writeJSON(w, http.StatusOK, out)
}

func newCompareResult(c runner.Comparison) CompareResult {
	res := CompareResult{Index: c.Index, Model: c.Model, RunID: runID(c.Run)}
	if c.Err != nil {
		e := newErrorResponse(apierr.Classify(c.Err), res.RunID).Error
		res.Error = &e
		return res
	}
	res.Response = newChatResponse(c.Run)
	return res
}

// handleGetRun serves GET /v1/runs/{run_id}.
func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := g.runner.Runs().Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		g.writeAPIError(w, err, "")
		return
	}
	g.writeJSON(w, http.StatusOK, run)
}

// handleSaveVersion serves POST /v1/agents/{agent_id}/versions.
func (g *Gateway) handleSaveVersion(w http.ResponseWriter, r *http.Request) {
	var v versions.Version
	if err := decodeJSON(r, &v); err != nil {
		g.writeAPIError(w, err, "")
		return
	}
	v.AgentID = r.PathValue("agent_id")
	if _, err := g.catalog.Resolve(v.ModelID, v.ProviderHint); err != nil {
		g.writeAPIError(w, err, "")
		return
	}
	saved, err := g.runner.Repository().Save(r.Context(), &v)
	if err != nil {
		g.writeAPIError(w, repositoryError(err, v.AgentID, v.ID), "")
		return
	}
	g.writeJSON(w, http.StatusCreated, saved)
}

// handleGetVersion serves GET /v1/agents/{agent_id}/versions/{version_id}.
func (g *Gateway) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	agentID, id := r.PathValue("agent_id"), r.PathValue("version_id")
	v, err := g.runner.Repository().Get(r.Context(), agentID, id)
	if err != nil {
		g.writeAPIError(w, repositoryError(err, agentID, id), "")
		return
	}
	g.writeJSON(w, http.StatusOK, v)
}

// repositoryError classifies repository sentinels.
func repositoryError(err error, agentID, versionID string) error {
	switch {
	case errors.Is(err, versions.ErrNotFound):
		return apierr.Wrap(apierr.VersionNotFound, err, fmt.Sprintf("version %q of agent %q not found", versionID, agentID))
	case errors.Is(err, versions.ErrConflict):
		return apierr.Wrap(apierr.InvalidRequest, err, "")
	}
	return err
}

// handleDeploy serves POST /v1/agents/{agent_id}/deployments.
func (g *Gateway) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		g.writeAPIError(w, err, "")
		return
	}
	env, err := versions.ParseEnvironment(req.Environment)
	if err != nil {
		g.writeAPIError(w, apierr.Wrap(apierr.InvalidRequest, err, ""), "")
		return
	}
	if req.VersionID == "" {
		g.writeAPIError(w, apierr.New(apierr.InvalidRequest, "version_id is required"), "")
		return
	}
	agentID := r.PathValue("agent_id")
	dep, err := g.runner.Repository().Deploy(r.Context(), agentID, env, req.VersionID)
	if err != nil {
		g.writeAPIError(w, repositoryError(err, agentID, req.VersionID), "")
		return
	}
	g.writeJSON(w, http.StatusOK, dep)
}

// handleModels serves GET /v1/models.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models := g.catalog.Models()
	out := ModelList{Object: "list", Data: make([]ModelInfo, len(models))}
	for i, m := range models {
		out.Data[i] = ModelInfo{
			ID:               m.ID,
			Object:           "model",
			OwnedBy:          string(m.Provider),
			DisplayName:      m.DisplayName,
			Upstream:         m.Upstream,
			Fallback:         m.Fallback,
			StructuredOutput: m.StructuredOutput,
		}
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleHealth serves GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": g.opts.Version,
		"stats":   g.metrics.Stats(),
	})
}
