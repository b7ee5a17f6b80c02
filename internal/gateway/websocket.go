package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/monitoring"
	"github.com/workflowai/inference-gateway/internal/runner"
)

// handleWebSocket serves GET /v1/chat/completions/ws.
//
// The client sends one chat request frame. The server answers with chunk
// frames, then a final chunk (or an error frame) and closes. Closing the
// socket early cancels the run.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(g.opts.MaxBodyBytes)

	ctx := r.Context()
	requestID := monitoring.RequestIDFromContext(ctx)

	var req ChatRequest
	if err := wsjson.Read(ctx, c, &req); err != nil {
		c.Close(websocket.StatusInvalidFramePayloadData, "expected a chat completion request")
		return
	}
	req.Stream = true
	rr, err := g.toRunRequest(&req)
	if err != nil {
		g.alerts.FlagInvalidRequest(requestID, apierr.Classify(err).Message)
		_ = wsjson.Write(ctx, c, newErrorResponse(apierr.Classify(err), ""))
		c.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	// Reads stop here; a client close cancels runCtx.
	runCtx := c.CloseRead(ctx)

	events := 0
	chunks := newChunker(req.Model, rr.ValidJSON)
	emit := func(ev runner.Event) {
		if chunk := chunks.event(ev); chunk != nil {
			if err := wsjson.Write(runCtx, c, chunk); err == nil {
				events++
			}
		}
	}

	run, err := g.runner.Execute(runCtx, rr, emit)
	g.reportRun(requestID, run, err)
	g.requestLogger.LogStream(&monitoring.StreamInfo{
		RequestID: requestID,
		RunID:     runID(run),
		Transport: "ws",
		Events:    events,
		Failed:    err != nil,
	})
	if err != nil {
		_ = wsjson.Write(runCtx, c, newErrorResponse(apierr.Classify(err), runID(run)))
		c.Close(websocket.StatusInternalError, "run failed")
		return
	}
	if err := wsjson.Write(runCtx, c, chunks.final(run)); err != nil {
		return
	}
	c.Close(websocket.StatusNormalClosure, "")
}
