package gateway

import (
	"context"
	"fmt"

	"github.com/workflowai/inference-gateway/internal/runner"
)

// Complete runs one chat request in-process, without the HTTP layer. When
// req.Stream is set, onChunk receives each chunk as it is produced; the
// returned response is always the full completion.
func (g *Gateway) Complete(ctx context.Context, req *ChatRequest, onChunk func(*ChatResponse)) (*ChatResponse, error) {
	rr, err := g.toRunRequest(req)
	if err != nil {
		return nil, err
	}
	var emit runner.EmitFunc
	if rr.Stream && onChunk != nil {
		chunks := newChunker(req.Model, rr.ValidJSON)
		emit = func(ev runner.Event) {
			if c := chunks.event(ev); c != nil {
				onChunk(c)
			}
		}
	}
	run, err := g.runner.Execute(ctx, rr, emit)
	if err != nil {
		if id := runID(run); id != "" {
			return nil, fmt.Errorf("run %s: %w", id, err)
		}
		return nil, err
	}
	return newChatResponse(run), nil
}
