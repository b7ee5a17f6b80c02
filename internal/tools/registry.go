// Package tools runs the tool-calling loop between the model and hosted tools.
//
// DESIGN: Hosted tools ("@search-google", "@browser-text") execute inside the
// gateway through injected Executors. User-defined tools are never executed
// here: their call requests end the loop and are surfaced to the caller, who
// replies with results in a follow-up run.
//
// FILES:
//   - registry.go: Executor interface and hosted tool registry
//   - orchestrator.go: the model/tool state machine
//   - search.go: web search backend (Serper-compatible API)
//   - browser.go: page text extraction backend
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

// Executor runs one hosted tool.
type Executor interface {
	// Definition describes the tool; Name carries the "@" prefix.
	Definition() llm.ToolDefinition
	// Execute runs the tool. Returned errors are reported to the model as tool errors.
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Registry holds the hosted tools available to versions.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry with the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds or replaces an executor.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Definition().Name] = e
}

// Get returns the executor for a hosted tool name.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Names lists registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions of the enabled hosted tools.
func (r *Registry) Definitions(enabled []string) ([]llm.ToolDefinition, error) {
	defs := make([]llm.ToolDefinition, 0, len(enabled))
	for _, name := range enabled {
		e, ok := r.Get(name)
		if !ok {
			return nil, apierr.New(apierr.InvalidRequest, "unknown hosted tool %q", name)
		}
		defs = append(defs, e.Definition())
	}
	return defs, nil
}
