package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

// State of the tool loop.
type State string

const (
	StateAwaitingModel         State = "awaiting_model"
	StateDispatchingTools      State = "dispatching_tools"
	StateAwaitingModelPostTool State = "awaiting_model_post_tool"
	StateDone                  State = "done"
	StateFailed                State = "failed"
)

// Model performs one model round over the conversation so far.
type Model interface {
	Call(ctx context.Context, messages []llm.Message, round int) (*llm.Response, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, messages []llm.Message, round int) (*llm.Response, error)

// Call implements Model.
func (f ModelFunc) Call(ctx context.Context, messages []llm.Message, round int) (*llm.Response, error) {
	return f(ctx, messages, round)
}

// Options bounds one loop.
type Options struct {
	// MaxRounds is the number of tool dispatch rounds allowed.
	MaxRounds int
	// Enabled lists the hosted tools the model may call.
	Enabled []string
}

// Result is the outcome of a finished loop.
type Result struct {
	State State
	// Response is the last model response.
	Response *llm.Response
	// Messages is the full conversation including assistant and tool turns.
	Messages []llm.Message
	// Executed are the hosted calls run by the gateway, with outputs.
	Executed []llm.ToolCall
	// Pending are custom tool calls returned to the caller unresolved.
	Pending []llm.ToolCall
	Rounds  int
	Usage   llm.Usage
}

// Orchestrator drives the model/tool loop.
type Orchestrator struct {
	registry *Registry
	tracer   trace.Tracer
}

// NewOrchestrator creates an orchestrator over the hosted tool registry.
func NewOrchestrator(registry *Registry) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Orchestrator{registry: registry, tracer: otel.Tracer("inference-gateway/tools")}
}

// Registry returns the hosted tool registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Run calls the model until it answers without tool calls, requests a custom
// tool, or exceeds opts.MaxRounds dispatch rounds (ToolLoopExceeded).
// On failure the partial Result is returned alongside the error.
func (o *Orchestrator) Run(ctx context.Context, model Model, messages []llm.Message, opts Options) (*Result, error) {
	res := &Result{State: StateAwaitingModel, Messages: slices.Clone(messages)}

	for {
		resp, err := model.Call(ctx, res.Messages, res.Rounds)
		if err != nil {
			res.State = StateFailed
			return res, err
		}
		res.Response = resp
		res.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			res.State = StateDone
			res.Messages = append(res.Messages, resp.AssistantMessage())
			return res, nil
		}

		if res.Rounds >= opts.MaxRounds {
			res.State = StateFailed
			return res, apierr.New(apierr.ToolLoopExceeded,
				"model kept requesting tools after %d rounds", opts.MaxRounds)
		}

		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = fmt.Sprintf("call_%d_%d", res.Rounds, i)
			}
			calls[i] = tc
		}
		resp.ToolCalls = calls

		var hosted, custom []llm.ToolCall
		for _, tc := range calls {
			if tc.IsHosted() {
				hosted = append(hosted, tc)
			} else {
				custom = append(custom, tc)
			}
		}

		res.State = StateDispatchingTools
		res.Rounds++
		res.Messages = append(res.Messages, resp.AssistantMessage())

		resolved, err := o.dispatch(ctx, hosted, opts.Enabled, res.Rounds)
		if err != nil {
			res.State = StateFailed
			return res, err
		}
		res.Executed = append(res.Executed, resolved...)
		for _, tc := range resolved {
			res.Messages = append(res.Messages, llm.Message{
				Role:    llm.RoleTool,
				Content: []llm.ContentPart{llm.ToolResultPart(tc)},
			})
		}

		if len(custom) > 0 {
			res.State = StateDone
			res.Pending = custom
			return res, nil
		}
		res.State = StateAwaitingModelPostTool
	}
}

// dispatch runs hosted calls concurrently. Tool failures become tool errors
// for the model; only cancellation aborts the round.
func (o *Orchestrator) dispatch(ctx context.Context, calls []llm.ToolCall, enabled []string, round int) ([]llm.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	ctx, span := o.tracer.Start(ctx, "tools.dispatch", trace.WithAttributes(
		attribute.Int("tools.round", round),
		attribute.Int("tools.count", len(calls)),
	))
	defer span.End()

	out := make([]llm.ToolCall, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			out[i] = o.execute(gctx, tc, enabled)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, apierr.Classify(err)
	}
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, tc llm.ToolCall, enabled []string) llm.ToolCall {
	logger := log.With().Str("tool", tc.Name).Str("tool_call_id", tc.ID).Logger()

	if !slices.Contains(enabled, tc.Name) {
		tc.Error = fmt.Sprintf("tool %s is not enabled", tc.Name)
		return tc
	}
	exec, ok := o.registry.Get(tc.Name)
	if !ok {
		tc.Error = fmt.Sprintf("unknown tool %s", tc.Name)
		return tc
	}

	input := tc.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	output, err := exec.Execute(ctx, input)
	if err != nil {
		logger.Warn().Err(err).Msg("hosted tool failed")
		tc.Error = err.Error()
		return tc
	}
	logger.Debug().Int("output_bytes", len(output)).Msg("hosted tool executed")
	tc.Output = output
	return tc
}
