// Package runner executes runs end to end.
//
// DESIGN: The Runner is the root component. It owns no provider knowledge;
// every step is delegated to an injected collaborator:
//
// FLOW:
//  1. Create the run record (pending) and apply the wall-clock budget
//  2. Load the replied-to run, if any, and resolve the version
//  3. Pick the target (catalog) and compile messages for its capabilities
//  4. Cache.Do with the request fingerprint; on a miss:
//     a. Tool orchestrator loops model rounds, each round is one
//     dispatcher call drained through a stream Reassembler
//     b. Accountant prices the usage
//  5. Finalize the run exactly once, persist it, hand it to the sink
//
// A run is never left non-terminal: every error path goes through fail.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/workflowai/inference-gateway/internal/adapters"
	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/cache"
	"github.com/workflowai/inference-gateway/internal/compiler"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/pricing"
	"github.com/workflowai/inference-gateway/internal/runs"
	"github.com/workflowai/inference-gateway/internal/stream"
	"github.com/workflowai/inference-gateway/internal/tools"
	"github.com/workflowai/inference-gateway/internal/versions"
)

// DefaultAgentID groups runs that carry no agent id.
const DefaultAgentID = "default"

// Request is one run request.
type Request struct {
	AgentID   string
	Reference versions.Reference
	// ModelOverride replaces the resolved version's model (comparisons).
	ModelOverride string
	// Input is the structured input rendered into the version's template.
	Input json.RawMessage
	// Messages continue the conversation after the compiled prefix.
	Messages     []llm.Message
	ReplyToRunID string
	UseCache     cache.Policy
	Stream       bool
	// ValidJSON makes streamed structured output arrive as JSON snapshots.
	ValidJSON bool
	Metadata  map[string]string
}

// Event is a streamed increment of a run.
type Event struct {
	RunID    string
	Kind     stream.Kind
	Delta    string
	Snapshot json.RawMessage
	Round    int
}

// EmitFunc receives streamed events. It is called from the run goroutine.
type EmitFunc func(Event)

// Sink receives every terminal run exactly once.
type Sink interface {
	RecordRun(ctx context.Context, run *runs.Run)
}

// Metrics receives per-run counters.
type Metrics interface {
	RecordRun(status runs.Status, cacheHit bool, duration time.Duration)
	RecordUpstream(target string, err error)
	RecordToolRounds(n int)
}

// Config bounds runs.
type Config struct {
	// MaxDuration is the wall-clock budget of a run; 0 disables it.
	MaxDuration time.Duration
	// MaxToolRounds applies to versions that do not set their own.
	MaxToolRounds int
}

// Deps are the runner's collaborators. Sink and Metrics may be nil.
type Deps struct {
	Repository versions.Repository
	Compiler   *compiler.Compiler
	Catalog    *adapters.Catalog
	Dispatcher *adapters.Dispatcher
	Tools      *tools.Orchestrator
	Cache      *cache.Cache
	Accountant *pricing.Accountant
	Runs       runs.Store
	Sink       Sink
	Metrics    Metrics
}

// Runner executes runs.
type Runner struct {
	deps     Deps
	resolver *versions.Resolver
	cfg      Config

	tracer   trace.Tracer
	runCount metric.Int64Counter
	duration metric.Float64Histogram
	costSum  metric.Float64Counter
}

// New creates a runner.
func New(deps Deps, cfg Config) *Runner {
	if deps.Compiler == nil {
		deps.Compiler = compiler.New()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewOrchestrator(nil)
	}
	if deps.Catalog == nil {
		deps.Catalog = adapters.NewCatalog(nil)
	}
	r := &Runner{
		deps:     deps,
		resolver: versions.NewResolver(deps.Repository),
		cfg:      cfg,
		tracer:   otel.Tracer("inference-gateway/runner"),
	}

	meter := otel.GetMeterProvider().Meter("inference-gateway/runner")
	// Instrument creation only fails on invalid names; nil instruments are skipped.
	r.runCount, _ = meter.Int64Counter("gateway.runs", metric.WithDescription("Completed runs"))
	r.duration, _ = meter.Float64Histogram("gateway.run.duration",
		metric.WithDescription("Run wall-clock duration"), metric.WithUnit("s"))
	r.costSum, _ = meter.Float64Counter("gateway.run.cost", metric.WithDescription("Run cost"), metric.WithUnit("USD"))
	return r
}

// Runs returns the run store.
func (r *Runner) Runs() runs.Store { return r.deps.Runs }

// Repository returns the version repository.
func (r *Runner) Repository() versions.Repository { return r.deps.Repository }

// Catalog returns the model catalog.
func (r *Runner) Catalog() *adapters.Catalog { return r.deps.Catalog }

// =============================================================================
// EXECUTE
// =============================================================================

// prepared is everything resolved before the cache is consulted.
type prepared struct {
	version  *versions.Version
	target   adapters.Target
	compiled *compiler.Compiled
	params   llm.Params
	key      cache.Key
	// compileFor recompiles for another target (the fallback).
	compileFor func(adapters.Target) (*compiler.Compiled, error)
}

// execution tracks the leader path of one run.
type execution struct {
	mu         sync.Mutex
	partial    strings.Builder
	reasoning  strings.Builder
	dispatched time.Time
	used       adapters.Target
	reported   bool
	started    bool
	warnings   []string
	// charged is the accounting of a run that failed after upstream calls.
	charged *pricing.Result
}

func (e *execution) warn(warnings []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range warnings {
		if !slices.Contains(e.warnings, w) {
			e.warnings = append(e.warnings, w)
		}
	}
}

func (e *execution) write(ev stream.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch ev.Kind {
	case stream.KindText:
		e.partial.WriteString(ev.Delta)
	case stream.KindReasoning:
		e.reasoning.WriteString(ev.Delta)
	}
}

// Execute runs req to a terminal state. The returned run is always terminal
// when non-nil; on failure it is returned alongside the classified error.
func (r *Runner) Execute(ctx context.Context, req Request, emit EmitFunc) (*runs.Run, error) {
	started := time.Now()
	if req.AgentID == "" {
		req.AgentID = DefaultAgentID
	}
	if req.UseCache == "" {
		req.UseCache = cache.PolicyAuto
	}
	if emit == nil {
		emit = func(Event) {}
	}

	parent := ctx
	if r.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.MaxDuration)
		defer cancel()
	}

	run := runs.New(req.AgentID, "", req.ModelOverride)
	run.Input = req.Input
	run.Metadata = req.Metadata
	run.ReplyToRunID = req.ReplyToRunID

	ctx, span := r.tracer.Start(ctx, "runner.execute", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("agent_id", req.AgentID),
		attribute.String("use_cache", string(req.UseCache)),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()

	logger := log.With().Str("run_id", run.ID).Str("agent_id", req.AgentID).Logger()

	if err := r.deps.Runs.Create(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("failed to create run record")
	}

	p, err := r.prepare(ctx, &req)
	if err != nil {
		return r.fail(ctx, parent, run, err, runs.Outcome{}, started, span)
	}
	run.AgentID = req.AgentID
	run.VersionID = p.version.ID
	run.Model = p.version.ModelID
	span.SetAttributes(attribute.String("version_id", p.version.ID), attribute.String("target", p.target.String()))

	exec := &execution{}
	res, err := r.deps.Cache.Do(ctx, p.key, req.UseCache, p.version.EffectiveTemperature(),
		func(ctx context.Context) (*cache.Entry, bool, error) {
			return r.runUpstream(ctx, run, p, req, exec, emit)
		})
	if err != nil {
		exec.mu.Lock()
		partial := runs.Outcome{
			Output:    exec.partial.String(),
			Reasoning: exec.reasoning.String(),
			Warnings:  exec.warnings,
		}
		if c := exec.charged; c != nil {
			partial.Usage = &c.Usage
			partial.CostUSD = c.CostUSD
			partial.EstimatedCost = c.Estimated
		}
		exec.mu.Unlock()
		return r.fail(ctx, parent, run, err, partial, started, span)
	}

	entry := res.Entry
	outcome := runs.Outcome{
		Output:           entry.Output,
		Parsed:           entry.Parsed,
		Reasoning:        entry.Reasoning,
		ToolCallRequests: entry.ToolCallRequests,
		Usage:            entry.Usage,
		Warnings:         entry.Warnings,
		CacheHit:         res.Hit,
	}
	if res.Hit {
		// Served without an upstream call: nothing was spent.
		outcome.DurationSeconds = pricing.Duration(started, time.Now())
		outcome.Messages = append(slices.Clone(p.compiled.Messages), assistantMessage(entry))
		replay(run.ID, entry, req.ValidJSON, emit)
	} else {
		outcome.CostUSD = entry.CostUSD
		outcome.DurationSeconds = entry.DurationSeconds
		outcome.EstimatedCost = run.EstimatedCost
		outcome.Messages = run.Messages
		outcome.ToolCalls = run.ToolCalls
	}

	if err := run.Succeed(outcome); err != nil {
		logger.Error().Err(err).Msg("run finalized twice")
	}
	r.finish(parent, run, started)
	if len(run.Warnings) > 0 {
		logger.Warn().Strs("warnings", run.Warnings).Msg("upstream adjusted the request")
	}
	logger.Info().
		Str("status", string(run.Status)).
		Bool("cache_hit", run.CacheHit).
		Float64("cost_usd", outcome.CostUSD).
		Float64("duration_seconds", outcome.DurationSeconds).
		Msg("run completed")
	return run, nil
}

// prepare resolves the version, the target and the compiled messages.
func (r *Runner) prepare(ctx context.Context, req *Request) (*prepared, error) {
	var prefix []llm.Message
	if req.ReplyToRunID != "" {
		prior, err := r.deps.Runs.Get(ctx, req.ReplyToRunID)
		if err != nil {
			return nil, err
		}
		if prior.Status != runs.StatusSuccess {
			return nil, apierr.New(apierr.InvalidRequest, "run %q is %s; only successful runs can be replied to", prior.ID, prior.Status)
		}
		if req.Reference == (versions.Reference{}) {
			req.Reference = versions.Reference{VersionID: prior.VersionID}
		}
		if req.AgentID == DefaultAgentID && prior.AgentID != "" {
			req.AgentID = prior.AgentID
		}
		prefix = prior.Messages
		req.Messages = nameToolResults(prefix, req.Messages)
	}

	v, err := r.resolver.Resolve(ctx, req.AgentID, req.Reference)
	if err != nil {
		return nil, err
	}
	if req.ModelOverride != "" && req.ModelOverride != v.ModelID {
		cp := *v
		cp.ID, cp.SchemaID, cp.CreatedAt = "", 0, time.Time{}
		cp.ModelID, cp.ProviderHint = req.ModelOverride, ""
		cp.ID = cp.ComputeID()
		v = &cp
	}
	if req.Reference.Inline != nil || req.ModelOverride != "" {
		saved, err := r.deps.Repository.Save(ctx, v)
		if err != nil {
			return nil, apierr.Wrap(apierr.Internal, err, "failed to save version")
		}
		v = saved
	}

	target, err := r.deps.Catalog.Resolve(v.ModelID, v.ProviderHint)
	if err != nil {
		return nil, err
	}
	adapter, err := r.deps.Dispatcher.Adapter(target.Provider)
	if err != nil {
		return nil, err
	}
	caps := r.deps.Catalog.Capabilities(adapter, target, v.ModelID)

	cv, input := v, compiler.Input{Variables: req.Input, Messages: req.Messages}
	if prefix != nil {
		// The prior conversation already carries the rendered prefix.
		tmp := *v
		tmp.Messages, tmp.Instructions, tmp.OutputSchema = prefix, "", nil
		cv, input.Variables = &tmp, nil
	}
	compiled, err := r.deps.Compiler.Compile(cv, input, caps)
	if err != nil {
		return nil, err
	}
	compileFor := func(t adapters.Target) (*compiler.Compiled, error) {
		a, err := r.deps.Dispatcher.Adapter(t.Provider)
		if err != nil {
			return nil, err
		}
		return r.deps.Compiler.Compile(cv, input, r.deps.Catalog.Capabilities(a, t, t.ModelID))
	}

	params := v.Params()
	params.Stream = req.Stream && caps.Streaming
	hosted, err := r.deps.Tools.Registry().Definitions(v.EnabledTools)
	if err != nil {
		return nil, err
	}
	params.Tools = append(append([]llm.ToolDefinition(nil), v.Tools...), hosted...)

	caller := append(append([]llm.Message(nil), prefix...), req.Messages...)
	key := cache.Fingerprint(cache.Request{
		VersionID:        v.ID,
		Model:            target.String(),
		Input:            req.Input,
		Messages:         caller,
		Temperature:      v.EffectiveTemperature(),
		TopP:             v.TopP,
		MaxTokens:        v.MaxTokens,
		PresencePenalty:  v.PresencePenalty,
		FrequencyPenalty: v.FrequencyPenalty,
		Stop:             v.Stop,
		ReasoningEffort:  v.ReasoningEffort,
		ToolChoice:       v.ToolChoice,
		EnabledTools:     v.EnabledTools,
		Tools:            v.Tools,
	})

	return &prepared{version: v, target: target, compiled: compiled, params: params, key: key, compileFor: compileFor}, nil
}

// runUpstream is the cache-miss path. It fills run with the conversation and
// tool calls; the entry carries everything the cache can replay.
func (r *Runner) runUpstream(ctx context.Context, run *runs.Run, p *prepared, req Request, exec *execution, emit EmitFunc) (*cache.Entry, bool, error) {
	validJSON := req.ValidJSON && len(p.version.OutputSchema) > 0

	model := tools.ModelFunc(func(ctx context.Context, msgs []llm.Message, round int) (*llm.Response, error) {
		exec.mu.Lock()
		if !exec.started {
			exec.started = true
			exec.dispatched = time.Now()
		}
		// Only the last round's text is the output.
		exec.partial.Reset()
		exec.mu.Unlock()

		if run.Status == runs.StatusPending {
			if err := run.Start(); err == nil {
				if err := r.deps.Runs.Update(ctx, run); err != nil {
					log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to mark run streaming")
				}
			}
		}

		// Earlier tool turns follow the compiled prefix unchanged.
		rebuild := func(fb adapters.Target) ([]llm.Message, error) {
			compiled, err := p.compileFor(fb)
			if err != nil {
				return nil, err
			}
			return append(compiled.Messages, msgs[len(p.compiled.Messages):]...), nil
		}
		src, used, err := r.deps.Dispatcher.ExecuteWith(ctx, p.target, msgs, p.params, rebuild)
		if r.deps.Metrics != nil {
			r.deps.Metrics.RecordUpstream(used.String(), err)
		}
		if err != nil {
			return nil, err
		}
		defer src.Close()
		exec.mu.Lock()
		exec.used = used
		exec.mu.Unlock()

		re := stream.New(src, stream.Options{ValidJSON: validJSON})
		for {
			ev, err := re.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			exec.write(ev)
			switch ev.Kind {
			case stream.KindText, stream.KindReasoning, stream.KindSnapshot:
				emit(Event{RunID: run.ID, Kind: ev.Kind, Delta: ev.Delta, Snapshot: ev.Snapshot, Round: round})
			}
		}
		resp := re.Response()
		exec.warn(resp.Warnings)
		if resp.Usage != nil {
			exec.mu.Lock()
			exec.reported = true
			exec.mu.Unlock()
		}
		return resp, nil
	})

	rounds := p.version.MaxToolRounds
	if rounds <= 0 {
		rounds = r.cfg.MaxToolRounds
	}
	if rounds <= 0 {
		rounds = versions.DefaultMaxToolRounds
	}

	res, err := r.deps.Tools.Run(ctx, model, p.compiled.Messages, tools.Options{MaxRounds: rounds, Enabled: p.version.EnabledTools})
	if r.deps.Metrics != nil && res != nil {
		r.deps.Metrics.RecordToolRounds(res.Rounds)
	}
	if err != nil {
		if res != nil && res.Response != nil {
			exec.charge(r.account(ctx, p, exec, res))
		}
		return nil, false, err
	}

	resp := res.Response
	if resp.FinishReason == llm.FinishFiltered {
		exec.charge(r.account(ctx, p, exec, res))
		return nil, false, apierr.New(apierr.ContentFiltered,
			"%s declined to answer under its content policy", exec.target().Provider)
	}

	run.Messages = res.Messages
	run.ToolCalls = res.Executed

	entry := &cache.Entry{
		RunID:            run.ID,
		Output:           resp.Text,
		Reasoning:        resp.Reasoning,
		ToolCallRequests: res.Pending,
	}
	if len(p.version.OutputSchema) > 0 && len(res.Pending) == 0 {
		parsed, err := stream.ParseOutput(resp.Text)
		if err != nil {
			exec.charge(r.account(ctx, p, exec, res))
			return nil, false, apierr.Wrap(apierr.FailedGeneration, err, "model output is not valid JSON")
		}
		entry.Parsed = parsed
	}

	acct := r.account(ctx, p, exec, res)
	entry.Usage = &acct.Usage
	entry.CostUSD = acct.CostUSD
	entry.DurationSeconds = acct.DurationSeconds
	exec.mu.Lock()
	entry.Warnings = slices.Clone(exec.warnings)
	exec.mu.Unlock()
	run.EstimatedCost = acct.Estimated

	// Runs with side-effecting hosted tools are never replayed.
	return entry, len(res.Executed) == 0, nil
}

func (e *execution) target() adapters.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

func (e *execution) charge(acct pricing.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.charged = &acct
}

// account prices every upstream call of res. Provider usage is used when any
// round reported it; otherwise tokens are estimated locally.
func (r *Runner) account(ctx context.Context, p *prepared, exec *execution, res *tools.Result) pricing.Result {
	exec.mu.Lock()
	var usage *llm.Usage
	if exec.reported {
		u := res.Usage
		usage = &u
	}
	priced := exec.used
	dispatched := exec.dispatched
	exec.mu.Unlock()

	var completion string
	if res.Response != nil {
		completion = res.Response.Text
	}
	return r.deps.Accountant.Account(context.WithoutCancel(ctx), pricing.Input{
		Model:      priced.String(),
		Prompt:     p.compiled.Messages,
		Completion: completion,
		ToolCalls:  res.Pending,
		Usage:      usage,
		Started:    dispatched,
		Finished:   time.Now(),
	})
}

// fail finalizes run as failed. Context errors are reclassified as
// cancellation or timeout depending on which context ended.
func (r *Runner) fail(ctx, parent context.Context, run *runs.Run, err error, partial runs.Outcome, started time.Time, span trace.Span) (*runs.Run, error) {
	if ctx.Err() != nil {
		kind := apierr.RunTimeout
		msg := "run exceeded its time budget"
		if parent.Err() != nil {
			kind, msg = apierr.ClientCancelled, "client disconnected"
		}
		if apierr.KindOf(err) != kind {
			err = apierr.Wrap(kind, err, msg)
		}
	}
	classified := apierr.Classify(err)
	partial.DurationSeconds = pricing.Duration(started, time.Now())
	if ferr := run.Fail(classified, partial); ferr != nil {
		log.Error().Err(ferr).Str("run_id", run.ID).Msg("run finalized twice")
	}
	span.RecordError(classified)
	span.SetStatus(codes.Error, string(classified.Kind))
	r.finish(parent, run, started)

	log.Warn().
		Str("run_id", run.ID).
		Str("kind", string(classified.Kind)).
		Str("error", classified.Message).
		Msg("run failed")
	return run, classified
}

// finish persists the terminal run and reports it. Writes use a context
// detached from cancellation so cancelled runs are still recorded.
func (r *Runner) finish(ctx context.Context, run *runs.Run, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	if err := r.deps.Runs.Update(ctx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist run")
	}
	if r.deps.Sink != nil {
		r.deps.Sink.RecordRun(ctx, run)
	}

	elapsed := time.Since(started)
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordRun(run.Status, run.CacheHit, elapsed)
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(run.Status)),
		attribute.Bool("cache_hit", run.CacheHit),
	)
	if r.runCount != nil {
		r.runCount.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if r.costSum != nil && run.CostUSD != nil {
		r.costSum.Add(ctx, *run.CostUSD, attrs)
	}
}

func assistantMessage(e *cache.Entry) llm.Message {
	resp := llm.Response{Text: e.Output, ToolCalls: e.ToolCallRequests}
	return resp.AssistantMessage()
}

// replay streams a cached entry as if it had been generated.
func replay(runID string, e *cache.Entry, validJSON bool, emit EmitFunc) {
	if e.Reasoning != "" {
		emit(Event{RunID: runID, Kind: stream.KindReasoning, Delta: e.Reasoning})
	}
	if validJSON && len(e.Parsed) > 0 {
		emit(Event{RunID: runID, Kind: stream.KindSnapshot, Snapshot: e.Parsed})
		return
	}
	if e.Output != "" {
		emit(Event{RunID: runID, Kind: stream.KindText, Delta: e.Output})
	}
}

// nameToolResults fills missing function names on tool results from the
// prior tool calls they answer. Some providers require the name.
func nameToolResults(history, msgs []llm.Message) []llm.Message {
	names := map[string]string{}
	for _, m := range history {
		for _, tc := range m.ToolCalls() {
			names[tc.ID] = tc.Name
		}
	}
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		copied := false
		for j, p := range m.Content {
			if p.ToolResult == nil || p.ToolResult.Name != "" || names[p.ToolResult.ID] == "" {
				continue
			}
			if !copied {
				out[i].Content = append([]llm.ContentPart(nil), m.Content...)
				copied = true
			}
			res := *p.ToolResult
			res.Name = names[res.ID]
			out[i].Content[j].ToolResult = &res
		}
	}
	return out
}
