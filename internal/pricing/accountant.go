package pricing

import (
	"context"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// EstimateEncoding is the tokenizer used for local estimates.
const EstimateEncoding = "cl100k_base"

// costPrecision rounds costs to a millionth of a dollar.
const costPrecision = 1e6

// TokenCounter counts the tokens of a text.
type TokenCounter func(text string) int

// Input is what the accountant needs to price one run.
type Input struct {
	Model      string
	Prompt     []llm.Message
	Completion string
	ToolCalls  []llm.ToolCall
	// Usage as reported by the provider, summed over every upstream call. May be nil.
	Usage    *llm.Usage
	Started  time.Time
	Finished time.Time
}

// Result is the accounted cost of one run.
type Result struct {
	Usage           llm.Usage
	CostUSD         float64
	DurationSeconds float64
	// Estimated is set when any token count came from the local tokenizer.
	Estimated bool
	// Priced is false when the model has no pricing entry; CostUSD is then 0.
	Priced bool
}

// Accountant computes cost and duration.
type Accountant struct {
	table Table

	countOnce sync.Once
	count     TokenCounter
}

// AccountantOption configures an Accountant.
type AccountantOption func(*Accountant)

// WithTokenCounter replaces the tiktoken estimate.
func WithTokenCounter(fn TokenCounter) AccountantOption {
	return func(a *Accountant) { a.count = fn }
}

// NewAccountant creates an accountant over table.
func NewAccountant(table Table, opts ...AccountantOption) *Accountant {
	a := &Accountant{table: table}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Account prices a run.
func (a *Accountant) Account(ctx context.Context, in Input) Result {
	res := Result{DurationSeconds: Duration(in.Started, in.Finished)}

	if in.Usage != nil {
		res.Usage = *in.Usage
	}
	if in.Usage == nil || res.Usage.InputTokens == 0 && hasPrompt(in.Prompt) {
		res.Usage.InputTokens = a.estimatePrompt(in.Prompt)
		res.Estimated = true
	}
	if in.Usage == nil || res.Usage.OutputTokens == 0 && (in.Completion != "" || len(in.ToolCalls) > 0) {
		res.Usage.OutputTokens = a.estimateCompletion(in.Completion, in.ToolCalls)
		res.Estimated = true
	}

	entry, ok := a.lookup(ctx, in.Model)
	if !ok {
		log.Debug().Str("model", in.Model).Msg("no pricing entry, cost reported as 0")
		return res
	}
	res.Priced = true
	res.CostUSD = Cost(entry, res.Usage)
	return res
}

func (a *Accountant) lookup(ctx context.Context, model string) (Entry, bool) {
	if a.table == nil || model == "" {
		return Entry{}, false
	}
	return a.table.Lookup(ctx, model)
}

// Cost applies entry to usage, rounded to 1e-6 USD.
func Cost(entry Entry, usage llm.Usage) float64 {
	raw := float64(usage.InputTokens)*entry.InputCostPerToken + float64(usage.OutputTokens)*entry.OutputCostPerToken
	return math.Round(raw*costPrecision) / costPrecision
}

// Duration returns the wall-clock seconds between start and end, rounded to
// the millisecond. Zero times yield 0.
func Duration(start, end time.Time) float64 {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return math.Round(end.Sub(start).Seconds()*1000) / 1000
}

// =============================================================================
// ESTIMATES
// =============================================================================

// perMessageOverhead approximates the role and framing tokens of chat formats.
const perMessageOverhead = 4

func hasPrompt(msgs []llm.Message) bool {
	for _, m := range msgs {
		if len(m.Content) > 0 {
			return true
		}
	}
	return false
}

func (a *Accountant) estimatePrompt(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += perMessageOverhead
		for _, p := range m.Content {
			switch p.Type {
			case llm.PartText:
				n += a.tokens(p.Text)
			case llm.PartToolCall:
				n += a.tokens(p.ToolCall.Name) + a.tokens(string(p.ToolCall.Input))
			case llm.PartToolCallResult:
				n += a.tokens(string(p.ToolResult.Output)) + a.tokens(p.ToolResult.Error)
			}
		}
	}
	return n
}

func (a *Accountant) estimateCompletion(text string, calls []llm.ToolCall) int {
	n := a.tokens(text)
	for _, tc := range calls {
		n += a.tokens(tc.Name) + a.tokens(string(tc.Input))
	}
	return n
}

func (a *Accountant) tokens(text string) int {
	if text == "" {
		return 0
	}
	a.countOnce.Do(func() {
		if a.count == nil {
			a.count = loadTiktoken()
		}
	})
	return a.count(text)
}

func loadTiktoken() TokenCounter {
	enc, err := tiktoken.GetEncoding(EstimateEncoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", EstimateEncoding).Msg("tokenizer unavailable, estimating from rune count")
		return RuneEstimate
	}
	return func(text string) int { return len(enc.Encode(text, nil, nil)) }
}

// RuneEstimate approximates tokens as one per four runes, rounded up.
func RuneEstimate(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
