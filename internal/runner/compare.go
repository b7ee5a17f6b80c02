package runner

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/runs"
)

// MaxCompareModels bounds one comparison.
const MaxCompareModels = 8

// Comparison is the outcome of one model in a comparison.
type Comparison struct {
	Index int
	Model string
	Run   *runs.Run
	Err   error
}

// Compare executes req once per model concurrently. onResult, if set, is
// called as each run completes (serialized). Results are returned in model
// order; individual failures are reported per model, not as an error.
func (r *Runner) Compare(ctx context.Context, req Request, models []string, onResult func(Comparison)) ([]Comparison, error) {
	if len(models) == 0 {
		return nil, apierr.New(apierr.InvalidRequest, "models must list at least one model")
	}
	if len(models) > MaxCompareModels {
		return nil, apierr.New(apierr.InvalidRequest, "at most %d models can be compared", MaxCompareModels)
	}
	req.Stream = false

	results := make([]Comparison, len(models))
	var mu sync.Mutex
	var g errgroup.Group
	for i, model := range models {
		g.Go(func() error {
			one := req
			one.ModelOverride = model
			run, err := r.Execute(ctx, one, nil)
			c := Comparison{Index: i, Model: model, Run: run, Err: err}
			results[i] = c
			if onResult != nil {
				mu.Lock()
				onResult(c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
