// Dispatcher wraps adapters with retry and model fallback.
//
// DESIGN: Only errors raised before the first chunk are retried; once a
// stream has started, a failure is surfaced as is.
//   - ProviderRateLimited / ProviderUnavailable: jittered exponential backoff,
//     bounded attempts, Retry-After honored when larger than the backoff
//   - Other 4xx kinds: never retried
//   - ProviderUnavailable after retries: one attempt on the fallback target,
//     with messages rebuilt for the fallback's capabilities when a Rebuild
//     func is given
package adapters

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

// RetryConfig bounds upstream retries.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is used when no retry section is configured.
var DefaultRetryConfig = RetryConfig{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

// Target is a provider/model pair to execute against.
type Target struct {
	Provider Provider
	Model    string
	// ModelID is the catalog id the target came from, if any.
	ModelID  string
	Fallback *Target
}

// String renders the target as "provider/model".
func (t Target) String() string { return fmt.Sprintf("%s/%s", t.Provider, t.Model) }

// Dispatcher resolves targets to adapters and executes with retries.
type Dispatcher struct {
	registry *Registry
	retry    RetryConfig
	// OnAttempt is called for every upstream attempt (metrics hook).
	OnAttempt func(target Target, err error)
}

// NewDispatcher creates a dispatcher over a registry.
func NewDispatcher(registry *Registry, retry RetryConfig) *Dispatcher {
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetryConfig.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	return &Dispatcher{registry: registry, retry: retry}
}

// Adapter returns the adapter for a provider.
func (d *Dispatcher) Adapter(p Provider) (Adapter, error) {
	a := d.registry.Get(p)
	if a == nil {
		return nil, apierr.New(apierr.InvalidRequest, "provider %q is not configured", p)
	}
	return a, nil
}

// Rebuild returns the messages to send to a fallback target.
type Rebuild func(target Target) ([]llm.Message, error)

// Execute runs the call against target, retrying transient failures and
// falling back once when the provider stays unavailable.
func (d *Dispatcher) Execute(ctx context.Context, target Target, messages []llm.Message, params llm.Params) (Stream, Target, error) {
	return d.ExecuteWith(ctx, target, messages, params, nil)
}

// ExecuteWith is Execute with a rebuild hook for the fallback attempt. A nil
// rebuild sends the fallback the same messages.
func (d *Dispatcher) ExecuteWith(ctx context.Context, target Target, messages []llm.Message, params llm.Params, rebuild Rebuild) (Stream, Target, error) {
	stream, err := d.executeWithRetry(ctx, target, messages, params)
	if err == nil {
		return stream, target, nil
	}
	if target.Fallback == nil || !apierr.Is(err, apierr.ProviderUnavailable) || ctx.Err() != nil {
		return nil, target, err
	}

	fb := *target.Fallback
	log.Warn().
		Str("target", target.String()).
		Str("fallback", fb.String()).
		Err(err).
		Msg("provider unavailable, using fallback model")
	if rebuild != nil {
		if messages, err = rebuild(fb); err != nil {
			return nil, fb, err
		}
	}
	stream, err = d.executeOnce(ctx, fb, messages, params)
	return stream, fb, err
}

func (d *Dispatcher) executeWithRetry(ctx context.Context, target Target, messages []llm.Message, params llm.Params) (Stream, error) {
	delay := d.retry.BaseDelay
	var err error
	for attempt := range d.retry.MaxRetries + 1 {
		var stream Stream
		stream, err = d.executeOnce(ctx, target, messages, params)
		if err == nil || !apierr.Retryable(err) {
			return stream, err
		}
		if attempt == d.retry.MaxRetries {
			break
		}
		wait := delay
		if delay > 0 {
			wait += rand.N(delay) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		if e, ok := apierr.As(err); ok && e.RetryAfter > wait {
			wait = e.RetryAfter
		}
		wait = min(wait, d.retry.MaxDelay)
		log.Debug().
			Str("target", target.String()).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Err(err).
			Msg("retrying upstream call")
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.KindOf(ctx.Err()), ctx.Err(), "run aborted while waiting to retry")
		case <-time.After(wait):
		}
		delay = nextDelay(delay, d.retry.MaxDelay)
	}
	return nil, err
}

// nextDelay doubles delay without exceeding limit or overflowing.
func nextDelay(delay, limit time.Duration) time.Duration {
	if delay >= limit/2 {
		return limit
	}
	return delay * 2
}

func (d *Dispatcher) executeOnce(ctx context.Context, target Target, messages []llm.Message, params llm.Params) (Stream, error) {
	adapter, err := d.Adapter(target.Provider)
	if err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer("gateway/adapters").Start(ctx, "adapter.execute")
	span.SetAttributes(
		attribute.String("provider", string(target.Provider)),
		attribute.String("model", target.Model),
		attribute.Bool("stream", params.Stream),
	)
	defer span.End()

	params.Model = target.Model
	stream, err := adapter.Execute(ctx, messages, params)
	if d.OnAttempt != nil {
		d.OnAttempt(target, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apierr.KindOf(err)))
		return nil, err
	}
	return stream, nil
}
