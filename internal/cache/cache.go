// Package cache serves previously computed runs and collapses concurrent
// identical runs into one upstream call.
//
// DESIGN: Entries live in a store.Store keyed by fingerprint. In-flight runs
// are tracked in a reservation table (sync.Map); creating a reservation is a
// single LoadOrStore, so exactly one caller per key becomes the leader and
// the others wait for its result. Backend failures degrade the request to
// PolicyNever instead of failing it.
//
// FLOW (Do):
//
//	never            -> run
//	only             -> lookup, else CacheMiss
//	auto, temp != 0  -> run, store result
//	auto/always      -> lookup -> reserve -> [leader] lookup again, run, commit
//	                                      -> [waiter] wait, retry if leader failed
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/store"
)

// Entry is a cached run result. Only successful terminal runs are cached.
type Entry struct {
	Key              Key             `json:"key"`
	RunID            string          `json:"run_id"`
	Output           string          `json:"output"`
	Parsed           json.RawMessage `json:"parsed,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ToolCallRequests []llm.ToolCall  `json:"tool_call_requests,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
	Usage            *llm.Usage      `json:"usage,omitempty"`
	CostUSD          float64         `json:"cost_usd"`
	DurationSeconds  float64         `json:"duration_seconds"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at,omitzero"`
}

// errLeaderFailed tells waiters to retry the reservation.
var errLeaderFailed = errors.New("cache: leader did not produce a cacheable result")

// Stats are cumulative cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Collapsed int64 `json:"collapsed"`
	Errors    int64 `json:"errors"`
}

// Cache is the run cache.
type Cache struct {
	store    store.Store
	ttl      time.Duration
	inflight sync.Map // Key -> *call

	hits      atomic.Int64
	misses    atomic.Int64
	collapsed atomic.Int64
	failures  atomic.Int64
}

type call struct {
	done  chan struct{}
	once  sync.Once
	entry *Entry
	err   error
}

// New creates a cache over st. A zero ttl keeps entries until evicted by the store.
func New(st store.Store, ttl time.Duration) *Cache {
	return &Cache{store: st, ttl: ttl}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Collapsed: c.collapsed.Load(),
		Errors:    c.failures.Load(),
	}
}

// =============================================================================
// PRIMITIVES
// =============================================================================

// Lookup returns the entry for key, or nil on a miss. Errors are
// CacheUnavailable.
func (c *Cache) Lookup(ctx context.Context, key Key) (*Entry, error) {
	data, ok, err := c.store.Get(ctx, string(key))
	if err != nil {
		return nil, apierr.Wrap(apierr.CacheUnavailable, err, "cache lookup failed")
	}
	if !ok {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, apierr.Wrap(apierr.CacheUnavailable, err, "corrupt cache entry")
	}
	return &e, nil
}

// Reservation is held by the single in-flight leader of a key.
type Reservation struct {
	cache *Cache
	key   Key
	call  *call
}

// Pending lets a non-leader await the leader's result.
type Pending struct {
	call *call
}

// Reserve registers an in-flight marker for key. Exactly one of the results
// is non-nil: a Reservation for the leader, or a Pending for everyone else.
func (c *Cache) Reserve(key Key) (*Reservation, *Pending) {
	cl := &call{done: make(chan struct{})}
	actual, loaded := c.inflight.LoadOrStore(key, cl)
	if loaded {
		return nil, &Pending{call: actual.(*call)}
	}
	return &Reservation{cache: c, key: key, call: cl}, nil
}

// Commit stores the entry and hands it to waiters. A store failure is
// returned as CacheUnavailable; waiters still receive the entry.
func (r *Reservation) Commit(ctx context.Context, e *Entry) error {
	err := r.cache.put(ctx, r.key, e)
	r.complete(e, nil)
	return err
}

// Release ends the reservation without a result; waiters retry.
func (r *Reservation) Release(err error) {
	if err == nil {
		err = errLeaderFailed
	}
	r.complete(nil, err)
}

func (r *Reservation) complete(e *Entry, err error) {
	r.call.once.Do(func() {
		r.call.entry, r.call.err = e, err
		r.cache.inflight.CompareAndDelete(r.key, r.call)
		close(r.call.done)
	})
}

// Wait blocks until the leader finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.call.done:
		if p.call.err != nil {
			return nil, fmt.Errorf("%w: %w", errLeaderFailed, p.call.err)
		}
		return p.call.entry, nil
	}
}

// =============================================================================
// POLICY
// =============================================================================

// RunFunc executes the run on a miss. It reports whether the result may be
// cached (successful, no side-effecting hosted tools).
type RunFunc func(ctx context.Context) (entry *Entry, cacheable bool, err error)

// Result is the outcome of Do.
type Result struct {
	Entry *Entry
	// Hit is true when the entry was served without calling run.
	Hit bool
}

// Do runs fn under policy for key.
func (c *Cache) Do(ctx context.Context, key Key, policy Policy, temperature float64, fn RunFunc) (*Result, error) {
	logger := log.With().Str("cache_key", shortKey(key)).Str("use_cache", string(policy)).Logger()

	switch {
	case policy == PolicyNever:
		return bypass(ctx, fn)

	case policy == PolicyOnly:
		e, err := c.Lookup(ctx, key)
		if err != nil {
			c.failures.Add(1)
			return nil, err
		}
		if e == nil {
			c.misses.Add(1)
			return nil, apierr.New(apierr.CacheMiss, "no cached run matches this request")
		}
		c.hits.Add(1)
		return &Result{Entry: e, Hit: true}, nil

	case policy == PolicyAuto && temperature != 0:
		// Sampled runs are stored for later "always" reads but never served here.
		entry, cacheable, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if err := c.put(ctx, key, entry); err != nil {
				c.failures.Add(1)
				logger.Warn().Err(err).Msg("failed to store cache entry")
			}
		}
		return &Result{Entry: entry}, nil
	}

	for {
		e, err := c.Lookup(ctx, key)
		if err != nil {
			c.failures.Add(1)
			logger.Warn().Err(err).Msg("cache unavailable, bypassing")
			return bypass(ctx, fn)
		}
		if e != nil {
			c.hits.Add(1)
			return &Result{Entry: e, Hit: true}, nil
		}

		reservation, pending := c.Reserve(key)
		if pending != nil {
			c.collapsed.Add(1)
			e, err := pending.Wait(ctx)
			if errors.Is(err, errLeaderFailed) {
				continue
			}
			if err != nil {
				return nil, apierr.Classify(err)
			}
			return &Result{Entry: e, Hit: true}, nil
		}

		// The previous leader may have committed between Lookup and Reserve.
		if e, err := c.Lookup(ctx, key); err == nil && e != nil {
			reservation.complete(e, nil)
			c.hits.Add(1)
			return &Result{Entry: e, Hit: true}, nil
		}

		c.misses.Add(1)
		entry, cacheable, err := fn(ctx)
		if err != nil {
			reservation.Release(err)
			return nil, err
		}
		if !cacheable {
			reservation.Release(nil)
			return &Result{Entry: entry}, nil
		}
		if err := reservation.Commit(ctx, entry); err != nil {
			c.failures.Add(1)
			logger.Warn().Err(err).Msg("failed to store cache entry")
		}
		return &Result{Entry: entry}, nil
	}
}

func bypass(ctx context.Context, fn RunFunc) (*Result, error) {
	entry, _, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Entry: entry}, nil
}

func (c *Cache) put(ctx context.Context, key Key, e *Entry) error {
	e.Key = key
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if c.ttl > 0 {
		e.ExpiresAt = e.CreatedAt.Add(c.ttl)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return apierr.Wrap(apierr.CacheUnavailable, err, "failed to encode cache entry")
	}
	if err := c.store.Set(ctx, string(key), data, c.ttl); err != nil {
		return apierr.Wrap(apierr.CacheUnavailable, err, "failed to store cache entry")
	}
	return nil
}

func shortKey(k Key) string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}
