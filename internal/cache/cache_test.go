package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/store"
)

func newCache(t *testing.T) *Cache {
	st := store.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, time.Hour)
}

// counter returns a RunFunc producing a fixed output and counting calls.
func counter(calls *atomic.Int64, output string) RunFunc {
	return func(context.Context) (*Entry, bool, error) {
		n := calls.Add(1)
		return &Entry{RunID: "run-" + string(rune('0'+n)), Output: output}, true, nil
	}
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}
func (failingStore) Delete(context.Context, string) error { return nil }
func (failingStore) Close() error                         { return nil }

// =============================================================================
// FINGERPRINT
// =============================================================================

func TestFingerprint(t *testing.T) {
	base := Request{
		VersionID:    "v1",
		Model:        "openai/gpt-4o",
		Input:        json.RawMessage(`{"a": 1, "b": "x"}`),
		EnabledTools: []string{"@search-google", "@browser-text"},
	}

	reordered := base
	reordered.Input = json.RawMessage(`{"b":"x","a":1}`)
	reordered.EnabledTools = []string{"@browser-text", "@search-google"}
	assert.Equal(t, Fingerprint(base), Fingerprint(reordered))
	assert.Len(t, string(Fingerprint(base)), 64)

	hot := base
	hot.Temperature = 0.7
	assert.NotEqual(t, Fingerprint(base), Fingerprint(hot))

	other := base
	other.VersionID = "v2"
	assert.NotEqual(t, Fingerprint(base), Fingerprint(other))

	withMsgs := base
	withMsgs.Messages = []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")}
	assert.NotEqual(t, Fingerprint(base), Fingerprint(withMsgs))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAuto, p)

	p, err = ParsePolicy("only")
	require.NoError(t, err)
	assert.Equal(t, PolicyOnly, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
}

// =============================================================================
// POLICIES
// =============================================================================

func TestDo_AutoIsIdempotent(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	ctx := context.Background()

	first, err := c.Do(ctx, "k", PolicyAuto, 0, counter(&calls, "bonjour"))
	require.NoError(t, err)
	assert.False(t, first.Hit)

	second, err := c.Do(ctx, "k", PolicyAuto, 0, counter(&calls, "other"))
	require.NoError(t, err)
	assert.True(t, second.Hit)
	assert.Equal(t, "bonjour", second.Entry.Output)
	assert.Equal(t, first.Entry.RunID, second.Entry.RunID)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, Key("k"), second.Entry.Key)
}

func TestDo_AutoWithTemperatureStoresButDoesNotServe(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	ctx := context.Background()

	for range 2 {
		res, err := c.Do(ctx, "k", PolicyAuto, 0.8, counter(&calls, "sampled"))
		require.NoError(t, err)
		assert.False(t, res.Hit)
	}
	assert.Equal(t, int64(2), calls.Load())

	res, err := c.Do(ctx, "k", PolicyAlways, 0.8, counter(&calls, "x"))
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "sampled", res.Entry.Output)
}

func TestDo_Never(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	ctx := context.Background()

	for range 2 {
		res, err := c.Do(ctx, "k", PolicyNever, 0, counter(&calls, "x"))
		require.NoError(t, err)
		assert.False(t, res.Hit)
	}
	assert.Equal(t, int64(2), calls.Load())

	e, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, e, "never does not store")
}

func TestDo_Only(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	ctx := context.Background()

	_, err := c.Do(ctx, "k", PolicyOnly, 0, counter(&calls, "x"))
	assert.True(t, apierr.Is(err, apierr.CacheMiss))
	assert.Zero(t, calls.Load(), "only never calls upstream")

	_, err = c.Do(ctx, "k", PolicyAuto, 0, counter(&calls, "x"))
	require.NoError(t, err)

	res, err := c.Do(ctx, "k", PolicyOnly, 0, counter(&calls, "y"))
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDo_UncacheableIsNotStored(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	fn := func(context.Context) (*Entry, bool, error) { return &Entry{Output: "live"}, false, nil }

	res, err := c.Do(ctx, "k", PolicyAuto, 0, fn)
	require.NoError(t, err)
	assert.Equal(t, "live", res.Entry.Output)

	e, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestDo_FailuresAreNotCached(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	boom := apierr.New(apierr.ProviderUnavailable, "down")

	_, err := c.Do(ctx, "k", PolicyAuto, 0, func(context.Context) (*Entry, bool, error) { return nil, false, boom })
	assert.ErrorIs(t, err, boom)

	var calls atomic.Int64
	res, err := c.Do(ctx, "k", PolicyAuto, 0, counter(&calls, "ok"))
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestDo_BackendFailureDegradesToNever(t *testing.T) {
	c := New(failingStore{}, time.Hour)
	var calls atomic.Int64

	res, err := c.Do(context.Background(), "k", PolicyAuto, 0, counter(&calls, "x"))
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Errors)

	_, err = c.Do(context.Background(), "k", PolicyOnly, 0, counter(&calls, "x"))
	assert.True(t, apierr.Is(err, apierr.CacheUnavailable))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestDo_ConcurrentCallsCollapse(t *testing.T) {
	const n = 16
	c := newCache(t)
	var calls atomic.Int64
	gate := make(chan struct{})

	fn := func(context.Context) (*Entry, bool, error) {
		calls.Add(1)
		<-gate
		return &Entry{RunID: "leader", Output: "bonjour"}, true, nil
	}

	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Do(context.Background(), "same", PolicyAuto, 0, fn)
		}()
	}

	require.Eventually(t, func() bool {
		return calls.Load() == 1 && c.Stats().Collapsed == n-1
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one upstream call")
	hits := 0
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, "bonjour", results[i].Entry.Output)
		assert.Equal(t, "leader", results[i].Entry.RunID)
		if results[i].Hit {
			hits++
		}
	}
	assert.Equal(t, n-1, hits)
}

func TestDo_WaiterRetriesWhenLeaderFails(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int64
	gate := make(chan struct{})

	fn := func(context.Context) (*Entry, bool, error) {
		if calls.Add(1) == 1 {
			<-gate
			return nil, false, apierr.New(apierr.ProviderUnavailable, "down")
		}
		return &Entry{Output: "second try"}, true, nil
	}

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), "k", PolicyAuto, 0, fn)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	waiterDone := make(chan *Result, 1)
	go func() {
		res, err := c.Do(context.Background(), "k", PolicyAuto, 0, fn)
		assert.NoError(t, err)
		waiterDone <- res
	}()
	require.Eventually(t, func() bool { return c.Stats().Collapsed == 1 }, time.Second, time.Millisecond)

	close(gate)
	assert.True(t, apierr.Is(<-leaderErr, apierr.ProviderUnavailable))
	res := <-waiterDone
	require.NotNil(t, res)
	assert.Equal(t, "second try", res.Entry.Output)
	assert.False(t, res.Hit)
	assert.Equal(t, int64(2), calls.Load())
}

func TestReserve_SingleLeader(t *testing.T) {
	c := newCache(t)

	r1, p1 := c.Reserve("k")
	require.NotNil(t, r1)
	assert.Nil(t, p1)

	r2, p2 := c.Reserve("k")
	assert.Nil(t, r2)
	require.NotNil(t, p2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p2.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, r1.Commit(context.Background(), &Entry{Output: "x"}))
	e, err := p2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", e.Output)

	r3, _ := c.Reserve("k")
	assert.NotNil(t, r3, "reservation is cleared after commit")
	r3.Release(nil)
}
