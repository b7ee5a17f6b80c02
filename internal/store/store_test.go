package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Set(ctx, "k", []byte("v2"), time.Hour))
	v, _, _ = s.Get(ctx, "k")
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	_, ok, err = s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are not served")

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	runStoreContract(t, s)
}

func TestMemoryStore_ValueIsCopied(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	buf := []byte("abc")
	require.NoError(t, s.Set(context.Background(), "k", buf, 0))
	buf[0] = 'z'
	v, _, _ := s.Get(context.Background(), "k")
	assert.Equal(t, []byte("abc"), v)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil, 0), ErrClosed)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer s.Close()
	runStoreContract(t, s)
}

func TestSQLiteStore_Purge(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Millisecond))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))
	time.Sleep(10 * time.Millisecond)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok, _ := s.Get(ctx, "b")
	assert.True(t, ok)
}
