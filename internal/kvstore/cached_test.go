package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts backend reads and can be told to fail writes.
type countingStore struct {
	*MemoryStore
	gets    int
	failSet bool
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, key)
}

func (c *countingStore) Set(ctx context.Context, key string, value []byte) error {
	if c.failSet {
		return errors.New("disk full")
	}
	return c.MemoryStore.Set(ctx, key, value)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, backend.MemoryStore.Set(ctx, "k", []byte("v")))

	c := NewCachedStore(backend, 2)
	for i := 0; i < 3; i++ {
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))
	}
	assert.Equal(t, 1, backend.gets)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCachedStore_MissesAreNotCached(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	c := NewCachedStore(backend, 2)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, backend.MemoryStore.Set(ctx, "k", []byte("late")))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
}

func TestCachedStore_FailedWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	c := NewCachedStore(backend, 2)

	require.NoError(t, c.Set(ctx, "k", []byte("v1")))
	backend.failSet = true
	assert.Error(t, c.Set(ctx, "k", []byte("v2")))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	assert.Equal(t, 1, backend.gets)
}

func TestLRU_Eviction(t *testing.T) {
	c := newLRU(2)
	c.put("a", []byte("1"))
	c.put("b", []byte("2"))

	// Touch "a" so "b" becomes least recently used
	_, ok := c.get("a")
	require.True(t, ok)

	c.put("c", []byte("3"))
	_, ok = c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())

	c.remove("a")
	assert.Equal(t, 1, c.len())
}
