package kvstore

import (
	"context"
	"errors"
)

// CachedStore is a read-through, write-through LRU cache in front of a Store.
// Misses are not cached, so a key created by another writer becomes visible
// on the next read.
type CachedStore struct {
	backend Store
	cache   *lruCache
}

// NewCachedStore wraps backend with a cache holding at most capacity keys.
func NewCachedStore(backend Store, capacity int) *CachedStore {
	return &CachedStore{
		backend: backend,
		cache:   newLRU(capacity),
	}
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.cache.get(key); ok {
		return v, nil
	}
	v, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.put(key, v)
	return v, nil
}

func (c *CachedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := c.backend.Set(ctx, key, value); err != nil {
		// the backend may or may not hold the new value now
		c.cache.remove(key)
		return err
	}
	c.cache.put(key, value)
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, key string) error {
	c.cache.remove(key)
	return c.backend.Delete(ctx, key)
}

// Ping delegates to the backend when it supports it.
func (c *CachedStore) Ping(ctx context.Context) error {
	if p, ok := c.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Stats returns cache hit and miss counts.
func (c *CachedStore) Stats() (hits, misses uint64) {
	return c.cache.stats()
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
