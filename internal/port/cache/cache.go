// Package cache defines the port interface for the auction title cache.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Loader fetches the authoritative value for key on a cache miss.
type Loader func(ctx context.Context, key string) ([]byte, error)

// ReadThrough returns the cached value for key, calling load and caching its
// result on a miss. A failing cache read is treated as a miss; a failing cache
// write is ignored because the loaded value is still correct.
func ReadThrough(ctx context.Context, c Cache, key string, ttl time.Duration, load Loader) ([]byte, error) {
	if v, ok, err := c.Get(ctx, key); err == nil && ok {
		return v, nil
	}
	v, err := load(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = c.Set(ctx, key, v, ttl)
	return v, nil
}
