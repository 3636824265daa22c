// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores boolean probe outcomes under string keys with a TTL.
// Implementations must treat an expired or missing key as a miss,
// not an error.
type Cache interface {
	// GetBool returns the cached value and whether the key was
	// present and unexpired.
	GetBool(ctx context.Context, key string) (value bool, ok bool, err error)

	// SetBool stores a value that expires after ttl.
	SetBool(ctx context.Context, key string, value bool, ttl time.Duration) error
}

// MemoryCache is an in-process [Cache]. It is safe for concurrent
// use. The zero value is not usable; construct with
// [NewMemoryCache].
type MemoryCache struct {
	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewMemoryCache] to [time.Now].
	TimeNow func() time.Time

	mu      sync.Mutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value   bool
	expires time.Time
}

// NewMemoryCache returns a new empty [*MemoryCache].
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		TimeNow: time.Now,
		entries: map[string]memoryCacheEntry{},
	}
}

// GetBool implements [Cache].
func (c *MemoryCache) GetBool(ctx context.Context, key string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false, false, nil
	}
	if !c.TimeNow().Before(entry.expires) {
		delete(c.entries, key)
		return false, false, nil
	}
	return entry.value, true, nil
}

// SetBool implements [Cache].
func (c *MemoryCache) SetBool(ctx context.Context, key string, value bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{
		value:   value,
		expires: c.TimeNow().Add(ttl),
	}
	return nil
}

// RedisCache is a [Cache] backed by a Redis server, for sharing
// probe outcomes between processes. Values are stored as "1" and
// "0" with Redis-side expiry.
type RedisCache struct {
	// Client is the Redis client to use.
	//
	// Set by [NewRedisCache] to the user-provided client.
	Client redis.UniversalClient
}

// NewRedisCache returns a new [*RedisCache] using the given client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{Client: client}
}

// GetBool implements [Cache].
func (c *RedisCache) GetBool(ctx context.Context, key string) (bool, bool, error) {
	value, err := c.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return value == "1", true, nil
}

// SetBool implements [Cache].
func (c *RedisCache) SetBool(ctx context.Context, key string, value bool, ttl time.Duration) error {
	stored := "0"
	if value {
		stored = "1"
	}
	return c.Client.Set(ctx, key, stored, ttl).Err()
}
