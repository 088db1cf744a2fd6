package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Redis-backed cache for deployments where identity
// lookups should be shared across replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
	cfg    Config

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// NewRedisCache creates a Redis-backed cache around an existing client.
// The prefix namespaces keys so the cache can share a database with the
// rate limiter.
func NewRedisCache(client *redis.Client, prefix string, cfg Config) *RedisCache {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		cfg:    cfg,
	}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + "cache:" + k
}

// Get retrieves a value by key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, ErrNotFound
	}
	if err != nil {
		c.misses.Add(1)
		return nil, fmt.Errorf("redis get: %w", err)
	}
	c.hits.Add(1)
	return val, nil
}

// Set stores a value with optional TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	c.sets.Add(1)
	return nil
}

// Delete removes a key from the cache.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	n, err := c.client.Del(ctx, c.key(key)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	c.deletes.Add(1)
	return nil
}

// Has checks if a key exists.
func (c *RedisCache) Has(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	return err == nil && n > 0
}

// Clear removes all entries under this cache's prefix. Entries outside
// the prefix, such as rate counters, are untouched.
func (c *RedisCache) Clear(ctx context.Context) error {
	var cursor uint64
	pattern := c.prefix + "cache:*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Stats returns cache statistics. Size and eviction counts are managed
// by the Redis server and reported as zero here.
func (c *RedisCache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
	}
}

// Close is a no-op; the caller owns the client's lifecycle.
func (c *RedisCache) Close() error {
	return nil
}
