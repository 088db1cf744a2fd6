// Package cache provides KV caching with TTL for hot lookup paths,
// primarily identity records resolved per request.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("cache is closed")
)

// Cache defines the interface for KV caching.
type Cache interface {
	// Get retrieves a value by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with optional TTL. Zero TTL means the backend
	// default applies.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// Has checks if a key exists without retrieving the value.
	Has(ctx context.Context, key string) bool

	// Clear removes all entries from the cache.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats

	// Close releases resources.
	Close() error
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Deletes     int64
	Evictions   int64
	Expirations int64

	// Size is the current number of entries. Zero for backends that
	// do not track it.
	Size int64

	// MaxSize is the maximum number of entries allowed.
	MaxSize int64
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Config holds cache configuration.
type Config struct {
	// MaxSize is the maximum number of entries (0 = backend default).
	MaxSize int64

	// DefaultTTL applies to entries set without an explicit TTL.
	DefaultTTL time.Duration

	// CleanupInterval is how often the memory backend sweeps expired
	// entries.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults for identity caching.
func DefaultConfig() Config {
	return Config{
		MaxSize:         10000,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}
