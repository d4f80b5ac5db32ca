// Package cache provides the byte-oriented cache backends (in-memory LRU and
// Redis) and the typed stores built on top of them.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nostr-buzz/internal/config"
)

// CacheBackend defines the interface for cache implementations
type CacheBackend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves multiple values from the cache
	// Returns a map of found keys to values
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMultiple stores multiple values with the given TTL
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Close closes the cache connection
	Close() error
}

// New builds the backend selected by cfg.Backend.
func New(cfg config.Cache) (CacheBackend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.MemoryCapacity), nil
	case "redis":
		rc, err := NewRedisCache(cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		slog.Info("using redis cache backend", "prefix", cfg.Prefix)
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
