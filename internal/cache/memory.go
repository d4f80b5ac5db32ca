package cache

import (
	"context"
	"time"

	gcache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
)

// MemoryCache implements CacheBackend on a capacity-bounded LRU with
// per-item expiration.
type MemoryCache struct {
	lru *gcache.Cache[string, []byte]
}

// NewMemoryCache creates a new in-memory cache holding at most capacity entries
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryCache{
		lru: gcache.New(gcache.AsLRU[string, []byte](lru.WithCapacity(capacity))),
	}
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, ok := m.lru.Get(key)
	return val, ok, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.lru.Set(key, value, gcache.WithExpiration(ttl))
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.lru.Delete(key)
	return nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if val, ok := m.lru.Get(key); ok {
			result[key] = val
		}
	}
	return result, nil
}

func (m *MemoryCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for key, value := range items {
		m.lru.Set(key, value, gcache.WithExpiration(ttl))
	}
	return nil
}

func (m *MemoryCache) Close() error {
	return nil
}
