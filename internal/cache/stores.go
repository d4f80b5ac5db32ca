package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"nostr-buzz/internal/config"
	"nostr-buzz/internal/metrics"
	"nostr-buzz/internal/types"
)

// RelayListStore caches NIP-65 relay lists per pubkey, including negative results.
type RelayListStore struct {
	backend     CacheBackend
	ttl         time.Duration
	notFoundTTL time.Duration
}

// NewRelayListStore wraps backend with relay list TTLs from cfg.
func NewRelayListStore(backend CacheBackend, cfg config.Cache) *RelayListStore {
	return &RelayListStore{backend: backend, ttl: cfg.RelayListTTL, notFoundTTL: cfg.RelayListNotFoundTTL}
}

// Get returns (list, found). A cached negative result returns (nil, true).
func (s *RelayListStore) Get(ctx context.Context, pubkey string) (*types.RelayList, bool) {
	var cached types.CachedRelayList
	if !getJSON(ctx, s.backend, "relaylist:"+pubkey, "relay_list", &cached) {
		return nil, false
	}
	if cached.NotFound {
		return nil, true
	}
	return cached.RelayList, true
}

// Set stores a relay list; a nil list is stored as a negative result.
func (s *RelayListStore) Set(ctx context.Context, pubkey string, list *types.RelayList) {
	cached := types.CachedRelayList{RelayList: list, FetchedAt: time.Now().Unix(), NotFound: list == nil}
	ttl := s.ttl
	if list == nil {
		ttl = s.notFoundTTL
	}
	setJSON(ctx, s.backend, "relaylist:"+pubkey, cached, ttl)
}

// PayEndpointStore caches raw LNURL-pay descriptors per endpoint URL.
type PayEndpointStore struct {
	backend CacheBackend
	ttl     time.Duration
	failTTL time.Duration
}

// NewPayEndpointStore wraps backend with descriptor TTLs from cfg.
func NewPayEndpointStore(backend CacheBackend, cfg config.Cache) *PayEndpointStore {
	return &PayEndpointStore{backend: backend, ttl: cfg.PayEndpointTTL, failTTL: cfg.PayEndpointFailTTL}
}

// Get returns (raw descriptor, found). A cached failure returns (nil, true).
func (s *PayEndpointStore) Get(ctx context.Context, endpoint string) ([]byte, bool) {
	var cached types.CachedPayEndpoint
	if !getJSON(ctx, s.backend, "lnurlp:"+endpoint, "pay_endpoint", &cached) {
		return nil, false
	}
	if cached.NotFound {
		return nil, true
	}
	return cached.Raw, true
}

// Set stores a descriptor body; nil raw records a failed resolution.
func (s *PayEndpointStore) Set(ctx context.Context, endpoint string, raw []byte) {
	cached := types.CachedPayEndpoint{Raw: raw, FetchedAt: time.Now().Unix(), NotFound: raw == nil}
	ttl := s.ttl
	if raw == nil {
		ttl = s.failTTL
	}
	setJSON(ctx, s.backend, "lnurlp:"+endpoint, cached, ttl)
}

func getJSON(ctx context.Context, backend CacheBackend, key, name string, dst interface{}) bool {
	data, found, err := backend.Get(ctx, key)
	if err != nil {
		slog.Debug("cache get error", "cache", name, "error", err)
	}
	if err != nil || !found {
		metrics.CacheMiss(name)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Debug("cache unmarshal error", "cache", name, "error", err)
		metrics.CacheMiss(name)
		return false
	}
	metrics.CacheHit(name)
	return true
}

func setJSON(ctx context.Context, backend CacheBackend, key string, v interface{}, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Debug("cache marshal error", "key", key, "error", err)
		return
	}
	if err := backend.Set(ctx, key, data, ttl); err != nil {
		slog.Debug("cache set error", "key", key, "error", err)
	}
}
