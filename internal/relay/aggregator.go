// Package relay queries Nostr relays with bounded waits, merging and
// deduplicating what comes back. Failures degrade to empty results.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/iter"
	"golang.org/x/sync/singleflight"

	"nostr-buzz/internal/cache"
	"nostr-buzz/internal/config"
	"nostr-buzz/internal/metrics"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
	"nostr-buzz/internal/util"
)

const (
	// MaxSingleFanout caps the relays contacted by a single-event fetch.
	MaxSingleFanout = 3

	DefaultSingleTimeout    = 3 * time.Second
	DefaultManyTimeout      = 5 * time.Second
	DefaultDiscoveryTimeout = 2 * time.Second
	DefaultSearchLimit      = 20

	// drainGrace is the tail of a FetchMany budget reserved for a cancelled
	// transport to hand back partial results. Never more than half the budget.
	drainGrace = 500 * time.Millisecond
)

// SearchOtherKinds are queried alongside profiles and notes by SearchAggregate.
var SearchOtherKinds = []int{types.KindLongForm, 30311, 1063}

// Aggregator runs bounded-time queries through a Transport.
type Aggregator struct {
	transport        Transport
	relays           config.Relays
	relayLists       *cache.RelayListStore
	clock            clockwork.Clock
	discoveryTimeout time.Duration
	relayListGroup   singleflight.Group
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock replaces the wall clock used for query timers.
func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithRelayListCache caches discovered relay lists.
func WithRelayListCache(store *cache.RelayListStore) Option {
	return func(a *Aggregator) { a.relayLists = store }
}

// WithDiscoveryTimeout overrides the NIP-65 discovery timeout.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.discoveryTimeout = d }
}

// NewAggregator creates an Aggregator over transport.
func NewAggregator(transport Transport, relays config.Relays, opts ...Option) *Aggregator {
	a := &Aggregator{
		transport:        transport,
		relays:           relays,
		clock:            clockwork.NewRealClock(),
		discoveryTimeout: DefaultDiscoveryTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Relays returns the configured relay lists.
func (a *Aggregator) Relays() config.Relays {
	return a.relays
}

// DefaultRelays returns the configured default relays with wss:// enforced.
func (a *Aggregator) DefaultRelays() []string {
	return enforceAll(a.relays.Default)
}

// FetchSingle returns the best event from at most MaxSingleFanout relays, or
// nil when the timer fires first or the transport fails.
func (a *Aggregator) FetchSingle(ctx context.Context, relayURLs []string, filter types.Filter, timeout time.Duration) *types.Event {
	evt, _ := a.fetchSingle(ctx, relayURLs, filter, timeout)
	return evt
}

// fetchSingle is FetchSingle that also reports whether the relays answered.
// answered is false on timeout, cancellation or transport failure, so a nil
// event with answered set means the relays had nothing.
func (a *Aggregator) fetchSingle(ctx context.Context, relayURLs []string, filter types.Filter, timeout time.Duration) (evt *types.Event, answered bool) {
	started := time.Now()
	relays := util.LimitSlice(util.Dedupe(relayURLs), MaxSingleFanout)
	if len(relays) == 0 {
		metrics.ObserveRelayQuery("single", "empty", started)
		return nil, false
	}
	if timeout <= 0 {
		timeout = DefaultSingleTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		evt *types.Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		evt, err := a.transport.QuerySingle(ctx, relays, filter)
		done <- result{evt, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			slog.Debug("fetch single failed", "relays", relays, "error", r.err)
			metrics.ObserveRelayQuery("single", "error", started)
			return nil, false
		}
		if r.evt == nil {
			metrics.ObserveRelayQuery("single", "empty", started)
			return nil, true
		}
		metrics.ObserveRelayQuery("single", "ok", started)
		return r.evt, true
	case <-a.clock.After(timeout):
		slog.Debug("fetch single timed out", "relays", relays, "timeout", timeout)
		metrics.ObserveRelayQuery("single", "timeout", started)
		return nil, false
	case <-ctx.Done():
		metrics.ObserveRelayQuery("single", "cancelled", started)
		return nil, false
	}
}

// FetchSingleWithFallback walks relayURLs in groups of MaxSingleFanout until
// one group yields an event.
func (a *Aggregator) FetchSingleWithFallback(ctx context.Context, relayURLs []string, filter types.Filter, timeout time.Duration) *types.Event {
	for _, group := range util.Chunk(util.Dedupe(relayURLs), MaxSingleFanout) {
		if evt := a.FetchSingle(ctx, group, filter, timeout); evt != nil {
			return evt
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// FetchMany returns every (event, relay) pair delivered before the timeout.
// It never fails: errors and timeouts yield whatever arrived, possibly nothing.
// Results are not deduplicated.
func (a *Aggregator) FetchMany(ctx context.Context, relayURLs []string, filter types.Filter, timeout time.Duration) []types.RelayEvent {
	started := time.Now()
	relays := util.Dedupe(relayURLs)
	if len(relays) == 0 {
		metrics.ObserveRelayQuery("many", "empty", started)
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultManyTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		events []types.RelayEvent
		err    error
	}
	done := make(chan result, 1)
	go func() {
		events, err := a.transport.QueryMany(ctx, relays, filter)
		done <- result{events, err}
	}()

	grace := drainGrace
	if grace > timeout/2 {
		grace = timeout / 2
	}

	var r result
	select {
	case r = <-done:
	case <-a.clock.After(timeout - grace):
		// Stop the relays and keep what they already delivered
		cancel()
		select {
		case r = <-done:
		case <-a.clock.After(grace):
			slog.Debug("fetch many abandoned", "relays", len(relays), "timeout", timeout)
		}
	}

	if r.err != nil && len(r.events) == 0 {
		slog.Debug("fetch many failed", "relays", len(relays), "error", r.err)
		metrics.ObserveRelayQuery("many", "error", started)
		return nil
	}
	if len(r.events) == 0 {
		metrics.ObserveRelayQuery("many", "empty", started)
		return nil
	}
	metrics.ObserveRelayQuery("many", "ok", started)
	return r.events
}

type searchQuery struct {
	resultType types.ResultType
	kinds      []int
}

// SearchAggregate runs the profile, note and other-kind NIP-50 searches
// concurrently and returns their results concatenated in that order, tagged
// by type and deduplicated by event id (first occurrence wins).
func (a *Aggregator) SearchAggregate(ctx context.Context, query string, relayURLs []string, timeout time.Duration) []types.SearchResult {
	if query == "" {
		return nil
	}
	if len(relayURLs) == 0 {
		relayURLs = enforceAll(a.relays.Search)
	}

	queries := []searchQuery{
		{types.ResultProfile, []int{types.KindProfile}},
		{types.ResultNote, []int{types.KindNote}},
		{types.ResultOther, SearchOtherKinds},
	}

	batches := iter.Map(queries, func(q *searchQuery) []types.RelayEvent {
		return a.FetchMany(ctx, relayURLs, types.Filter{
			Kinds:  q.kinds,
			Search: query,
			Limit:  DefaultSearchLimit,
		}, timeout)
	})

	seen := make(map[string]bool)
	var results []types.SearchResult
	for i, batch := range batches {
		for _, re := range batch {
			if re.Event.ID == "" || seen[re.Event.ID] {
				continue
			}
			seen[re.Event.ID] = true
			results = append(results, types.SearchResult{
				Type:     queries[i].resultType,
				Event:    re.Event,
				RelayURL: re.RelayURL,
			})
		}
	}

	slog.Debug("search aggregated", "query", query, "results", len(results))
	return results
}

// FindZapReceipt looks for the kind 9735 receipt carrying bolt11, published
// for recipient since the given time.
func (a *Aggregator) FindZapReceipt(ctx context.Context, relayURLs []string, recipient, bolt11 string, since time.Time, timeout time.Duration) *types.Event {
	sinceUnix := since.Unix()
	events := a.FetchMany(ctx, relayURLs, types.Filter{
		Kinds: []int{types.KindZapReceipt},
		PTags: []string{recipient},
		Since: &sinceUnix,
		Limit: 50,
	}, timeout)

	for _, re := range events {
		if util.GetTagValue(re.Event.Tags, "bolt11") == bolt11 {
			evt := re.Event
			slog.Debug("zap receipt found", "receipt", nostr.ShortID(evt.ID), "relay", re.RelayURL)
			return &evt
		}
	}
	return nil
}

func enforceAll(relays []string) []string {
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		if u := nostr.EnforceWSS(r); u != "" {
			out = append(out, u)
		}
	}
	return util.Dedupe(out)
}
