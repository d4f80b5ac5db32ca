package relay

import (
	"context"
	"log/slog"

	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

// ResolveRelayListForIdentity returns the pubkey's NIP-65 relays merged with
// the defaults. Any discovery failure yields the defaults alone.
func (a *Aggregator) ResolveRelayListForIdentity(ctx context.Context, pubkey string) []string {
	return mergeWithDefaults(a.RelayList(ctx, pubkey), a.DefaultRelays())
}

// RelayList fetches the pubkey's kind 10002 list from the discovery relay.
// Concurrent lookups for one pubkey share a single fetch that outlives any
// one caller's cancellation. Returns nil when the list cannot be found.
// Only a discovery relay that answered without a list is cached as
// not-found; timeouts and errors are retried on the next call.
func (a *Aggregator) RelayList(ctx context.Context, pubkey string) *types.RelayList {
	if a.relayLists != nil {
		if list, found := a.relayLists.Get(ctx, pubkey); found {
			return list
		}
	}

	ch := a.relayListGroup.DoChan(pubkey, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		list, answered := a.fetchRelayListDirect(fetchCtx, pubkey)
		if a.relayLists != nil && answered {
			a.relayLists.Set(fetchCtx, pubkey, list)
		}
		return list, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			slog.Debug("singleflight: shared relay list fetch", "pubkey", nostr.ShortID(pubkey))
		}
		return res.Val.(*types.RelayList)
	case <-ctx.Done():
		return nil
	}
}

func (a *Aggregator) fetchRelayListDirect(ctx context.Context, pubkey string) (list *types.RelayList, answered bool) {
	discovery := nostr.EnforceWSS(a.relays.Discovery)
	if discovery == "" {
		return nil, false
	}

	evt, answered := a.fetchSingle(ctx, []string{discovery}, types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindRelayList},
		Limit:   1,
	}, a.discoveryTimeout)
	if evt == nil {
		slog.Debug("no relay list found", "pubkey", nostr.ShortID(pubkey), "answered", answered)
		return nil, answered
	}

	list = ParseRelayList(evt)
	slog.Debug("found relay list", "pubkey", nostr.ShortID(pubkey), "read", len(list.Read), "write", len(list.Write))
	return list, true
}

// ParseRelayList reads the r-tags of a kind 10002 event. Invalid URLs are
// skipped; a missing marker means read and write.
func ParseRelayList(evt *types.Event) *types.RelayList {
	list := &types.RelayList{Read: []string{}, Write: []string{}}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		relayURL := nostr.EnforceWSS(tag[1])
		if relayURL == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}

		switch marker {
		case "read":
			list.Read = append(list.Read, relayURL)
		case "write":
			list.Write = append(list.Write, relayURL)
		default:
			list.Read = append(list.Read, relayURL)
			list.Write = append(list.Write, relayURL)
		}
	}
	return list
}

func mergeWithDefaults(list *types.RelayList, defaults []string) []string {
	if list == nil {
		return defaults
	}
	merged := append(list.All(), defaults...)
	return enforceAll(merged)
}
