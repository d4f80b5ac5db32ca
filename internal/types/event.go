// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// RelayEvent pairs an event with the relay that delivered it.
// The same event may appear once per relay that returned it.
type RelayEvent struct {
	Event    Event
	RelayURL string
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	PTags   []string // #p tag filter (mentions)
	ETags   []string // #e tag filter (referenced events)
	DTags   []string // #d tag filter (d-tag for addressable events)
	Search  string   // NIP-50 search query
}

// ToMap converts the filter to the wire representation used in REQ messages.
func (f Filter) ToMap() map[string]interface{} {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if len(f.PTags) > 0 {
		m["#p"] = f.PTags
	}
	if len(f.ETags) > 0 {
		m["#e"] = f.ETags
	}
	if len(f.DTags) > 0 {
		m["#d"] = f.DTags
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return m
}

// Event kinds used by the aggregator and the payment flow
const (
	KindProfile         = 0
	KindNote            = 1
	KindZapRequest      = 9734
	KindZapReceipt      = 9735
	KindRelayList       = 10002
	KindProfileBadges   = 30008
	KindBadgeDefinition = 30009
	KindLongForm        = 30023
)
