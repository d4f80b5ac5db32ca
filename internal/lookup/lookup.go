// Package lookup resolves a user identifier to a profile, its relays and
// its NIP-58 badges.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"nostr-buzz/internal/config"
	"nostr-buzz/internal/nips"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
	"nostr-buzz/internal/util"
)

const (
	profileTimeout = 3 * time.Second
	badgeTimeout   = 3 * time.Second
	maxBadges      = 50
)

// ErrNotAProfile is returned for identifiers that point at an event.
var ErrNotAProfile = errors.New("identifier does not reference a profile")

// Querier is the slice of the relay aggregator lookups need.
type Querier interface {
	Relays() config.Relays
	ResolveRelayListForIdentity(ctx context.Context, pubkey string) []string
	FetchSingle(ctx context.Context, relayURLs []string, filter types.Filter, timeout time.Duration) *types.Event
	FetchSingleWithFallback(ctx context.Context, relayURLs []string, filter types.Filter, timeout time.Duration) *types.Event
	FetchMany(ctx context.Context, relayURLs []string, filter types.Filter, timeout time.Duration) []types.RelayEvent
}

// ResolveFunc turns an identifier into a pointer.
type ResolveFunc func(ctx context.Context, identifier string) (*nips.Pointer, error)

// Service performs identity lookups.
type Service struct {
	q       Querier
	resolve ResolveFunc
}

// New creates a Service. NIP-05 addresses are resolved over HTTPS.
func New(q Querier) *Service {
	return &Service{q: q, resolve: nips.ResolveIdentifier}
}

// WithResolver replaces the identifier resolver.
func (s *Service) WithResolver(fn ResolveFunc) *Service {
	s.resolve = fn
	return s
}

// LookupIdentity resolves identifier (npub, nprofile, hex or NIP-05) and
// fetches the profile and badges concurrently. A missing profile is not an
// error; Profile is nil and Badges empty.
func (s *Service) LookupIdentity(ctx context.Context, identifier string) (*types.Identity, error) {
	ptr, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if ptr.EventID != "" || ptr.Pubkey == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotAProfile, identifier)
	}
	pubkey := ptr.Pubkey

	npub, err := nips.EncodeNpub(pubkey)
	if err != nil {
		return nil, fmt.Errorf("encode npub: %w", err)
	}

	relays := s.relaysFor(ctx, pubkey, ptr.RelayHints)
	identity := &types.Identity{
		Pubkey: pubkey,
		Npub:   npub,
		Relays: relays,
		Badges: []types.Badge{},
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		identity.Profile = s.FetchProfile(ctx, relays, pubkey)
	})
	wg.Go(func() {
		identity.Badges = s.FetchBadges(ctx, relays, pubkey)
	})
	wg.Wait()

	slog.Debug("identity resolved",
		"pubkey", nostr.ShortID(pubkey),
		"relays", len(relays),
		"profile", identity.Profile != nil,
		"badges", len(identity.Badges),
	)
	return identity, nil
}

// relaysFor is identifier hints, then the NIP-65 list merged with defaults,
// then the configured profile relays.
func (s *Service) relaysFor(ctx context.Context, pubkey string, hints []string) []string {
	relays := make([]string, 0, len(hints))
	for _, h := range hints {
		if u := nostr.EnforceWSS(h); u != "" {
			relays = append(relays, u)
		}
	}
	relays = append(relays, s.q.ResolveRelayListForIdentity(ctx, pubkey)...)
	for _, r := range s.q.Relays().Profile {
		if u := nostr.EnforceWSS(r); u != "" {
			relays = append(relays, u)
		}
	}
	return util.Dedupe(relays)
}

// FetchProfile returns the newest kind 0 for pubkey, walking relays in
// groups until one answers.
func (s *Service) FetchProfile(ctx context.Context, relays []string, pubkey string) *types.ProfileInfo {
	evt := s.q.FetchSingleWithFallback(ctx, relays, types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindProfile},
		Limit:   1,
	}, profileTimeout)
	if evt == nil {
		return nil
	}
	return ParseProfile(evt.Content)
}

// ParseProfile reads kind 0 content. Non-string fields are ignored rather
// than failing the whole profile.
func ParseProfile(content string) *types.ProfileInfo {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return nil
	}
	str := func(key string) string {
		v, _ := data[key].(string)
		return strings.TrimSpace(v)
	}

	profile := &types.ProfileInfo{
		Name:        str("name"),
		DisplayName: str("display_name"),
		Picture:     str("picture"),
		Nip05:       str("nip05"),
		About:       str("about"),
		Banner:      str("banner"),
		Lud16:       str("lud16"),
		Lud06:       str("lud06"),
		Website:     str("website"),
	}
	if profile.DisplayName == "" {
		profile.DisplayName = str("displayName")
	}
	return profile
}
