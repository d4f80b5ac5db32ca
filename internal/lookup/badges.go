package lookup

import (
	"context"
	"strconv"
	"strings"

	"nostr-buzz/internal/types"
	"nostr-buzz/internal/util"
)

// BadgeRef is one accepted badge from a profile_badges event.
type BadgeRef struct {
	Issuer  string
	D       string
	AwardID string
}

// FetchBadges returns the badges pubkey displays (NIP-58), in the order of
// its profile_badges event. Definitions that cannot be found are skipped.
func (s *Service) FetchBadges(ctx context.Context, relays []string, pubkey string) []types.Badge {
	profileBadges := s.q.FetchSingle(ctx, relays, types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{types.KindProfileBadges},
		DTags:   []string{"profile_badges"},
		Limit:   1,
	}, badgeTimeout)
	if profileBadges == nil {
		return []types.Badge{}
	}

	refs := ParseProfileBadges(profileBadges)
	if len(refs) == 0 {
		return []types.Badge{}
	}

	issuers := make([]string, 0, len(refs))
	ds := make([]string, 0, len(refs))
	for _, r := range refs {
		issuers = append(issuers, r.Issuer)
		ds = append(ds, r.D)
	}

	events := s.q.FetchMany(ctx, relays, types.Filter{
		Authors: util.Dedupe(issuers),
		Kinds:   []int{types.KindBadgeDefinition},
		DTags:   util.Dedupe(ds),
		Limit:   len(refs) * 2,
	}, badgeTimeout)

	// newest definition per issuer:d
	defs := make(map[string]types.Event, len(events))
	for _, re := range events {
		key := re.Event.PubKey + ":" + util.GetTagValue(re.Event.Tags, "d")
		if prev, ok := defs[key]; !ok || re.Event.CreatedAt > prev.CreatedAt {
			defs[key] = re.Event
		}
	}

	badges := make([]types.Badge, 0, len(refs))
	for _, r := range refs {
		def, ok := defs[r.Issuer+":"+r.D]
		if !ok {
			continue
		}
		badge := ParseBadgeDefinition(&def)
		badge.AwardID = r.AwardID
		badges = append(badges, badge)
	}
	return badges
}

// ParseProfileBadges reads the a/e tag pairs of a kind 30008 event.
func ParseProfileBadges(evt *types.Event) []BadgeRef {
	var refs []BadgeRef
	seen := make(map[string]bool)
	for i, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "a" {
			continue
		}
		parts := strings.SplitN(tag[1], ":", 3)
		if len(parts) != 3 || parts[0] != strconv.Itoa(types.KindBadgeDefinition) || parts[1] == "" {
			continue
		}
		if seen[tag[1]] {
			continue
		}
		seen[tag[1]] = true

		ref := BadgeRef{Issuer: parts[1], D: parts[2]}
		if i+1 < len(evt.Tags) {
			if next := evt.Tags[i+1]; len(next) >= 2 && next[0] == "e" {
				ref.AwardID = next[1]
			}
		}
		refs = append(refs, ref)
		if len(refs) == maxBadges {
			break
		}
	}
	return refs
}

// ParseBadgeDefinition reads a kind 30009 event.
func ParseBadgeDefinition(evt *types.Event) types.Badge {
	badge := types.Badge{
		ID:          util.GetTagValue(evt.Tags, "d"),
		Issuer:      evt.PubKey,
		Name:        util.GetTagValue(evt.Tags, "name"),
		Description: util.GetTagValue(evt.Tags, "description"),
		Image:       util.GetTagValue(evt.Tags, "image"),
		Thumb:       util.GetTagValue(evt.Tags, "thumb"),
	}
	if badge.Name == "" {
		badge.Name = badge.ID
	}
	return badge
}
