// Package nips holds the identifier codecs used by the aggregator and the
// payment flow: NIP-19 bech32 entities, NIP-05 addresses and LUD-01 LNURLs.
package nips

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrUnknownIdentifier is returned when an identifier is neither a NIP-19
// entity, a hex pubkey nor a NIP-05 address.
var ErrUnknownIdentifier = errors.New("unrecognized identifier")

// Pointer is a decoded reference to a profile or an event.
type Pointer struct {
	Pubkey     string   // hex, set for npub/nprofile/hex/nip05 and nevent authors
	EventID    string   // hex, set for note/nevent
	RelayHints []string // relay URLs carried in the identifier
}

// IsHexKey reports whether s is a 32-byte lowercase-insensitive hex string.
func IsHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// DecodeIdentifier decodes npub, nprofile, note, nevent or a raw hex pubkey.
// NIP-05 addresses need network access and are handled by ResolveIdentifier.
func DecodeIdentifier(identifier string) (*Pointer, error) {
	identifier = strings.TrimSpace(identifier)
	identifier = strings.TrimPrefix(identifier, "nostr:")

	if IsHexKey(identifier) {
		return &Pointer{Pubkey: strings.ToLower(identifier)}, nil
	}

	prefix, value, err := nip19.Decode(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownIdentifier, err)
	}

	switch prefix {
	case "npub":
		return &Pointer{Pubkey: value.(string)}, nil
	case "nprofile":
		pp := value.(nostr.ProfilePointer)
		return &Pointer{Pubkey: pp.PublicKey, RelayHints: pp.Relays}, nil
	case "note":
		return &Pointer{EventID: value.(string)}, nil
	case "nevent":
		ep := value.(nostr.EventPointer)
		return &Pointer{EventID: ep.ID, Pubkey: ep.Author, RelayHints: ep.Relays}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported prefix %s", ErrUnknownIdentifier, prefix)
	}
}

// DecodeNsec decodes a bech32 secret key, or passes a hex key through.
func DecodeNsec(nsec string) (string, error) {
	nsec = strings.TrimSpace(nsec)
	if IsHexKey(nsec) {
		return strings.ToLower(nsec), nil
	}
	prefix, value, err := nip19.Decode(nsec)
	if err != nil {
		return "", err
	}
	if prefix != "nsec" {
		return "", fmt.Errorf("expected nsec, got %s", prefix)
	}
	return value.(string), nil
}

// EncodeNpub encodes a hex pubkey to npub format
func EncodeNpub(pubkeyHex string) (string, error) {
	return nip19.EncodePublicKey(pubkeyHex)
}

// IsNIP05 reports whether s has the name@domain shape of a NIP-05 address.
func IsNIP05(s string) bool {
	at := strings.Index(s, "@")
	return at >= 0 && at == strings.LastIndex(s, "@") && strings.Contains(s[at+1:], ".")
}

// ResolveIdentifier decodes identifier, querying the domain's nostr.json for
// NIP-05 addresses.
func ResolveIdentifier(ctx context.Context, identifier string) (*Pointer, error) {
	identifier = strings.TrimSpace(identifier)
	if IsNIP05(identifier) {
		pp, err := nip05.QueryIdentifier(ctx, identifier)
		if err != nil {
			return nil, fmt.Errorf("nip05 lookup %s: %w", identifier, err)
		}
		if pp == nil || !IsHexKey(pp.PublicKey) {
			return nil, fmt.Errorf("nip05 lookup %s: no pubkey", identifier)
		}
		return &Pointer{Pubkey: pp.PublicKey, RelayHints: pp.Relays}, nil
	}
	return DecodeIdentifier(identifier)
}
