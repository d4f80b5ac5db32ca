package nips

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPubkey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestLNURLRoundTrip(t *testing.T) {
	raw := "https://service.com/api?q=3fc3645b439ce8e7f2553a69e5267081d96dcd340693afabe04be7b0ccd178df"

	encoded, err := EncodeLNURL(raw)
	require.NoError(t, err)
	require.True(t, IsLNURL(encoded))
	require.True(t, IsLNURL("lightning:"+encoded))

	decoded, err := DecodeLNURL("lightning:" + encoded)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestDecodeLNURLRejectsWrongHRP(t *testing.T) {
	npub, err := EncodeNpub(testPubkey)
	require.NoError(t, err)

	_, err = DecodeLNURL(npub)
	require.Error(t, err)
	require.False(t, IsLNURL(npub))
}

func TestDecodeIdentifier(t *testing.T) {
	npub, err := EncodeNpub(testPubkey)
	require.NoError(t, err)

	ptr, err := DecodeIdentifier(npub)
	require.NoError(t, err)
	require.Equal(t, testPubkey, ptr.Pubkey)

	ptr, err = DecodeIdentifier("nostr:" + npub)
	require.NoError(t, err)
	require.Equal(t, testPubkey, ptr.Pubkey)

	ptr, err = DecodeIdentifier(testPubkey)
	require.NoError(t, err)
	require.Equal(t, testPubkey, ptr.Pubkey)

	_, err = DecodeIdentifier("definitely-not-a-key")
	require.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestIsNIP05(t *testing.T) {
	require.True(t, IsNIP05("alice@example.com"))
	require.True(t, IsNIP05("_@example.com"))
	require.False(t, IsNIP05("alice@localhost"))
	require.False(t, IsNIP05("a@b@example.com"))
	require.False(t, IsNIP05(testPubkey))
}

func TestResolveIdentifierWithoutNetwork(t *testing.T) {
	ptr, err := ResolveIdentifier(context.Background(), testPubkey)
	require.NoError(t, err)
	require.Equal(t, testPubkey, ptr.Pubkey)
}
