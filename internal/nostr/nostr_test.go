package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"nostr-buzz/internal/types"
)

func TestSignAndVerify(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	evt := &types.Event{Kind: types.KindNote, Content: "gm <friends> & \"nostr\""}
	require.NoError(t, signer.SignEvent(evt))

	require.Len(t, evt.ID, 64)
	require.Len(t, evt.Sig, 128)
	require.Equal(t, signer.PublicKey(), evt.PubKey)
	require.True(t, VerifyEvent(evt))

	evt.Content = "tampered"
	require.False(t, VerifyEvent(evt))
}

func TestNewKeySignerRoundTrip(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	again, err := NewKeySigner(signer.SecretHex())
	require.NoError(t, err)
	require.Equal(t, signer.PublicKey(), again.PublicKey())

	_, err = NewKeySigner("abcd")
	require.Error(t, err)
}

func TestParseEventFromInterface(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	evt := &types.Event{Kind: types.KindProfile, Content: `{"name":"alice"}`, Tags: [][]string{{"t", "zap"}}}
	require.NoError(t, signer.SignEvent(evt))

	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	var generic interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))

	parsed, ok := ParseEventFromInterface(generic)
	require.True(t, ok)
	require.Equal(t, *evt, parsed)

	tampered := evt.Sig[:126] + "00"
	if tampered == evt.Sig {
		tampered = evt.Sig[:126] + "01"
	}
	generic.(map[string]interface{})["sig"] = tampered
	_, ok = ParseEventFromInterface(generic)
	require.False(t, ok)

	_, ok = ParseEventFromInterface("not an event")
	require.False(t, ok)
}

func TestBuildZapRequest(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	recipient, err := GenerateKeySigner()
	require.NoError(t, err)

	evt, err := BuildZapRequest(signer, ZapRequestParams{
		RecipientPubkey: recipient.PublicKey(),
		EventID:         "ee" + recipient.PublicKey()[2:],
		AmountMsat:      21000,
		Relays:          []string{"wss://relay.damus.io", "wss://nos.lol"},
		Comment:         "great post",
	})
	require.NoError(t, err)
	require.Equal(t, types.KindZapRequest, evt.Kind)
	require.Equal(t, "great post", evt.Content)
	require.Equal(t, []string{"relays", "wss://relay.damus.io", "wss://nos.lol"}, evt.Tags[0])
	require.Equal(t, []string{"amount", "21000"}, evt.Tags[1])
	require.True(t, VerifyEvent(evt))

	_, err = BuildZapRequest(signer, ZapRequestParams{RecipientPubkey: recipient.PublicKey()})
	require.Error(t, err)
}

func TestValidateZapRequestAndReceipt(t *testing.T) {
	sender, err := GenerateKeySigner()
	require.NoError(t, err)
	recipient, err := GenerateKeySigner()
	require.NoError(t, err)
	gateway, err := GenerateKeySigner()
	require.NoError(t, err)

	req, err := BuildZapRequest(sender, ZapRequestParams{
		RecipientPubkey: recipient.PublicKey(),
		AmountMsat:      21000,
		Relays:          []string{"wss://nos.lol"},
	})
	require.NoError(t, err)

	require.NoError(t, ValidateZapRequest(req, recipient.PublicKey(), 21000))
	require.Error(t, ValidateZapRequest(req, recipient.PublicKey(), 22000))
	require.Error(t, ValidateZapRequest(req, sender.PublicKey(), 21000))

	tampered := *req
	tampered.Content = "changed"
	require.Error(t, ValidateZapRequest(&tampered, recipient.PublicKey(), 21000))

	receipt, err := BuildZapReceipt(gateway, req, "lnbcrt210n1test", "", 1700000000)
	require.NoError(t, err)
	require.Equal(t, types.KindZapReceipt, receipt.Kind)
	require.Equal(t, gateway.PublicKey(), receipt.PubKey)
	require.Equal(t, int64(1700000000), receipt.CreatedAt)
	require.Contains(t, receipt.Tags, []string{"p", recipient.PublicKey()})
	require.Contains(t, receipt.Tags, []string{"P", sender.PublicKey()})
	require.Contains(t, receipt.Tags, []string{"bolt11", "lnbcrt210n1test"})
	require.True(t, VerifyEvent(receipt))

	var desc types.Event
	for _, tag := range receipt.Tags {
		if tag[0] == "description" {
			require.NoError(t, json.Unmarshal([]byte(tag[1]), &desc))
		}
	}
	require.Equal(t, req.ID, desc.ID)
}

func TestNormalizeRelayURL(t *testing.T) {
	cases := map[string]string{
		"wss://Relay.Damus.io/":       "wss://relay.damus.io",
		" wss://nos.lol ":             "wss://nos.lol",
		"ws://localhost:7777":         "ws://localhost:7777",
		"https://relay.damus.io":      "",
		"wss://https://relay.damus.io": "",
		"wss://relay.onion":           "",
		"relay.damus.io":              "",
		"wss://relay.example.com/sub/": "wss://relay.example.com/sub",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeRelayURL(in), in)
	}
}

func TestEnforceWSS(t *testing.T) {
	require.Equal(t, "wss://relay.damus.io", EnforceWSS("ws://relay.damus.io"))
	require.Equal(t, "wss://nos.lol", EnforceWSS("wss://nos.lol/"))
	require.Equal(t, "ws://127.0.0.1:4000", EnforceWSS("ws://127.0.0.1:4000"))
	require.Equal(t, "", EnforceWSS("http://relay.damus.io"))
}

func TestNip44RoundTrip(t *testing.T) {
	alice, err := GenerateKeySigner()
	require.NoError(t, err)
	bob, err := GenerateKeySigner()
	require.NoError(t, err)

	keyAB, err := ConversationKey(alice.PrivateKey(), bob.PublicKey())
	require.NoError(t, err)
	keyBA, err := ConversationKey(bob.PrivateKey(), alice.PublicKey())
	require.NoError(t, err)
	require.Equal(t, keyAB, keyBA)

	payload, err := Encrypt(`{"method":"pay_invoice"}`, keyAB)
	require.NoError(t, err)

	plain, err := Decrypt(payload, keyBA)
	require.NoError(t, err)
	require.Equal(t, `{"method":"pay_invoice"}`, plain)

	other, err := GenerateKeySigner()
	require.NoError(t, err)
	wrongKey, err := ConversationKey(other.PrivateKey(), bob.PublicKey())
	require.NoError(t, err)
	_, err = Decrypt(payload, wrongKey)
	require.ErrorIs(t, err, ErrInvalidMAC)
}

func TestPaddedLen(t *testing.T) {
	cases := map[int]int{1: 32, 32: 32, 33: 64, 37: 64, 65: 96, 100: 128, 257: 320, 1025: 1280}
	for in, want := range cases {
		require.Equal(t, want, paddedLen(in), in)
	}
}
