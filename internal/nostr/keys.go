package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"nostr-buzz/internal/types"
)

// Signer fills in pubkey, id and sig of an event.
type Signer interface {
	PublicKey() string
	SignEvent(evt *types.Event) error
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewKeySigner builds a signer from a 32-byte hex secret key.
func NewKeySigner(secretHex string) (*KeySigner, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("secret key must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return newKeySigner(priv), nil
}

// GenerateKeySigner creates a signer with a fresh random key. Used for
// anonymous zap requests and NWC tests.
func GenerateKeySigner() (*KeySigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeySigner(priv), nil
}

func newKeySigner(priv *btcec.PrivateKey) *KeySigner {
	// x-only pubkey (BIP-340)
	pub := schnorr.SerializePubKey(priv.PubKey())
	return &KeySigner{priv: priv, pubHex: hex.EncodeToString(pub)}
}

// PublicKey returns the x-only public key as hex.
func (s *KeySigner) PublicKey() string {
	return s.pubHex
}

// SecretHex returns the secret key as hex.
func (s *KeySigner) SecretHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}

// PrivateKey exposes the underlying key for ECDH.
func (s *KeySigner) PrivateKey() *btcec.PrivateKey {
	return s.priv
}

// SignEvent sets PubKey, CreatedAt (when zero), ID and Sig.
func (s *KeySigner) SignEvent(evt *types.Event) error {
	evt.PubKey = s.pubHex
	if evt.CreatedAt == 0 {
		evt.CreatedAt = time.Now().Unix()
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.ID = ComputeID(evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
