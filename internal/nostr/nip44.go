package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 version 2 encryption, used for NWC request/response payloads.

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	maxPlaintextSize = 65535
)

var (
	ErrInvalidPubkey  = errors.New("invalid public key")
	ErrInvalidPayload = errors.New("invalid nip44 payload")
	ErrInvalidMAC     = errors.New("invalid MAC")
)

// ConversationKey derives the NIP-44 shared key between priv and an x-only pubkey.
func ConversationKey(priv *btcec.PrivateKey, pubkeyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPubkey
	}
	// x-only keys are lifted with an even y-coordinate
	pub, err := btcec.ParsePubKey(append([]byte{0x02}, raw...))
	if err != nil {
		return nil, ErrInvalidPubkey
	}

	shared := btcec.GenerateSharedSecret(priv, pub)
	if len(shared) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(shared):], shared)
		shared = padded
	}
	return hkdf.Extract(sha256.New, shared, []byte(nip44Salt)), nil
}

// messageKeys derives ChaCha20 key, nonce, and HMAC key from conversation key and nonce
func messageKeys(conversationKey, nonce []byte) (key, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 || len(nonce) != 32 {
		return nil, nil, nil, ErrInvalidPayload
	}
	keys := make([]byte, 76)
	if _, err := hkdf.Expand(sha256.New, conversationKey, nonce).Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

// paddedLen calculates the padded length for a given plaintext length
func paddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	if len(plaintext) < 1 || len(plaintext) > maxPlaintextSize {
		return nil, errors.New("invalid plaintext length")
	}
	out := make([]byte, 2+paddedLen(len(plaintext)))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(plaintext)))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrInvalidPayload
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 || len(padded) != 2+paddedLen(n) {
		return nil, errors.New("invalid padding")
	}
	return padded[2 : 2+n], nil
}

func macWithAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

// Encrypt encrypts plaintext with a random nonce.
func Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return EncryptWithNonce(plaintext, conversationKey, nonce)
}

// EncryptWithNonce produces version || nonce || ciphertext || mac, base64 encoded.
func EncryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	key, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(key, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	out := make([]byte, 0, 1+32+len(ciphertext)+32)
	out = append(out, nip44Version)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	out = append(out, macWithAAD(hmacKey, ciphertext, nonce)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses EncryptWithNonce.
func Decrypt(payload string, conversationKey []byte) (string, error) {
	if payload == "" || payload[0] == '#' {
		return "", errors.New("unsupported encryption version")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidPayload
	}
	if len(data) < 99 || len(data) > 65603 || data[0] != nip44Version {
		return "", ErrInvalidPayload
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	key, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(macWithAAD(hmacKey, ciphertext, nonce), mac) {
		return "", ErrInvalidMAC
	}

	stream, err := chacha20.NewUnauthenticatedCipher(key, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
