// Package auth signs short-lived capability tokens.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenSigner issues HMAC tokens bound to a subject, such as a payment id.
type TokenSigner struct {
	secret []byte
	maxAge time.Duration
}

// NewTokenSigner creates a signer with the given secret.
func NewTokenSigner(secret []byte, maxAge time.Duration) *TokenSigner {
	return &TokenSigner{secret: secret, maxAge: maxAge}
}

// NewTokenSignerWithRandomSecret creates a signer whose tokens are only valid
// for the life of the process.
func NewTokenSignerWithRandomSecret(maxAge time.Duration) (*TokenSigner, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	return &TokenSigner{secret: secret, maxAge: maxAge}, nil
}

// Generate creates a signed token for subject.
// Format: timestamp.signature (base64 encoded)
func (s *TokenSigner) Generate(subject string, now time.Time) string {
	timestamp := now.Unix()
	signature := s.computeSignature(subject, timestamp)
	return fmt.Sprintf("%d.%s", timestamp, signature)
}

// Validate checks that token was issued for subject and has not expired.
func (s *TokenSigner) Validate(subject, token string, now time.Time) bool {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return false
	}

	timestamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}

	if now.Unix()-timestamp > int64(s.maxAge.Seconds()) {
		return false
	}

	expectedSignature := s.computeSignature(subject, timestamp)
	return hmac.Equal([]byte(parts[1]), []byte(expectedSignature))
}

func (s *TokenSigner) computeSignature(subject string, timestamp int64) string {
	data := fmt.Sprintf("%s.%d", subject, timestamp)

	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(data))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
