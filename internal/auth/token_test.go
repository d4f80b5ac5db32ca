package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenSigner(t *testing.T) {
	signer, err := NewTokenSignerWithRandomSecret(time.Hour)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	token := signer.Generate("payment-1", now)
	require.True(t, signer.Validate("payment-1", token, now.Add(59*time.Minute)))
	require.False(t, signer.Validate("payment-1", token, now.Add(61*time.Minute)))
	require.False(t, signer.Validate("payment-2", token, now))
	require.False(t, signer.Validate("payment-1", "garbage", now))
	require.False(t, signer.Validate("payment-1", "123.abc", now))

	other := NewTokenSigner([]byte("another secret"), time.Hour)
	require.False(t, other.Validate("payment-1", token, now))
}
