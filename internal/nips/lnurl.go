package nips

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const lnurlHRP = "lnurl"

// IsLNURL reports whether s looks like a bech32-encoded LNURL (LUD-01).
// The "lightning:" URI scheme prefix is accepted.
func IsLNURL(s string) bool {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "lightning:"))
	return strings.HasPrefix(s, lnurlHRP+"1")
}

// DecodeLNURL decodes a bech32 LNURL into the URL it wraps.
// LNURLs routinely exceed the 90 char bech32 limit so the length check is skipped.
func DecodeLNURL(lnurl string) (string, error) {
	lnurl = strings.ToLower(strings.TrimSpace(lnurl))
	lnurl = strings.TrimPrefix(lnurl, "lightning:")

	hrp, data, err := bech32.DecodeNoLimit(lnurl)
	if err != nil {
		return "", fmt.Errorf("invalid lnurl: %w", err)
	}
	if hrp != lnurlHRP {
		return "", fmt.Errorf("incorrect hrp for lnurl: expected '%s', got '%s'", lnurlHRP, hrp)
	}

	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("invalid lnurl: %w", err)
	}
	return string(decoded), nil
}

// EncodeLNURL wraps a URL as an uppercase bech32 LNURL.
func EncodeLNURL(rawURL string) (string, error) {
	converted, err := bech32.ConvertBits([]byte(rawURL), 8, 5, true)
	if err != nil {
		return "", err
	}
	encoded, err := bech32.Encode(lnurlHRP, converted)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(encoded), nil
}
