package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// ParseSats converts a user-entered sat amount ("21", "21.5") to millisats.
// Precision beyond one millisat is rejected.
func ParseSats(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, ErrInvalidAmount
	}
	sats, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if sats.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	msat := sats.Mul(thousand)
	if !msat.IsInteger() {
		return 0, errors.New("amount has sub-millisat precision")
	}
	return msat.IntPart(), nil
}

// FormatSats renders millisats as sats without trailing zeros.
func FormatSats(msat int64) string {
	return decimal.New(msat, -3).String()
}

// checkAmount enforces the descriptor's inclusive bounds.
func checkAmount(amountMsat int64, d *Descriptor) error {
	if amountMsat <= 0 {
		return ErrInvalidAmount
	}
	if amountMsat < d.MinSendable {
		return fmt.Errorf("%w: %s < %s sats", ErrAmountBelowMin, FormatSats(amountMsat), FormatSats(d.MinSendable))
	}
	if amountMsat > d.MaxSendable {
		return fmt.Errorf("%w: %s > %s sats", ErrAmountAboveMax, FormatSats(amountMsat), FormatSats(d.MaxSendable))
	}
	return nil
}
