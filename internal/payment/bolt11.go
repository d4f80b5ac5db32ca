package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/zpay32"
)

// InvoiceInfo is what settlement needs from a BOLT11 invoice.
type InvoiceInfo struct {
	PaymentHash string
	AmountMsat  int64 // 0 for amountless invoices
	ExpiresAt   time.Time
	Decoded     bool
}

// InspectInvoice decodes invoice. When decoding fails the payment id falls
// back to a hash of the invoice text and the expiry to now+fallbackExpiry.
func InspectInvoice(invoice string, now time.Time, fallbackExpiry time.Duration) InvoiceInfo {
	invoice = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(invoice), "lightning:"))

	fallback := InvoiceInfo{
		PaymentHash: fallbackPaymentID(invoice),
		ExpiresAt:   now.Add(fallbackExpiry),
	}

	params, err := invoiceNetwork(invoice)
	if err != nil {
		return fallback
	}
	decoded, err := zpay32.Decode(invoice, params)
	if err != nil || decoded.PaymentHash == nil {
		return fallback
	}

	info := InvoiceInfo{
		PaymentHash: hex.EncodeToString(decoded.PaymentHash[:]),
		ExpiresAt:   decoded.Timestamp.Add(decoded.Expiry()),
		Decoded:     true,
	}
	if decoded.MilliSat != nil {
		info.AmountMsat = int64(*decoded.MilliSat)
	}
	return info
}

// invoiceNetwork picks chain params from the BOLT11 human readable prefix.
// Longer prefixes are checked first since lnbcrt shares lnbc.
func invoiceNetwork(invoice string) (*chaincfg.Params, error) {
	switch {
	case strings.HasPrefix(invoice, "lnbcrt"):
		return &chaincfg.RegressionNetParams, nil
	case strings.HasPrefix(invoice, "lntbs"):
		return &chaincfg.SigNetParams, nil
	case strings.HasPrefix(invoice, "lntb"):
		return &chaincfg.TestNet3Params, nil
	case strings.HasPrefix(invoice, "lnsb"):
		return &chaincfg.SimNetParams, nil
	case strings.HasPrefix(invoice, "lnbc"):
		return &chaincfg.MainNetParams, nil
	default:
		return nil, errors.New("unknown invoice network prefix")
	}
}

func fallbackPaymentID(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
