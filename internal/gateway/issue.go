package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// ============================================================================
// Lightning
// ============================================================================

var invoiceNetParams = &chaincfg.RegressionNetParams

// invoiceMaker signs regtest BOLT11 invoices with the gateway node key.
// Nothing routes to them; /check/{id}/settle stands in for a payment.
type invoiceMaker struct {
	key *btcec.PrivateKey
	net *chaincfg.Params
}

type issuedInvoice struct {
	Invoice     string
	PaymentHash string
	Preimage    string
}

func (m invoiceMaker) create(amountMsat int64, descriptionHash [32]byte, expiry time.Duration, now time.Time) (*issuedInvoice, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(preimage[:])

	invoice, err := zpay32.NewInvoice(m.net, hash, now,
		zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
		zpay32.DescriptionHash(descriptionHash),
		zpay32.Expiry(expiry),
	)
	if err != nil {
		return nil, fmt.Errorf("build invoice: %w", err)
	}

	encoded, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(m.key, msg, true)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign invoice: %w", err)
	}

	return &issuedInvoice{
		Invoice:     encoded,
		PaymentHash: hex.EncodeToString(hash[:]),
		Preimage:    hex.EncodeToString(preimage[:]),
	}, nil
}

// ============================================================================
// Cashu
// ============================================================================

// demoKeysetID is the keyset id stamped on demo proofs.
const demoKeysetID = "00ad268c4d1f5826"

type cashuProof struct {
	Amount int64  `json:"amount"`
	ID     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

type cashuTokenEntry struct {
	Mint   string       `json:"mint"`
	Proofs []cashuProof `json:"proofs"`
}

type cashuTokenV3 struct {
	Token []cashuTokenEntry `json:"token"`
	Unit  string            `json:"unit"`
	Memo  string            `json:"memo,omitempty"`
}

// issueCashuToken serializes a V3 token worth sats, split into power of two
// proofs the way mints denominate them.
func issueCashuToken(mint string, sats int64, memo string) (string, error) {
	var proofs []cashuProof
	for bit := int64(1); bit <= sats; bit <<= 1 {
		if sats&bit == 0 {
			continue
		}
		secret, err := randomHex(32)
		if err != nil {
			return "", err
		}
		point, err := randomHex(33)
		if err != nil {
			return "", err
		}
		proofs = append(proofs, cashuProof{Amount: bit, ID: demoKeysetID, Secret: secret, C: "02" + point[2:]})
	}

	body, err := json.Marshal(cashuTokenV3{
		Token: []cashuTokenEntry{{Mint: mint, Proofs: proofs}},
		Unit:  "sat",
		Memo:  memo,
	})
	if err != nil {
		return "", err
	}
	return "cashuA" + base64.RawURLEncoding.EncodeToString(body), nil
}

// ============================================================================
// Ark
// ============================================================================

func issueArkTxID() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
