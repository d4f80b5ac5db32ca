package payment

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"nostr-buzz/internal/nips"
	"nostr-buzz/internal/services"
	"nostr-buzz/internal/types"
)

// SettlementMode is how an attempt leaves AwaitingSettlement.
type SettlementMode int

const (
	SettlePoll        SettlementMode = iota // poll the status endpoint until paid or expired
	SettleAcknowledge                       // the payer confirms with Acknowledge
	SettleImmediate                         // succeed as soon as the artifact exists
)

// Backend is one settlement method. The set is closed: lightning, cashu, ark.
type Backend interface {
	Method() Method
	// Endpoint returns the pay endpoint to resolve for target and whether it
	// is a zap gateway.
	Endpoint(target Target, gatewayURL string) (string, bool, error)
	// Artifact builds the payable artifact from a callback response.
	Artifact(resp *services.CallbackResponse, d *Descriptor, req Request, now time.Time, defaultExpiry time.Duration) (*Artifact, error)
	Settlement() SettlementMode
}

var backends = map[Method]Backend{
	MethodLightning: lightningBackend{},
	MethodCashu:     cashuBackend{},
	MethodArk:       arkBackend{},
}

// BackendFor returns the backend for m.
func BackendFor(m Method) (Backend, error) {
	b, ok := backends[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
	}
	return b, nil
}

// ============================================================================
// Lightning
// ============================================================================

type lightningBackend struct{}

func (lightningBackend) Method() Method { return MethodLightning }

func (lightningBackend) Settlement() SettlementMode { return SettlePoll }

func (lightningBackend) Endpoint(target Target, _ string) (string, bool, error) {
	switch {
	case target.LightningAddress != "":
		// Some profiles carry an lnurl in lud16.
		if nips.IsLNURL(target.LightningAddress) {
			return decodeLNURLTarget(target.LightningAddress)
		}
		endpoint, err := services.LightningAddressURL(target.LightningAddress)
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return endpoint, false, nil
	case target.LNURL != "":
		if !nips.IsLNURL(target.LNURL) {
			return "", false, fmt.Errorf("%w: %q", ErrUnsupportedFormat, target.LNURL)
		}
		return decodeLNURLTarget(target.LNURL)
	default:
		return "", false, ErrNoPaymentEndpoint
	}
}

func decodeLNURLTarget(lnurl string) (string, bool, error) {
	endpoint, err := nips.DecodeLNURL(lnurl)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return endpoint, false, nil
}

func (lightningBackend) Artifact(resp *services.CallbackResponse, d *Descriptor, req Request, now time.Time, defaultExpiry time.Duration) (*Artifact, error) {
	invoice := resp.Invoice()
	info := InspectInvoice(invoice, now, defaultExpiry)
	if info.Decoded && info.AmountMsat > 0 && info.AmountMsat != req.AmountMsat {
		return nil, fmt.Errorf("%w: invoice %d msat, requested %d msat", ErrAmountMismatch, info.AmountMsat, req.AmountMsat)
	}

	art := &Artifact{
		Method:     MethodLightning,
		Invoice:    invoice,
		PaymentID:  info.PaymentHash,
		AmountMsat: req.AmountMsat,
		ExpiresAt:  info.ExpiresAt,
	}
	if !info.Decoded && resp.Payment != nil {
		if resp.Payment.ID != "" {
			art.PaymentID = resp.Payment.ID
		}
		if resp.Payment.Expires > 0 {
			art.ExpiresAt = time.Unix(resp.Payment.Expires, 0)
		}
	}

	art.StatusURL = resp.Verify
	if art.StatusURL == "" {
		statusURL, err := defaultStatusURL(d.CallbackURL, art.PaymentID)
		if err != nil {
			return nil, err
		}
		art.StatusURL = statusURL
	}
	art.ZapEvent = parseZapEvent(resp.ZapEvent)
	return art, nil
}

// defaultStatusURL is {scheme}://{callback host}/check/{paymentID}.
func defaultStatusURL(callback, paymentID string) (string, error) {
	u, err := url.Parse(callback)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid callback URL %q", callback)
	}
	return u.Scheme + "://" + u.Host + "/check/" + url.PathEscape(paymentID), nil
}

// ============================================================================
// Cashu
// ============================================================================

type cashuBackend struct{}

func (cashuBackend) Method() Method { return MethodCashu }

func (cashuBackend) Settlement() SettlementMode { return SettleAcknowledge }

func (cashuBackend) Endpoint(target Target, gatewayURL string) (string, bool, error) {
	return gatewayEndpoint(target, gatewayURL)
}

func (cashuBackend) Artifact(resp *services.CallbackResponse, _ *Descriptor, req Request, now time.Time, defaultExpiry time.Duration) (*Artifact, error) {
	p := resp.Payment
	art := &Artifact{
		Method:     MethodCashu,
		Token:      p.Token,
		PaymentID:  p.ID,
		AmountMsat: req.AmountMsat,
		ExpiresAt:  gatewayExpiry(p, now, defaultExpiry),
		ZapEvent:   parseZapEvent(resp.ZapEvent),
	}
	if art.PaymentID == "" {
		art.PaymentID = fallbackPaymentID(p.Token)
	}

	token, err := DecodeCashuToken(p.Token)
	if err != nil {
		slog.Debug("cashu token not inspectable", "error", err)
		return art, nil
	}
	art.Mint = token.Mint
	if token.Unit == "sat" && token.Amount*1000 != req.AmountMsat {
		slog.Warn("cashu token amount differs from request",
			"token_sats", token.Amount,
			"requested_msat", req.AmountMsat,
		)
	}
	return art, nil
}

// ============================================================================
// Ark
// ============================================================================

type arkBackend struct{}

func (arkBackend) Method() Method { return MethodArk }

func (arkBackend) Settlement() SettlementMode { return SettleImmediate }

func (arkBackend) Endpoint(target Target, gatewayURL string) (string, bool, error) {
	return gatewayEndpoint(target, gatewayURL)
}

func (arkBackend) Artifact(resp *services.CallbackResponse, _ *Descriptor, req Request, now time.Time, defaultExpiry time.Duration) (*Artifact, error) {
	p := resp.Payment
	art := &Artifact{
		Method:     MethodArk,
		TxID:       p.TxID,
		PaymentID:  p.TxID,
		AmountMsat: req.AmountMsat,
		ExpiresAt:  gatewayExpiry(p, now, defaultExpiry),
		ZapEvent:   parseZapEvent(resp.ZapEvent),
	}
	if p.ID != "" {
		art.PaymentID = p.ID
	}
	return art, nil
}

// ============================================================================
// Gateway helpers
// ============================================================================

func gatewayEndpoint(target Target, gatewayURL string) (string, bool, error) {
	if gatewayURL == "" {
		return "", false, fmt.Errorf("%w: no zap gateway configured", ErrNoPaymentEndpoint)
	}
	if !nips.IsHexKey(target.PubkeyHex) {
		return "", false, fmt.Errorf("%w: gateway payments need the recipient pubkey", ErrNoPaymentEndpoint)
	}
	return strings.TrimRight(gatewayURL, "/") + "/lnurlp/" + strings.ToLower(target.PubkeyHex), true, nil
}

func gatewayExpiry(p *services.GatewayPayment, now time.Time, defaultExpiry time.Duration) time.Time {
	if p != nil && p.Expires > 0 {
		return time.Unix(p.Expires, 0)
	}
	return now.Add(defaultExpiry)
}

func parseZapEvent(raw json.RawMessage) *types.Event {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var evt types.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		slog.Debug("ignoring malformed zap_event", "error", err)
		return nil
	}
	return &evt
}
