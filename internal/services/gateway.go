package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Settlement methods reported by a zap gateway.
const (
	MethodLightning = "lightning"
	MethodCashu     = "cashu"
	MethodArk       = "ark"
)

// GatewayPayment is the payment object of a gateway response.
type GatewayPayment struct {
	Method  string `json:"method"`
	Invoice string `json:"invoice,omitempty"`
	Token   string `json:"token,omitempty"`
	TxID    string `json:"txid,omitempty"`
	Expires int64  `json:"expires,omitempty"` // unix seconds
	ID      string `json:"id,omitempty"`
}

// CallbackResponse covers both callback response forms:
//
//	LNURL:   {"pr": "...", "verify": "..."}
//	gateway: {"status": "ok", "payment": {...}, "zap_event": {...}}
type CallbackResponse struct {
	PR       string          `json:"pr,omitempty"`
	Verify   string          `json:"verify,omitempty"`
	Status   string          `json:"status,omitempty"`
	Payment  *GatewayPayment `json:"payment,omitempty"`
	ZapEvent json.RawMessage `json:"zap_event,omitempty"`
}

// Method returns the settlement method; LNURL responses are lightning.
func (r *CallbackResponse) Method() string {
	if r.Payment != nil && r.Payment.Method != "" {
		return strings.ToLower(r.Payment.Method)
	}
	return MethodLightning
}

// Invoice returns the BOLT11 invoice from either form.
func (r *CallbackResponse) Invoice() string {
	if r.PR != "" {
		return r.PR
	}
	if r.Payment != nil {
		return r.Payment.Invoice
	}
	return ""
}

// ParseCallbackResponse validates a callback body.
func ParseCallbackResponse(body []byte) (*CallbackResponse, error) {
	var resp CallbackResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse callback response: %w", err)
	}
	if resp.Status != "" && !strings.EqualFold(resp.Status, "ok") {
		return nil, fmt.Errorf("callback returned status %q", resp.Status)
	}

	switch resp.Method() {
	case MethodLightning:
		if resp.Invoice() == "" {
			return nil, errors.New("callback returned empty invoice")
		}
	case MethodCashu:
		if resp.Payment.Token == "" {
			return nil, errors.New("callback returned empty cashu token")
		}
	case MethodArk:
		if resp.Payment.TxID == "" {
			return nil, errors.New("callback returned empty ark txid")
		}
	default:
		return nil, fmt.Errorf("unknown payment method %q", resp.Payment.Method)
	}
	return &resp, nil
}

// SettlementStatus is the body of a status check.
//
//	gateway: {"status": "paid"}
//	LUD-21:  {"status": "OK", "settled": true, "preimage": "..."}
type SettlementStatus struct {
	Status   string `json:"status"`
	Settled  bool   `json:"settled"`
	Preimage string `json:"preimage,omitempty"`
}

// Paid reports whether the payment has settled.
func (s *SettlementStatus) Paid() bool {
	return s.Settled || strings.EqualFold(s.Status, "paid")
}

// CheckStatus fetches statusURL once. Poll loops call it per tick, so it
// never retries.
func (c *HTTPClient) CheckStatus(ctx context.Context, statusURL string) (*SettlementStatus, error) {
	single := *c
	single.retry.Attempts = 1

	body, err := single.GetJSON(ctx, "settlement_status", statusURL, nil)
	if err != nil {
		return nil, err
	}
	var status SettlementStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}
	return &status, nil
}
