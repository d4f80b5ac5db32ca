package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"nostr-buzz/internal/nips"
)

// LNURL-pay handling for Lightning payments

// PayInfo is the LNURL-pay descriptor served by a pay endpoint (LUD-06).
type PayInfo struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`    // millisats
	MaxSendable    int64  `json:"maxSendable"`    // millisats
	Metadata       string `json:"metadata"`       // JSON stringified metadata
	Tag            string `json:"tag"`            // should be "payRequest"
	AllowsNostr    bool   `json:"allowsNostr"`    // supports NIP-57 zaps
	NostrPubkey    string `json:"nostrPubkey"`    // pubkey for zap receipts
	CommentAllowed int    `json:"commentAllowed"` // max comment length, 0 = no comments
}

// Description returns the text/plain entry of the metadata array.
func (p *PayInfo) Description() string {
	var entries [][]string
	if err := json.Unmarshal([]byte(p.Metadata), &entries); err != nil {
		return ""
	}
	for _, e := range entries {
		if len(e) >= 2 && e[0] == "text/plain" {
			return e[1]
		}
	}
	return ""
}

// LightningAddressURL maps user@domain to https://domain/.well-known/lnurlp/user (LUD-16).
func LightningAddressURL(address string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(address), "@", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid lightning address: expected user@domain")
	}
	username, domain := parts[0], strings.ToLower(parts[1])
	if username == "" || domain == "" || strings.ContainsAny(domain, "/@?#") {
		return "", errors.New("invalid lightning address: empty username or domain")
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, url.PathEscape(strings.ToLower(username))), nil
}

// ParsePayInfo validates a descriptor body.
func ParsePayInfo(body []byte) (*PayInfo, error) {
	var info PayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lnurl response: %w", err)
	}
	if info.Tag != "" && info.Tag != "payRequest" {
		return nil, fmt.Errorf("unexpected lnurl tag: %s (expected payRequest)", info.Tag)
	}
	if info.Callback == "" {
		return nil, errors.New("lnurl missing callback")
	}
	if info.MinSendable <= 0 || info.MaxSendable <= 0 || info.MinSendable > info.MaxSendable {
		return nil, errors.New("lnurl missing amount limits")
	}
	return &info, nil
}

// FetchPayInfo fetches and validates the descriptor at endpoint. The raw body
// is returned for caching.
func (c *HTTPClient) FetchPayInfo(ctx context.Context, endpoint string) (*PayInfo, []byte, error) {
	body, err := c.GetJSON(ctx, "lnurl_descriptor", endpoint, nil)
	if err != nil {
		if IsProtocolError(err) {
			return nil, nil, fmt.Errorf("lnurl error: %w", err)
		}
		return nil, nil, fmt.Errorf("failed to fetch lnurl: %w", err)
	}
	info, err := ParsePayInfo(body)
	if err != nil {
		return nil, nil, err
	}
	return info, body, nil
}

// DecodeLNURL decodes a bech32 LNURL into the pay endpoint URL (LUD-01).
func DecodeLNURL(lnurl string) (string, error) {
	return nips.DecodeLNURL(lnurl)
}

// InvoiceParams are the callback query parameters.
type InvoiceParams struct {
	AmountMsat int64
	Comment    string // sent only when non-empty
	ZapRequest string // signed kind 9734 JSON, sent only when non-empty
	LNURL      string // sent alongside a zap request
	Method     string // gateway settlement method, sent only when non-empty
}

// Values encodes the params as callback query values.
func (p InvoiceParams) Values() url.Values {
	q := url.Values{}
	q.Set("amount", strconv.FormatInt(p.AmountMsat, 10))
	if p.Comment != "" {
		q.Set("comment", p.Comment)
	}
	if p.Method != "" {
		q.Set("method", p.Method)
	}
	if p.ZapRequest != "" {
		q.Set("nostr", p.ZapRequest)
		if p.LNURL != "" {
			q.Set("lnurl", p.LNURL)
		}
	}
	return q
}

// RequestInvoice calls the descriptor's callback and parses either the
// LNURL ({pr}) or the gateway ({status,payment}) response form.
func (c *HTTPClient) RequestInvoice(ctx context.Context, callback string, params InvoiceParams) (*CallbackResponse, error) {
	body, err := c.GetJSON(ctx, "lnurl_callback", callback, params.Values())
	if err != nil {
		if IsProtocolError(err) {
			return nil, fmt.Errorf("callback error: %w", err)
		}
		return nil, fmt.Errorf("failed to fetch invoice: %w", err)
	}
	return ParseCallbackResponse(body)
}
