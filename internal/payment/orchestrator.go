package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"nostr-buzz/internal/cache"
	"nostr-buzz/internal/config"
	"nostr-buzz/internal/logging"
	"nostr-buzz/internal/nips"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/services"
	"nostr-buzz/internal/types"
	"nostr-buzz/internal/util"
)

const maxZapRelays = 5

// WalletPayer pays a BOLT11 invoice directly and returns the preimage.
type WalletPayer interface {
	PayInvoice(ctx context.Context, invoice string) (string, error)
}

// ReceiptFinder looks up the kind 9735 receipt for a paid invoice.
type ReceiptFinder interface {
	FindZapReceipt(ctx context.Context, relayURLs []string, recipient, bolt11 string, since time.Time, timeout time.Duration) *types.Event
}

// Orchestrator creates payment attempts and holds their shared dependencies.
type Orchestrator struct {
	cfg       config.Payments
	http      *services.HTTPClient
	clock     clockwork.Clock
	endpoints *cache.PayEndpointStore
	signer    nostr.Signer
	wallet    WalletPayer
	receipts  ReceiptFinder
	zapRelays []string
	clientTag []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for polling and expiry.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithEndpointCache caches resolved descriptors.
func WithEndpointCache(store *cache.PayEndpointStore) Option {
	return func(o *Orchestrator) { o.endpoints = store }
}

// WithSigner signs zap requests as the sender. Without it zap requests are
// signed with a fresh key per attempt.
func WithSigner(s nostr.Signer) Option {
	return func(o *Orchestrator) { o.signer = s }
}

// WithWallet enables PayWithWallet.
func WithWallet(w WalletPayer) Option {
	return func(o *Orchestrator) { o.wallet = w }
}

// WithReceipts attaches zap receipts to Lightning outcomes.
func WithReceipts(f ReceiptFinder) Option {
	return func(o *Orchestrator) { o.receipts = f }
}

// WithZapRelays sets the relays listed in zap requests and searched for receipts.
func WithZapRelays(relays []string) Option {
	return func(o *Orchestrator) { o.zapRelays = relays }
}

// WithClientTag appends a NIP-89 client tag to zap requests.
func WithClientTag(tag []string) Option {
	return func(o *Orchestrator) { o.clientTag = tag }
}

// New creates an orchestrator. client performs every HTTP call.
func New(cfg config.Payments, client *services.HTTPClient, opts ...Option) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 10 * time.Minute
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 5 * time.Second
	}
	o := &Orchestrator{
		cfg:   cfg,
		http:  client,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HasWallet reports whether direct wallet payment is available.
func (o *Orchestrator) HasWallet() bool {
	return o.wallet != nil
}

// ResolveAndPay resolves target's endpoint for req.Method and confirms req.
// The attempt is returned even on failure so the caller can inspect or retry it.
func (o *Orchestrator) ResolveAndPay(ctx context.Context, target Target, req Request, cb Callbacks) (*Attempt, error) {
	method, err := ParseMethod(string(req.Method))
	if err != nil {
		return nil, err
	}
	req.Method = method

	a := o.NewAttempt(target, cb)
	if err := a.Resolve(ctx, method); err != nil {
		return a, err
	}
	if err := a.Confirm(ctx, req); err != nil {
		return a, err
	}
	return a, nil
}

// resolve fetches and validates the descriptor for target.
func (o *Orchestrator) resolve(ctx context.Context, target Target, b Backend) (*Descriptor, error) {
	endpoint, gateway, err := b.Endpoint(target, o.cfg.ZapGatewayURL)
	if err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx)

	info, err := o.payInfo(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Endpoint:       endpoint,
		CallbackURL:    info.Callback,
		MinSendable:    info.MinSendable,
		MaxSendable:    info.MaxSendable,
		CommentAllowed: info.CommentAllowed,
		NostrPubkey:    info.NostrPubkey,
		Metadata:       info.Metadata,
		Gateway:        gateway,
	}
	d.SupportsNostrZap = info.AllowsNostr && nips.IsHexKey(info.NostrPubkey)

	switch {
	case target.LNURL != "" && nips.IsLNURL(target.LNURL):
		d.LNURL = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(target.LNURL), "lightning:"))
	default:
		if encoded, err := nips.EncodeLNURL(endpoint); err == nil {
			d.LNURL = strings.ToLower(encoded)
		}
	}

	log.Debug("pay endpoint resolved",
		"endpoint", endpoint,
		"min_msat", d.MinSendable,
		"max_msat", d.MaxSendable,
		"nostr", d.SupportsNostrZap,
	)
	return d, nil
}

// payInfo returns the descriptor at endpoint, consulting the cache first.
// Only server-reported failures are cached; transport errors are not.
func (o *Orchestrator) payInfo(ctx context.Context, endpoint string) (*services.PayInfo, error) {
	if o.endpoints != nil {
		if raw, found := o.endpoints.Get(ctx, endpoint); found {
			if raw == nil {
				return nil, fmt.Errorf("pay endpoint unavailable (cached): %s", endpoint)
			}
			if info, err := services.ParsePayInfo(raw); err == nil {
				return info, nil
			}
		}
	}

	info, raw, err := o.http.FetchPayInfo(ctx, endpoint)
	if err != nil {
		if o.endpoints != nil && services.IsProtocolError(err) {
			o.endpoints.Set(ctx, endpoint, nil)
		}
		return nil, err
	}
	if o.endpoints != nil {
		o.endpoints.Set(ctx, endpoint, raw)
	}
	return info, nil
}

// generate requests an artifact from the descriptor's callback.
func (o *Orchestrator) generate(ctx context.Context, target Target, d *Descriptor, req Request) (*Artifact, error) {
	b, err := BackendFor(req.Method)
	if err != nil {
		return nil, err
	}

	params := services.InvoiceParams{AmountMsat: req.AmountMsat}
	if d.CommentAllowed > 0 {
		params.Comment = req.Comment
	}
	if d.Gateway {
		params.Method = string(req.Method)
	}

	var zapRequest *types.Event
	if req.EventID != "" && d.SupportsNostrZap {
		zapRequest, err = o.zapRequest(target, d, req)
		if err != nil {
			return nil, fmt.Errorf("failed to build zap request: %w", err)
		}
		if zapRequest != nil {
			encoded, err := nostr.EncodeEvent(zapRequest)
			if err != nil {
				return nil, err
			}
			params.ZapRequest = encoded
			params.LNURL = d.LNURL
		}
	}

	resp, err := o.http.RequestInvoice(ctx, d.CallbackURL, params)
	if err != nil {
		return nil, err
	}
	if got := Method(resp.Method()); got != req.Method {
		return nil, fmt.Errorf("%w: requested %s, got %s", ErrUnexpectedResponse, req.Method, got)
	}

	art, err := b.Artifact(resp, d, req, o.clock.Now(), o.cfg.DefaultExpiry)
	if err != nil {
		return nil, err
	}
	art.ZapRequest = zapRequest
	return art, nil
}

// zapRequest signs a kind 9734 for req. It returns nil when the target has
// no pubkey to zap.
func (o *Orchestrator) zapRequest(target Target, d *Descriptor, req Request) (*types.Event, error) {
	if !nips.IsHexKey(target.PubkeyHex) {
		slog.Debug("skipping zap request, target has no pubkey")
		return nil, nil
	}

	signer := o.signer
	if signer == nil {
		ephemeral, err := nostr.GenerateKeySigner()
		if err != nil {
			return nil, err
		}
		signer = ephemeral
	}

	relays := o.zapRelays
	if req.RelayHint != "" {
		relays = append([]string{req.RelayHint}, relays...)
	}
	relays = util.LimitSlice(util.Dedupe(relays), maxZapRelays)
	if len(relays) == 0 {
		slog.Debug("skipping zap request, no relays for the receipt")
		return nil, nil
	}

	params := nostr.ZapRequestParams{
		RecipientPubkey: strings.ToLower(target.PubkeyHex),
		EventID:         req.EventID,
		AmountMsat:      req.AmountMsat,
		LNURL:           d.LNURL,
		Relays:          relays,
		Comment:         req.Comment,
	}
	if len(o.clientTag) > 0 {
		params.ExtraTags = [][]string{o.clientTag}
	}
	return nostr.BuildZapRequest(signer, params)
}

// settlement is the result of one status poll.
type settlement struct {
	paid     bool
	preimage string
	err      error
}

// checkSettlement polls art's status URL once.
func (o *Orchestrator) checkSettlement(ctx context.Context, art *Artifact) settlement {
	status, err := o.http.CheckStatus(ctx, art.StatusURL)
	if err != nil {
		return settlement{err: err}
	}
	if !status.Paid() {
		return settlement{}
	}
	return settlement{paid: true, preimage: status.Preimage}
}

// receiptRelays returns where art's zap receipt would be published, or nil
// when there is no zap request or no receipt finder.
func (o *Orchestrator) receiptRelays(art *Artifact) []string {
	if o.receipts == nil || art.Method != MethodLightning || art.ZapRequest == nil {
		return nil
	}
	for _, tag := range art.ZapRequest.Tags {
		if len(tag) > 1 && tag[0] == "relays" {
			return tag[1:]
		}
	}
	if len(o.zapRelays) == 0 {
		return nil
	}
	return o.zapRelays
}

func (o *Orchestrator) findReceipt(ctx context.Context, target Target, art *Artifact) *types.Event {
	relays := o.receiptRelays(art)
	if relays == nil {
		return nil
	}
	since := time.Unix(art.ZapRequest.CreatedAt, 0).Add(-time.Minute)
	return o.receipts.FindZapReceipt(ctx, relays, strings.ToLower(target.PubkeyHex), art.Invoice, since, o.cfg.ReceiptTimeout)
}

// payWithWallet pays art through the configured wallet.
func (o *Orchestrator) payWithWallet(ctx context.Context, art *Artifact) (string, error) {
	if o.wallet == nil {
		return "", ErrNoWallet
	}
	preimage, err := o.wallet.PayInvoice(ctx, art.Invoice)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("wallet payment failed: %w", err)
	}
	return preimage, nil
}
