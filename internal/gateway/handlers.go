package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"nostr-buzz/internal/auth"
	"nostr-buzz/internal/config"
	"nostr-buzz/internal/logging"
	"nostr-buzz/internal/nips"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/services"
	"nostr-buzz/internal/types"
	"nostr-buzz/internal/util"
)

const (
	commentAllowed = 280
	publishTimeout = 10 * time.Second
	settleTokenAge = 24 * time.Hour
)

// Publisher delivers zap receipts to relays.
type Publisher interface {
	PublishAll(ctx context.Context, relays []string, evt *types.Event) []string
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	cfg       config.Gateway
	store     *Store
	signer    *nostr.KeySigner
	invoices  invoiceMaker
	publisher Publisher
	tokens    *auth.TokenSigner
	clock     clockwork.Clock
}

// NewHandler creates a handler. signer is both the zap receipt key and the
// invoice node key. publisher may be nil, in which case receipts are only
// logged.
func NewHandler(cfg config.Gateway, store *Store, signer *nostr.KeySigner, publisher Publisher, clock clockwork.Clock) (*Handler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = 10 * time.Minute
	}

	var tokens *auth.TokenSigner
	if cfg.SettleSecret != "" {
		tokens = auth.NewTokenSigner([]byte(cfg.SettleSecret), settleTokenAge)
	} else {
		var err error
		if tokens, err = auth.NewTokenSignerWithRandomSecret(settleTokenAge); err != nil {
			return nil, err
		}
	}

	return &Handler{
		cfg:       cfg,
		store:     store,
		signer:    signer,
		invoices:  invoiceMaker{key: signer.PrivateKey(), net: invoiceNetParams},
		publisher: publisher,
		tokens:    tokens,
		clock:     clock,
	}, nil
}

// SettleURL returns the capability URL that marks payment id as paid.
func (h *Handler) SettleURL(id string) string {
	return h.publicURL("/check/" + id + "/settle?token=" + h.tokens.Generate(id, h.clock.Now()))
}

// PayRequestHandler handles GET /lnurlp/{pubkey} and the LUD-16 form
// GET /.well-known/lnurlp/{pubkey}.
func (h *Handler) PayRequestHandler(w http.ResponseWriter, r *http.Request) {
	pubkey := strings.ToLower(mux.Vars(r)["pubkey"])
	if !nips.IsHexKey(pubkey) {
		util.RespondLNURLError(w, http.StatusOK, "unknown recipient")
		return
	}

	metadata, _ := json.Marshal([][]string{
		{"text/plain", "Zap " + nostr.ShortID(pubkey)},
		{"text/identifier", pubkey + "@" + h.host()},
	})
	util.WriteJSON(w, http.StatusOK, services.PayInfo{
		Callback:       h.publicURL("/lnurlp/" + pubkey + "/callback"),
		MinSendable:    h.cfg.MinSendable,
		MaxSendable:    h.cfg.MaxSendable,
		Metadata:       string(metadata),
		Tag:            "payRequest",
		AllowsNostr:    true,
		NostrPubkey:    h.signer.PublicKey(),
		CommentAllowed: commentAllowed,
	})
}

// CallbackHandler handles GET /lnurlp/{pubkey}/callback. It issues an
// artifact for the requested method and answers in the gateway form.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	pubkey := strings.ToLower(mux.Vars(r)["pubkey"])
	if !nips.IsHexKey(pubkey) {
		util.RespondLNURLError(w, http.StatusOK, "unknown recipient")
		return
	}

	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		util.RespondLNURLError(w, http.StatusOK, "invalid amount")
		return
	}
	if amount < h.cfg.MinSendable || amount > h.cfg.MaxSendable {
		util.RespondLNURLError(w, http.StatusOK,
			fmt.Sprintf("amount must be between %d and %d msat", h.cfg.MinSendable, h.cfg.MaxSendable))
		return
	}

	comment := q.Get("comment")
	if len([]rune(comment)) > commentAllowed {
		util.RespondLNURLError(w, http.StatusOK, fmt.Sprintf("comment longer than %d characters", commentAllowed))
		return
	}

	var zapRequest *types.Event
	if raw := q.Get("nostr"); raw != "" {
		var evt types.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			util.RespondLNURLError(w, http.StatusOK, "invalid zap request")
			return
		}
		if err := nostr.ValidateZapRequest(&evt, pubkey, amount); err != nil {
			util.RespondLNURLError(w, http.StatusOK, err.Error())
			return
		}
		zapRequest = &evt
	}

	method := strings.ToLower(q.Get("method"))
	if method == "" {
		method = services.MethodLightning
	}

	now := h.clock.Now()
	p := &Payment{
		Method:     method,
		Recipient:  pubkey,
		AmountMsat: amount,
		CreatedAt:  now,
		ZapRequest: zapRequest,
	}

	switch method {
	case services.MethodLightning:
		err = h.issueLightning(p, zapRequest, now)
	case services.MethodCashu:
		err = h.issueCashu(p, comment)
	case services.MethodArk:
		err = h.issueArk(p, now)
	default:
		util.RespondLNURLError(w, http.StatusOK, fmt.Sprintf("unsupported method %q", method))
		return
	}
	if errors.Is(err, errWholeSats) {
		util.RespondLNURLError(w, http.StatusOK, err.Error())
		return
	}
	if err == nil {
		err = h.store.Put(p)
	}
	if err != nil {
		log.Error("gateway: failed to issue payment", "method", method, "error", err)
		util.RespondLNURLError(w, http.StatusInternalServerError, "failed to issue payment")
		return
	}

	log.Info("gateway: issued payment",
		"id", nostr.ShortID(p.ID),
		"method", method,
		"recipient", nostr.ShortID(pubkey),
		"amount_msat", amount,
		"zap", zapRequest != nil,
	)
	// The settle URL carries the settle token
	log.Debug("gateway: settle url", "id", p.ID, "settle_url", h.SettleURL(p.ID))

	resp := services.CallbackResponse{
		Status: "ok",
		Payment: &services.GatewayPayment{
			Method:  method,
			Invoice: p.Invoice,
			Token:   p.Token,
			TxID:    p.TxID,
			ID:      p.ID,
		},
	}
	if !p.ExpiresAt.IsZero() {
		resp.Payment.Expires = p.ExpiresAt.Unix()
	}
	if method == services.MethodLightning {
		resp.Verify = h.publicURL("/check/" + p.ID)
	}
	if zapRequest != nil {
		resp.ZapEvent, _ = json.Marshal(zapRequest)
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

var errWholeSats = errors.New("amount must be a whole number of sats")

func (h *Handler) issueLightning(p *Payment, zapRequest *types.Event, now time.Time) error {
	// NIP-57: the invoice commits to the zap request instead of the metadata
	description := []byte(fmt.Sprintf("Zap %s", p.Recipient))
	if zapRequest != nil {
		encoded, err := nostr.EncodeEvent(zapRequest)
		if err != nil {
			return err
		}
		description = []byte(encoded)
	}

	inv, err := h.invoices.create(p.AmountMsat, sha256.Sum256(description), h.cfg.InvoiceExpiry, now)
	if err != nil {
		return err
	}
	p.ID = inv.PaymentHash
	p.Invoice = inv.Invoice
	p.Preimage = inv.Preimage
	p.ExpiresAt = now.Add(h.cfg.InvoiceExpiry)
	return nil
}

func (h *Handler) issueCashu(p *Payment, memo string) error {
	if p.AmountMsat%1000 != 0 {
		return errWholeSats
	}
	token, err := issueCashuToken(h.publicURL("/cashu"), p.AmountMsat/1000, memo)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(token))
	p.ID = fmt.Sprintf("%x", sum[:16])
	p.Token = token
	return nil
}

func (h *Handler) issueArk(p *Payment, now time.Time) error {
	if p.AmountMsat%1000 != 0 {
		return errWholeSats
	}
	txid, err := issueArkTxID()
	if err != nil {
		return err
	}
	p.ID = txid
	p.TxID = txid
	p.PaidAt = now
	return nil
}

// CheckHandler handles GET /check/{id}. The body satisfies both the gateway
// ({"status":"paid"}) and LUD-21 ({"settled":true}) readers.
func (h *Handler) CheckHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(mux.Vars(r)["id"])
	if err != nil {
		util.RespondLNURLError(w, http.StatusNotFound, "payment not found")
		return
	}
	h.writeStatus(w, &p)
}

// SettleHandler handles POST /check/{id}/settle?token=...: the demo stand-in
// for an incoming payment. Paid zaps get a receipt published to the zap
// request's relays.
func (h *Handler) SettleHandler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	id := mux.Vars(r)["id"]

	if !h.tokens.Validate(id, r.URL.Query().Get("token"), h.clock.Now()) {
		util.RespondLNURLError(w, http.StatusForbidden, "invalid settle token")
		return
	}

	p, changed, err := h.store.MarkPaid(id, h.clock.Now())
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		util.RespondLNURLError(w, http.StatusNotFound, "payment not found")
		return
	case errors.Is(err, ErrPaymentExpired):
		util.RespondLNURLError(w, http.StatusConflict, "payment expired")
		return
	case err != nil:
		util.RespondLNURLError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if changed {
		log.Info("gateway: payment settled", "id", nostr.ShortID(p.ID), "method", p.Method)
		if p.ZapRequest != nil && p.Method == services.MethodLightning {
			go h.publishReceipt(p)
		}
	}
	h.writeStatus(w, &p)
}

// HealthHandler handles GET /health
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"payments": h.store.Len(),
		"pubkey":   h.signer.PublicKey(),
	})
}

func (h *Handler) writeStatus(w http.ResponseWriter, p *Payment) {
	status := p.Status(h.clock.Now())
	resp := services.SettlementStatus{Status: status, Settled: status == StatusPaid}
	if resp.Settled {
		resp.Preimage = p.Preimage
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) publishReceipt(p Payment) {
	receipt, err := nostr.BuildZapReceipt(h.signer, p.ZapRequest, p.Invoice, p.Preimage, p.PaidAt.Unix())
	if err != nil {
		slog.Error("gateway: failed to build zap receipt", "id", nostr.ShortID(p.ID), "error", err)
		return
	}

	var relays []string
	for _, tag := range p.ZapRequest.Tags {
		if len(tag) > 1 && tag[0] == "relays" {
			relays = util.LimitSlice(util.Dedupe(tag[1:]), 10)
		}
	}
	if h.publisher == nil || len(relays) == 0 {
		slog.Info("gateway: zap receipt not published", "receipt_id", nostr.ShortID(receipt.ID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	accepted := h.publisher.PublishAll(ctx, relays, receipt)
	slog.Info("gateway: zap receipt published",
		"receipt_id", nostr.ShortID(receipt.ID),
		"relays", len(relays),
		"accepted", len(accepted),
	)
}

func (h *Handler) publicURL(path string) string {
	return strings.TrimRight(h.cfg.PublicURL, "/") + path
}

func (h *Handler) host() string {
	host := strings.TrimPrefix(strings.TrimPrefix(h.cfg.PublicURL, "https://"), "http://")
	host, _, _ = strings.Cut(host, "/")
	return host
}
