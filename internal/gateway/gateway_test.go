package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"nostr-buzz/internal/config"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/payment"
	"nostr-buzz/internal/services"
	"nostr-buzz/internal/types"
	"nostr-buzz/internal/util"
)

type fakePublisher struct {
	mu        sync.Mutex
	published chan *types.Event
	relays    []string
}

func (f *fakePublisher) PublishAll(_ context.Context, relays []string, evt *types.Event) []string {
	f.mu.Lock()
	f.relays = relays
	f.mu.Unlock()
	f.published <- evt
	return relays
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type testGateway struct {
	server    *httptest.Server
	clock     fakeClock
	signer    *nostr.KeySigner
	publisher *fakePublisher
	store     *Store
	handler   *Handler
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	signer, err := nostr.GenerateKeySigner()
	require.NoError(t, err)

	tg := &testGateway{
		clock:     clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0)),
		signer:    signer,
		publisher: &fakePublisher{published: make(chan *types.Event, 1)},
		store:     NewStore(time.Hour),
	}

	cfg := config.Gateway{
		InvoiceExpiry: 10 * time.Minute,
		MinSendable:   1000,
		MaxSendable:   1_000_000,
	}
	// The public URL is only known once the listener exists
	var handler http.Handler
	tg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(tg.server.Close)

	cfg.PublicURL = tg.server.URL
	h, err := NewHandler(cfg, tg.store, signer, tg.publisher, tg.clock)
	require.NoError(t, err)
	tg.handler = h
	handler = NewServer(h, cfg).Handler()
	return tg
}

func (tg *testGateway) get(t *testing.T, path string, query url.Values) map[string]json.RawMessage {
	t.Helper()
	u := tg.server.URL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	require.NoError(t, err)
	return decodeBody(t, resp)
}

func (tg *testGateway) settle(t *testing.T, id string) (int, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Post(tg.handler.SettleURL(id), "application/json", nil)
	require.NoError(t, err)
	return resp.StatusCode, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]json.RawMessage {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func decodeInto(t *testing.T, body map[string]json.RawMessage, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func stringField(body map[string]json.RawMessage, key string) string {
	var s string
	_ = json.Unmarshal(body[key], &s)
	return s
}

var recipient = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"

func TestPayRequestDescriptor(t *testing.T) {
	tg := newTestGateway(t)

	for _, path := range []string{"/lnurlp/" + recipient, "/.well-known/lnurlp/" + recipient} {
		raw, err := json.Marshal(tg.get(t, path, nil))
		require.NoError(t, err)
		info, err := services.ParsePayInfo(raw)
		require.NoError(t, err)
		require.Equal(t, tg.server.URL+"/lnurlp/"+recipient+"/callback", info.Callback)
		require.Equal(t, int64(1000), info.MinSendable)
		require.Equal(t, int64(1_000_000), info.MaxSendable)
		require.True(t, info.AllowsNostr)
		require.Equal(t, tg.signer.PublicKey(), info.NostrPubkey)
		require.Equal(t, "Zap "+nostr.ShortID(recipient), info.Description())
	}

	body := tg.get(t, "/lnurlp/bob", nil)
	require.Equal(t, "ERROR", stringField(body, "status"))
}

func TestLightningZapSettlesAndPublishesReceipt(t *testing.T) {
	tg := newTestGateway(t)

	sender, err := nostr.GenerateKeySigner()
	require.NoError(t, err)
	zapReq, err := nostr.BuildZapRequest(sender, nostr.ZapRequestParams{
		RecipientPubkey: recipient,
		AmountMsat:      21000,
		Relays:          []string{"wss://relay.example", "wss://relay.example"},
	})
	require.NoError(t, err)
	encoded, err := nostr.EncodeEvent(zapReq)
	require.NoError(t, err)

	body := tg.get(t, "/lnurlp/"+recipient+"/callback", url.Values{
		"amount": {"21000"},
		"nostr":  {encoded},
	})
	var resp services.CallbackResponse
	decodeInto(t, body, &resp)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, services.MethodLightning, resp.Method())
	require.NotEmpty(t, resp.ZapEvent)

	// The invoice is a real regtest BOLT11 committing to the amount
	info := payment.InspectInvoice(resp.Invoice(), tg.clock.Now(), time.Minute)
	require.True(t, info.Decoded)
	require.Equal(t, int64(21000), info.AmountMsat)
	require.Equal(t, resp.Payment.ID, info.PaymentHash)
	require.Equal(t, tg.clock.Now().Add(10*time.Minute).Unix(), info.ExpiresAt.Unix())
	require.Equal(t, tg.server.URL+"/check/"+info.PaymentHash, resp.Verify)

	status := tg.get(t, "/check/"+info.PaymentHash, nil)
	require.Equal(t, StatusPending, stringField(status, "status"))
	require.Empty(t, stringField(status, "preimage"))

	code, settled := tg.settle(t, info.PaymentHash)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, StatusPaid, stringField(settled, "status"))

	preimage, err := hex.DecodeString(stringField(settled, "preimage"))
	require.NoError(t, err)
	hash := sha256.Sum256(preimage)
	require.Equal(t, info.PaymentHash, hex.EncodeToString(hash[:]))

	select {
	case receipt := <-tg.publisher.published:
		require.Equal(t, types.KindZapReceipt, receipt.Kind)
		require.Equal(t, tg.signer.PublicKey(), receipt.PubKey)
		require.Equal(t, resp.Invoice(), util.GetTagValue(receipt.Tags, "bolt11"))
		require.Equal(t, recipient, util.GetTagValue(receipt.Tags, "p"))
		require.True(t, nostr.VerifyEvent(receipt))
	case <-time.After(5 * time.Second):
		t.Fatal("zap receipt was not published")
	}
	tg.publisher.mu.Lock()
	require.Equal(t, []string{"wss://relay.example"}, tg.publisher.relays)
	tg.publisher.mu.Unlock()

	// Settling again is idempotent and publishes nothing new
	code, _ = tg.settle(t, info.PaymentHash)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, tg.publisher.published, 0)
}

func TestCallbackRejections(t *testing.T) {
	tg := newTestGateway(t)
	sender, err := nostr.GenerateKeySigner()
	require.NoError(t, err)
	other, err := nostr.GenerateKeySigner()
	require.NoError(t, err)

	wrongRecipient, err := nostr.BuildZapRequest(sender, nostr.ZapRequestParams{
		RecipientPubkey: other.PublicKey(),
		AmountMsat:      5000,
		Relays:          []string{"wss://relay.example"},
	})
	require.NoError(t, err)
	wrongEncoded, err := nostr.EncodeEvent(wrongRecipient)
	require.NoError(t, err)

	long := make([]byte, commentAllowed+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := map[string]url.Values{
		"below min":       {"amount": {"999"}},
		"above max":       {"amount": {"1000001"}},
		"not a number":    {"amount": {"lots"}},
		"comment too big": {"amount": {"5000"}, "comment": {string(long)}},
		"bad zap json":    {"amount": {"5000"}, "nostr": {"{"}},
		"wrong recipient": {"amount": {"5000"}, "nostr": {wrongEncoded}},
		"unknown method":  {"amount": {"5000"}, "method": {"onchain"}},
		"cashu msat":      {"amount": {"5500"}, "method": {"cashu"}},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			body := tg.get(t, "/lnurlp/"+recipient+"/callback", q)
			require.Equal(t, "ERROR", stringField(body, "status"))
			require.NotEmpty(t, stringField(body, "reason"))
		})
	}
	require.Equal(t, 0, tg.store.Len())
}

func TestCashuToken(t *testing.T) {
	tg := newTestGateway(t)

	body := tg.get(t, "/lnurlp/"+recipient+"/callback", url.Values{
		"amount":  {"21000"},
		"method":  {"cashu"},
		"comment": {"gm"},
	})
	var resp services.CallbackResponse
	decodeInto(t, body, &resp)
	require.Equal(t, services.MethodCashu, resp.Method())
	require.Empty(t, resp.Verify)

	token, err := payment.DecodeCashuToken(resp.Payment.Token)
	require.NoError(t, err)
	require.Equal(t, int64(21), token.Amount)
	require.Equal(t, "sat", token.Unit)
	require.Equal(t, "gm", token.Memo)
	require.Equal(t, tg.server.URL+"/cashu", token.Mint)

	status := tg.get(t, "/check/"+resp.Payment.ID, nil)
	require.Equal(t, StatusPending, stringField(status, "status"))
}

func TestIssueLogDoesNotLeakSettleToken(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	tg := newTestGateway(t)
	body := tg.get(t, "/lnurlp/"+recipient+"/callback", url.Values{
		"amount": {"21000"},
		"method": {"cashu"},
	})
	var resp services.CallbackResponse
	decodeInto(t, body, &resp)

	settleURL, err := url.Parse(tg.handler.SettleURL(resp.Payment.ID))
	require.NoError(t, err)
	token := settleURL.Query().Get("token")
	require.NotEmpty(t, token)

	logs := buf.String()
	require.Contains(t, logs, "gateway: issued payment")
	require.NotContains(t, logs, token)
	require.NotContains(t, logs, "settle_url")
}

func TestArkIsPaidOnIssue(t *testing.T) {
	tg := newTestGateway(t)

	body := tg.get(t, "/lnurlp/"+recipient+"/callback", url.Values{
		"amount": {"3000"},
		"method": {"ark"},
	})
	var resp services.CallbackResponse
	decodeInto(t, body, &resp)
	require.Equal(t, services.MethodArk, resp.Method())
	require.Len(t, resp.Payment.TxID, 64)
	require.Equal(t, resp.Payment.TxID, resp.Payment.ID)

	status := tg.get(t, "/check/"+resp.Payment.ID, nil)
	require.Equal(t, StatusPaid, stringField(status, "status"))
}

func TestExpiredInvoiceCannotSettle(t *testing.T) {
	tg := newTestGateway(t)

	body := tg.get(t, "/lnurlp/"+recipient+"/callback", url.Values{"amount": {"2000"}})
	var resp services.CallbackResponse
	decodeInto(t, body, &resp)
	require.Equal(t, tg.clock.Now().Add(10*time.Minute).Unix(), resp.Payment.Expires)

	tg.clock.Advance(10 * time.Minute)
	status := tg.get(t, "/check/"+resp.Payment.ID, nil)
	require.Equal(t, StatusExpired, stringField(status, "status"))

	code, settled := tg.settle(t, resp.Payment.ID)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "ERROR", stringField(settled, "status"))

	code, _ = tg.settle(t, "unknown")
	require.Equal(t, http.StatusNotFound, code)
}

func TestSettleRequiresToken(t *testing.T) {
	tg := newTestGateway(t)

	body := tg.get(t, "/lnurlp/"+recipient+"/callback", url.Values{"amount": {"2000"}})
	var resp services.CallbackResponse
	decodeInto(t, body, &resp)

	for _, token := range []string{"", "1.forged", tg.handler.tokens.Generate("other", tg.clock.Now())} {
		r, err := http.Post(tg.server.URL+"/check/"+resp.Payment.ID+"/settle?token="+url.QueryEscape(token), "application/json", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusForbidden, r.StatusCode)
		r.Body.Close()
	}

	status := tg.get(t, "/check/"+resp.Payment.ID, nil)
	require.Equal(t, StatusPending, stringField(status, "status"))
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t)
	tg.get(t, "/lnurlp/"+recipient+"/callback", url.Values{"amount": {"2000"}})

	body := tg.get(t, "/health", nil)
	require.Equal(t, "ok", stringField(body, "status"))
	require.Equal(t, "1", string(body["payments"]))
	require.Equal(t, tg.signer.PublicKey(), stringField(body, "pubkey"))
}

func TestStoreCleanup(t *testing.T) {
	store := NewStore(time.Hour)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Put(&Payment{ID: strconv.Itoa(i), CreatedAt: now.Add(time.Duration(i) * time.Hour)}))
	}
	require.ErrorIs(t, store.Put(&Payment{ID: "0"}), ErrPaymentExists)

	require.Equal(t, 1, store.Cleanup(now.Add(90*time.Minute)))
	require.Equal(t, 2, store.Len())
	_, err := store.Get("0")
	require.ErrorIs(t, err, ErrPaymentNotFound)
}
