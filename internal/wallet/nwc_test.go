package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

// fakeWallet is a relay and NWC wallet in one: it answers REQ with EOSE and
// replies to every kind 23194 request addressed to it.
type fakeWallet struct {
	t      *testing.T
	server *httptest.Server
	signer *nostr.KeySigner
	client *nostr.KeySigner

	mu       sync.Mutex
	methods  []string
	respond  bool
	errorFor string // method answered with an error
}

func newFakeWallet(t *testing.T) *fakeWallet {
	t.Helper()
	walletSigner, err := nostr.GenerateKeySigner()
	require.NoError(t, err)
	clientSigner, err := nostr.GenerateKeySigner()
	require.NoError(t, err)

	fw := &fakeWallet{t: t, signer: walletSigner, client: clientSigner, respond: true}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fw.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fw.serve(conn)
	}))
	t.Cleanup(fw.server.Close)
	return fw
}

func (fw *fakeWallet) uri() string {
	relay := "ws" + strings.TrimPrefix(fw.server.URL, "http")
	return uriScheme + fw.signer.PublicKey() + "?relay=" + relay + "&secret=" + fw.client.SecretHex()
}

func (fw *fakeWallet) serve(conn *websocket.Conn) {
	var subID string
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		var typ string
		_ = json.Unmarshal(msg[0], &typ)

		switch typ {
		case "REQ":
			_ = json.Unmarshal(msg[1], &subID)
			_ = conn.WriteJSON([]any{"EOSE", subID})
		case "EVENT":
			var req types.Event
			require.NoError(fw.t, json.Unmarshal(msg[1], &req))
			_ = conn.WriteJSON([]any{"OK", req.ID, true, ""})
			if resp := fw.answer(&req); resp != nil {
				_ = conn.WriteJSON([]any{"EVENT", subID, resp})
			}
		}
	}
}

func (fw *fakeWallet) answer(req *types.Event) *types.Event {
	key, err := nostr.ConversationKey(fw.signer.PrivateKey(), req.PubKey)
	require.NoError(fw.t, err)
	plain, err := nostr.Decrypt(req.Content, key)
	require.NoError(fw.t, err)

	var rpc Request
	require.NoError(fw.t, json.Unmarshal([]byte(plain), &rpc))

	fw.mu.Lock()
	fw.methods = append(fw.methods, rpc.Method)
	respond, errorFor := fw.respond, fw.errorFor
	fw.mu.Unlock()
	if !respond {
		return nil
	}

	var resp map[string]any
	switch {
	case rpc.Method == errorFor:
		resp = map[string]any{"result_type": rpc.Method, "error": map[string]string{"code": "INSUFFICIENT_BALANCE", "message": "not enough sats"}}
	case rpc.Method == "pay_invoice":
		resp = map[string]any{"result_type": "pay_invoice", "result": map[string]string{"preimage": strings.Repeat("11", 32)}}
	case rpc.Method == "get_balance":
		resp = map[string]any{"result_type": "get_balance", "result": map[string]int64{"balance": 42_000}}
	}
	body, err := json.Marshal(resp)
	require.NoError(fw.t, err)
	encrypted, err := nostr.Encrypt(string(body), key)
	require.NoError(fw.t, err)

	evt := &types.Event{
		Kind:    responseKind,
		Tags:    [][]string{{"p", req.PubKey}, {"e", req.ID}},
		Content: encrypted,
	}
	require.NoError(fw.t, fw.signer.SignEvent(evt))
	return evt
}

func TestParseURI(t *testing.T) {
	fw := newFakeWallet(t)
	cfg, err := ParseURI(fw.uri())
	require.NoError(t, err)
	require.Equal(t, fw.signer.PublicKey(), cfg.WalletPubkey)
	require.Equal(t, fw.client.PublicKey(), cfg.ClientPubkey())
	require.True(t, strings.HasPrefix(cfg.Relay, "ws://127.0.0.1"))

	bad := []string{
		"https://example.com",
		uriScheme + "abc?relay=wss://r&secret=" + strings.Repeat("11", 32),
		uriScheme + fw.signer.PublicKey() + "?secret=" + strings.Repeat("11", 32),
		uriScheme + fw.signer.PublicKey() + "?relay=https://r&secret=" + strings.Repeat("11", 32),
		uriScheme + fw.signer.PublicKey() + "?relay=wss://r",
		uriScheme + fw.signer.PublicKey() + "?relay=wss://r&secret=zz",
	}
	for _, uri := range bad {
		_, err := ParseURI(uri)
		require.Error(t, err, uri)
	}
}

func TestPayInvoice(t *testing.T) {
	fw := newFakeWallet(t)
	cfg, err := ParseURI(fw.uri())
	require.NoError(t, err)

	client := NewClient(cfg)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	preimage, err := client.PayInvoice(ctx, "lnbc1test")
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("11", 32), preimage)
	require.True(t, client.IsConnected())

	balance, err := client.GetBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42_000), balance)

	fw.mu.Lock()
	require.Equal(t, []string{"pay_invoice", "get_balance"}, fw.methods)
	fw.mu.Unlock()
}

func TestPayInvoiceWalletError(t *testing.T) {
	fw := newFakeWallet(t)
	fw.errorFor = "pay_invoice"
	cfg, err := ParseURI(fw.uri())
	require.NoError(t, err)

	client := NewClient(cfg)
	defer client.Close()

	_, err = client.PayInvoice(context.Background(), "lnbc1test")
	var walletErr *Error
	require.ErrorAs(t, err, &walletErr)
	require.Equal(t, "INSUFFICIENT_BALANCE", walletErr.Code)
}

func TestPayInvoiceTimeout(t *testing.T) {
	fw := newFakeWallet(t)
	fw.respond = false
	cfg, err := ParseURI(fw.uri())
	require.NoError(t, err)

	client := NewClient(cfg)
	client.timeout = 100 * time.Millisecond
	defer client.Close()

	_, err = client.PayInvoice(context.Background(), "lnbc1test")
	require.ErrorIs(t, err, ErrTimeout)
	require.Contains(t, err.Error(), "relay accepted")
}
