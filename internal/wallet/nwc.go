// Package wallet implements a Nostr Wallet Connect (NIP-47) client used to
// pay Lightning artifacts directly.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nostr-buzz/internal/nips"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

const (
	requestKind    = 23194 // client request to wallet
	responseKind   = 23195 // wallet response to client
	authKind       = 22242 // NIP-42
	uriScheme      = "nostr+walletconnect://"
	requestTimeout = 15 * time.Second
	eoseTimeout    = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected to wallet")
	ErrTimeout      = errors.New("wallet did not respond")
)

// Config holds the wallet connection parameters from a connection URI.
type Config struct {
	WalletPubkey string
	Relay        string
	signer       *nostr.KeySigner
	convKey      []byte
}

// ClientPubkey is the key requests are signed with.
func (c *Config) ClientPubkey() string {
	return c.signer.PublicKey()
}

// ParseURI parses nostr+walletconnect://<wallet-pubkey>?relay=<wss://...>&secret=<hex>.
func ParseURI(uri string) (*Config, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return nil, errors.New("invalid NWC URI: must start with " + uriScheme)
	}

	// url.Parse rejects the custom scheme's host form
	u, err := url.Parse(strings.Replace(uri, uriScheme, "https://", 1))
	if err != nil {
		return nil, fmt.Errorf("invalid NWC URI: %w", err)
	}

	walletPubkey := strings.ToLower(u.Host)
	if !nips.IsHexKey(walletPubkey) {
		return nil, errors.New("invalid wallet pubkey: must be 64 hex characters")
	}

	relay := u.Query().Get("relay")
	if relay == "" {
		return nil, errors.New("NWC URI must include relay parameter")
	}
	if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
		return nil, errors.New("invalid relay URL: must start with wss:// or ws://")
	}

	secret := u.Query().Get("secret")
	if secret == "" {
		return nil, errors.New("NWC URI must include secret parameter")
	}
	signer, err := nostr.NewKeySigner(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret: %w", err)
	}

	convKey, err := nostr.ConversationKey(signer.PrivateKey(), walletPubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute conversation key: %w", err)
	}

	return &Config{
		WalletPubkey: walletPubkey,
		Relay:        nostr.EnforceWSS(relay),
		signer:       signer,
		convKey:      convKey,
	}, nil
}

// Request is a NIP-47 JSON-RPC request.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Response is a NIP-47 JSON-RPC response.
type Response struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Error          `json:"error,omitempty"`
}

// Error is a wallet-reported failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// BalanceResult is the result of get_balance.
type BalanceResult struct {
	Balance int64 `json:"balance"` // millisats
}

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
}

type payInvoiceResult struct {
	Preimage string `json:"preimage"`
}

// Client talks to one wallet over one relay connection. It reconnects
// lazily after the connection drops.
type Client struct {
	cfg     *Config
	timeout time.Duration

	mu        sync.Mutex // guards conn writes and connection state
	conn      *websocket.Conn
	connected bool
	subID     string

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	acceptedMu sync.Mutex
	accepted   map[string]bool
}

// NewClient creates a client. Nothing is dialed until the first call.
func NewClient(cfg *Config) *Client {
	return &Client{
		cfg:      cfg,
		timeout:  requestTimeout,
		pending:  make(map[string]chan *Response),
		accepted: make(map[string]bool),
	}
}

// Connect dials the relay and subscribes to responses addressed to us.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Relay, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay %s: %w", c.cfg.Relay, err)
	}

	c.subID = fmt.Sprintf("nwc-%d", time.Now().UnixNano()%1000000)
	filter := map[string]any{
		"kinds":   []int{responseKind},
		"authors": []string{c.cfg.WalletPubkey},
		"#p":      []string{c.cfg.ClientPubkey()},
		// no "since": clock skew would drop responses
	}
	if err := conn.WriteJSON([]any{"REQ", c.subID, filter}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.conn = conn
	c.connected = true
	eose := make(chan struct{})
	go c.readLoop(conn, eose)

	slog.Debug("NWC: connected to relay", "relay", c.cfg.Relay, "sub_id", c.subID)

	// Responses can only be routed once the subscription is live.
	select {
	case <-eose:
	case <-time.After(eoseTimeout):
		slog.Debug("NWC: EOSE timeout, proceeding anyway")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// IsConnected reports whether the relay connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close drops the connection and fails pending requests.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, eose chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.connected = false
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		slog.Debug("NWC: readLoop exiting")
	}()

	eoseSeen := false
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("NWC: connection closed unexpectedly", "error", err)
			}
			return
		}
		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) >= 3 {
				c.handleEvent(msg[2])
			}
		case "OK":
			var eventID string
			var ok bool
			_ = json.Unmarshal(msg[1], &eventID)
			if len(msg) >= 3 {
				_ = json.Unmarshal(msg[2], &ok)
			}
			if ok && eventID != "" {
				c.acceptedMu.Lock()
				c.accepted[eventID] = true
				c.acceptedMu.Unlock()
			}
		case "EOSE":
			if !eoseSeen {
				eoseSeen = true
				close(eose)
			}
		case "NOTICE":
			var notice string
			_ = json.Unmarshal(msg[1], &notice)
			slog.Debug("NWC: received NOTICE", "notice", notice)
		case "AUTH":
			var challenge string
			_ = json.Unmarshal(msg[1], &challenge)
			c.handleAuth(challenge)
		}
	}
}

// handleAuth answers a NIP-42 challenge.
func (c *Client) handleAuth(challenge string) {
	evt := &types.Event{
		Kind: authKind,
		Tags: [][]string{
			{"relay", c.cfg.Relay},
			{"challenge", challenge},
		},
	}
	if err := c.cfg.signer.SignEvent(evt); err != nil {
		slog.Error("NWC: failed to sign AUTH event", "error", err)
		return
	}
	if err := c.write([]any{"AUTH", evt}); err != nil {
		slog.Error("NWC: failed to send AUTH response", "error", err)
	}
}

// handleEvent routes a wallet response to the request it answers.
func (c *Client) handleEvent(raw json.RawMessage) {
	var evt types.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	if evt.Kind != responseKind || evt.PubKey != c.cfg.WalletPubkey {
		return
	}
	if !nostr.VerifyEvent(&evt) {
		slog.Debug("NWC: dropping response with bad signature", "id", nostr.ShortID(evt.ID))
		return
	}

	decrypted, err := nostr.Decrypt(evt.Content, c.cfg.convKey)
	if err != nil {
		slog.Error("NWC: failed to decrypt response", "error", err)
		return
	}
	var resp Response
	if err := json.Unmarshal([]byte(decrypted), &resp); err != nil {
		slog.Error("NWC: failed to parse response", "error", err)
		return
	}

	requestID := ""
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			requestID = tag[1]
			break
		}
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- &resp
	} else {
		slog.Debug("NWC: no pending request for response", "request_id", nostr.ShortID(requestID))
	}
}

func (c *Client) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

// Call sends method with params and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(Request{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	encrypted, err := nostr.Encrypt(string(payload), c.cfg.convKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt request: %w", err)
	}

	evt := &types.Event{
		Kind: requestKind,
		Tags: [][]string{
			{"p", c.cfg.WalletPubkey},
			{"encryption", "nip44_v2"},
		},
		Content: encrypted,
	}
	if err := c.cfg.signer.SignEvent(evt); err != nil {
		return err
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[evt.ID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, evt.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write([]any{"EVENT", evt}); err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	slog.Debug("NWC: sent request", "method", method, "event_id", nostr.ShortID(evt.ID))

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.acceptedMu.Lock()
		accepted := c.accepted[evt.ID]
		delete(c.accepted, evt.ID)
		c.acceptedMu.Unlock()
		if accepted {
			return fmt.Errorf("%w: relay accepted %s but no response arrived", ErrTimeout, method)
		}
		return ErrTimeout
	case resp, ok := <-respCh:
		if !ok {
			return errors.New("connection closed")
		}
		if resp.Error != nil {
			return resp.Error
		}
		if resp.ResultType != method {
			return fmt.Errorf("unexpected result type: %s", resp.ResultType)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
		return nil
	}
}

// PayInvoice pays a BOLT11 invoice and returns the preimage.
func (c *Client) PayInvoice(ctx context.Context, invoice string) (string, error) {
	var result payInvoiceResult
	if err := c.Call(ctx, "pay_invoice", payInvoiceParams{Invoice: invoice}, &result); err != nil {
		return "", err
	}
	slog.Info("NWC: invoice paid", "preimage", nostr.ShortID(result.Preimage))
	return result.Preimage, nil
}

// GetBalance returns the wallet balance in millisats.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var result BalanceResult
	if err := c.Call(ctx, "get_balance", map[string]any{}, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}
