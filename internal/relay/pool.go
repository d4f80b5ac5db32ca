package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"nostr-buzz/internal/metrics"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

// ErrUnsafeRelay is returned for relay URLs that resolve to private networks.
var ErrUnsafeRelay = errors.New("relay URL blocked: unsafe destination")

const (
	idleTimeout     = 2 * time.Minute
	cleanupInterval = 60 * time.Second
	writeTimeout    = 10 * time.Second
	dialTimeout     = 10 * time.Second
	eventBuffer     = 100
)

// Transport is the relay round trip used by the Aggregator.
type Transport interface {
	// QuerySingle returns the newest event matching filter across relays.
	QuerySingle(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error)
	// QueryMany returns every matching event paired with the relay that sent it.
	QueryMany(ctx context.Context, relays []string, filter types.Filter) ([]types.RelayEvent, error)
}

// isRelayURLSafe validates that a relay URL is safe to connect to
// Allows localhost for development but blocks other private IP ranges
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable hosts fail at dial time; only obvious internal names are refused here
		return !strings.HasSuffix(host, ".") &&
			!strings.Contains(host, ".local") &&
			!strings.Contains(host, ".internal")
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

// isRelayIPSafe checks if an IP is safe for relay connections
// Allows loopback (localhost) but blocks other private ranges
func isRelayIPSafe(ip net.IP) bool {
	switch {
	case ip == nil:
		return false
	case ip.IsLoopback():
		return true
	case ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsUnspecified(), ip.IsMulticast():
		return false
	}
	return true
}

// Subscription represents an active subscription on a relay connection
type Subscription struct {
	ID        string
	EventChan chan types.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
}

// Close safely closes the Done channel exactly once
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// relayConn manages a single websocket connection with multiple subscriptions
type relayConn struct {
	conn          *websocket.Conn
	relayURL      string
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	pendingOK     map[string]chan PublishResult // event id -> waiter
	closed        bool
	lastActivity  time.Time
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

// Pool manages one websocket connection per relay, shared by all queries.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn // relayURL -> connection
	dialer      *websocket.Dialer
	dials       singleflight.Group // relayURL -> in-flight dial
	subPrefix   string
	subCounter  atomic.Uint64
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewPool creates a new connection pool and starts its idle reaper.
func NewPool() *Pool {
	prefix := make([]byte, 4)
	_, _ = rand.Read(prefix)

	p := &Pool{
		connections: make(map[string]*relayConn),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		subPrefix: "buzz-" + hex.EncodeToString(prefix),
		stopCh:    make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

func (p *Pool) nextSubID() string {
	return fmt.Sprintf("%s-%d", p.subPrefix, p.subCounter.Add(1))
}

func (p *Pool) liveConn(relayURL string) *relayConn {
	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc
	}
	return nil
}

// getOrCreateConn gets an existing connection or dials a new one. Dials run
// outside p.mu and concurrent callers for one relay share a single dial, so a
// relay stuck in its handshake holds up only its own callers.
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, ErrUnsafeRelay
	}
	if rc := p.liveConn(relayURL); rc != nil {
		return rc, nil
	}

	ch := p.dials.DoChan(relayURL, func() (interface{}, error) {
		if rc := p.liveConn(relayURL); rc != nil {
			return rc, nil
		}

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dialTimeout)
		defer cancel()

		slog.Debug("pool: creating new connection", "relay", relayURL)
		conn, _, err := p.dialer.DialContext(dialCtx, relayURL, nil)
		if err != nil {
			return nil, err
		}

		rc := &relayConn{
			conn:          conn,
			relayURL:      relayURL,
			subscriptions: make(map[string]*Subscription),
			pendingOK:     make(map[string]chan PublishResult),
			lastActivity:  time.Now(),
		}
		metrics.RelayConnectionOpened()

		select {
		case <-p.stopCh:
			rc.markClosed()
			return nil, errors.New("pool closed")
		default:
		}

		p.mu.Lock()
		p.connections[relayURL] = rc
		p.mu.Unlock()

		go rc.readLoop()
		return rc, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*relayConn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe creates a new subscription on the relay
func (p *Pool) Subscribe(ctx context.Context, relayURL string, filter types.Filter) (*Subscription, error) {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		rc, err := p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			p.mu.Lock()
			if p.connections[relayURL] == rc {
				delete(p.connections, relayURL)
			}
			p.mu.Unlock()
			continue
		}

		sub := &Subscription{
			ID:        p.nextSubID(),
			EventChan: make(chan types.Event, eventBuffer),
			EOSEChan:  make(chan bool, 1),
			Done:      make(chan struct{}),
		}
		rc.subscriptions[sub.ID] = sub
		rc.mu.Unlock()

		if err := rc.writeJSON([]interface{}{"REQ", sub.ID, filter.ToMap()}); err != nil {
			rc.mu.Lock()
			delete(rc.subscriptions, sub.ID)
			rc.mu.Unlock()
			rc.markClosed()
			return nil, err
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()
		return sub, nil
	}

	return nil, errors.New("failed to establish connection after retries")
}

// Unsubscribe closes a subscription
func (p *Pool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil {
		rc.mu.Lock()
		_, exists := rc.subscriptions[sub.ID]
		shouldSendClose := !rc.closed && exists
		delete(rc.subscriptions, sub.ID)
		rc.mu.Unlock()

		// Best effort, connection may be closed
		if shouldSendClose {
			_ = rc.writeJSON([]interface{}{"CLOSE", sub.ID})
		}
	}

	sub.Close()
}

// readLoop continuously reads from the connection and routes messages
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, _ := msg[0].(string)
		subID, _ := msg[1].(string)

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			if sub := rc.subscription(subID); sub != nil {
				select {
				case sub.EventChan <- evt:
				case <-sub.Done:
				default:
					metrics.DroppedEvent()
				}
			}

		case "EOSE":
			if sub := rc.subscription(subID); sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "CLOSED":
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				sub.Close()
			}

		case "OK":
			// ["OK", <event id>, <accepted>, <message>]
			res := PublishResult{RelayURL: rc.relayURL}
			if len(msg) >= 3 {
				res.Accepted, _ = msg[2].(bool)
			}
			if len(msg) >= 4 {
				res.Message, _ = msg[3].(string)
			}
			rc.mu.Lock()
			waiter := rc.pendingOK[subID]
			delete(rc.pendingOK, subID)
			rc.mu.Unlock()
			if waiter != nil {
				waiter <- res
			}

		case "NOTICE":
			slog.Debug("pool: notice", "relay", rc.relayURL, "notice", subID)
		}
	}
}

func (rc *relayConn) subscription(id string) *Subscription {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.subscriptions[id]
}

// markClosed marks the connection as closed and cleans up
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
	metrics.RelayConnectionClosed()

	for _, sub := range rc.subscriptions {
		sub.Close()
	}
	rc.subscriptions = make(map[string]*Subscription)
	for id, waiter := range rc.pendingOK {
		close(waiter)
		delete(rc.pendingOK, id)
	}
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that have been idle too long
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for relayURL, rc := range p.connections {
		rc.mu.Lock()
		closed := rc.closed
		idle := len(rc.subscriptions) == 0 && now.Sub(rc.lastActivity) > idleTimeout
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", relayURL)
				rc.markClosed()
			}
			delete(p.connections, relayURL)
		}
	}
}

// CloseRelay closes a specific relay connection. Unknown or already closed
// relays are ignored.
func (p *Pool) CloseRelay(relayURL string) {
	p.mu.Lock()
	rc := p.connections[relayURL]
	delete(p.connections, relayURL)
	p.mu.Unlock()

	if rc != nil {
		rc.markClosed()
	}
}

// Close shuts down every connection and stops the reaper.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	conns := p.connections
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// Connected returns the relay URLs with an open connection, sorted.
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.connections))
	for u, rc := range p.connections {
		if !rc.isClosed() {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// PublishResult is a relay's OK answer to an EVENT.
type PublishResult struct {
	RelayURL string
	Accepted bool
	Message  string
}

// Publish sends a signed event to relayURL and waits for the relay's OK.
func (p *Pool) Publish(ctx context.Context, relayURL string, evt *types.Event) (PublishResult, error) {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return PublishResult{}, err
	}

	waiter := make(chan PublishResult, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return PublishResult{}, errors.New("connection closed")
	}
	rc.pendingOK[evt.ID] = waiter
	rc.lastActivity = time.Now()
	rc.mu.Unlock()

	if err := rc.writeJSON([]interface{}{"EVENT", evt}); err != nil {
		rc.mu.Lock()
		delete(rc.pendingOK, evt.ID)
		rc.mu.Unlock()
		rc.markClosed()
		return PublishResult{}, err
	}

	select {
	case res, ok := <-waiter:
		if !ok {
			return PublishResult{}, errors.New("connection closed before OK")
		}
		return res, nil
	case <-ctx.Done():
		rc.mu.Lock()
		delete(rc.pendingOK, evt.ID)
		rc.mu.Unlock()
		return PublishResult{}, ctx.Err()
	}
}

// PublishAll publishes evt to every relay concurrently and returns the
// relays that accepted it.
func (p *Pool) PublishAll(ctx context.Context, relays []string, evt *types.Event) []string {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		accepted []string
	)
	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			res, err := p.Publish(ctx, relayURL, evt)
			if err != nil {
				slog.Warn("failed to publish", "relay", relayURL, "event_id", nostr.ShortID(evt.ID), "error", err)
				return
			}
			if !res.Accepted {
				slog.Warn("relay rejected event", "relay", relayURL, "event_id", nostr.ShortID(evt.ID), "message", res.Message)
				return
			}
			mu.Lock()
			accepted = append(accepted, relayURL)
			mu.Unlock()
		}(relayURL)
	}
	wg.Wait()
	sort.Strings(accepted)
	return accepted
}

// collect drains one subscription until EOSE, relay close or ctx expiry.
func (p *Pool) collect(ctx context.Context, relayURL string, filter types.Filter) ([]types.Event, error) {
	sub, err := p.Subscribe(ctx, relayURL, filter)
	if err != nil {
		return nil, err
	}
	defer p.Unsubscribe(relayURL, sub)

	var events []types.Event
	for {
		select {
		case evt := <-sub.EventChan:
			events = append(events, evt)
		case <-sub.EOSEChan:
			// Drain events that arrived before EOSE
			for {
				select {
				case evt := <-sub.EventChan:
					events = append(events, evt)
				default:
					return events, nil
				}
			}
		case <-sub.Done:
			return events, nil
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

// QueryMany fans the filter out to every relay and returns all events.
// An error is returned only when no relay could be queried at all.
func (p *Pool) QueryMany(ctx context.Context, relays []string, filter types.Filter) ([]types.RelayEvent, error) {
	if len(relays) == 0 {
		return nil, errors.New("no relays")
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		results  []types.RelayEvent
		failures int
		lastErr  error
	)

	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			events, err := p.collect(ctx, relayURL, filter)

			mu.Lock()
			defer mu.Unlock()
			if err != nil && len(events) == 0 {
				failures++
				lastErr = err
				slog.Debug("pool: query failed", "relay", relayURL, "error", err)
				return
			}
			for _, evt := range events {
				results = append(results, types.RelayEvent{Event: evt, RelayURL: relayURL})
			}
		}(relayURL)
	}
	wg.Wait()

	if failures == len(relays) {
		return nil, lastErr
	}
	return results, nil
}

// QuerySingle returns the newest matching event, or nil when no relay had one.
func (p *Pool) QuerySingle(ctx context.Context, relays []string, filter types.Filter) (*types.Event, error) {
	results, err := p.QueryMany(ctx, relays, filter)
	if err != nil {
		return nil, err
	}
	var best *types.Event
	for i := range results {
		if best == nil || results[i].Event.CreatedAt > best.CreatedAt {
			best = &results[i].Event
		}
	}
	return best, nil
}
