package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

func TestPoolQueryMany(t *testing.T) {
	signer, err := nostr.GenerateKeySigner()
	require.NoError(t, err)

	note := signedEvent(t, signer, types.KindNote, 100, "hello")
	profile := signedEvent(t, signer, types.KindProfile, 100, `{"name":"alice"}`)
	relayA := newTestRelay(t, note, profile)
	relayB := newTestRelay(t, note)

	pool := NewPool()
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := pool.QueryMany(ctx, []string{relayA.URL(), relayB.URL()}, types.Filter{Kinds: []int{types.KindNote}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, re := range results {
		require.Equal(t, note.ID, re.Event.ID)
	}
	require.ElementsMatch(t, []string{relayA.URL(), relayB.URL()}, []string{results[0].RelayURL, results[1].RelayURL})

	// The connection is reused for the next query
	require.Len(t, pool.Connected(), 2)
	_, err = pool.QueryMany(ctx, []string{relayA.URL()}, types.Filter{Kinds: []int{types.KindProfile}})
	require.NoError(t, err)
	require.Equal(t, 2, relayA.Requests())
}

func TestPoolQuerySingleReturnsNewest(t *testing.T) {
	signer, err := nostr.GenerateKeySigner()
	require.NoError(t, err)

	older := signedEvent(t, signer, types.KindProfile, 100, `{"name":"old"}`)
	newer := signedEvent(t, signer, types.KindProfile, 200, `{"name":"new"}`)
	relayA := newTestRelay(t, older)
	relayB := newTestRelay(t, newer)

	pool := NewPool()
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evt, err := pool.QuerySingle(ctx, []string{relayA.URL(), relayB.URL()}, types.Filter{Kinds: []int{types.KindProfile}})
	require.NoError(t, err)
	require.NotNil(t, evt)
	require.Equal(t, newer.ID, evt.ID)
}

func TestPoolQueryReturnsPartialResultsOnDeadline(t *testing.T) {
	signer, err := nostr.GenerateKeySigner()
	require.NoError(t, err)

	note := signedEvent(t, signer, types.KindNote, 100, "hello")
	relay := newTestRelay(t, note)
	relay.setSilent(true)

	pool := NewPool()
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	results, err := pool.QueryMany(ctx, []string{relay.URL()}, types.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestPoolAllRelaysFailing(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := pool.QueryMany(ctx, []string{"ws://127.0.0.1:1"}, types.Filter{})
	require.Error(t, err)

	_, err = pool.QueryMany(ctx, nil, types.Filter{})
	require.Error(t, err)
}

func TestCloseRelayIsSafe(t *testing.T) {
	pool := NewPool()
	defer pool.Close()

	require.NotPanics(t, func() {
		pool.CloseRelay("wss://never-opened.example.com")
		pool.CloseRelay("wss://never-opened.example.com")
	})

	relay := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := pool.QueryMany(ctx, []string{relay.URL()}, types.Filter{})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		pool.CloseRelay(relay.URL())
		pool.CloseRelay(relay.URL())
	})
	require.Empty(t, pool.Connected())
}

func TestRelayURLSafety(t *testing.T) {
	require.True(t, isRelayURLSafe("ws://127.0.0.1:7777"))
	require.True(t, isRelayURLSafe("ws://localhost:7777"))
	require.False(t, isRelayURLSafe("https://relay.damus.io"))
	require.False(t, isRelayURLSafe("wss://10.0.0.1"))
	require.False(t, isRelayURLSafe("wss://192.168.1.10:443"))
}

func TestPoolPublish(t *testing.T) {
	signer := mustSigner(t)
	relayA := newTestRelay(t)
	relayB := newTestRelay(t)

	pool := NewPool()
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evt := signedEvent(t, signer, types.KindNote, 100, "published")
	accepted := pool.PublishAll(ctx, []string{relayA.URL(), relayB.URL()}, &evt)
	require.Len(t, accepted, 2)

	got, err := pool.QuerySingle(ctx, []string{relayA.URL()}, types.Filter{Kinds: []int{types.KindNote}})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, evt.ID, got.ID)

	forged := evt
	forged.Content = "tampered"
	res, err := pool.Publish(ctx, relayB.URL(), &forged)
	require.NoError(t, err)
	require.False(t, res.Accepted)
}

// stalledListener accepts TCP connections and never answers the websocket
// handshake.
func stalledListener(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan struct{}, 1)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			select {
			case accepted <- struct{}{}:
			default:
			}
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return "ws://" + ln.Addr().String(), accepted
}

func TestStalledHandshakeDoesNotBlockOtherRelays(t *testing.T) {
	signer, err := nostr.GenerateKeySigner()
	require.NoError(t, err)
	note := signedEvent(t, signer, types.KindNote, 100, "hello")
	healthy := newTestRelay(t, note)
	stalled, accepted := stalledListener(t)

	pool := NewPool()
	defer pool.Close()
	agg := NewAggregator(pool, testRelays())

	go agg.FetchMany(context.Background(), []string{stalled}, types.Filter{Kinds: []int{types.KindNote}}, 3*time.Second)
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled relay was never dialed")
	}

	started := time.Now()
	results := agg.FetchMany(context.Background(), []string{healthy.URL()}, types.Filter{Kinds: []int{types.KindNote}}, time.Second)
	require.Len(t, results, 1)
	require.Equal(t, note.ID, results[0].Event.ID)
	require.Less(t, time.Since(started), time.Second)

	pool.CloseRelay(stalled)
}
