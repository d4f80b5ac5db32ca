// Package buzz is the entry point for zapping Nostr users and looking them
// up: it wires the relay aggregator, the payment orchestrator and identity
// lookup from one config.Config.
package buzz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"nostr-buzz/internal/cache"
	"nostr-buzz/internal/config"
	"nostr-buzz/internal/lookup"
	"nostr-buzz/internal/nips"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/payment"
	"nostr-buzz/internal/relay"
	"nostr-buzz/internal/services"
	"nostr-buzz/internal/types"
	"nostr-buzz/internal/wallet"
)

// Client owns the relay pool, the cache and the optional NWC wallet
// connection. Close releases them.
type Client struct {
	cfg        config.Config
	pool       *relay.Pool
	cache      cache.CacheBackend
	wallet     *wallet.Client
	aggregator *relay.Aggregator
	payments   *payment.Orchestrator
	lookup     *lookup.Service
}

type options struct {
	transport  relay.Transport
	httpOpts   []services.ClientOption
	clock      clockwork.Clock
	lookupOpts func(*lookup.Service)
}

// Option customizes a Client.
type Option func(*options)

// WithTransport replaces the websocket relay pool.
func WithTransport(t relay.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithHTTPOptions passes options to the LNURL HTTP client.
func WithHTTPOptions(opts ...services.ClientOption) Option {
	return func(o *options) { o.httpOpts = append(o.httpOpts, opts...) }
}

// WithClock replaces the wall clock used for query timers and polling.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithResolver replaces the identifier resolver used by LookupIdentity.
func WithResolver(fn lookup.ResolveFunc) Option {
	return func(o *options) {
		o.lookupOpts = func(s *lookup.Service) { s.WithResolver(fn) }
	}
}

// New builds a Client from cfg. A configured NWC URI or sender key that
// cannot be parsed is an error; the wallet connection itself is made on
// first use.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	o := &options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(o)
	}

	backend, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	c := &Client{cfg: cfg, cache: backend}

	transport := o.transport
	if transport == nil {
		c.pool = relay.NewPool()
		transport = c.pool
	}
	c.aggregator = relay.NewAggregator(transport, cfg.Relays,
		relay.WithClock(o.clock),
		relay.WithRelayListCache(cache.NewRelayListStore(backend, cfg.Cache)),
	)

	httpOpts := append([]services.ClientOption{
		services.WithRetryPolicy(services.RetryPolicy{
			Attempts:   cfg.Payments.RetryAttempts,
			Delay:      cfg.Payments.RetryDelay,
			Multiplier: cfg.Payments.RetryMultiplier,
		}),
	}, o.httpOpts...)
	httpClient := services.NewHTTPClient(cfg.Payments.HTTPTimeout, httpOpts...)

	payOpts := []payment.Option{
		payment.WithClock(o.clock),
		payment.WithEndpointCache(cache.NewPayEndpointStore(backend, cfg.Cache)),
		payment.WithReceipts(c.aggregator),
		payment.WithZapRelays(c.aggregator.DefaultRelays()),
		payment.WithClientTag(cfg.ClientTag()),
	}

	if cfg.Payments.SenderNsec != "" {
		secret, err := nips.DecodeNsec(cfg.Payments.SenderNsec)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("sender key: %w", err)
		}
		signer, err := nostr.NewKeySigner(secret)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("sender key: %w", err)
		}
		payOpts = append(payOpts, payment.WithSigner(signer))
		slog.Info("zaps signed by configured key", "pubkey", nostr.ShortID(signer.PublicKey()))
	}

	if cfg.Payments.NWCURI != "" {
		wcfg, err := wallet.ParseURI(cfg.Payments.NWCURI)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("nwc: %w", err)
		}
		c.wallet = wallet.NewClient(wcfg)
		payOpts = append(payOpts, payment.WithWallet(c.wallet))
		slog.Info("nwc wallet configured", "relay", wcfg.Relay, "wallet", nostr.ShortID(wcfg.WalletPubkey))
	}

	c.payments = payment.New(cfg.Payments, httpClient, payOpts...)
	c.lookup = lookup.New(c.aggregator)
	if o.lookupOpts != nil {
		o.lookupOpts(c.lookup)
	}
	return c, nil
}

// ResolveAndPay starts a payment attempt for target. See
// payment.Orchestrator.ResolveAndPay.
func (c *Client) ResolveAndPay(ctx context.Context, target payment.Target, req payment.Request, cb payment.Callbacks) (*payment.Attempt, error) {
	return c.payments.ResolveAndPay(ctx, target, req, cb)
}

// LookupIdentity resolves identifier to a profile, its relays and badges.
func (c *Client) LookupIdentity(ctx context.Context, identifier string) (*types.Identity, error) {
	return c.lookup.LookupIdentity(ctx, identifier)
}

// Search runs an aggregated NIP-50 search over the configured search relays.
func (c *Client) Search(ctx context.Context, query string) []types.SearchResult {
	return c.aggregator.SearchAggregate(ctx, query, nil, relay.DefaultManyTimeout)
}

// Payments exposes the orchestrator for callers that drive attempts directly.
func (c *Client) Payments() *payment.Orchestrator {
	return c.payments
}

// Aggregator exposes the relay aggregator.
func (c *Client) Aggregator() *relay.Aggregator {
	return c.aggregator
}

// Close releases relay connections, the wallet connection and the cache.
func (c *Client) Close() {
	if c.wallet != nil {
		c.wallet.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			slog.Warn("failed to close cache", "error", err)
		}
	}
}

// TargetFor returns the payment target for a looked-up identity. The
// profile's lud16 is preferred over lud06.
func TargetFor(id *types.Identity) payment.Target {
	target := payment.Target{PubkeyHex: id.Pubkey}
	if id.Profile == nil {
		return target
	}
	if id.Profile.Lud16 != "" {
		target.LightningAddress = id.Profile.Lud16
	} else if id.Profile.Lud06 != "" {
		target.LNURL = id.Profile.Lud06
	}
	return target
}
