// Package config builds the immutable runtime configuration from the
// environment and an optional relays file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config is loaded once at startup and passed by value to constructors.
type Config struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	RelaysFile string `env:"RELAYS_CONFIG" envDefault:"config/relays.yaml"`

	Relays   Relays
	Payments Payments
	Cache    Cache
	Client   Client
	Gateway  Gateway
}

// Payments tunes endpoint resolution, artifact generation and settlement.
type Payments struct {
	PollInterval    time.Duration `env:"BUZZ_POLL_INTERVAL" envDefault:"2s"`
	HTTPTimeout     time.Duration `env:"BUZZ_HTTP_TIMEOUT" envDefault:"10s"`
	RetryAttempts   uint          `env:"BUZZ_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay      time.Duration `env:"BUZZ_RETRY_DELAY" envDefault:"500ms"`
	RetryMultiplier float64       `env:"BUZZ_RETRY_MULTIPLIER" envDefault:"1.5"`
	DefaultExpiry   time.Duration `env:"BUZZ_INVOICE_EXPIRY" envDefault:"10m"`
	ZapGatewayURL   string        `env:"BUZZ_ZAP_GATEWAY"`
	NWCURI          string        `env:"BUZZ_NWC_URI"`
	SenderNsec      string        `env:"BUZZ_NSEC"`
	ReceiptTimeout  time.Duration `env:"BUZZ_RECEIPT_TIMEOUT" envDefault:"5s"`
}

// Cache selects the cache backend and its TTLs.
type Cache struct {
	Backend              string        `env:"CACHE_BACKEND" envDefault:"memory"`
	RedisURL             string        `env:"REDIS_URL"`
	Prefix               string        `env:"CACHE_PREFIX" envDefault:"buzz:"`
	MemoryCapacity       int           `env:"CACHE_MEMORY_CAPACITY" envDefault:"10000"`
	RelayListTTL         time.Duration `env:"CACHE_RELAY_LIST_TTL" envDefault:"1h"`
	RelayListNotFoundTTL time.Duration `env:"CACHE_RELAY_LIST_NOT_FOUND_TTL" envDefault:"5m"`
	PayEndpointTTL       time.Duration `env:"CACHE_PAY_ENDPOINT_TTL" envDefault:"10m"`
	PayEndpointFailTTL   time.Duration `env:"CACHE_PAY_ENDPOINT_FAIL_TTL" envDefault:"1m"`
}

// Client is the NIP-89 client identification added to published events.
type Client struct {
	Name string `env:"CLIENT_NAME"`
}

// Gateway configures the demo zap gateway server.
type Gateway struct {
	ListenAddr    string        `env:"GATEWAY_ADDR" envDefault:":8089"`
	PublicURL     string        `env:"GATEWAY_PUBLIC_URL" envDefault:"http://localhost:8089"`
	MetricsAddr   string        `env:"METRICS_ADDR"`
	Nsec          string        `env:"GATEWAY_NSEC"`
	SettleSecret  string        `env:"GATEWAY_SETTLE_SECRET"`
	InvoiceExpiry time.Duration `env:"GATEWAY_INVOICE_EXPIRY" envDefault:"10m"`
	MinSendable   int64         `env:"GATEWAY_MIN_SENDABLE" envDefault:"1000"`
	MaxSendable   int64         `env:"GATEWAY_MAX_SENDABLE" envDefault:"100000000"`
}

// Load reads the environment and the relays file.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Relays = LoadRelays(cfg.RelaysFile)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and no
// environment or file input.
func Default() Config {
	var cfg Config
	if err := applyDefaults(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid envDefault tag: %v", err))
	}
	cfg.Relays = DefaultRelays()
	return cfg
}

// applyDefaults parses v against an empty environment, which only applies
// its envDefault tags.
func applyDefaults(v interface{}) error {
	return env.Parse(v, env.Options{Environment: map[string]string{}})
}

// Validate rejects settings that would make the payment loop misbehave.
func (c Config) Validate() error {
	if c.Payments.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Payments.PollInterval)
	}
	if c.Payments.RetryAttempts == 0 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	if c.Payments.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.Payments.RetryMultiplier)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("CACHE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// ClientTag returns the NIP-89 client tag, or nil when no client name is set.
func (c Config) ClientTag() []string {
	if c.Client.Name == "" {
		return nil
	}
	return []string{"client", c.Client.Name}
}

// ParseLogLevel maps LOG_LEVEL values to slog levels, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
