package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"nostr-buzz/internal/config"
	"nostr-buzz/internal/gateway"
	"nostr-buzz/internal/logging"
	"nostr-buzz/internal/metrics"
	"nostr-buzz/internal/nips"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Init(config.ParseLogLevel(cfg.LogLevel))

	signer, err := gatewaySigner(cfg.Gateway.Nsec)
	if err != nil {
		slog.Error("invalid GATEWAY_NSEC", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := relay.NewPool()
	defer pool.Close()

	store := gateway.NewStore(24 * time.Hour)
	handler, err := gateway.NewHandler(cfg.Gateway, store, signer, pool, clockwork.NewRealClock())
	if err != nil {
		slog.Error("failed to create gateway", "error", err)
		os.Exit(1)
	}
	server := gateway.NewServer(handler, cfg.Gateway)

	if cfg.Gateway.MetricsAddr != "" {
		go serveMetrics(cfg.Gateway.MetricsAddr)
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// gatewaySigner uses the configured key, or a fresh one that lasts for the
// life of the process.
func gatewaySigner(nsec string) (*nostr.KeySigner, error) {
	if nsec == "" {
		slog.Warn("GATEWAY_NSEC not set, using an ephemeral key")
		return nostr.GenerateKeySigner()
	}
	secret, err := nips.DecodeNsec(nsec)
	if err != nil {
		return nil, err
	}
	return nostr.NewKeySigner(secret)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}
