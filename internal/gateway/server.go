// Package gateway is a demo zap gateway: an LNURL-pay server that issues
// Lightning invoices, Cashu tokens or Ark transaction ids for any Nostr
// pubkey and reports their settlement.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"nostr-buzz/internal/config"
	"nostr-buzz/internal/logging"
	"nostr-buzz/internal/metrics"
)

const (
	cleanupInterval = time.Minute
	maxBodySize     = 32 * 1024 // 32KB; no route reads a body
)

// Server represents the HTTP server
type Server struct {
	router  *mux.Router
	handler *Handler
	cfg     config.Gateway
}

// NewServer creates a new HTTP server
func NewServer(handler *Handler, cfg config.Gateway) *Server {
	server := &Server{
		router:  mux.NewRouter(),
		handler: handler,
		cfg:     cfg,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/lnurlp/{pubkey}", s.handler.PayRequestHandler).Methods("GET")
	s.router.HandleFunc("/.well-known/lnurlp/{pubkey}", s.handler.PayRequestHandler).Methods("GET")
	s.router.HandleFunc("/lnurlp/{pubkey}/callback", s.handler.CallbackHandler).Methods("GET")
	s.router.HandleFunc("/check/{id}", s.handler.CheckHandler).Methods("GET")
	s.router.HandleFunc("/check/{id}/settle", s.handler.SettleHandler).Methods("POST")
	s.router.HandleFunc("/health", s.handler.HealthHandler).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	s.router.Use(logging.Middleware)
	s.router.Use(limitBody(maxBodySize))
	s.router.Use(securityHeaders)
}

// limitBody caps request body size
func limitBody(maxBytes int64) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeaders adds the headers every JSON response should carry
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// Referrer policy - don't leak full URLs to external sites
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.cleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("zap gateway listening",
			"addr", s.cfg.ListenAddr,
			"public_url", s.cfg.PublicURL,
			"pubkey", s.handler.signer.PublicKey(),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("zap gateway shutting down")
	return server.Shutdown(shutdownCtx)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := s.handler.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.handler.store.Cleanup(s.handler.clock.Now())
		}
	}
}
