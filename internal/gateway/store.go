package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

var (
	ErrPaymentExists   = errors.New("payment id already exists")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentExpired  = errors.New("payment expired")
)

// Payment status values reported by /check.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
	StatusExpired = "expired"
)

// Payment is one artifact issued by the gateway.
type Payment struct {
	ID         string
	Method     string
	Recipient  string
	AmountMsat int64
	Invoice    string
	Preimage   string
	Token      string
	TxID       string
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero for artifacts that do not expire
	PaidAt     time.Time
	ZapRequest *types.Event
}

// Status reports the payment state at now. A paid payment stays paid after
// its expiry.
func (p *Payment) Status(now time.Time) string {
	switch {
	case !p.PaidAt.IsZero():
		return StatusPaid
	case !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt):
		return StatusExpired
	default:
		return StatusPending
	}
}

// Store is a thread-safe in-memory payment table.
type Store struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	maxAge   time.Duration
}

// NewStore creates a store that forgets payments older than maxAge.
func NewStore(maxAge time.Duration) *Store {
	return &Store{
		payments: make(map[string]*Payment),
		maxAge:   maxAge,
	}
}

// Put stores a new payment.
func (s *Store) Put(p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.ID]; exists {
		return ErrPaymentExists
	}
	s.payments[p.ID] = p
	slog.Debug("gateway: stored payment", "id", nostr.ShortID(p.ID), "method", p.Method, "amount_msat", p.AmountMsat)
	return nil
}

// Get returns a copy of the payment with id.
func (s *Store) Get(id string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return *p, nil
}

// MarkPaid settles the payment at now. Settling twice is a no-op; settling
// an expired payment fails.
func (s *Store) MarkPaid(id string, now time.Time) (Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, false, ErrPaymentNotFound
	}
	switch p.Status(now) {
	case StatusPaid:
		return *p, false, nil
	case StatusExpired:
		return *p, false, ErrPaymentExpired
	}
	p.PaidAt = now
	return *p, true, nil
}

// Len returns the number of stored payments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payments)
}

// Cleanup removes payments created more than maxAge before now.
func (s *Store) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.payments {
		if now.Sub(p.CreatedAt) > s.maxAge {
			delete(s.payments, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("gateway: cleaned up payments", "removed", removed, "remaining", len(s.payments))
	}
	return removed
}
