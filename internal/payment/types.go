// Package payment drives a zap payment from endpoint resolution to a
// terminal outcome over Lightning, Cashu and Ark backends.
package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nostr-buzz/internal/services"
	"nostr-buzz/internal/types"
)

var (
	ErrAmountBelowMin     = errors.New("amount below minimum")
	ErrAmountAboveMax     = errors.New("amount above maximum")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrCommentTooLong     = errors.New("comment too long")
	ErrUnsupportedFormat  = errors.New("unsupported payment target format")
	ErrUnknownMethod      = errors.New("unknown payment method")
	ErrMethodMismatch     = errors.New("payment method differs from resolved endpoint")
	ErrNoPaymentEndpoint  = errors.New("recipient has no payment endpoint")
	ErrNotReady           = errors.New("attempt is not ready")
	ErrNotAwaiting        = errors.New("attempt is not awaiting settlement")
	ErrNotRetryable       = errors.New("attempt cannot be retried")
	ErrAlreadyTracked     = errors.New("payment is already being polled")
	ErrArtifactReused     = errors.New("endpoint returned the previous payment id")
	ErrAmountMismatch     = errors.New("invoice amount does not match request")
	ErrNoWallet           = errors.New("no wallet configured")
	ErrUnexpectedResponse = errors.New("endpoint returned a different payment method")
)

// Method selects the settlement backend.
type Method string

const (
	MethodLightning Method = services.MethodLightning
	MethodCashu     Method = services.MethodCashu
	MethodArk       Method = services.MethodArk
)

// ParseMethod accepts the method names case-insensitively; empty is lightning.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodLightning, nil
	case MethodLightning, MethodCashu, MethodArk:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// State is a position in the attempt state machine.
type State int

const (
	StateIdle State = iota
	StateResolvingEndpoint
	StateReady
	StateGeneratingArtifact
	StateAwaitingSettlement
	StateSucceeded
	StateExpired
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateResolvingEndpoint:  "resolving_endpoint",
	StateReady:              "ready",
	StateGeneratingArtifact: "generating_artifact",
	StateAwaitingSettlement: "awaiting_settlement",
	StateSucceeded:          "succeeded",
	StateExpired:            "expired",
	StateCancelled:          "cancelled",
	StateFailed:             "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// Target identifies the recipient. At least one field must be set; the
// pubkey is required for Cashu, Ark and zap requests.
type Target struct {
	PubkeyHex        string
	LightningAddress string
	LNURL            string
}

// Descriptor is the resolved LNURL-pay endpoint. It is never mutated.
type Descriptor struct {
	Endpoint         string
	CallbackURL      string
	MinSendable      int64 // millisats
	MaxSendable      int64 // millisats
	CommentAllowed   int
	SupportsNostrZap bool
	NostrPubkey      string
	Metadata         string
	LNURL            string // bech32 form of Endpoint, used in zap requests
	Gateway          bool   // served by a zap gateway that accepts a method param
}

// Request is the user's payment choice.
type Request struct {
	AmountMsat int64
	Method     Method
	Comment    string
	EventID    string // zapped event; triggers a zap request when supported
	RelayHint  string
}

// Artifact is the payable object returned by the endpoint. Single use.
type Artifact struct {
	Method     Method
	Invoice    string
	Token      string
	TxID       string
	PaymentID  string
	AmountMsat int64
	ExpiresAt  time.Time
	StatusURL  string
	Mint       string
	ZapRequest *types.Event
	ZapEvent   *types.Event
}

// Payload returns the string the payer acts on.
func (a *Artifact) Payload() string {
	switch a.Method {
	case MethodCashu:
		return a.Token
	case MethodArk:
		return a.TxID
	default:
		return a.Invoice
	}
}

// URI returns the payload as a wallet URI.
func (a *Artifact) URI() string {
	switch a.Method {
	case MethodCashu:
		return "cashu:" + a.Token
	case MethodArk:
		return a.TxID
	default:
		return "lightning:" + strings.ToUpper(a.Invoice)
	}
}

// Outcome describes how an attempt ended.
type Outcome struct {
	Status   State
	Method   Method
	Artifact *Artifact
	Preimage string
	Receipt  *types.Event
	Reason   string
}

// Callbacks are invoked outside the attempt lock from the goroutine that
// caused the transition.
type Callbacks struct {
	OnSuccess     func(Outcome)
	OnClose       func()
	OnStateChange func(State)
	OnCountdown   func(remaining time.Duration)

	// OnReceipt runs after OnSuccess when a zap receipt turns up.
	OnReceipt func(*types.Event)
}
