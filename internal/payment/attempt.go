package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"nostr-buzz/internal/logging"
	"nostr-buzz/internal/metrics"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

// Attempt is one run of the payment state machine:
//
//	Idle -> ResolvingEndpoint -> Ready -> GeneratingArtifact ->
//	AwaitingSettlement -> Succeeded | Expired | Cancelled | Failed
//
// Failed is also reachable from ResolvingEndpoint and GeneratingArtifact,
// and Cancelled from every non-terminal state.
type Attempt struct {
	ID string

	orch      *Orchestrator
	target    Target
	callbacks Callbacks
	log       *slog.Logger

	// ctx lives as long as the attempt and is cancelled on any terminal state.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// receiptDone is closed once the post-success zap receipt lookup ends,
	// or right at the terminal transition when there is nothing to look up.
	receiptDone chan struct{}

	mu         sync.Mutex
	state      State
	method     Method
	descriptor *Descriptor
	request    Request
	artifact   *Artifact
	outcome    *Outcome
	previousID string
	poll       clockwork.Ticker
	countdown  clockwork.Ticker
}

// NewAttempt creates an attempt in Idle for target.
func (o *Orchestrator) NewAttempt(target Target, cb Callbacks) *Attempt {
	id := logging.NewID()
	ctx, cancel := context.WithCancel(logging.WithAttempt(context.Background(), id))
	return &Attempt{
		ID:        id,
		orch:      o,
		target:    target,
		callbacks: cb,
		log:       slog.Default().With("attempt_id", id),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,

		receiptDone: make(chan struct{}),
	}
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Method returns the method chosen at resolution.
func (a *Attempt) Method() Method {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.method
}

// Target returns the recipient.
func (a *Attempt) Target() Target {
	return a.target
}

// Descriptor returns the resolved endpoint, nil before Ready.
func (a *Attempt) Descriptor() *Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.descriptor
}

// Artifact returns the payable artifact, nil before AwaitingSettlement.
func (a *Attempt) Artifact() *Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.artifact
}

// Outcome returns the terminal outcome, nil while the attempt is running.
func (a *Attempt) Outcome() *Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome == nil {
		return nil
	}
	out := *a.outcome
	return &out
}

// Done is closed when the attempt reaches a terminal state.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt ends or ctx is done.
func (a *Attempt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-a.done:
		return *a.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Receipt waits for the zap receipt lookup that follows a Lightning success
// and returns the receipt, or nil when none was found or ctx ended first.
func (a *Attempt) Receipt(ctx context.Context) *types.Event {
	select {
	case <-a.receiptDone:
	case <-ctx.Done():
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome == nil {
		return nil
	}
	return a.outcome.Receipt
}

// Remaining is the time left before the artifact expires.
func (a *Attempt) Remaining() time.Duration {
	a.mu.Lock()
	art := a.artifact
	a.mu.Unlock()
	if art == nil {
		return 0
	}
	return a.remaining(art)
}

func (a *Attempt) remaining(art *Artifact) time.Duration {
	left := art.ExpiresAt.Sub(a.orch.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Resolve moves Idle -> ResolvingEndpoint -> Ready, or Failed when the
// endpoint cannot be resolved.
func (a *Attempt) Resolve(ctx context.Context, method Method) error {
	b, err := BackendFor(method)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.state != StateIdle {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: resolve from %s", ErrNotReady, state)
	}
	a.method = method
	a.setStateLocked(StateResolvingEndpoint)
	a.mu.Unlock()
	a.notify(StateResolvingEndpoint)

	ctx, stop := a.bind(ctx)
	defer stop()

	d, err := a.orch.resolve(ctx, a.target, b)
	if err != nil {
		a.fail(err)
		return err
	}

	a.mu.Lock()
	if a.state != StateResolvingEndpoint {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: attempt %s", ErrNotReady, state)
	}
	a.descriptor = d
	a.setStateLocked(StateReady)
	a.mu.Unlock()
	a.notify(StateReady)
	return nil
}

// Confirm validates req against the descriptor and requests an artifact.
// Validation errors leave the attempt in Ready; endpoint errors fail it.
func (a *Attempt) Confirm(ctx context.Context, req Request) error {
	a.mu.Lock()
	if a.state != StateReady {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: confirm from %s", ErrNotReady, state)
	}
	if req.Method == "" {
		req.Method = a.method
	}
	if err := validateRequest(req, a.method, a.descriptor); err != nil {
		a.mu.Unlock()
		return err
	}
	a.request = req
	d := a.descriptor
	a.setStateLocked(StateGeneratingArtifact)
	a.mu.Unlock()
	a.notify(StateGeneratingArtifact)

	ctx, stop := a.bind(ctx)
	defer stop()

	art, err := a.orch.generate(ctx, a.target, d, req)
	if err != nil {
		a.fail(err)
		return err
	}
	if a.previousID != "" && art.PaymentID == a.previousID {
		a.fail(ErrArtifactReused)
		return ErrArtifactReused
	}
	return a.await(art)
}

func validateRequest(req Request, method Method, d *Descriptor) error {
	if _, err := BackendFor(req.Method); err != nil {
		return err
	}
	if req.Method != method {
		return fmt.Errorf("%w: resolved %s, requested %s", ErrMethodMismatch, method, req.Method)
	}
	if err := checkAmount(req.AmountMsat, d); err != nil {
		return err
	}
	if d.CommentAllowed > 0 && len([]rune(req.Comment)) > d.CommentAllowed {
		return fmt.Errorf("%w: max %d characters", ErrCommentTooLong, d.CommentAllowed)
	}
	return nil
}

// await moves GeneratingArtifact -> AwaitingSettlement and starts the
// method's settlement.
func (a *Attempt) await(art *Artifact) error {
	b, _ := BackendFor(art.Method)
	mode := b.Settlement()

	a.mu.Lock()
	if a.state != StateGeneratingArtifact {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: attempt %s", ErrNotAwaiting, state)
	}
	a.artifact = art
	if mode == SettlePoll {
		if !claimPoller(art.PaymentID, a.ID) {
			a.mu.Unlock()
			a.fail(ErrAlreadyTracked)
			return ErrAlreadyTracked
		}
		a.poll = a.orch.clock.NewTicker(a.orch.cfg.PollInterval)
		a.countdown = a.orch.clock.NewTicker(time.Second)
	}
	poll, countdown := a.poll, a.countdown
	a.setStateLocked(StateAwaitingSettlement)
	a.mu.Unlock()

	a.log.Info("payment awaiting settlement",
		"method", art.Method,
		"payment_id", nostr.ShortID(art.PaymentID),
		"expires_at", art.ExpiresAt.Unix(),
	)
	a.notify(StateAwaitingSettlement)

	switch mode {
	case SettlePoll:
		go a.settle(art, poll, countdown)
	case SettleImmediate:
		// No settlement signal exists for ark; the intent is trusted.
		a.log.Info("ark payment intent recorded", "txid", art.TxID)
		a.succeed(Outcome{})
	}
	return nil
}

// settle is the Lightning poll loop. At most one status request is in
// flight; ticks that arrive while one is pending are skipped.
func (a *Attempt) settle(art *Artifact, poll, countdown clockwork.Ticker) {
	metrics.PollerStarted()
	defer func() {
		releasePoller(art.PaymentID, a.ID)
		metrics.PollerStopped()
	}()

	if a.remaining(art) <= 0 {
		a.expire()
		return
	}

	ctx := a.ctx
	results := make(chan settlement, 1)
	inFlight := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.Chan():
			if inFlight {
				a.log.Debug("poll skipped, previous request still in flight")
				continue
			}
			inFlight = true
			go func() {
				results <- a.orch.checkSettlement(ctx, art)
			}()

		case res := <-results:
			inFlight = false
			if res.err != nil {
				if ctx.Err() != nil {
					return
				}
				a.log.Warn("settlement poll failed", "payment_id", nostr.ShortID(art.PaymentID), "error", res.err)
				continue
			}
			if !res.paid {
				continue
			}
			a.succeed(Outcome{Preimage: res.preimage})
			return

		case <-countdown.Chan():
			left := a.remaining(art)
			if left <= 0 {
				a.expire()
				return
			}
			if a.callbacks.OnCountdown != nil {
				a.callbacks.OnCountdown(left)
			}
		}
	}
}

// PayWithWallet pays the Lightning invoice through the configured wallet.
// A wallet failure leaves the attempt awaiting settlement.
func (a *Attempt) PayWithWallet(ctx context.Context) error {
	a.mu.Lock()
	state, art := a.state, a.artifact
	a.mu.Unlock()
	if state != StateAwaitingSettlement || art == nil || art.Method != MethodLightning {
		return fmt.Errorf("%w: wallet pay from %s", ErrNotAwaiting, state)
	}

	ctx, stop := a.bind(ctx)
	defer stop()

	preimage, err := a.orch.payWithWallet(ctx, art)
	if err != nil {
		a.log.Warn("wallet payment failed", "error", err)
		return err
	}
	if !a.succeed(Outcome{Preimage: preimage}) {
		return fmt.Errorf("%w: attempt %s", ErrNotAwaiting, a.State())
	}
	return nil
}

// Acknowledge marks a Cashu token as handed over.
func (a *Attempt) Acknowledge() error {
	a.mu.Lock()
	state, method := a.state, a.method
	a.mu.Unlock()
	if state != StateAwaitingSettlement || method != MethodCashu {
		return fmt.Errorf("%w: acknowledge %s from %s", ErrNotAwaiting, method, state)
	}
	if !a.succeed(Outcome{}) {
		return fmt.Errorf("%w: attempt %s", ErrNotAwaiting, a.State())
	}
	return nil
}

// Cancel ends a running attempt. Both timers are stopped before Cancel
// returns, and a poll result that arrives later is discarded.
func (a *Attempt) Cancel() {
	a.finish(Outcome{Status: StateCancelled, Reason: "cancelled"}, nil)
}

// Retry starts a new attempt at Ready with the same descriptor and confirms
// req. It is only allowed after Expired, Cancelled or Failed, and only when
// resolution had succeeded.
func (a *Attempt) Retry(ctx context.Context, req Request) (*Attempt, error) {
	a.mu.Lock()
	state, d, method := a.state, a.descriptor, a.method
	var previousID string
	if a.artifact != nil {
		previousID = a.artifact.PaymentID
	}
	a.mu.Unlock()

	switch state {
	case StateExpired, StateCancelled, StateFailed:
	default:
		return nil, fmt.Errorf("%w: attempt %s", ErrNotRetryable, state)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: endpoint was never resolved", ErrNotRetryable)
	}

	next := a.orch.NewAttempt(a.target, a.callbacks)
	next.method = method
	next.descriptor = d
	next.previousID = previousID
	next.state = StateReady
	metrics.PaymentTransition(string(method), StateReady.String())
	next.log.Debug("retrying payment", "previous_attempt", a.ID)

	return next, next.Confirm(ctx, req)
}

// ============================================================================
// Transitions
// ============================================================================

func (a *Attempt) succeed(out Outcome) bool {
	out.Status = StateSucceeded
	return a.finish(out, []State{StateAwaitingSettlement})
}

func (a *Attempt) expire() {
	a.finish(Outcome{Status: StateExpired, Reason: "payment expired"}, []State{StateAwaitingSettlement})
}

func (a *Attempt) fail(err error) {
	a.finish(Outcome{Status: StateFailed, Reason: err.Error()}, nil)
}

// finish applies a terminal outcome if the attempt is in one of from (any
// non-terminal state when from is nil). Timers are stopped and the attempt
// context cancelled under the lock; callbacks run after it is released.
func (a *Attempt) finish(out Outcome, from []State) bool {
	a.mu.Lock()
	if a.state.Terminal() || (from != nil && !containsState(from, a.state)) {
		a.mu.Unlock()
		return false
	}
	if a.poll != nil {
		a.poll.Stop()
	}
	if a.countdown != nil {
		a.countdown.Stop()
	}
	a.cancel()

	out.Method = a.method
	out.Artifact = a.artifact
	a.outcome = &out
	a.setStateLocked(out.Status)
	close(a.done)
	a.mu.Unlock()

	switch out.Status {
	case StateSucceeded:
		a.log.Info("payment succeeded", "method", out.Method)
	case StateFailed:
		a.log.Warn("payment failed", "method", out.Method, "reason", out.Reason)
	default:
		a.log.Info("payment closed", "method", out.Method, "state", out.Status.String())
	}

	if art := out.Artifact; out.Status == StateSucceeded && art != nil && a.orch.receiptRelays(art) != nil {
		go a.lookupReceipt(art)
	} else {
		close(a.receiptDone)
	}

	a.notify(out.Status)
	switch out.Status {
	case StateSucceeded:
		if a.callbacks.OnSuccess != nil {
			a.callbacks.OnSuccess(out)
		}
	case StateCancelled:
		if a.callbacks.OnClose != nil {
			a.callbacks.OnClose()
		}
	}
	return true
}

// lookupReceipt attaches the zap receipt to a succeeded outcome. It runs
// after the transition, so a slow relay never holds up settlement.
func (a *Attempt) lookupReceipt(art *Artifact) {
	defer close(a.receiptDone)

	ctx := logging.WithAttempt(context.Background(), a.ID)
	evt := a.orch.findReceipt(ctx, a.target, art)
	if evt == nil {
		a.log.Debug("no zap receipt found", "payment_id", nostr.ShortID(art.PaymentID))
		return
	}

	a.mu.Lock()
	a.outcome.Receipt = evt
	a.mu.Unlock()

	a.log.Info("zap receipt found", "receipt_id", nostr.ShortID(evt.ID))
	if a.callbacks.OnReceipt != nil {
		a.callbacks.OnReceipt(evt)
	}
}

// setStateLocked records a transition. Callers hold a.mu.
func (a *Attempt) setStateLocked(next State) {
	a.log.Debug("payment state changed", "from", a.state.String(), "to", next.String())
	a.state = next
	metrics.PaymentTransition(string(a.method), next.String())
}

func (a *Attempt) notify(s State) {
	if a.callbacks.OnStateChange != nil {
		a.callbacks.OnStateChange(s)
	}
}

// bind derives a context that is also cancelled when the attempt ends.
func (a *Attempt) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(logging.WithAttempt(ctx, a.ID))
	stop := context.AfterFunc(a.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
