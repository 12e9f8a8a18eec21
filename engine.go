package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults applied by New when no option overrides them.
const (
	// DefaultLeaseTTL bounds how long a crashed processor can block
	// reprocessing of a transaction.
	DefaultLeaseTTL = 2 * time.Minute
	// DefaultSessionTTL is the checkout session lifetime.
	DefaultSessionTTL = 15 * time.Minute
	// DefaultSyncBackoffBase is the delay before the first provisioning
	// retry after an inline failure.
	DefaultSyncBackoffBase = 30 * time.Second
)

// Engine reconciles order payment state against gateway notifications.
// It serializes processing per transaction with exclusive leases, trusts
// only validator verdicts, and drives the provisioning side effect at most
// once per order. Safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	orders      OrderStore
	sessions    SessionStore
	locks       Locker
	validator   Validator
	provisioner Provisioner
	checkout    CheckoutClient
	broadcaster Broadcaster

	logger          *slog.Logger
	leaseTTL        time.Duration
	sessionTTL      time.Duration
	syncBackoffBase time.Duration
	now             func() time.Time

	afterTransitionHooks []AfterTransitionHook
	conflictHooks        []ConflictHook
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCheckoutClient sets the gateway checkout client used by Initiate.
// Engines that only process notifications can omit it.
func WithCheckoutClient(c CheckoutClient) EngineOption {
	return func(e *Engine) {
		e.checkout = c
	}
}

// WithBroadcaster sets the status event broadcaster.
// Without one, status changes are simply not published.
func WithBroadcaster(b Broadcaster) EngineOption {
	return func(e *Engine) {
		e.broadcaster = b
	}
}

// WithLogger sets the structured logger.
//
// Default: slog.Default()
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithLeaseTTL sets the exclusive lease TTL for notification processing.
//
// Default: 2 minutes
func WithLeaseTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.leaseTTL = ttl
	}
}

// WithSessionTTL sets the checkout session lifetime.
//
// Default: 15 minutes
func WithSessionTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.sessionTTL = ttl
	}
}

// WithSyncBackoffBase sets the delay before the first provisioning retry.
//
// Default: 30 seconds
func WithSyncBackoffBase(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.syncBackoffBase = d
	}
}

// WithClock sets the time source. Tests use this to make retry scheduling
// deterministic.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a reconciliation engine over the given collaborators.
func New(orders OrderStore, sessions SessionStore, locks Locker, validator Validator, provisioner Provisioner, opts ...EngineOption) *Engine {
	e := &Engine{
		orders:          orders,
		sessions:        sessions,
		locks:           locks,
		validator:       validator,
		provisioner:     provisioner,
		logger:          slog.Default(),
		leaseTTL:        DefaultLeaseTTL,
		sessionTTL:      DefaultSessionTTL,
		syncBackoffBase: DefaultSyncBackoffBase,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

// OnAfterTransition registers a hook invoked after every committed status
// transition.
func (e *Engine) OnAfterTransition(hook AfterTransitionHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterTransitionHooks = append(e.afterTransitionHooks, hook)
	return e
}

// OnConflict registers a hook invoked when a validated notification
// contradicts a finalized order.
func (e *Engine) OnConflict(hook ConflictHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflictHooks = append(e.conflictHooks, hook)
	return e
}

// ============================================================================
// Core Operations
// ============================================================================

// Initiate creates an order and its checkout session with the gateway.
// The returned redirect URL sends the buyer to the hosted checkout page;
// the session identifier keys every later interaction with this payment.
func (e *Engine) Initiate(ctx context.Context, req InitRequest) (*InitResult, error) {
	if e.checkout == nil {
		return nil, fmt.Errorf("engine has no checkout client configured")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := e.now()
	order := &Order{
		ID:          uuid.NewString(),
		SessionID:   uuid.NewString(),
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Customer:    req.Customer,
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	checkout, err := e.checkout.CreateCheckout(ctx, order)
	if err != nil {
		return nil, NewReconcileError(ErrCodeCheckoutFailed, "gateway checkout creation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	order.TranID = checkout.TranID

	if err := e.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	session := &Session{
		ID:        order.SessionID,
		OrderID:   order.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(e.sessionTTL),
	}
	if err := e.sessions.Put(ctx, session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	e.logger.Info("payment initiated",
		"order_id", order.ID,
		"session_id", order.SessionID,
		"tran_id", order.TranID,
		"amount", order.Amount.String(),
		"currency", order.Currency,
	)

	return &InitResult{
		SessionID:   order.SessionID,
		TranID:      order.TranID,
		RedirectURL: checkout.RedirectURL,
		Status:      order.Status,
	}, nil
}

// ProcessNotification reconciles a gateway notification against its order.
//
// The protocol, in order:
//  1. Resolve the order (session, then session index, then tran_id).
//  2. Acquire exclusive leases on the transaction and validation keys.
//     Contention means another processor owns the outcome: return the
//     persisted state as an idempotent no-op.
//  3. Validate with the gateway. Failure leaves the order untouched so
//     gateway redelivery can retry.
//  4. Re-read. An already decided order either confirms the duplicate or
//     raises conflicting_finalization; it is never overwritten.
//  5. Apply the verdict: VALIDATED then provision once for success,
//     FAILED/CANCELLED directly otherwise.
//  6. Release leases, broadcast the final status.
func (e *Engine) ProcessNotification(ctx context.Context, n IPNotification) (*ProcessResult, error) {
	if n.TranID == "" {
		return nil, NewReconcileError(ErrCodeInvalidNotification, "notification missing tran_id", nil)
	}

	order, err := e.resolveOrder(ctx, n.SessionID, n.TranID)
	if err != nil {
		return nil, err
	}

	leases, err := e.acquireLeases(ctx, &n)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			return e.contendedResult(ctx, order.ID, &n)
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	defer e.releaseLeases(ctx, leases)

	want := Expectation{TranID: order.TranID, Amount: order.Amount, Currency: order.Currency}
	verdict, err := e.validator.Validate(ctx, n, want)
	if err != nil {
		e.logger.Warn("notification validation failed",
			"order_id", order.ID,
			"tran_id", n.TranID,
			"error", err,
		)
		return nil, NewReconcileError(ErrCodeValidationFailed, "gateway validation rejected notification", map[string]interface{}{
			"tran_id": n.TranID,
			"error":   err.Error(),
		})
	}

	// Re-read under the lease. The pre-lease snapshot may be stale.
	fresh, err := e.orders.Get(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("reload order: %w", err)
	}

	if fresh.Status.Decided() {
		return e.confirmDecided(ctx, fresh, verdict, &n)
	}

	return e.applyVerdict(ctx, fresh, verdict, &n)
}

// Status returns a read-only snapshot of the order behind a session.
// It never mutates anything and keeps working after session expiry.
func (e *Engine) Status(ctx context.Context, sessionID string) (*StatusSnapshot, error) {
	order, err := e.resolveOrder(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{
		SessionID: order.SessionID,
		TranID:    order.TranID,
		Status:    order.Status,
		Amount:    order.Amount,
		Currency:  order.Currency,
		UpdatedAt: order.UpdatedAt,
	}, nil
}

// ============================================================================
// Internal Methods
// ============================================================================

// resolveOrder maps a session identifier to its order, falling back to the
// order store's session index (sessions expire, orders do not) and finally
// to the gateway transaction identifier.
func (e *Engine) resolveOrder(ctx context.Context, sessionID, tranID string) (*Order, error) {
	if sessionID != "" {
		session, err := e.sessions.Get(ctx, sessionID)
		switch {
		case err == nil:
			order, err := e.orders.Get(ctx, session.OrderID)
			if err == nil {
				return order, nil
			}
			if !errors.Is(err, ErrOrderNotFound) {
				return nil, fmt.Errorf("load order %s: %w", session.OrderID, err)
			}
		case !errors.Is(err, ErrSessionNotFound):
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}

		order, err := e.orders.GetBySessionID(ctx, sessionID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return nil, fmt.Errorf("load order by session %s: %w", sessionID, err)
		}
	}

	if tranID != "" {
		order, err := e.orders.GetByTranID(ctx, tranID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return nil, fmt.Errorf("load order by tran_id %s: %w", tranID, err)
		}
	}

	return nil, NewReconcileError(ErrCodeUnresolvedSession, "no order resolvable for notification", map[string]interface{}{
		"sessionId": sessionID,
		"tran_id":   tranID,
	})
}

// acquireLeases takes the transaction lease and, when the notification
// carries a validation identifier, the validation lease. Keys are always
// taken in the same order so concurrent processors cannot deadlock.
func (e *Engine) acquireLeases(ctx context.Context, n *IPNotification) ([]Lease, error) {
	keys := []string{"tran:" + n.TranID}
	if n.ValID != "" {
		keys = append(keys, "val:"+n.ValID)
	}

	leases := make([]Lease, 0, len(keys))
	for _, key := range keys {
		lease, err := e.locks.Acquire(ctx, key, e.leaseTTL)
		if err != nil {
			e.releaseLeases(ctx, leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

func (e *Engine) releaseLeases(ctx context.Context, leases []Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		if err := leases[i].Release(ctx); err != nil {
			e.logger.Warn("lease release failed", "key", leases[i].Key(), "error", err)
		}
	}
}

// contendedResult answers a notification that lost the lease race. The
// holder owns the outcome; this delivery reads the persisted state and
// acknowledges as a duplicate.
func (e *Engine) contendedResult(ctx context.Context, orderID string, n *IPNotification) (*ProcessResult, error) {
	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, NewReconcileError(ErrCodeLockContention, "notification already being processed", map[string]interface{}{
			"tran_id": n.TranID,
		})
	}
	e.logger.Debug("duplicate notification during processing",
		"order_id", order.ID,
		"tran_id", n.TranID,
		"status", order.Status,
	)
	return &ProcessResult{Order: order, Duplicate: true}, nil
}

// confirmDecided handles a validated notification against an order whose
// payment decision already exists. Consistent reports confirm idempotently;
// contradictions are surfaced for manual audit and never auto-resolved.
func (e *Engine) confirmDecided(ctx context.Context, order *Order, verdict *ValidationResult, n *IPNotification) (*ProcessResult, error) {
	if outcomeConsistent(order, verdict) {
		e.logger.Info("duplicate notification confirmed",
			"order_id", order.ID,
			"tran_id", order.TranID,
			"status", order.Status,
		)
		return &ProcessResult{Order: order, Duplicate: true}, nil
	}

	e.runConflictHooks(ConflictContext{
		Ctx:          ctx,
		Order:        order,
		Notification: n,
		Reported:     verdict.Outcome,
		Timestamp:    e.now(),
	})
	e.logger.Error("conflicting finalization detected",
		"order_id", order.ID,
		"tran_id", order.TranID,
		"stored_status", order.Status,
		"reported_outcome", verdict.Outcome,
	)
	return nil, NewReconcileError(ErrCodeConflictingFinalization, "notification contradicts finalized order", map[string]interface{}{
		"tran_id":          order.TranID,
		"stored_status":    string(order.Status),
		"reported_outcome": verdict.Outcome,
	})
}

// outcomeConsistent reports whether a validated outcome agrees with the
// decision already persisted on the order.
func outcomeConsistent(order *Order, verdict *ValidationResult) bool {
	switch order.Status {
	case StatusSuccess, StatusSyncPending:
		if verdict.Outcome != OutcomeSuccessful {
			return false
		}
		// Matching val_id (when both sides carry one) pins the duplicate
		// to the same gateway validation.
		if order.ValID != "" && verdict.ValID != "" && order.ValID != verdict.ValID {
			return false
		}
		return true
	case StatusFailed:
		return verdict.Outcome == OutcomeFailed
	case StatusCancelled:
		return verdict.Outcome == OutcomeCancelled
	default:
		return false
	}
}

// applyVerdict commits the validated outcome to an undecided order and, for
// successful payments, drives provisioning. The caller holds the leases.
func (e *Engine) applyVerdict(ctx context.Context, order *Order, verdict *ValidationResult, n *IPNotification) (*ProcessResult, error) {
	switch verdict.Outcome {
	case OutcomeSuccessful:
		// A VALIDATED order here means an earlier processor crashed before
		// provisioning; resume from that point instead of re-validating.
		if order.Status != StatusValidated {
			order.ValID = verdict.ValID
			order.PaymentInfo = verdict.Raw
			if err := e.transition(ctx, order, StatusValidated, n); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					return e.reconfirm(ctx, order.ID, verdict, n)
				}
				return nil, fmt.Errorf("commit validation: %w", err)
			}
		}
		return e.provisionInline(ctx, order, n)

	case OutcomeFailed, OutcomeCancelled:
		target := StatusFailed
		if verdict.Outcome == OutcomeCancelled {
			target = StatusCancelled
		}
		order.ValID = verdict.ValID
		order.PaymentInfo = verdict.Raw
		if err := e.transition(ctx, order, target, n); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return e.reconfirm(ctx, order.ID, verdict, n)
			}
			return nil, fmt.Errorf("commit outcome: %w", err)
		}
		e.publish(order)
		return &ProcessResult{Order: order}, nil

	default:
		return nil, NewReconcileError(ErrCodeValidationFailed, "validator returned unknown outcome", map[string]interface{}{
			"outcome": verdict.Outcome,
		})
	}
}

// provisionInline performs the one-shot side effect for a freshly validated
// order. Provisioning failure parks the order in SYNC_PENDING for the retry
// sweep; the payment decision itself is never rolled back.
func (e *Engine) provisionInline(ctx context.Context, order *Order, n *IPNotification) (*ProcessResult, error) {
	response, err := e.provisioner.Provision(ctx, order)
	if err != nil {
		e.logger.Warn("provisioning failed, deferring to retry sweep",
			"order_id", order.ID,
			"tran_id", order.TranID,
			"error", err,
		)
		order.SyncAttempts = 1
		order.NextSyncAt = e.now().Add(e.syncBackoffBase)
		order.LastSyncError = err.Error()
		if terr := e.transition(ctx, order, StatusSyncPending, n); terr != nil {
			if errors.Is(terr, ErrVersionConflict) {
				return e.reconfirm(ctx, order.ID, nil, n)
			}
			return nil, fmt.Errorf("commit sync_pending: %w", terr)
		}
		e.publish(order)
		return &ProcessResult{Order: order}, nil
	}

	order.ExternalAPIResponse = response
	if err := e.transition(ctx, order, StatusSuccess, n); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return e.reconfirm(ctx, order.ID, nil, n)
		}
		return nil, fmt.Errorf("commit success: %w", err)
	}
	e.publish(order)
	return &ProcessResult{Order: order}, nil
}

// reconfirm handles losing an optimistic write: a concurrent processor won
// despite the lease (expiry under load). Re-read and route the notification
// through the duplicate path against the winner's state.
func (e *Engine) reconfirm(ctx context.Context, orderID string, verdict *ValidationResult, n *IPNotification) (*ProcessResult, error) {
	fresh, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("reload order after version conflict: %w", err)
	}
	if verdict != nil && fresh.Status.Decided() {
		return e.confirmDecided(ctx, fresh, verdict, n)
	}
	return &ProcessResult{Order: fresh, Duplicate: true}, nil
}

// transition commits a status change through the legal state graph and
// runs the after-transition hooks.
func (e *Engine) transition(ctx context.Context, order *Order, to OrderStatus, n *IPNotification) error {
	from := order.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for order %s", from, to, order.ID)
	}
	order.Status = to
	order.UpdatedAt = e.now()
	if err := e.orders.Update(ctx, order); err != nil {
		order.Status = from
		return err
	}

	e.logger.Info("order transitioned",
		"order_id", order.ID,
		"tran_id", order.TranID,
		"from", from,
		"to", to,
	)
	e.runAfterTransitionHooks(TransitionContext{
		Ctx:          ctx,
		Order:        order,
		From:         from,
		To:           to,
		Notification: n,
		Timestamp:    e.now(),
	})
	return nil
}

func (e *Engine) publish(order *Order) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Publish(order.SessionID, StatusEvent{
		SessionID: order.SessionID,
		TranID:    order.TranID,
		Status:    order.Status,
	})
}

func (e *Engine) runAfterTransitionHooks(tc TransitionContext) {
	e.mu.RLock()
	hooks := e.afterTransitionHooks
	e.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(tc); err != nil {
			e.logger.Warn("after-transition hook failed", "order_id", tc.Order.ID, "error", err)
		}
	}
}

func (e *Engine) runConflictHooks(cc ConflictContext) {
	e.mu.RLock()
	hooks := e.conflictHooks
	e.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(cc); err != nil {
			e.logger.Warn("conflict hook failed", "order_id", cc.Order.ID, "error", err)
		}
	}
}
