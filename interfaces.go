package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Storage Interfaces
// ============================================================================

// OrderStore is the durable order repository. Implementations must be safe
// for concurrent use and must enforce optimistic concurrency on Update.
type OrderStore interface {
	// Create persists a new order. Returns ErrDuplicateOrder when an order
	// with the same session or transaction identifier already exists.
	Create(ctx context.Context, order *Order) error

	// Get returns the order by primary identifier, or ErrOrderNotFound.
	Get(ctx context.Context, id string) (*Order, error)

	// GetBySessionID returns the order created for a checkout session,
	// or ErrOrderNotFound. Works after session expiry; the order outlives
	// the session.
	GetBySessionID(ctx context.Context, sessionID string) (*Order, error)

	// GetByTranID returns the order by gateway transaction identifier,
	// or ErrOrderNotFound.
	GetByTranID(ctx context.Context, tranID string) (*Order, error)

	// Update persists order, guarded by its Version field: the write
	// succeeds only if the stored version still equals order.Version,
	// and increments it. Returns ErrVersionConflict when a concurrent
	// writer won; callers re-read and reassess rather than retry blindly.
	Update(ctx context.Context, order *Order) error

	// ListSyncPending returns up to limit orders in SYNC_PENDING whose
	// NextSyncAt is not after now and which have not been escalated,
	// ordered by NextSyncAt ascending.
	ListSyncPending(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}

// SessionStore maps session identifiers to orders for the checkout window.
// Entries carry a TTL; Get must not return expired sessions.
type SessionStore interface {
	Put(ctx context.Context, session *Session) error

	// Get returns the session, or ErrSessionNotFound when unknown or
	// expired.
	Get(ctx context.Context, id string) (*Session, error)

	Delete(ctx context.Context, id string) error
}

// ============================================================================
// Locking Interfaces
// ============================================================================

// Lease is an exclusive, TTL-bounded claim on a key. The TTL is the crash
// safety net: a holder that dies without releasing stops blocking once the
// lease expires.
type Lease interface {
	// Key returns the leased key.
	Key() string

	// Release frees the lease if this holder still owns it. Releasing an
	// expired or stolen lease is a no-op, not an error.
	Release(ctx context.Context) error
}

// Locker grants exclusive leases used to serialize notification processing
// per transaction. Implementations must be safe for concurrent use.
//
// The interface is designed to support both in-memory and distributed
// backends (Redis, database, etc.) for different deployment scenarios.
type Locker interface {
	// Acquire claims key exclusively for at most ttl. Returns ErrLeaseHeld
	// when another holder owns the key; contention is the signal that a
	// concurrent processor owns the outcome, not a failure to retry.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// ============================================================================
// Gateway Interfaces
// ============================================================================

// Expectation carries the order-side facts a notification must match before
// its outcome is trusted.
type Expectation struct {
	TranID   string
	Amount   decimal.Decimal
	Currency string
}

// ValidationResult is the gateway's authoritative verdict on a notification.
type ValidationResult struct {
	// Outcome is one of OutcomeSuccessful, OutcomeFailed, OutcomeCancelled.
	Outcome string
	ValID   string
	Amount  decimal.Decimal
	// Raw preserves the gateway response bytes for the order's PaymentInfo.
	Raw json.RawMessage
}

// Validator verifies a notification against the gateway's validation
// endpoint. Notification contents are never trusted on their own; only a
// validator verdict may finalize an order.
type Validator interface {
	// Validate confirms the notification with the gateway and checks it
	// against want. Any mismatch or transport failure is an error; the
	// order must remain untouched so gateway redelivery can retry.
	Validate(ctx context.Context, n IPNotification, want Expectation) (*ValidationResult, error)
}

// CheckoutClient creates hosted checkout sessions with the gateway.
type CheckoutClient interface {
	// CreateCheckout registers the order with the gateway and returns the
	// assigned transaction identifier and the hosted checkout URL.
	CreateCheckout(ctx context.Context, order *Order) (*CheckoutSession, error)
}

// CheckoutSession is the gateway's answer to checkout creation.
type CheckoutSession struct {
	TranID      string
	RedirectURL string
	Raw         json.RawMessage
}

// ============================================================================
// Side Effect Interfaces
// ============================================================================

// Provisioner performs the one-shot external side effect for a paid order.
// The engine guarantees at most one in-flight call per order; the
// implementation does not need its own deduplication.
type Provisioner interface {
	// Provision delivers the side effect and returns the raw upstream
	// response for the order's record. An error leaves the order in
	// SYNC_PENDING for the retry sweep.
	Provision(ctx context.Context, order *Order) (json.RawMessage, error)
}

// Broadcaster publishes status events to session-keyed subscribers.
// Publishing is fire and forget: no delivery guarantee, no persistence,
// and it must never block reconciliation.
type Broadcaster interface {
	Publish(sessionID string, event StatusEvent)
}
