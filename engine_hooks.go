package reconcile

import (
	"context"
	"time"
)

// ============================================================================
// Engine Hook Context Types
// ============================================================================

// TransitionContext contains information passed to transition hooks
type TransitionContext struct {
	Ctx          context.Context
	Order        *Order
	From         OrderStatus
	To           OrderStatus
	Notification *IPNotification
	Timestamp    time.Time
}

// ConflictContext contains information passed to conflict hooks when a
// notification disagrees with an already finalized order
type ConflictContext struct {
	Ctx          context.Context
	Order        *Order
	Notification *IPNotification
	// Reported is the outcome the conflicting notification claimed.
	Reported  string
	Timestamp time.Time
}

// EscalationContext contains information passed to escalation hooks when
// provisioning retries are exhausted
type EscalationContext struct {
	Ctx       context.Context
	Order     *Order
	Attempts  int
	LastError string
	Timestamp time.Time
}

// ============================================================================
// Engine Hook Function Types
// ============================================================================

// AfterTransitionHook is called after a committed status transition.
// Any error returned will be logged but will not affect the transition.
type AfterTransitionHook func(TransitionContext) error

// ConflictHook is called when a validated notification reports an outcome
// that contradicts an order's finalized state. The order is never mutated;
// the hook exists so operators can route the case to manual audit.
// Any error returned will be logged but will not change the result.
type ConflictHook func(ConflictContext) error

// EscalationHook is called when an order exhausts its provisioning retry
// budget. Any error returned will be logged but will not change the result.
type EscalationHook func(EscalationContext) error
