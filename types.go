package reconcile

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the authoritative reconciliation state of an order.
type OrderStatus string

const (
	// StatusPending means the order was created and checkout initiated,
	// but no gateway outcome has been reconciled yet.
	StatusPending OrderStatus = "PENDING"
	// StatusValidated means the gateway confirmed the payment but the
	// provisioning side effect has not completed yet. Transient.
	StatusValidated OrderStatus = "VALIDATED"
	// StatusSuccess means payment confirmed and provisioning completed.
	StatusSuccess OrderStatus = "SUCCESS"
	// StatusSyncPending means payment confirmed but provisioning failed;
	// the retry sweep owns convergence to SUCCESS.
	StatusSyncPending OrderStatus = "SYNC_PENDING"
	// StatusFailed means the gateway reported the payment as failed.
	StatusFailed OrderStatus = "FAILED"
	// StatusCancelled means the gateway reported the payment as cancelled.
	StatusCancelled OrderStatus = "CANCELLED"
)

// Gateway outcome values as normalized from validator/IPN payloads.
const (
	OutcomeSuccessful = "SUCCESSFUL"
	OutcomeFailed     = "FAILED"
	OutcomeCancelled  = "CANCELLED"
)

// transitions is the legal state graph. Absent entries are illegal.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:     {StatusValidated, StatusFailed, StatusCancelled},
	StatusValidated:   {StatusSuccess, StatusSyncPending, StatusFailed, StatusCancelled},
	StatusSyncPending: {StatusSuccess},
}

// Terminal reports whether no further transition is legal from this status.
func (s OrderStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Decided reports whether a payment decision has been made for this status.
// SYNC_PENDING counts: the payment outcome is settled, only the external
// side effect is outstanding.
func (s OrderStatus) Decided() bool {
	return s == StatusSuccess || s == StatusSyncPending || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is legal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Customer identifies the buyer on an order.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Order is the durable record reconciliation converges on.
// Exactly one Order exists per checkout session. Orders are never deleted;
// audit history requires the final state of every initiated payment.
type Order struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`

	// TranID is the gateway transaction identifier assigned at checkout
	// initiation. Immutable once set.
	TranID string `json:"tran_id"`
	// ValID is the gateway validation identifier, known only after a
	// successful IPN validation. Empty until then.
	ValID string `json:"val_id,omitempty"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Customer    Customer `json:"customer"`
	ProductID   string   `json:"productId"`
	ProductName string   `json:"productName"`

	Status OrderStatus `json:"status"`

	// PaymentInfo holds the raw validator response recorded at finalization.
	PaymentInfo json.RawMessage `json:"paymentInfo,omitempty"`
	// ExternalAPIResponse holds the raw provisioning response, set once
	// provisioning succeeds.
	ExternalAPIResponse json.RawMessage `json:"externalApiResponse,omitempty"`

	// Provisioning retry bookkeeping, meaningful while Status is SYNC_PENDING.
	SyncAttempts  int       `json:"syncAttempts,omitempty"`
	NextSyncAt    time.Time `json:"nextSyncAt,omitempty"`
	LastSyncError string    `json:"lastSyncError,omitempty"`
	SyncEscalated bool      `json:"syncEscalated,omitempty"`

	// Version guards optimistic concurrency on updates.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session maps an opaque session identifier to an order for the duration of
// a checkout. Sessions expire; orders do not.
type Session struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session TTL has elapsed.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// IPNotification is a normalized instant payment notification as delivered
// by the gateway. Deliveries may be duplicated, delayed, or out of order.
type IPNotification struct {
	SessionID string          `json:"sessionId"`
	TranID    string          `json:"tran_id"`
	ValID     string          `json:"val_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	// Outcome is the gateway-reported result: SUCCESSFUL, FAILED or CANCELLED.
	Outcome   string    `json:"status"`
	Signature string    `json:"signature,omitempty"`
	SignedAt  time.Time `json:"signedAt,omitempty"`
	// Raw preserves the delivered payload bytes for auditing.
	Raw json.RawMessage `json:"-"`
}

// StatusEvent is the payload published to status subscribers whenever an
// order's status changes. Delivery is best effort, at most once.
type StatusEvent struct {
	SessionID string      `json:"sessionId"`
	TranID    string      `json:"tran_id"`
	Status    OrderStatus `json:"status"`
}

// InitRequest describes a payment to initiate.
type InitRequest struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Customer    Customer        `json:"customer"`
}

// Validate reports whether the initiation request is well formed.
func (r InitRequest) Validate() error {
	switch {
	case !r.Amount.IsPositive():
		return NewReconcileError(ErrCodeInvalidRequest, "amount must be positive", nil)
	case !validCurrencyCode(r.Currency):
		return NewReconcileError(ErrCodeInvalidRequest, "currency must be a 3-letter code", nil)
	case r.ProductID == "":
		return NewReconcileError(ErrCodeInvalidRequest, "productId is required", nil)
	case r.Customer.Name == "" || r.Customer.Email == "":
		return NewReconcileError(ErrCodeInvalidRequest, "customer name and email are required", nil)
	}
	return nil
}

func validCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// InitResult is returned from payment initiation.
type InitResult struct {
	SessionID   string      `json:"sessionId"`
	TranID      string      `json:"tran_id"`
	RedirectURL string      `json:"redirectURL"`
	Status      OrderStatus `json:"status"`
}

// StatusSnapshot is a read-only view of an order's current state, served to
// redirect landings and the polling endpoint. Reading a snapshot never
// mutates the order.
type StatusSnapshot struct {
	SessionID string          `json:"sessionId"`
	TranID    string          `json:"tran_id"`
	Status    OrderStatus     `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ProcessResult is returned from notification processing.
type ProcessResult struct {
	Order *Order
	// Duplicate is true when the notification matched an already decided
	// order (or lost the lease race) and processing was an idempotent no-op.
	Duplicate bool
}
