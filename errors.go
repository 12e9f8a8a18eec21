package reconcile

import (
	"errors"
	"fmt"
)

// ReconcileError represents a reconciliation-specific error
type ReconcileError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeUnresolvedSession       = "unresolved_session"
	ErrCodeValidationFailed        = "validation_failed"
	ErrCodeLockContention          = "lock_contention"
	ErrCodeConflictingFinalization = "conflicting_finalization"
	ErrCodeProvisioningFailed      = "provisioning_failed"
	ErrCodeInvalidNotification     = "invalid_notification"
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeCheckoutFailed          = "checkout_failed"
	ErrCodeStoreFailure            = "store_failure"
)

// NewReconcileError creates a new reconciliation error
func NewReconcileError(code, message string, details map[string]interface{}) *ReconcileError {
	return &ReconcileError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the reconciliation error code from err, or "" when err
// is not a ReconcileError.
func ErrorCode(err error) string {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Sentinel errors returned by store and lock implementations. Callers match
// them with errors.Is.
var (
	// ErrOrderNotFound is returned when no order matches the lookup key.
	ErrOrderNotFound = errors.New("order not found")
	// ErrSessionNotFound is returned when a session is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when an optimistic update lost to a
	// concurrent writer. The caller should re-read and reassess.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrLeaseHeld is returned when an exclusive lease is already held by
	// another processor. Contention is not a failure; the holder owns the
	// outcome and the caller reads the persisted state instead.
	ErrLeaseHeld = errors.New("lease held by another processor")
	// ErrDuplicateOrder is returned when creating an order whose session or
	// transaction identifier already exists.
	ErrDuplicateOrder = errors.New("duplicate order")
)
