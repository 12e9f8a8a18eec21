package reconcile

import (
	"errors"
	"fmt"
	"testing"
)

func TestReconcileErrorFormat(t *testing.T) {
	err := NewReconcileError(ErrCodeValidationFailed, "gateway rejected notification", map[string]interface{}{
		"tran_id": "tx-1",
	})
	if err.Error() != "validation_failed: gateway rejected notification" {
		t.Errorf("Unexpected error string %q", err.Error())
	}
	if err.Details["tran_id"] != "tx-1" {
		t.Errorf("Expected details preserved, got %v", err.Details)
	}
}

func TestErrorCode(t *testing.T) {
	err := NewReconcileError(ErrCodeConflictingFinalization, "contradiction", nil)

	if got := ErrorCode(err); got != ErrCodeConflictingFinalization {
		t.Errorf("ErrorCode = %q, want %q", got, ErrCodeConflictingFinalization)
	}

	wrapped := fmt.Errorf("processing notification: %w", err)
	if got := ErrorCode(wrapped); got != ErrCodeConflictingFinalization {
		t.Errorf("ErrorCode through wrapping = %q, want %q", got, ErrCodeConflictingFinalization)
	}

	if got := ErrorCode(errors.New("plain")); got != "" {
		t.Errorf("Expected empty code for plain error, got %q", got)
	}
	if got := ErrorCode(nil); got != "" {
		t.Errorf("Expected empty code for nil, got %q", got)
	}
}
