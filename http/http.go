// Package http exposes the reconciliation engine over HTTP using gin.
// It carries the merchant-facing initiation endpoint, the gateway-facing
// IPN webhook with its acknowledgement contract, the browser redirect
// landings, and the status polling and streaming endpoints.
package http

import (
	"net/http"

	"github.com/resolvepay/reconcile"
)

// errorStatus maps a processing error to the HTTP status the gateway and
// merchant clients key their behavior on. Anything unrecognised is an
// internal error, which tells the gateway to redeliver.
func errorStatus(err error) (int, string) {
	code := reconcile.ErrorCode(err)
	switch code {
	case reconcile.ErrCodeUnresolvedSession:
		return http.StatusNotFound, code
	case reconcile.ErrCodeConflictingFinalization:
		return http.StatusConflict, code
	case reconcile.ErrCodeValidationFailed:
		return http.StatusBadGateway, code
	case reconcile.ErrCodeCheckoutFailed:
		return http.StatusBadGateway, code
	case reconcile.ErrCodeInvalidNotification:
		return http.StatusBadRequest, code
	case reconcile.ErrCodeInvalidRequest:
		return http.StatusBadRequest, code
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
