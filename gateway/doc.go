// Package gateway is the HTTP client of the payment gateway: it creates
// hosted checkout sessions and validates instant payment notifications
// against the gateway's validation endpoint.
//
// Notification payloads are never trusted on their own. A notification is
// schema-checked, its HMAC signature verified when the gateway signs
// deliveries, and its claimed outcome confirmed server-to-server before the
// reconciliation engine acts on it. The validation endpoint is authoritative:
// a transaction already validated once reports VALIDATED on re-validation,
// which duplicate deliveries rely on.
package gateway
