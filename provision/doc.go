// Package provision delivers confirmed orders to the downstream
// fulfilment API.
//
// The client performs a single delivery attempt per call. Retry policy
// lives with the caller (the engine schedules a sync sweep on failure),
// so a Provision call that errors must be safe to repeat. Every request
// carries the order ID as an idempotency key so the fulfilment service
// can deduplicate redeliveries.
package provision
