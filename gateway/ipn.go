package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"

	"github.com/resolvepay/reconcile"
)

// Headers carrying the notification signature on webhook deliveries. The
// timestamp is unix seconds and is part of the signed material.
const (
	HeaderSignature = "X-Gateway-Signature"
	HeaderTimestamp = "X-Gateway-Timestamp"
)

// maxNotificationBody caps the accepted webhook payload size.
const maxNotificationBody = 256 << 10 // 256KB

// ipnSchema is the wire contract for notification payloads. Anything that
// fails it is rejected before reconciliation sees it.
const ipnSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["tran_id", "status"],
	"properties": {
		"tran_id": {"type": "string", "minLength": 1},
		"val_id": {"type": "string"},
		"amount": {"type": ["string", "number"]},
		"currency": {"type": "string"},
		"status": {
			"type": "string",
			"enum": ["VALID", "VALIDATED", "SUCCESSFUL", "FAILED", "CANCELLED"]
		},
		"value_a": {"type": "string"}
	}
}`

var ipnSchemaLoader = gojsonschema.NewBytesLoader([]byte(ipnSchema))

// ValidateIPNPayload checks a raw notification body against the wire schema.
func ValidateIPNPayload(payload []byte) error {
	result, err := gojsonschema.Validate(ipnSchemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	// Collect errors
	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("notification payload invalid: %s", strings.Join(errors, "; "))
}

// ipnPayload is the delivered notification shape.
type ipnPayload struct {
	TranID   string      `json:"tran_id"`
	ValID    string      `json:"val_id"`
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
	Status   string      `json:"status"`
	// SessionRef echoes the correlation value passed at checkout creation.
	SessionRef string `json:"value_a"`
}

// ParseIPN schema-checks and normalizes a notification body. The session
// identifier from the delivery URL wins over the body's correlation echo.
func ParseIPN(body []byte, sessionID string) (*reconcile.IPNotification, error) {
	if err := ValidateIPNPayload(body); err != nil {
		return nil, err
	}

	var payload ipnPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode notification: %w", err)
	}

	outcome, err := normalizeOutcome(payload.Status)
	if err != nil {
		return nil, err
	}

	amount := decimal.Zero
	if payload.Amount.String() != "" {
		amount, err = decimal.NewFromString(payload.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("notification has malformed amount %q: %w", payload.Amount, err)
		}
	}

	if sessionID == "" {
		sessionID = payload.SessionRef
	}

	return &reconcile.IPNotification{
		SessionID: sessionID,
		TranID:    payload.TranID,
		ValID:     payload.ValID,
		Amount:    amount,
		Currency:  strings.ToUpper(payload.Currency),
		Outcome:   outcome,
		Raw:       append([]byte(nil), body...),
	}, nil
}

// NotificationFromRequest builds a notification from a delivered webhook
// request. It accepts JSON and urlencoded form bodies, caps the payload
// size, and lifts the signature headers when present.
func NotificationFromRequest(r *http.Request, sessionID string) (*reconcile.IPNotification, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read notification body: %w", err)
	}
	if len(raw) > maxNotificationBody {
		return nil, fmt.Errorf("notification body exceeds %d bytes", maxNotificationBody)
	}

	payload := raw
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		payload, err = formToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode form notification: %w", err)
		}
	}

	n, err := ParseIPN(payload, sessionID)
	if err != nil {
		return nil, err
	}

	// The signature covers the bytes as delivered, so the original body is
	// what gets verified and audited, not the normalised form.
	n.Raw = raw
	n.Signature = r.Header.Get(HeaderSignature)
	if ts := r.Header.Get(HeaderTimestamp); ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid signature timestamp %q", ts)
		}
		n.SignedAt = time.Unix(sec, 0)
	}

	return n, nil
}

// formToJSON rewrites an urlencoded gateway payload as the JSON object the
// notification schema expects. Repeated keys keep their first value.
func formToJSON(raw []byte) ([]byte, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(values))
	for key := range values {
		fields[key] = values.Get(key)
	}
	return json.Marshal(fields)
}

// normalizeOutcome maps the gateway's reported status spellings onto the
// reconciliation outcomes.
func normalizeOutcome(status string) (string, error) {
	switch strings.ToUpper(status) {
	case "VALID", "VALIDATED", "SUCCESSFUL":
		return reconcile.OutcomeSuccessful, nil
	case "FAILED":
		return reconcile.OutcomeFailed, nil
	case "CANCELLED":
		return reconcile.OutcomeCancelled, nil
	default:
		return "", fmt.Errorf("unknown notification status %q", status)
	}
}
