package gateway

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/resolvepay/reconcile"
)

func TestValidateIPNPayload(t *testing.T) {
	cases := map[string]struct {
		payload string
		wantErr bool
	}{
		"valid":              {`{"tran_id":"TX1","status":"VALID","val_id":"V1","amount":"250.50","currency":"BDT"}`, false},
		"numeric amount":     {`{"tran_id":"TX1","status":"FAILED","amount":250.5}`, false},
		"missing tran_id":    {`{"status":"VALID"}`, true},
		"empty tran_id":      {`{"tran_id":"","status":"VALID"}`, true},
		"missing status":     {`{"tran_id":"TX1"}`, true},
		"unknown status":     {`{"tran_id":"TX1","status":"MAYBE"}`, true},
		"not an object":      {`[1,2,3]`, true},
		"tran_id wrong type": {`{"tran_id":42,"status":"VALID"}`, true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateIPNPayload([]byte(tc.payload))
			if tc.wantErr && err == nil {
				t.Errorf("expected schema error for %s", tc.payload)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected schema error: %v", err)
			}
		})
	}
}

func TestParseIPN(t *testing.T) {
	body := []byte(`{"tran_id":"TX1","val_id":"V1","amount":"250.50","currency":"bdt","status":"VALID","value_a":"sess-from-body"}`)

	n, err := ParseIPN(body, "sess-from-url")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if n.SessionID != "sess-from-url" {
		t.Errorf("session id = %s, want the URL value", n.SessionID)
	}
	if n.TranID != "TX1" || n.ValID != "V1" {
		t.Errorf("identifiers = %s/%s, want TX1/V1", n.TranID, n.ValID)
	}
	if !n.Amount.Equal(decimal.RequireFromString("250.50")) {
		t.Errorf("amount = %s, want 250.50", n.Amount)
	}
	if n.Currency != "BDT" {
		t.Errorf("currency = %s, want upper-cased BDT", n.Currency)
	}
	if n.Outcome != reconcile.OutcomeSuccessful {
		t.Errorf("outcome = %s, want SUCCESSFUL", n.Outcome)
	}
	if string(n.Raw) != string(body) {
		t.Error("raw body not preserved")
	}
}

func TestParseIPNSessionFallback(t *testing.T) {
	body := []byte(`{"tran_id":"TX1","status":"CANCELLED","value_a":"sess-from-body"}`)

	n, err := ParseIPN(body, "")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n.SessionID != "sess-from-body" {
		t.Errorf("session id = %s, want correlation echo", n.SessionID)
	}
	if n.Outcome != reconcile.OutcomeCancelled {
		t.Errorf("outcome = %s, want CANCELLED", n.Outcome)
	}
}

func TestParseIPNNumericAmount(t *testing.T) {
	body := []byte(`{"tran_id":"TX1","status":"VALID","amount":1050.75}`)

	n, err := ParseIPN(body, "s1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !n.Amount.Equal(decimal.RequireFromString("1050.75")) {
		t.Errorf("amount = %s, want 1050.75", n.Amount)
	}
}

func TestParseIPNRejectsMalformed(t *testing.T) {
	if _, err := ParseIPN([]byte(`{"status":"VALID"}`), "s1"); err == nil {
		t.Error("expected error for payload without tran_id")
	}
	if _, err := ParseIPN([]byte(`not json`), "s1"); err == nil {
		t.Error("expected error for non-JSON payload")
	}
	if _, err := ParseIPN([]byte(`{"tran_id":"TX1","status":"UNKNOWNISH"}`), "s1"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestNotificationFromRequest(t *testing.T) {
	body := `{"tran_id":"TX1","status":"VALID","val_id":"V1","amount":"250.50","currency":"BDT"}`
	signedAt := time.Unix(1700000000, 0)

	req := httptest.NewRequest(http.MethodPost, "/payment/ipn/sess-1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "cafe01")
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(signedAt.Unix(), 10))

	n, err := NotificationFromRequest(req, "sess-1")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if n.TranID != "TX1" || n.SessionID != "sess-1" {
		t.Errorf("identifiers = %s/%s", n.TranID, n.SessionID)
	}
	if n.Signature != "cafe01" {
		t.Errorf("signature = %s, want header value", n.Signature)
	}
	if !n.SignedAt.Equal(signedAt) {
		t.Errorf("signedAt = %v, want %v", n.SignedAt, signedAt)
	}
	if string(n.Raw) != body {
		t.Errorf("raw = %q, want the delivered body", n.Raw)
	}
}

func TestNotificationFromRequestForm(t *testing.T) {
	form := "tran_id=TX2&status=FAILED&value_a=sess-2"

	req := httptest.NewRequest(http.MethodPost, "/payment/ipn/sess-2", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	n, err := NotificationFromRequest(req, "sess-2")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if n.TranID != "TX2" || n.Outcome != reconcile.OutcomeFailed {
		t.Errorf("parsed %s/%s, want TX2/FAILED", n.TranID, n.Outcome)
	}
	if string(n.Raw) != form {
		t.Errorf("raw = %q, want the delivered form bytes", n.Raw)
	}
}

func TestNotificationFromRequestBadTimestamp(t *testing.T) {
	body := `{"tran_id":"TX1","status":"VALID"}`

	req := httptest.NewRequest(http.MethodPost, "/payment/ipn/sess-1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, "soon")

	if _, err := NotificationFromRequest(req, "sess-1"); err == nil {
		t.Error("expected error for non-numeric timestamp header")
	}
}

func TestSignatureDeterministic(t *testing.T) {
	body := []byte(`{"tran_id":"TX1"}`)
	at := time.Unix(1700000000, 0)

	first := Signature("secret", at, body)
	second := Signature("secret", at, body)
	if first != second {
		t.Error("signature not deterministic")
	}
	if Signature("other", at, body) == first {
		t.Error("signature ignores the secret")
	}
	if !strings.EqualFold(first, strings.ToLower(first)) {
		t.Error("signature not lower-case hex")
	}
}
