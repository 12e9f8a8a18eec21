// Package gatewaysim simulates the payment gateway and the fulfilment API
// for integration tests. The gateway side records checkouts, answers
// validation with its own ledger rather than trusting notifications, and
// can deliver signed webhook notifications over real HTTP.
package gatewaysim

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/resolvepay/reconcile"
	"github.com/resolvepay/reconcile/gateway"
)

// ============================================================================
// Gateway Simulator
// ============================================================================

// Transaction is the gateway's record of one checkout.
type Transaction struct {
	TranID    string
	SessionID string
	Amount    decimal.Decimal
	Currency  string
	// Outcome is empty until the buyer completes the hosted checkout.
	Outcome string
	ValID   string
}

// Gateway simulates the payment gateway. It implements
// reconcile.CheckoutClient and reconcile.Validator.
type Gateway struct {
	mu           sync.Mutex
	ipnSecret    string
	transactions map[string]*Transaction
	seq          int
}

// NewGateway creates a gateway simulator. A non-empty secret makes it sign
// webhook deliveries and reject unsigned validation requests, matching a
// production gateway.
func NewGateway(ipnSecret string) *Gateway {
	return &Gateway{
		ipnSecret:    ipnSecret,
		transactions: make(map[string]*Transaction),
	}
}

// CreateCheckout registers a checkout and assigns a transaction identifier.
func (g *Gateway) CreateCheckout(ctx context.Context, order *reconcile.Order) (*reconcile.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	tranID := fmt.Sprintf("TX-%04d", g.seq)
	g.transactions[tranID] = &Transaction{
		TranID:    tranID,
		SessionID: order.SessionID,
		Amount:    order.Amount,
		Currency:  order.Currency,
	}

	return &reconcile.CheckoutSession{
		TranID:      tranID,
		RedirectURL: "https://sandbox.gateway.test/pay/" + tranID,
		Raw:         json.RawMessage(`{"status":"SUCCESS"}`),
	}, nil
}

// CompletePayment records the buyer finishing the hosted checkout with the
// given outcome. Successful payments are assigned a validation identifier.
func (g *Gateway) CompletePayment(tranID, outcome string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	tran, ok := g.transactions[tranID]
	if !ok {
		return fmt.Errorf("unknown transaction %s", tranID)
	}
	tran.Outcome = outcome
	if outcome == reconcile.OutcomeSuccessful {
		tran.ValID = "VAL-" + tranID
	}
	return nil
}

// Validate answers from the gateway's own ledger. The notification's
// claimed outcome is ignored; a forged delivery cannot validate a payment
// the gateway never saw succeed.
func (g *Gateway) Validate(ctx context.Context, n reconcile.IPNotification, want reconcile.Expectation) (*reconcile.ValidationResult, error) {
	if err := g.verifySignature(n); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tran, ok := g.transactions[n.TranID]
	if !ok {
		return nil, fmt.Errorf("gateway has no transaction %s", n.TranID)
	}
	if tran.Outcome == "" {
		return nil, fmt.Errorf("transaction %s has no outcome yet", n.TranID)
	}
	if tran.TranID != want.TranID {
		return nil, fmt.Errorf("validation tran_id mismatch: got %s, want %s", tran.TranID, want.TranID)
	}
	if tran.Outcome == reconcile.OutcomeSuccessful {
		if !tran.Amount.Equal(want.Amount) {
			return nil, fmt.Errorf("validation amount mismatch: got %s, want %s", tran.Amount, want.Amount)
		}
		if !strings.EqualFold(tran.Currency, want.Currency) {
			return nil, fmt.Errorf("validation currency mismatch: got %s, want %s", tran.Currency, want.Currency)
		}
	}

	return &reconcile.ValidationResult{
		Outcome: tran.Outcome,
		ValID:   tran.ValID,
		Amount:  tran.Amount,
		Raw:     json.RawMessage(fmt.Sprintf(`{"status":"VALID","tran_id":%q,"val_id":%q}`, tran.TranID, tran.ValID)),
	}, nil
}

func (g *Gateway) verifySignature(n reconcile.IPNotification) error {
	if g.ipnSecret == "" {
		return nil
	}
	if n.Signature == "" || n.SignedAt.IsZero() {
		return errors.New("notification is unsigned")
	}
	want := gateway.Signature(g.ipnSecret, n.SignedAt, n.Raw)
	if !hmac.Equal([]byte(want), []byte(n.Signature)) {
		return fmt.Errorf("notification signature for %s does not verify", n.TranID)
	}
	return nil
}

// Notification builds the instant payment notification the gateway would
// deliver for a transaction, for handing to an engine in process.
func (g *Gateway) Notification(tranID string) (reconcile.IPNotification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tran, ok := g.transactions[tranID]
	if !ok {
		return reconcile.IPNotification{}, fmt.Errorf("unknown transaction %s", tranID)
	}
	return reconcile.IPNotification{
		SessionID: tran.SessionID,
		TranID:    tran.TranID,
		ValID:     tran.ValID,
		Amount:    tran.Amount,
		Currency:  tran.Currency,
		Outcome:   tran.Outcome,
	}, nil
}

// DeliveryResult reports how a webhook delivery was acknowledged.
type DeliveryResult struct {
	StatusCode int
	Body       []byte
}

// Duplicate reports whether the acknowledgement flagged the delivery as a
// duplicate of an already decided order.
func (r *DeliveryResult) Duplicate() bool {
	var ack struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(r.Body, &ack); err != nil {
		return false
	}
	return ack.Duplicate
}

// DeliverIPN posts the webhook notification for a transaction to a running
// server, form-encoded and signed the way the gateway delivers it.
func (g *Gateway) DeliverIPN(ctx context.Context, baseURL, tranID string) (*DeliveryResult, error) {
	g.mu.Lock()
	tran, ok := g.transactions[tranID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("unknown transaction %s", tranID)
	}
	if tran.Outcome == "" {
		g.mu.Unlock()
		return nil, fmt.Errorf("transaction %s has no outcome to deliver", tranID)
	}

	form := url.Values{}
	form.Set("tran_id", tran.TranID)
	form.Set("status", wireStatus(tran.Outcome))
	form.Set("amount", tran.Amount.String())
	form.Set("currency", tran.Currency)
	form.Set("value_a", tran.SessionID)
	if tran.ValID != "" {
		form.Set("val_id", tran.ValID)
	}
	sessionID := tran.SessionID
	g.mu.Unlock()

	body := form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/payment/ipn/"+sessionID, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if g.ipnSecret != "" {
		signedAt := time.Now()
		req.Header.Set(gateway.HeaderTimestamp, strconv.FormatInt(signedAt.Unix(), 10))
		req.Header.Set(gateway.HeaderSignature, gateway.Signature(g.ipnSecret, signedAt, []byte(body)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	ack, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &DeliveryResult{StatusCode: resp.StatusCode, Body: ack}, nil
}

// wireStatus maps a normalized outcome back to the gateway's wire spelling.
func wireStatus(outcome string) string {
	switch outcome {
	case reconcile.OutcomeSuccessful:
		return "VALID"
	case reconcile.OutcomeFailed:
		return "FAILED"
	case reconcile.OutcomeCancelled:
		return "CANCELLED"
	default:
		return outcome
	}
}

// ============================================================================
// Fulfilment Simulator
// ============================================================================

// Fulfilment simulates the external fulfilment API. It implements
// reconcile.Provisioner and can be scripted to fail.
type Fulfilment struct {
	mu            sync.Mutex
	calls         int
	failRemaining int
}

// NewFulfilment creates a healthy fulfilment simulator.
func NewFulfilment() *Fulfilment {
	return &Fulfilment{}
}

// FailNext makes the next n provisioning calls fail.
func (f *Fulfilment) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRemaining = n
}

// Calls returns how many provisioning calls were made.
func (f *Fulfilment) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Provision records the call and fulfils the order unless scripted to fail.
func (f *Fulfilment) Provision(ctx context.Context, order *reconcile.Order) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failRemaining != 0 {
		if f.failRemaining > 0 {
			f.failRemaining--
		}
		return nil, errors.New("fulfilment api unreachable")
	}
	return json.RawMessage(fmt.Sprintf(`{"fulfilled":true,"orderId":%q}`, order.ID)), nil
}
