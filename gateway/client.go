package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/resolvepay/reconcile"
)

// Config configures the gateway client
type Config struct {
	// URL is the base URL of the gateway API
	URL string

	// StoreID and StorePassword authenticate this merchant
	StoreID       string
	StorePassword string

	// IPNSecret verifies notification signatures. Empty disables signature
	// checks; the validation endpoint remains authoritative either way.
	IPNSecret string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to DefaultTimeout)
	Timeout time.Duration

	// Clock is the time source for signature freshness (optional)
	Clock func() time.Time
}

// DefaultTimeout bounds a single gateway call. Validation sits inline in
// notification processing while a lease is held, so it stays short.
const DefaultTimeout = 15 * time.Second

// signatureTolerance bounds how old a signed notification may be.
const signatureTolerance = 5 * time.Minute

// Client talks to the payment gateway over HTTP.
// It implements reconcile.CheckoutClient and reconcile.Validator.
type Client struct {
	url           string
	storeID       string
	storePassword string
	ipnSecret     string
	httpClient    *http.Client
	now           func() time.Time
}

// NewClient creates a new gateway client
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &Client{
		url:           config.URL,
		storeID:       config.StoreID,
		storePassword: config.StorePassword,
		ipnSecret:     config.IPNSecret,
		httpClient:    httpClient,
		now:           now,
	}
}

// ============================================================================
// Checkout Creation
// ============================================================================

type checkoutRequest struct {
	StoreID       string `json:"store_id"`
	StorePassword string `json:"store_passwd"`
	TotalAmount   string `json:"total_amount"`
	Currency      string `json:"currency"`
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name"`
	CustomerName  string `json:"cus_name"`
	CustomerEmail string `json:"cus_email"`
	CustomerPhone string `json:"cus_phone"`
	// SessionRef is echoed back in notifications for correlation.
	SessionRef string `json:"value_a"`
}

type checkoutResponse struct {
	Status       string `json:"status"`
	TranID       string `json:"tran_id"`
	RedirectURL  string `json:"redirect_url"`
	FailedReason string `json:"failedreason,omitempty"`
}

// CreateCheckout registers the order with the gateway and returns the
// assigned transaction identifier and hosted checkout URL.
func (c *Client) CreateCheckout(ctx context.Context, order *reconcile.Order) (*reconcile.CheckoutSession, error) {
	body, err := json.Marshal(checkoutRequest{
		StoreID:       c.storeID,
		StorePassword: c.storePassword,
		TotalAmount:   order.Amount.String(),
		Currency:      order.Currency,
		ProductID:     order.ProductID,
		ProductName:   order.ProductName,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
		CustomerPhone: order.Customer.Phone,
		SessionRef:    order.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/checkout", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkout request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway checkout failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	var checkout checkoutResponse
	if err := json.Unmarshal(responseBody, &checkout); err != nil {
		return nil, fmt.Errorf("failed to decode checkout response: %w", err)
	}
	if checkout.Status != "SUCCESS" {
		return nil, fmt.Errorf("gateway rejected checkout: %s", checkout.FailedReason)
	}
	if checkout.TranID == "" || checkout.RedirectURL == "" {
		return nil, fmt.Errorf("gateway checkout response incomplete: %s", string(responseBody))
	}

	return &reconcile.CheckoutSession{
		TranID:      checkout.TranID,
		RedirectURL: checkout.RedirectURL,
		Raw:         responseBody,
	}, nil
}

// ============================================================================
// Notification Validation
// ============================================================================

type validationResponse struct {
	Status    string `json:"status"`
	TranID    string `json:"tran_id"`
	ValID     string `json:"val_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	RiskLevel string `json:"risk_level,omitempty"`
}

// Validate confirms a notification with the gateway's validation endpoint
// and checks the verdict against the order-side expectation. Any mismatch
// is an error and must leave the order untouched.
func (c *Client) Validate(ctx context.Context, n reconcile.IPNotification, want reconcile.Expectation) (*reconcile.ValidationResult, error) {
	if err := c.verifySignature(n); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("tran_id", n.TranID)
	if n.ValID != "" {
		query.Set("val_id", n.ValID)
	}
	query.Set("store_id", c.storeID)
	query.Set("store_passwd", c.storePassword)

	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/v1/validate?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway validation failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	var verdict validationResponse
	if err := json.Unmarshal(responseBody, &verdict); err != nil {
		return nil, fmt.Errorf("failed to decode validation response: %w", err)
	}

	if verdict.TranID != want.TranID {
		return nil, fmt.Errorf("validation tran_id mismatch: got %s, want %s", verdict.TranID, want.TranID)
	}

	var outcome string
	switch verdict.Status {
	// VALIDATED means the transaction was already validated once; duplicate
	// deliveries of the same payment land here.
	case "VALID", "VALIDATED":
		outcome = reconcile.OutcomeSuccessful
	case "FAILED":
		outcome = reconcile.OutcomeFailed
	case "CANCELLED":
		outcome = reconcile.OutcomeCancelled
	default:
		return nil, fmt.Errorf("gateway reported transaction %s as %s", n.TranID, verdict.Status)
	}

	amount := decimal.Zero
	if verdict.Amount != "" {
		amount, err = decimal.NewFromString(verdict.Amount)
		if err != nil {
			return nil, fmt.Errorf("gateway returned malformed amount %q: %w", verdict.Amount, err)
		}
	}

	// Captured amount and currency must match the order exactly, but only a
	// successful payment carries a meaningful capture to compare.
	if outcome == reconcile.OutcomeSuccessful {
		if !amount.Equal(want.Amount) {
			return nil, fmt.Errorf("validation amount mismatch: got %s, want %s", amount, want.Amount)
		}
		if !strings.EqualFold(verdict.Currency, want.Currency) {
			return nil, fmt.Errorf("validation currency mismatch: got %s, want %s", verdict.Currency, want.Currency)
		}
	}

	return &reconcile.ValidationResult{
		Outcome: outcome,
		ValID:   verdict.ValID,
		Amount:  amount,
		Raw:     responseBody,
	}, nil
}

// verifySignature checks the notification's HMAC when the gateway signs
// deliveries. Unsigned notifications are rejected once a secret is
// configured.
func (c *Client) verifySignature(n reconcile.IPNotification) error {
	if c.ipnSecret == "" {
		return nil
	}
	if n.Signature == "" {
		return fmt.Errorf("notification for %s is unsigned", n.TranID)
	}
	if n.SignedAt.IsZero() {
		return fmt.Errorf("notification for %s has no signature timestamp", n.TranID)
	}

	age := c.now().Sub(n.SignedAt)
	if age < -signatureTolerance || age > signatureTolerance {
		return fmt.Errorf("notification signature for %s outside tolerance: signed %s", n.TranID, n.SignedAt)
	}

	want := Signature(c.ipnSecret, n.SignedAt, n.Raw)
	if !hmac.Equal([]byte(want), []byte(n.Signature)) {
		return fmt.Errorf("notification signature for %s does not verify", n.TranID)
	}
	return nil
}

// Signature computes the notification signature: hex HMAC-SHA256 over
// "<unix seconds>.<raw payload bytes>".
func Signature(secret string, signedAt time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", signedAt.Unix())
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Ensure Client implements the gateway-facing interfaces
var (
	_ reconcile.CheckoutClient = (*Client)(nil)
	_ reconcile.Validator      = (*Client)(nil)
)
