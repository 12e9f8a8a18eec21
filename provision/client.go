package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/resolvepay/reconcile"
)

// DefaultTimeout bounds a single fulfilment delivery attempt.
const DefaultTimeout = 30 * time.Second

// Config carries the settings for a fulfilment API client.
type Config struct {
	// URL is the base URL of the fulfilment service.
	URL string

	// APIKey authenticates requests to the fulfilment service.
	APIKey string

	// Timeout bounds each delivery attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Client is the underlying resty client. A fresh one is created
	// when nil.
	Client *resty.Client
}

// Client delivers confirmed orders to the fulfilment API over HTTP.
type Client struct {
	base   string
	apiKey string
	http   *resty.Client
}

// NewClient creates a fulfilment API client from config.
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	httpClient := config.Client
	if httpClient == nil {
		httpClient = resty.New()
	}
	httpClient.SetTimeout(timeout)

	return &Client{
		base:   strings.TrimRight(config.URL, "/"),
		apiKey: config.APIKey,
		http:   httpClient,
	}
}

type deliveryRequest struct {
	OrderID       string `json:"order_id"`
	SessionID     string `json:"session_id"`
	TranID        string `json:"tran_id"`
	ValID         string `json:"val_id,omitempty"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	ProductID     string `json:"product_id"`
	ProductName   string `json:"product_name,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone,omitempty"`
}

type deliveryResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Provision posts the order to the fulfilment API and returns the raw
// response body for auditing. A non-2xx response or a rejected status
// in the body is an error; the caller owns the retry schedule.
func (c *Client) Provision(ctx context.Context, order *reconcile.Order) (json.RawMessage, error) {
	body := deliveryRequest{
		OrderID:       order.ID,
		SessionID:     order.SessionID,
		TranID:        order.TranID,
		ValID:         order.ValID,
		Amount:        order.Amount.String(),
		Currency:      order.Currency,
		ProductID:     order.ProductID,
		ProductName:   order.ProductName,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
		CustomerPhone: order.Customer.Phone,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", c.apiKey).
		SetHeader("Idempotency-Key", order.ID).
		SetBody(body).
		Post(c.base + "/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("failed to reach fulfilment API: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("fulfilment API returned non-2xx status: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}

	if len(resp.Body()) == 0 {
		return json.RawMessage(`{}`), nil
	}

	var parsed deliveryResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode fulfilment response: %w", err)
	}
	if parsed.Status != "" && !strings.EqualFold(parsed.Status, "ok") {
		return nil, fmt.Errorf("fulfilment API rejected order %s: %s", order.ID, parsed.Message)
	}

	raw := make(json.RawMessage, len(resp.Body()))
	copy(raw, resp.Body())
	return raw, nil
}

var _ reconcile.Provisioner = (*Client)(nil)
