package reconcile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultServerURL is the default URL for a locally running
	// reconciliation server.
	DefaultServerURL = "http://localhost:8488"

	headerContentType   = "Content-Type"
	headerAPIKey        = "X-API-Key"
	mimeApplicationJSON = "application/json"
)

// ClientConfig configures a reconciliation API client.
type ClientConfig struct {
	// URL is the base URL of the reconciliation server.
	URL string

	// APIKey authenticates merchant requests. Sent as X-API-Key when set.
	APIKey string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration
}

// Client is a merchant-side client for the reconciliation HTTP API. It
// initiates payments and follows their status, either as one-off
// snapshots or over the event stream.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new reconciliation API client
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{
			URL: DefaultServerURL,
		}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &Client{
		url:        config.URL,
		apiKey:     config.APIKey,
		httpClient: httpClient,
	}
}

// Initiate registers a payment and returns the session identifier and the
// hosted checkout URL to redirect the buyer to.
func (c *Client) Initiate(ctx context.Context, initReq InitRequest) (*InitResult, error) {
	body, err := json.Marshal(initReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal init request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/payment/init", c.url), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create init request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send init request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, responseError(resp)
	}

	var result InitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode init response: %w", err)
	}

	return &result, nil
}

// Status reads the current state of a payment session. Polling Status is
// always safe; reading never changes the order.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/payment/status/%s", c.url, sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	return &snap, nil
}

// Watch follows the status event stream for a session. The first event on
// the channel is a snapshot of the current state; updates follow until the
// order reaches a terminal status, the server ends the stream, or ctx is
// cancelled. The channel is closed when the stream ends.
func (c *Client) Watch(ctx context.Context, sessionID string) (<-chan StatusEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/payment/events/%s", c.url, sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send events request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	events := make(chan StatusEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var data []byte
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
			case line == "":
				if len(data) == 0 {
					continue
				}
				var event StatusEvent
				if err := json.Unmarshal(data, &event); err == nil {
					select {
					case events <- event:
					case <-ctx.Done():
						return
					}
				}
				data = nil
			}
		}
	}()

	return events, nil
}

// responseError turns a non-2xx API response into an error. Structured
// errors come back as a ReconcileError so callers can branch on ErrorCode.
func responseError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("request failed (%d): %w", resp.StatusCode, err)
	}

	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return NewReconcileError(apiErr.Error, apiErr.Message, nil)
	}

	return fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(body))
}
