package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Payclaw platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key for mutating endpoints
}

// PayclawClient is a pure HTTP client for the Payclaw platform API.
type PayclawClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPayclawClient creates a new client for the Payclaw platform.
func NewPayclawClient(cfg Config) *PayclawClient {
	return &PayclawClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *PayclawClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// InitiatePayment opens a payment session and returns deposit instructions.
func (c *PayclawClient) InitiatePayment(ctx context.Context, amountUSD float64, payerAddress, merchantName string) (json.RawMessage, error) {
	body := map[string]any{
		"amount_usd": amountUSD,
	}
	if payerAddress != "" {
		body["payer_address"] = payerAddress
	}
	if merchantName != "" {
		body["merchant_name"] = merchantName
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/payment/initiate", nil, body)
}

// ConfirmPayment verifies an on-chain deposit and returns the issued card.
func (c *PayclawClient) ConfirmPayment(ctx context.Context, sessionID, txRef string) (json.RawMessage, error) {
	body := map[string]string{
		"session_id": sessionID,
		"tx_ref":     txRef,
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/payment/confirm", nil, body)
}

// GetCard returns the ledger projection for a single card.
func (c *PayclawClient) GetCard(ctx context.Context, cardID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/cards/"+cardID, nil, nil)
}

// ListCards lists issued cards, optionally filtered by session.
func (c *PayclawClient) ListCards(ctx context.Context, sessionID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/cards", q, nil)
}

// SimulateAuthorize places a test-mode authorization on a card.
func (c *PayclawClient) SimulateAuthorize(ctx context.Context, cardID string, amountCents int64, descriptor, mcc string) (json.RawMessage, error) {
	body := map[string]any{
		"amount_cents": amountCents,
	}
	if descriptor != "" {
		body["descriptor"] = descriptor
	}
	if mcc != "" {
		body["mcc"] = mcc
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/cards/"+cardID+"/simulate/authorize", nil, body)
}

// SimulateClear clears a prior authorization on a card.
func (c *PayclawClient) SimulateClear(ctx context.Context, cardID string, amountCents int64) (json.RawMessage, error) {
	body := map[string]any{
		"amount_cents": amountCents,
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/cards/"+cardID+"/simulate/clear", nil, body)
}

// GetPlatformInfo returns chain and contract configuration.
func (c *PayclawClient) GetPlatformInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/platform", nil, nil)
}
