package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// HTTPExecution is an Execution client over the brokerage engine's REST API.
type HTTPExecution struct {
	baseURL string
	client  *http.Client
}

// NewHTTPExecution creates an execution client for the given base URL.
func NewHTTPExecution(baseURL string) *HTTPExecution {
	return &HTTPExecution{baseURL: baseURL, client: newHTTPClient()}
}

func (e *HTTPExecution) Submit(ctx context.Context, security, side string, quantity decimal.Decimal) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"security": security,
		"side":     side,
		"quantity": quantity.String(),
		"type":     "MARKET",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("submit order: execution engine returned %d", resp.StatusCode)
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("submit order: decode response: %w", err)
	}
	return out.OrderID, nil
}

// HTTPPricing is a Pricing client over the pricing service's REST API.
type HTTPPricing struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPricing creates a pricing client for the given base URL.
func NewHTTPPricing(baseURL string) *HTTPPricing {
	return &HTTPPricing{baseURL: baseURL, client: newHTTPClient()}
}

func (p *HTTPPricing) CurrentPrice(ctx context.Context, security string) (decimal.Decimal, error) {
	u := p.baseURL + "/price?security=" + url.QueryEscape(security)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", security, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price %s: pricing service returned %d", security, resp.StatusCode)
	}

	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("price %s: decode response: %w", security, err)
	}
	return out.Price, nil
}

// HTTPTransfer is a Transfer client over the funds-transfer service's REST API.
type HTTPTransfer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransfer creates a funds-transfer client for the given base URL.
func NewHTTPTransfer(baseURL string) *HTTPTransfer {
	return &HTTPTransfer{baseURL: baseURL, client: newHTTPClient()}
}

func (t *HTTPTransfer) TransferOut(ctx context.Context, portfolioID string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"portfolio_id": portfolioID,
		"amount":       amount.String(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transfer out: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("transfer out: transfer service returned %d", resp.StatusCode)
	}

	var out struct {
		TransferID string `json:"transfer_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("transfer out: decode response: %w", err)
	}
	return out.TransferID, nil
}
