package mcpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowledger/internal/auth"
)

// Config holds the configuration for connecting to the escrow ledger API.
type Config struct {
	APIURL string            // Base URL, e.g. "http://localhost:8080"
	Key    *ecdsa.PrivateKey // signs caller headers; nil allows read-only tools
}

// Client is an HTTP client for the escrow ledger API. Mutating calls are
// signed with the configured key.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute, // erc20 settlements wait for receipts
		},
		now: time.Now,
	}
}

// Address returns the caller address, or the zero address without a key.
func (c *Client) Address() common.Address {
	if c.cfg.Key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.cfg.Key.PublicKey)
}

// APIError is an error response from the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, signed bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.cfg.Key == nil {
			return nil, fmt.Errorf("%s %s requires a caller key", method, path)
		}
		if err := auth.SignRequest(req, c.cfg.Key, data, c.now()); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
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
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil, false)
}

// IsNonceUsed reports whether the issuer nonce has been consumed.
func (c *Client) IsNonceUsed(ctx context.Context, nonce string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/nonces/"+url.PathEscape(nonce), nil, nil, false)
}

// GetFeePolicy returns the current fee and collector.
func (c *Client) GetFeePolicy(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/fee-policy", nil, nil, false)
}

// ListEvents pages through the event log.
func (c *Client) ListEvents(ctx context.Context, after int64, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/events", q, nil, false)
}

// ListOrders returns a page of orders where party is buyer or seller.
func (c *Client) ListOrders(ctx context.Context, party, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+url.PathEscape(party)+"/orders", q, nil, false)
}

// PlaceOrderInput carries the issuer-authorized order terms.
type PlaceOrderInput struct {
	OrderID   string `json:"orderId"`
	Amount    string `json:"amount"`
	Seller    string `json:"seller"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// PlaceOrder places an order with the client key as buyer.
func (c *Client) PlaceOrder(ctx context.Context, in PlaceOrderInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/orders", nil, in, true)
}

// ReleaseOrder pays the seller. Only the buyer may call it.
func (c *Client) ReleaseOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/release", nil, nil, true)
}

// RefundOrder returns the full amount to the buyer. Only the seller may call it.
func (c *Client) RefundOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/refund", nil, nil, true)
}
