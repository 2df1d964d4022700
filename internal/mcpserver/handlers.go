package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetOrder looks up an order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return toolError("Failed to get order", err), nil
	}
	text, err := formatOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleIsNonceUsed checks an issuer nonce.
func (h *Handlers) HandleIsNonceUsed(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := req.GetString("nonce", "")
	if n == "" {
		return mcp.NewToolResultError("nonce is required"), nil
	}

	raw, err := h.client.IsNonceUsed(ctx, n)
	if err != nil {
		return toolError("Failed to check nonce", err), nil
	}
	var resp struct {
		Nonce string `json:"nonce"`
		Used  bool   `json:"used"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse nonce: %v", err)), nil
	}
	if resp.Used {
		return mcp.NewToolResultText(fmt.Sprintf("Nonce %s is used.", resp.Nonce)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Nonce %s is unused.", resp.Nonce)), nil
}

// HandleGetFeePolicy returns the fee policy.
func (h *Handlers) HandleGetFeePolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetFeePolicy(ctx)
	if err != nil {
		return toolError("Failed to get fee policy", err), nil
	}
	text, err := formatPolicy(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse fee policy: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListEvents pages through the event log.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	after := req.GetInt("after", 0)
	if after < 0 {
		return mcp.NewToolResultError("after must not be negative"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEvents(ctx, int64(after), limit)
	if err != nil {
		return toolError("Failed to list events", err), nil
	}
	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOrders pages through a party's orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		self := h.client.Address()
		if self == (common.Address{}) {
			return mcp.NewToolResultError("address is required when no caller key is configured"), nil
		}
		address = self.Hex()
	}

	raw, err := h.client.ListOrders(ctx, address, req.GetString("cursor", ""), req.GetInt("limit", 20))
	if err != nil {
		return toolError("Failed to list orders", err), nil
	}
	text, err := formatOrders(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePlaceOrder places an order as the configured buyer.
func (h *Handlers) HandlePlaceOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := PlaceOrderInput{
		OrderID:   req.GetString("order_id", ""),
		Amount:    req.GetString("amount", ""),
		Seller:    req.GetString("seller", ""),
		Nonce:     req.GetString("nonce", ""),
		Signature: req.GetString("signature", ""),
	}
	for name, v := range map[string]string{
		"order_id": in.OrderID, "amount": in.Amount, "seller": in.Seller,
		"nonce": in.Nonce, "signature": in.Signature,
	} {
		if v == "" {
			return mcp.NewToolResultError(name + " is required"), nil
		}
	}

	raw, err := h.client.PlaceOrder(ctx, in)
	if err != nil {
		return toolError("Failed to place order", err), nil
	}
	text, err := formatOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText("Order placed. Funds are held in custody.\n\n" + text), nil
}

// HandleReleaseOrder releases an order to its seller.
func (h *Handlers) HandleReleaseOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "release", h.client.ReleaseOrder)
}

// HandleRefundOrder refunds an order to its buyer.
func (h *Handlers) HandleRefundOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.settle(ctx, req, "refund", h.client.RefundOrder)
}

func (h *Handlers) settle(ctx context.Context, req mcp.CallToolRequest, verb string, call func(context.Context, string) (json.RawMessage, error)) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := call(ctx, id)
	if err != nil {
		return toolError(fmt.Sprintf("Failed to %s order %s", verb, id), err), nil
	}
	text, err := formatOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// toolError turns API errors into hints the model can act on.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "not_authorized":
			return mcp.NewToolResultError(prefix + ": your address is not allowed to do this (only the buyer releases, only the seller refunds).")
		case "order_already_processed":
			return mcp.NewToolResultError(prefix + ": the order is already settled.")
		case "transfer_failed":
			return mcp.NewToolResultError(prefix + ": the token transfer failed; check balance and allowance. The order was left unchanged.")
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// --- Formatting helpers ---

func formatOrders(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders     []map[string]any `json:"orders"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Orders) == 0 {
		return "No orders.", nil
	}

	var sb strings.Builder
	for _, o := range resp.Orders {
		fmt.Fprintf(&sb, "%s %s amount=%s buyer=%s seller=%s\n",
			getString(o, "orderId"), getString(o, "state"), getString(o, "amount"),
			getString(o, "buyer"), getString(o, "seller"))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(&sb, "More orders available; call again with cursor=%s", resp.NextCursor)
	} else {
		sb.WriteString("End of list.")
	}
	return sb.String(), nil
}

func formatOrder(raw json.RawMessage) (string, error) {
	var resp struct {
		Order   map[string]any    `json:"order"`
		Display map[string]string `json:"display"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Order == nil {
		return "", fmt.Errorf("unexpected order response format")
	}
	o := resp.Order

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s: %s\n", getString(o, "orderId"), getString(o, "state"))
	fmt.Fprintf(&sb, "Amount: %s (fee %s at %v bps)\n",
		orDefault(resp.Display["amount"], getString(o, "amount")),
		orDefault(resp.Display["feeAmount"], getString(o, "feeAmount")),
		o["feeBps"])
	fmt.Fprintf(&sb, "Buyer: %s\n", getString(o, "buyer"))
	fmt.Fprintf(&sb, "Seller: %s", getString(o, "seller"))
	if by := getString(o, "resolvedBy"); by != "" {
		fmt.Fprintf(&sb, "\nResolved by: %s at %s", by, getString(o, "resolvedAt"))
	}
	return sb.String(), nil
}

func formatPolicy(raw json.RawMessage) (string, error) {
	var resp struct {
		Policy struct {
			FeeBps       int    `json:"feeBps"`
			FeeCollector string `json:"feeCollector"`
			Admin        string `json:"admin"`
		} `json:"policy"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	p := resp.Policy
	return fmt.Sprintf("Fee: %d bps (%.2f%%)\nCollector: %s\nAdmin: %s",
		p.FeeBps, float64(p.FeeBps)/100, p.FeeCollector, p.Admin), nil
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []struct {
			Seq     int64             `json:"seq"`
			Type    string            `json:"type"`
			OrderID string            `json:"orderId"`
			Data    map[string]string `json:"data"`
		} `json:"events"`
		Next int64 `json:"next"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Events) == 0 {
		return "No new events.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s):\n", len(resp.Events))
	for _, e := range resp.Events {
		fmt.Fprintf(&sb, "#%d %s", e.Seq, e.Type)
		if e.OrderID != "" {
			fmt.Fprintf(&sb, " order=%s", e.OrderID)
		}
		for _, k := range slices.Sorted(maps.Keys(e.Data)) {
			if k == "orderId" {
				continue
			}
			fmt.Fprintf(&sb, " %s=%s", k, e.Data[k])
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Next: call list_events with after=%d", resp.Next)
	return sb.String(), nil
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
