package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Look up an escrow order by id. Returns amount, fee, buyer, seller and state "+
			"(ACTIVE, RELEASED or REFUNDED)."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id as a decimal or 0x-hex integer")),
)

var ToolIsNonceUsed = mcp.NewTool("is_nonce_used",
	mcp.WithDescription(
		"Check whether an issuer nonce has already been consumed by a placed order. "+
			"A used nonce can never authorize another order."),
	mcp.WithString("nonce",
		mcp.Required(),
		mcp.Description("Nonce as a decimal or 0x-hex integer")),
)

var ToolGetFeePolicy = mcp.NewTool("get_fee_policy",
	mcp.WithDescription(
		"Get the platform fee in basis points and the fee collector address. "+
			"The fee applies to orders placed after it was set."),
)

var ToolListEvents = mcp.NewTool("list_events",
	mcp.WithDescription(
		"Read the escrow event log in sequence order. Use 'after' with the last seen "+
			"sequence number to page forward."),
	mcp.WithNumber("after",
		mcp.Description("Return events with a sequence number greater than this (default 0)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20)")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List orders where an address is the buyer or seller, newest first. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithString("address", mcp.Description("Party address (default: your own address)")),
	mcp.WithString("cursor", mcp.Description("Cursor from a previous page")),
	mcp.WithNumber("limit", mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolPlaceOrder = mcp.NewTool("place_order",
	mcp.WithDescription(
		"Place an escrow order as the buyer. Requires terms signed by the trusted issuer. "+
			"The amount is pulled from your balance into custody."),
	mcp.WithString("order_id", mcp.Required(), mcp.Description("Order id")),
	mcp.WithString("amount", mcp.Required(), mcp.Description("Amount in base units")),
	mcp.WithString("seller", mcp.Required(), mcp.Description("Seller address (0x...)")),
	mcp.WithString("nonce", mcp.Required(), mcp.Description("Issuer nonce")),
	mcp.WithString("signature", mcp.Required(), mcp.Description("65-byte hex issuer signature")),
)

var ToolReleaseOrder = mcp.NewTool("release_order",
	mcp.WithDescription(
		"Release an active order's funds to the seller, minus the platform fee. "+
			"Only the buyer may release."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id")),
)

var ToolRefundOrder = mcp.NewTool("refund_order",
	mcp.WithDescription(
		"Refund an active order's full amount to the buyer. Only the seller may refund."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("Order id")),
)
