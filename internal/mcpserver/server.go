package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrow tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrowledger", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolIsNonceUsed, h.HandleIsNonceUsed)
	s.AddTool(ToolGetFeePolicy, h.HandleGetFeePolicy)
	s.AddTool(ToolListEvents, h.HandleListEvents)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolPlaceOrder, h.HandlePlaceOrder)
	s.AddTool(ToolReleaseOrder, h.HandleReleaseOrder)
	s.AddTool(ToolRefundOrder, h.HandleRefundOrder)

	return s
}
