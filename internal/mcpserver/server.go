package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Payclaw tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("payclaw", "1.0.0")
	client := NewPayclawClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolBuyVirtualCard, h.HandleBuyVirtualCard)
	s.AddTool(ToolConfirmDeposit, h.HandleConfirmDeposit)
	s.AddTool(ToolGetCard, h.HandleGetCard)
	s.AddTool(ToolListCards, h.HandleListCards)
	s.AddTool(ToolSimulatePurchase, h.HandleSimulatePurchase)
	s.AddTool(ToolGetPlatformInfo, h.HandleGetPlatformInfo)

	return s
}
