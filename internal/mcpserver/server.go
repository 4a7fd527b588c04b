package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
var Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all risk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("contagion", Version, server.WithToolCapabilities(false))
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetAccountRisk, h.HandleGetAccountRisk)
	s.AddTool(ToolGetRiskHistory, h.HandleGetRiskHistory)
	s.AddTool(ToolListZoneAccounts, h.HandleListZoneAccounts)
	s.AddTool(ToolGetRiskStats, h.HandleGetRiskStats)
	s.AddTool(ToolFindFraudNeighbors, h.HandleFindFraudNeighbors)
	s.AddTool(ToolSimulateRisk, h.HandleSimulateRisk)
	s.AddTool(ToolSubmitTransaction, h.HandleSubmitTransaction)

	return s
}
