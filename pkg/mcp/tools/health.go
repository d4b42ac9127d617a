package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type healthResult struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Agents  int    `json:"agents"`
}

// RegisterHealthTool registers the health tool.
func RegisterHealthTool(s *server.MCPServer, version string, agentCount int) {
	tool := mcp.NewTool("health",
		mcp.WithDescription("Check that the engine is up and report its version and agent count."),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := json.Marshal(healthResult{
			Status:  "ok",
			Service: "askviz-engine",
			Version: version,
			Agents:  agentCount,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal health: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}
