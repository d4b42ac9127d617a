package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/askviz/askviz-engine/pkg/services"
)

type agentSummary struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	DatasourceName string `json:"datasource_name"`
}

// RegisterListAgentsTool registers the list_agents tool.
func RegisterListAgentsTool(s *server.MCPServer, registry *services.AgentRegistry) {
	tool := mcp.NewTool("list_agents",
		mcp.WithDescription("List the configured agents: name, description, and the datasource each one answers questions about."),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agents := registry.List()
		out := make([]agentSummary, 0, len(agents))
		for _, a := range agents {
			out = append(out, agentSummary{
				Name:           a.Name,
				Description:    a.Description,
				DatasourceName: a.DatasourceName,
			})
		}

		result, err := json.Marshal(map[string]any{"agents": out})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal agents: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}
