package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/askviz/askviz-engine/pkg/schema"
	"github.com/askviz/askviz-engine/pkg/services"
)

// RegisterReadSchemaTool registers the read_schema tool, which returns the
// enriched field metadata for one agent's datasource.
func RegisterReadSchemaTool(s *server.MCPServer, registry *services.AgentRegistry, enricher *schema.Enricher) {
	tool := mcp.NewTool("read_schema",
		mcp.WithDescription("Read the enriched schema for an agent's datasource: fields with roles, data types, and value statistics."),
		mcp.WithString("agent",
			mcp.Required(),
			mcp.Description("Name of the agent whose datasource schema to read."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("agent")
		if err != nil {
			return NewErrorResult("missing_agent", err.Error()), nil
		}

		agent, err := registry.Get(name)
		if err != nil {
			return NewErrorResult("agent_not_found", fmt.Sprintf("no agent named %q", name)), nil
		}

		enriched, err := enricher.Enrich(ctx, agent.DatasourceID, agent.DatasourceName)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema: %w", err)
		}

		out, err := json.Marshal(enriched)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema: %w", err)
		}
		return mcp.NewToolResultText(string(out)), nil
	})
}
