package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/services"
)

// mcpUserID scopes conversations started over MCP. Tool callers share one
// identity because the streamable HTTP transport carries no end-user token.
const mcpUserID = "mcp"

type askResult struct {
	ConversationID string                `json:"conversation_id"`
	Answer         string                `json:"answer"`
	Metadata       *models.QueryMetadata `json:"metadata,omitempty"`
}

// RegisterAskTool registers the ask tool, which answers a natural-language
// question against the configured datasources.
func RegisterAskTool(s *server.MCPServer, chat *services.ChatService) {
	tool := mcp.NewTool("ask",
		mcp.WithDescription("Ask a natural-language question about the data. Routes to the right agent (or a plan across several) and returns the answer."),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("The question to answer."),
		),
		mcp.WithString("agent",
			mcp.Description("Optional agent name to target directly. Omit to let the engine route."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return NewErrorResult("missing_question", err.Error()), nil
		}

		res, err := chat.Ask(ctx, services.AskRequest{
			UserID:   mcpUserID,
			Question: question,
			Agent:    optionalString(req, "agent"),
		}, func(models.StreamChunk) {})
		if err != nil {
			// A run that exhausted its budgets still carries a useful
			// explanation; surface it rather than a bare error.
			if res != nil && res.Answer != "" {
				return mcp.NewToolResultText(res.Answer), nil
			}
			return NewErrorResult("ask_failed", err.Error()), nil
		}

		out, err := json.Marshal(askResult{
			ConversationID: res.ConversationID.String(),
			Answer:         res.Answer,
			Metadata:       res.Metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return mcp.NewToolResultText(string(out)), nil
	})
}
