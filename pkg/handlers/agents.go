package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/auth"
	"github.com/askviz/askviz-engine/pkg/services"
)

// AgentResponse is one registry entry in the listing.
type AgentResponse struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	DatasourceName string `json:"datasource_name"`
}

// AgentsHandler serves the agent registry listing.
type AgentsHandler struct {
	registry *services.AgentRegistry
	logger   *zap.Logger
}

// NewAgentsHandler creates the agents handler.
func NewAgentsHandler(registry *services.AgentRegistry, logger *zap.Logger) *AgentsHandler {
	return &AgentsHandler{registry: registry, logger: logger}
}

// RegisterRoutes registers the agents routes on the given mux.
func (h *AgentsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/agents", authMiddleware.RequireAuth(h.List))
}

// List handles GET /api/agents.
func (h *AgentsHandler) List(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.List()
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentResponse{
			Name:           a.Name,
			Description:    a.Description,
			DatasourceName: a.DatasourceName,
		})
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"agents": out}); err != nil {
		h.logger.Error("failed to encode agents response", zap.Error(err))
	}
}
