package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/auth"
	"github.com/askviz/askviz-engine/pkg/repositories"
)

// ConversationsHandler serves conversation history endpoints.
type ConversationsHandler struct {
	repo   repositories.ConversationRepository
	logger *zap.Logger
}

// NewConversationsHandler creates the conversations handler.
func NewConversationsHandler(repo repositories.ConversationRepository, logger *zap.Logger) *ConversationsHandler {
	return &ConversationsHandler{repo: repo, logger: logger}
}

// RegisterRoutes registers the conversation routes on the given mux.
func (h *ConversationsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/conversations", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("GET /api/conversations/{id}", authMiddleware.RequireAuth(h.Get))
	mux.HandleFunc("DELETE /api/conversations/{id}", authMiddleware.RequireAuth(h.Delete))
}

// List handles GET /api/conversations.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	conversations, err := h.repo.List(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list conversations")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"conversations": conversations,
		"total":         len(conversations),
	}); err != nil {
		h.logger.Error("failed to encode conversations response", zap.Error(err))
	}
}

// Get handles GET /api/conversations/{id}, returning the conversation with
// its messages.
func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	conv, err := h.repo.Get(r.Context(), auth.UserID(r.Context()), id)
	if errors.Is(err, repositories.ErrNotFound) {
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "Conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load conversation", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to load conversation")
		return
	}

	messages, err := h.repo.Messages(r.Context(), conv.ID)
	if err != nil {
		h.logger.Error("failed to load messages", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to load messages")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	}); err != nil {
		h.logger.Error("failed to encode conversation response", zap.Error(err))
	}
}

// Delete handles DELETE /api/conversations/{id}.
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	err := h.repo.Delete(r.Context(), auth.UserID(r.Context()), id)
	if errors.Is(err, repositories.ErrNotFound) {
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "Conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to delete conversation", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationsHandler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "Conversation id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
