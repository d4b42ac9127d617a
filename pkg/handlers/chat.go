package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/apperrors"
	"github.com/askviz/askviz-engine/pkg/auth"
	"github.com/askviz/askviz-engine/pkg/metrics"
	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/repositories"
	"github.com/askviz/askviz-engine/pkg/services"
	"github.com/askviz/askviz-engine/pkg/tableau"
)

// heartbeatInterval paces the SSE comment lines that keep idle proxies from
// closing the stream.
const heartbeatInterval = 15 * time.Second

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
	Agent          string `json:"agent,omitempty"`
}

// ChatHandler serves the streaming and synchronous chat endpoints.
type ChatHandler struct {
	chat    *services.ChatService
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewChatHandler creates the chat handler. metrics may be nil.
func NewChatHandler(chat *services.ChatService, m *metrics.Metrics, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, metrics: m, logger: logger.Named("chat-handler")}
}

// RegisterRoutes registers the chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/chat/stream", authMiddleware.RequireAuth(h.Stream))
	mux.HandleFunc("POST /api/chat", authMiddleware.RequireAuth(h.Sync))
}

func (h *ChatHandler) parseRequest(w http.ResponseWriter, r *http.Request) (services.AskRequest, bool) {
	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return services.AskRequest{}, false
	}
	if strings.TrimSpace(body.Question) == "" {
		h.writeError(w, http.StatusBadRequest, "missing_question", "Question is required")
		return services.AskRequest{}, false
	}

	req := services.AskRequest{
		UserID:   auth.UserID(r.Context()),
		Question: body.Question,
		Agent:    body.Agent,
	}
	if body.ConversationID != "" {
		id, err := uuid.Parse(body.ConversationID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_conversation_id", "conversation_id must be a UUID")
			return services.AskRequest{}, false
		}
		req.ConversationID = &id
	}
	return req, true
}

// Stream handles POST /api/chat/stream.
//
// The producer goroutine runs the pipeline and pushes chunks; this handler
// is the single writer on the wire. Whatever happens upstream, the stream
// ends with an optional error chunk followed by the [DONE] sentinel, and the
// producer is released through context cancellation.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support streaming")
		h.writeError(w, http.StatusInternalServerError, "sse_unsupported", "Streaming is not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	chunkChan := make(chan models.StreamChunk, 100)
	emit := func(chunk models.StreamChunk) {
		select {
		case chunkChan <- chunk:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(chunkChan)
		result, err := h.chat.Ask(ctx, req, emit)

		// Metadata goes out best-effort, failures included: the client can
		// show what was attempted.
		if result != nil && result.Metadata != nil {
			emit(models.NewMetadataChunk(*result.Metadata))
		}
		if result != nil && result.Answer != "" {
			emit(models.NewFinalAnswerChunk(result.Answer))
		}
		if err != nil {
			code, message := classifyError(err)
			emit(models.NewErrorChunk(code, message))
		}
	}()

	writer := newStreamWriter(w, flusher)
	defer writer.writeDone()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	stepIndex := 0
	for {
		select {
		case chunk, open := <-chunkChan:
			if !open {
				return
			}
			if chunk.Type == models.ChunkReasoning {
				stepIndex++
			}
			if err := writer.writeChunk(chunk, stepIndex); err != nil {
				h.logger.Debug("stream write failed, client gone", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			writer.writePing()
		case <-ctx.Done():
			return
		}
	}
}

// Sync handles POST /api/chat: the same pipeline, one JSON response.
func (h *ChatHandler) Sync(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	result, err := h.chat.Ask(r.Context(), req, nil)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Conversation not found")
			return
		}
		code, message := classifyError(err)
		status := statusForStreamCode(code)
		if code == apperrors.CodeTableauNotConnected {
			w.Header().Set("X-Error-Code", apperrors.CodeTableauNotConnected)
		}
		if result != nil && result.Answer != "" {
			// Budget exhaustion still composed a user-facing explanation.
			_ = WriteJSON(w, status, map[string]any{
				"error":           code,
				"message":         message,
				"answer":          result.Answer,
				"conversation_id": result.ConversationID,
			})
			return
		}
		h.writeError(w, status, code, message)
		return
	}

	response := map[string]any{
		"conversation_id": result.ConversationID,
		"answer":          result.Answer,
	}
	if result.Metadata != nil {
		response["metadata"] = result.Metadata
	}
	if len(result.TaskResults) > 0 {
		response["tasks"] = result.TaskResults
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("failed to encode chat response", zap.Error(err))
	}
}

func (h *ChatHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("failed to write error response", zap.Error(err))
	}
}

// classifyError maps pipeline failures to the stable wire codes.
func classifyError(err error) (code, message string) {
	switch {
	case tableau.IsAuthExpired(err):
		return apperrors.CodeTableauNotConnected, "The Tableau session has expired; reconnect and retry."
	case errors.Is(err, context.Canceled):
		return apperrors.CodeCancelled, "The request was cancelled."
	}

	var ae *apperrors.AgentError
	if errors.As(err, &ae) {
		return ae.Code, ae.Message
	}
	return apperrors.CodeQueryExecutionFailed, err.Error()
}

func statusForStreamCode(code string) int {
	switch code {
	case apperrors.CodeAgentNotFound:
		return http.StatusNotFound
	case apperrors.CodeTableauNotConnected:
		return http.StatusUnauthorized
	case apperrors.CodeLLMUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// SSE writer
// ============================================================================

// streamWriter owns the wire format. It tracks the final answer text already
// sent so cumulative re-sends degrade to suffix deltas.
type streamWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	sentFinal string
	done      bool
}

func newStreamWriter(w http.ResponseWriter, flusher http.Flusher) *streamWriter {
	return &streamWriter{w: w, flusher: flusher}
}

type reasoningEvent struct {
	StepIndex int `json:"step_index"`
	models.ReasoningStep
}

type finalAnswerEvent struct {
	Content string `json:"content"`
}

func (sw *streamWriter) writeChunk(chunk models.StreamChunk, stepIndex int) error {
	var payload any
	switch chunk.Type {
	case models.ChunkReasoning:
		step, ok := chunk.Data.(models.ReasoningStep)
		if !ok {
			return nil
		}
		payload = reasoningEvent{StepIndex: stepIndex, ReasoningStep: step}
	case models.ChunkFinalAnswer:
		delta := sw.finalDelta(chunk.Content)
		if delta == "" {
			return nil
		}
		payload = finalAnswerEvent{Content: delta}
	default:
		payload = chunk.Data
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", chunk.Type, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// finalDelta reduces a final answer chunk to the unsent tail. Producers that
// re-send cumulative text cost the client nothing; genuinely new text is
// treated as a fresh suffix.
func (sw *streamWriter) finalDelta(content string) string {
	if content == "" {
		return ""
	}
	if strings.HasPrefix(content, sw.sentFinal) {
		delta := content[len(sw.sentFinal):]
		sw.sentFinal = content
		return delta
	}
	sw.sentFinal += content
	return content
}

func (sw *streamWriter) writePing() {
	if _, err := fmt.Fprint(sw.w, ": ping\n\n"); err == nil {
		sw.flusher.Flush()
	}
}

// doneEvent is the terminal frame: a progress chunk whose text is the
// [DONE] marker.
type doneEvent struct {
	Type      string       `json:"type"`
	Content   eventContent `json:"content"`
	Timestamp string       `json:"timestamp"`
}

type eventContent struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// writeDone emits the terminal progress frame. Idempotent so the deferred
// call is safe on every exit path.
func (sw *streamWriter) writeDone() {
	if sw.done {
		return
	}
	sw.done = true
	data, err := json.Marshal(doneEvent{
		Type:      string(models.ChunkProgress),
		Content:   eventContent{Type: "text", Data: models.DoneSentinel},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", models.ChunkProgress, data); err == nil {
		sw.flusher.Flush()
	}
}
