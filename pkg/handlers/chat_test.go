package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/apperrors"
	"github.com/askviz/askviz-engine/pkg/auth"
	"github.com/askviz/askviz-engine/pkg/config"
	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/repositories"
	"github.com/askviz/askviz-engine/pkg/services"
	"github.com/askviz/askviz-engine/pkg/services/vizql"
	"github.com/askviz/askviz-engine/pkg/tableau"
)

type stubRunner struct {
	run func(ctx context.Context, st *models.GraphState, emit vizql.EmitFunc) (*models.GraphState, error)
}

func (s *stubRunner) Run(ctx context.Context, st *models.GraphState, emit vizql.EmitFunc) (*models.GraphState, error) {
	return s.run(ctx, st, emit)
}

func happyRunner() *stubRunner {
	return &stubRunner{run: func(ctx context.Context, st *models.GraphState, emit vizql.EmitFunc) (*models.GraphState, error) {
		if emit != nil {
			emit(models.NewReasoningChunk(st.AddStep(models.NodeEnrichSchema, "Loaded 12 fields")))
			emit(models.NewReasoningChunk(st.AddStep(models.NodeBuildQuery, "Drafted a query")))
		}
		st.Summary = "Total sales are 3000."
		st.ValidatedQuery = &models.VDSQuery{Fields: []models.QueryField{{FieldCaption: "Sales", Function: "SUM"}}}
		st.Result = &models.QueryResult{Data: []map[string]any{{"Sales": 3000.0}}}
		return st, nil
	}}
}

func newTestHandler(t *testing.T, runner services.QueryRunner) *ChatHandler {
	t.Helper()
	registry := services.NewAgentRegistry([]config.AgentDefinition{
		{Name: "sales", Description: "Sales data", DatasourceID: "ds-1", DatasourceName: "Superstore",
			MaxBuildAttempts: 3, MaxExecutionAttempts: 2},
	})
	repo := repositories.NewMemoryConversationRepository()
	chat := services.NewChatService(registry, runner, nil, repo, zap.NewNop())
	return NewChatHandler(chat, nil, zap.NewNop())
}

func streamRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(auth.WithUserID(req.Context(), "u1"))
}

// sseEvents splits a recorded SSE body into (event, data) frames. Frames
// without an event line (heartbeats) get an empty name.
func sseEvents(body string) [][2]string {
	var out [][2]string
	for _, frame := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		var event, data string
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, [2]string{event, data})
	}
	return out
}

// requireDoneFrame asserts that e is the terminal progress frame carrying
// the [DONE] marker.
func requireDoneFrame(t *testing.T, e [2]string) {
	t.Helper()
	require.Equal(t, "progress", e[0])
	var payload struct {
		Type    string `json:"type"`
		Content struct {
			Type string `json:"type"`
			Data string `json:"data"`
		} `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(e[1]), &payload))
	assert.Equal(t, "progress", payload.Type)
	assert.Equal(t, "text", payload.Content.Type)
	assert.Equal(t, models.DoneSentinel, payload.Content.Data)
	assert.NotEmpty(t, payload.Timestamp)
}

func TestStream_HappyPath(t *testing.T) {
	h := newTestHandler(t, happyRunner())

	rec := httptest.NewRecorder()
	h.Stream(rec, streamRequest(`{"question":"total sales"}`))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	events := sseEvents(rec.Body.String())
	require.NotEmpty(t, events)

	var types []string
	for _, e := range events {
		types = append(types, e[0])
	}
	assert.Equal(t, []string{"reasoning", "reasoning", "metadata", "final_answer", "progress"}, types)

	requireDoneFrame(t, events[len(events)-1])

	var first struct {
		StepIndex int    `json:"step_index"`
		Node      string `json:"node"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[0][1]), &first))
	assert.Equal(t, 1, first.StepIndex)
	assert.Equal(t, models.NodeEnrichSchema, first.Node)

	var answer struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[3][1]), &answer))
	assert.Equal(t, "Total sales are 3000.", answer.Content)
}

func TestStream_AuthExpiredEmitsErrorThenDone(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, st *models.GraphState, emit vizql.EmitFunc) (*models.GraphState, error) {
		return st, tableau.NewError(tableau.KindAuthExpired, 401, "session expired", nil)
	}}
	h := newTestHandler(t, runner)

	rec := httptest.NewRecorder()
	h.Stream(rec, streamRequest(`{"question":"total sales"}`))

	events := sseEvents(rec.Body.String())
	require.GreaterOrEqual(t, len(events), 2)

	errEvent := events[len(events)-2]
	assert.Equal(t, "error", errEvent[0])
	var payload models.StreamError
	require.NoError(t, json.Unmarshal([]byte(errEvent[1]), &payload))
	assert.Equal(t, apperrors.CodeTableauNotConnected, payload.Code)

	requireDoneFrame(t, events[len(events)-1])
}

func TestStream_ExhaustedBudgetStillAnswersBeforeError(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, st *models.GraphState, emit vizql.EmitFunc) (*models.GraphState, error) {
		st.Summary = "I could not answer this question against Superstore."
		return st, apperrors.NewAgentError(apperrors.CodeQueryValidationFailed, models.NodeValidate, "budget exhausted", nil)
	}}
	h := newTestHandler(t, runner)

	rec := httptest.NewRecorder()
	h.Stream(rec, streamRequest(`{"question":"impossible"}`))

	events := sseEvents(rec.Body.String())
	var types []string
	for _, e := range events {
		types = append(types, e[0])
	}
	assert.Contains(t, types, "final_answer", "the composed failure text reaches the user")
	assert.Contains(t, types, "error")
	requireDoneFrame(t, events[len(events)-1])
}

func TestStream_BadRequests(t *testing.T) {
	h := newTestHandler(t, happyRunner())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"empty question", `{"question":"  "}`},
		{"bad conversation id", `{"question":"q","conversation_id":"nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Stream(rec, streamRequest(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotContains(t, rec.Body.String(), models.DoneSentinel,
				"rejected requests never open a stream")
		})
	}
}

func TestSync_HappyPath(t *testing.T) {
	h := newTestHandler(t, happyRunner())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"question":"total sales"}`))
	h.Sync(rec, req.WithContext(auth.WithUserID(req.Context(), "u1")))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ConversationID string                `json:"conversation_id"`
		Answer         string                `json:"answer"`
		Metadata       *models.QueryMetadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Total sales are 3000.", body.Answer)
	assert.NotEmpty(t, body.ConversationID)
	require.NotNil(t, body.Metadata)
	assert.Equal(t, "sales", body.Metadata.AgentName)
}

func TestSync_AuthExpiredSetsHeaderAnd401(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, st *models.GraphState, emit vizql.EmitFunc) (*models.GraphState, error) {
		return st, tableau.NewError(tableau.KindAuthExpired, 401, "session expired", nil)
	}}
	h := newTestHandler(t, runner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"question":"q"}`))
	h.Sync(rec, req.WithContext(auth.WithUserID(req.Context(), "u1")))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.CodeTableauNotConnected, rec.Header().Get("X-Error-Code"))
}

func TestSync_UnknownAgent404(t *testing.T) {
	h := newTestHandler(t, happyRunner())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"question":"q","agent":"finance"}`))
	h.Sync(rec, req.WithContext(auth.WithUserID(req.Context(), "u1")))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamWriter_SuffixOnlyDeltas(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamWriter(rec, rec)

	require.NoError(t, sw.writeChunk(models.NewFinalAnswerChunk("The total"), 0))
	require.NoError(t, sw.writeChunk(models.NewFinalAnswerChunk("The total is 3000."), 0))
	require.NoError(t, sw.writeChunk(models.NewFinalAnswerChunk("The total is 3000."), 0))

	events := sseEvents(rec.Body.String())
	require.Len(t, events, 2, "a fully repeated cumulative send emits nothing")

	var first, second finalAnswerEvent
	require.NoError(t, json.Unmarshal([]byte(events[0][1]), &first))
	require.NoError(t, json.Unmarshal([]byte(events[1][1]), &second))
	assert.Equal(t, "The total", first.Content)
	assert.Equal(t, " is 3000.", second.Content)
}
