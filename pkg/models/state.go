package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Graph Nodes
// ============================================================================

// Node names of the query agent graph. These appear in reasoning steps and in
// structured errors, so they are part of the streamed surface.
const (
	NodeEnrichSchema = "enrich_schema"
	NodeBuildQuery   = "build_query"
	NodePrevalidate  = "prevalidate"
	NodeValidate     = "validate"
	NodeExecute      = "execute"
	NodeSummarize    = "summarize"
	NodeHandleError  = "handle_error"
)

// ReasoningStep is one visible step of the agent's work. Steps are
// append-only; the gateway streams each one in the order it was added.
// Build and prevalidate steps carry the draft query of that attempt so
// clients can show intermediate drafts; later steps leave it nil.
type ReasoningStep struct {
	Node       string    `json:"node"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
	Attempt    int       `json:"attempt,omitempty"`
	QueryDraft *VDSQuery `json:"query_draft,omitempty"`
}

// ============================================================================
// Graph State
// ============================================================================

// GraphState carries everything a single question accumulates while moving
// through the agent graph. Nodes read and extend it; the runtime owns the
// routing decisions.
type GraphState struct {
	RequestID      uuid.UUID `json:"request_id"`
	AgentName      string    `json:"agent_name"`
	DatasourceID   string    `json:"datasource_id"`
	DatasourceName string    `json:"datasource_name"`
	Question       string    `json:"question"`

	// Prior turns of the conversation, oldest first. The compressor trims
	// and folds these into the build prompt.
	History []ChatMessage `json:"history,omitempty"`

	// The previous successful question/query pair, used for follow-up reuse.
	PriorQuestion string    `json:"prior_question,omitempty"`
	PriorQuery    *VDSQuery `json:"prior_query,omitempty"`

	Schema         *EnrichedSchema `json:"schema,omitempty"`
	DraftQuery     *VDSQuery       `json:"draft_query,omitempty"`
	ValidatedQuery *VDSQuery       `json:"validated_query,omitempty"`
	Result         *QueryResult    `json:"result,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	ShownEntities  []string        `json:"shown_entities,omitempty"`

	// Retry budgets. BuildAttempt and ExecutionAttempt are 1-based.
	BuildAttempt         int `json:"build_attempt"`
	ExecutionAttempt     int `json:"execution_attempt"`
	MaxBuildAttempts     int `json:"max_build_attempts"`
	MaxExecutionAttempts int `json:"max_execution_attempts"`

	// Last failures, fed back into the next build prompt.
	ValidationError string `json:"validation_error,omitempty"`
	ExecutionError  string `json:"execution_error,omitempty"`

	Steps []ReasoningStep `json:"steps"`
}

// NewGraphState initializes state for one question with 1-based attempt
// counters.
func NewGraphState(agent, datasourceID, datasourceName, question string, maxBuild, maxExec int) *GraphState {
	return &GraphState{
		RequestID:            uuid.New(),
		AgentName:            agent,
		DatasourceID:         datasourceID,
		DatasourceName:       datasourceName,
		Question:             question,
		BuildAttempt:         1,
		ExecutionAttempt:     1,
		MaxBuildAttempts:     maxBuild,
		MaxExecutionAttempts: maxExec,
	}
}

// AddStep appends a reasoning step and returns it for streaming.
func (s *GraphState) AddStep(node, summary string) ReasoningStep {
	step := ReasoningStep{Node: node, Summary: summary, At: time.Now().UTC()}
	s.Steps = append(s.Steps, step)
	return step
}

// AddDraftStep appends a reasoning step carrying the attempt number and the
// draft query it produced.
func (s *GraphState) AddDraftStep(node, summary string, attempt int, draft *VDSQuery) ReasoningStep {
	step := ReasoningStep{Node: node, Summary: summary, At: time.Now().UTC(), Attempt: attempt, QueryDraft: draft}
	s.Steps = append(s.Steps, step)
	return step
}

// CanRetryBuild reports whether another build attempt fits the budget.
func (s *GraphState) CanRetryBuild() bool {
	return s.BuildAttempt < s.MaxBuildAttempts
}

// CanRetryExecution reports whether another execution round fits the budget.
func (s *GraphState) CanRetryExecution() bool {
	return s.ExecutionAttempt < s.MaxExecutionAttempts
}

// NoteValidationFailure records a failed validation round and advances the
// build counter.
func (s *GraphState) NoteValidationFailure(detail string) {
	s.ValidationError = detail
	s.BuildAttempt++
}

// NoteExecutionFailure records a server-side rejection and rewinds the build
// budget: the query was locally valid, so the next build round starts fresh
// with only the execution error as feedback.
func (s *GraphState) NoteExecutionFailure(detail string) {
	s.ExecutionError = detail
	s.ExecutionAttempt++
	s.BuildAttempt = 1
	s.ValidationError = ""
}
