package models

import "time"

// ============================================================================
// Multi-Agent Plan
// ============================================================================

// PlannedTask is one step of an orchestration plan: a question directed at a
// named agent, optionally waiting on other tasks' findings.
type PlannedTask struct {
	ID        string   `json:"id"`
	Agent     string   `json:"agent"`
	Question  string   `json:"question"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// MultiAgentPlan is the planner's decomposition of a user question.
type MultiAgentPlan struct {
	Tasks     []PlannedTask `json:"tasks"`
	Rationale string        `json:"rationale,omitempty"`

	// Linearized marks plans whose dependency graph contained a cycle and was
	// rewritten into a sequential chain in plan order.
	Linearized bool `json:"linearized,omitempty"`
}

// TaskStatus is the terminal state of a planned task.
type TaskStatus string

const (
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// TaskResult is the outcome of one planned task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	Agent    string        `json:"agent"`
	Question string        `json:"question"`
	Status   TaskStatus    `json:"status"`
	Answer   string        `json:"answer,omitempty"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ms"`

	Metadata *QueryMetadata `json:"metadata,omitempty"`
}
