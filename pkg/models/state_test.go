package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGraphState_BudgetsAreIndependent(t *testing.T) {
	s := NewGraphState("sales", "ds-1", "Sales", "top regions?", 3, 2)

	assert.Equal(t, 1, s.BuildAttempt)
	assert.Equal(t, 1, s.ExecutionAttempt)
	assert.True(t, s.CanRetryBuild())
	assert.True(t, s.CanRetryExecution())

	// Two validation failures exhaust the build budget of 3.
	s.NoteValidationFailure("unknown field 'Regin'")
	assert.Equal(t, 2, s.BuildAttempt)
	assert.True(t, s.CanRetryBuild())

	s.NoteValidationFailure("unknown field 'Regin'")
	assert.Equal(t, 3, s.BuildAttempt)
	assert.False(t, s.CanRetryBuild())

	// Execution budget untouched by build failures.
	assert.Equal(t, 1, s.ExecutionAttempt)
	assert.True(t, s.CanRetryExecution())
}

func TestGraphState_ExecutionFailureResetsBuildBudget(t *testing.T) {
	s := NewGraphState("sales", "ds-1", "Sales", "top regions?", 3, 2)

	s.NoteValidationFailure("bad aggregation")
	s.NoteValidationFailure("bad aggregation")
	assert.Equal(t, 3, s.BuildAttempt)

	// The server rejected a locally-valid query: execution counter advances,
	// build counter rewinds, stale validation feedback is dropped.
	s.NoteExecutionFailure("400: unknown function for field")
	assert.Equal(t, 1, s.BuildAttempt)
	assert.Equal(t, 2, s.ExecutionAttempt)
	assert.Empty(t, s.ValidationError)
	assert.Equal(t, "400: unknown function for field", s.ExecutionError)

	assert.True(t, s.CanRetryBuild())
	assert.False(t, s.CanRetryExecution())
}

func TestGraphState_AddStepIsAppendOnly(t *testing.T) {
	s := NewGraphState("sales", "ds-1", "Sales", "q", 3, 2)

	first := s.AddStep(NodeEnrichSchema, "loaded 14 fields")
	second := s.AddStep(NodeBuildQuery, "drafted query with 3 fields")

	assert.Len(t, s.Steps, 2)
	assert.Equal(t, first, s.Steps[0])
	assert.Equal(t, second, s.Steps[1])
	assert.False(t, s.Steps[0].At.After(s.Steps[1].At))
}
