package apperrors

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to clients. These are part of the API contract
// and must not be renamed.
const (
	CodeSchemaEnrichmentFailed = "SCHEMA_ENRICHMENT_FAILED"
	CodeQueryGenerationFailed  = "QUERY_GENERATION_FAILED"
	CodeQueryValidationFailed  = "QUERY_VALIDATION_FAILED"
	CodeQueryExecutionFailed   = "QUERY_EXECUTION_FAILED"
	CodeSummarizationFailed    = "SUMMARIZATION_FAILED"
	CodePlanningFailed         = "PLANNING_FAILED"
	CodeAgentNotFound          = "AGENT_NOT_FOUND"
	CodeTableauNotConnected    = "TABLEAU_NOT_CONNECTED"
	CodeLLMUnavailable         = "LLM_UNAVAILABLE"
	CodeCancelled              = "CANCELLED"
)

// AgentError is a structured failure from the agent pipeline. Code is one of
// the stable codes above; Node names the pipeline stage that produced it.
type AgentError struct {
	Code       string
	Node       string
	Message    string
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *AgentError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewAgentError builds an AgentError wrapping cause (which may be nil).
func NewAgentError(code, node, message string, cause error) *AgentError {
	return &AgentError{
		Code:       code,
		Node:       node,
		Message:    message,
		Retryable:  false,
		StatusCode: statusForCode(code),
		Err:        cause,
	}
}

// CodeOf extracts the stable code from err, or CodeQueryExecutionFailed when
// err carries no AgentError.
func CodeOf(err error) string {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeQueryExecutionFailed
}

func statusForCode(code string) int {
	switch code {
	case CodeAgentNotFound:
		return 404
	case CodeTableauNotConnected:
		return 401
	case CodeCancelled:
		return 499
	case CodeLLMUnavailable:
		return 503
	default:
		return 500
	}
}
