// Package tableau provides the Tableau REST, VizQL Data Service and Metadata
// API client used by the agent pipeline.
package tableau

import (
	"errors"
	"fmt"
)

// ErrorKind classifies what went wrong with a Tableau call.
type ErrorKind string

const (
	// KindAuthExpired means the session token was rejected and re-signing in
	// with the stored credentials failed. Never retryable: the operator has
	// to reconnect Tableau.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindNotFound means the datasource or resource does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindTransport covers network failures before an upstream verdict.
	KindTransport ErrorKind = "transport"
	// KindUpstream carries a Tableau error verdict, message included verbatim.
	KindUpstream ErrorKind = "upstream"
)

// Error is a structured Tableau failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string // upstream message verbatim when available
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tableau %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tableau %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable implements the retry.RetryableError interface. Transport
// failures and 5xx verdicts are worth retrying, everything else is not.
func (e *Error) IsRetryable() bool {
	if e.Kind == KindTransport {
		return true
	}
	return e.Kind == KindUpstream && e.StatusCode >= 500
}

// NewError creates a structured Tableau error.
func NewError(kind ErrorKind, statusCode int, message string, cause error) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message, Err: cause}
}

// IsAuthExpired reports whether err is an expired-session failure.
func IsAuthExpired(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindAuthExpired
}

// IsNotFound reports whether err is a missing-resource failure.
func IsNotFound(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindNotFound
}

// KindOf extracts the error kind, defaulting to KindUpstream.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUpstream
}
