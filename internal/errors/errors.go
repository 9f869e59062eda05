// Package errors provides the error taxonomy for generation tasks.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service unavailable")
	ErrNotFound          = errors.New("resource not found")
	ErrIllegalTransition = errors.New("illegal task state transition")
	ErrNotRetryable      = errors.New("task failure is not retryable")
	ErrMaxRetries        = errors.New("max retries reached")
	ErrNotTerminal       = errors.New("task is not in a terminal state")
	ErrStale             = errors.New("task never completed before the staleness threshold")
)

// Kind labels the failure class stored on a task.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNetwork     Kind = "network"
	KindServer      Kind = "server"
	KindPersistence Kind = "persistence"
	KindStale       Kind = "stale"
	KindUnknown     Kind = "unknown"
)

// ValidationError reports bad input. Never retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NetworkError wraps a transport-level failure talking to the backend.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError represents a non-2xx response from the generation backend.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("generation API error (status %d): %s", e.StatusCode, e.Message)
}

// NewServerError creates a new server error.
func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

// DuplicateInFlightError rejects a submission while another task for the same
// business and agent type is queued or running.
type DuplicateInFlightError struct {
	ExistingTaskID string
	BusinessID     string
	AgentType      string
}

func (e *DuplicateInFlightError) Error() string {
	return fmt.Sprintf("a %s generation for business %s is already in flight (task %s)",
		e.AgentType, e.BusinessID, e.ExistingTaskID)
}

// PersistenceError reports a storage failure. The caller keeps running on
// in-memory state; only durability is lost.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("persistence %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		switch srvErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return srvErr.StatusCode >= 500
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var persistErr *PersistenceError
	if errors.As(err, &persistErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrStale) || errors.Is(err, context.DeadlineExceeded)
}

// Classify maps an error onto the task error taxonomy.
func Classify(err error) (Kind, string, bool) {
	if err == nil {
		return "", "", false
	}
	retryable := IsRetryable(err)

	var valErr *ValidationError
	var srvErr *ServerError
	var netErr *NetworkError
	var persistErr *PersistenceError
	switch {
	case errors.As(err, &valErr):
		return KindValidation, valErr.Error(), false
	case errors.As(err, &srvErr):
		if srvErr.StatusCode == http.StatusBadRequest || srvErr.StatusCode == http.StatusUnprocessableEntity {
			return KindValidation, srvErr.Message, false
		}
		return KindServer, srvErr.Message, retryable
	case errors.As(err, &netErr):
		return KindNetwork, netErr.Error(), true
	case errors.As(err, &persistErr):
		return KindPersistence, persistErr.Error(), true
	case errors.Is(err, ErrStale):
		return KindStale, err.Error(), true
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork, err.Error(), true
	}
	return KindUnknown, err.Error(), retryable
}
