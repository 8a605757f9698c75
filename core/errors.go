package core

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Transition errors
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStaleTimestamp    = errors.New("transition timestamp not after last transition")

	// Task errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already exists")
	ErrTaskOrphaned      = errors.New("task orphaned")

	// Evidence errors
	ErrEvidenceMismatch   = errors.New("evidence transition type mismatch")
	ErrEvidenceIncomplete = errors.New("evidence missing required fields")
	ErrEvidenceMalformed  = errors.New("evidence payload malformed")
	ErrEvidenceNotFound   = errors.New("evidence entry not found")
	ErrAgentNotFound      = errors.New("agent not registered")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrAlreadyStopped = errors.New("already stopped")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryCeilingHit    = errors.New("task retry ceiling reached")

	// Network/store errors
	ErrConnectionFailed   = errors.New("connection failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// PipelineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PipelineError struct {
	Op      string   // Operation that failed (e.g., "engine.Promote")
	Kind    string   // Error kind (e.g., "transition", "evidence", "store")
	TaskID  string   // Optional ID of the task involved
	Message string   // Human-readable message
	Missing []string // Missing evidence fields, set for ErrEvidenceIncomplete
	Err     error    // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *PipelineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.TaskID != "" {
			if len(e.Missing) > 0 {
				return fmt.Sprintf("%s [%s]: %v (missing: %s)", e.Op, e.TaskID, e.Err, strings.Join(e.Missing, ", "))
			}
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.TaskID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a new PipelineError
func NewPipelineError(op, kind string, err error) *PipelineError {
	return &PipelineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// MissingFields extracts the missing evidence field names from an
// ErrEvidenceIncomplete error, or nil if the error carries none.
func MissingFields(err error) []string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Missing
	}
	return nil
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues;
// a caller seeing one should re-sync from the store and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// IsEvidenceError checks if an error is evidence-related; these are caller
// errors fixed by retrying with corrected evidence, never by the store.
func IsEvidenceError(err error) bool {
	return errors.Is(err, ErrEvidenceMismatch) ||
		errors.Is(err, ErrEvidenceIncomplete) ||
		errors.Is(err, ErrEvidenceMalformed)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to component lifecycle state
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrAlreadyStopped)
}
