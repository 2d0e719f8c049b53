// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation       = errors.New("validation error")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrSubmission       = errors.New("submission error")
	ErrTransientPoll    = errors.New("transient poll error")
	ErrPoll             = errors.New("poll error")
	ErrPollExhausted    = errors.New("poll retries exhausted")
	ErrFanOut           = errors.New("fan-out error")
	ErrInternal         = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "modelType", "dataset")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "mlservice.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause so both are reachable through errors.Is().
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Unauthenticated creates an error for a request without caller identity.
func Unauthenticated(message string) error {
	return &Error{
		Sentinel: ErrUnauthenticated,
		Message:  message,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// DuplicateRequest reports that a request token was already used for a job.
func DuplicateRequest(resource, id string) error {
	return &Error{
		Sentinel: ErrDuplicateRequest,
		Message:  fmt.Sprintf("request token already used by %s %s", resource, id),
		Resource: resource,
	}
}

// Submission creates an error for a failed hand-off to the external runner.
func Submission(op string, cause error) error {
	return &Error{
		Sentinel: ErrSubmission,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// TransientPoll creates a poll error that should be retried later.
func TransientPoll(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransientPoll,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Poll creates a poll error that must not be retried.
func Poll(op string, cause error) error {
	return &Error{
		Sentinel: ErrPoll,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// PollExhausted creates the terminal error recorded after too many transient
// poll failures. errs is the number of consecutive failures, matching the
// job's stored PollRetries.
func PollExhausted(errs int, last error) error {
	return &Error{
		Sentinel: ErrPollExhausted,
		Message:  fmt.Sprintf("status polling gave up after %d consecutive errors: %v", errs, last),
		Cause:    last,
	}
}

// FanOut wraps one or more artifact save failures.
func FanOut(jobID string, cause error) error {
	return &Error{
		Sentinel: ErrFanOut,
		Message:  fmt.Sprintf("fan-out for job %s: %v", jobID, cause),
		Resource: "job",
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
