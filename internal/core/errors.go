package core

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeUnauthorized   = "unauthorized"
)

var (
	// ErrNotFound is returned for a job the status store does not know,
	// whether it never existed or already expired.
	ErrNotFound = errors.New("job not found")

	// ErrIllegalTransition is returned when a status write would move a job
	// backwards or out of a terminal state. The write is not applied.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Error is the structured error carried to API clients.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a not-found error for a resource.
func NewNotFoundError(resourceType, resourceID string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
		cause: ErrNotFound,
	}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: message,
		Details: details,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a data error that redelivery cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
