// Package errors provides the typed errors used across appproxy.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error types
const (
	// ErrAccessDenied is returned when the caller is not permitted to perform an operation
	ErrAccessDenied = "access_denied"

	// ErrInvalidParameters is returned when user-supplied parameter validation fails
	ErrInvalidParameters = "invalid_parameters"

	// ErrNotSupported is returned when the backend does not support an operation
	ErrNotSupported = "not_supported"

	// ErrContainerStartFailed is returned when a container fails to start or respond
	ErrContainerStartFailed = "container_start_failed"

	// ErrIllegalState is returned when a state transition is not allowed from the current status
	ErrIllegalState = "illegal_state"

	// ErrNotFound is returned when a proxy or spec is not found
	ErrNotFound = "not_found"

	// ErrContainerRuntime is returned when there is an error with the container runtime
	ErrContainerRuntime = "container_runtime"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewAccessDeniedError creates a new access denied error
func NewAccessDeniedError(message string, cause error) *Error {
	return NewError(ErrAccessDenied, message, cause)
}

// NewInvalidParametersError creates a new invalid parameters error
func NewInvalidParametersError(message string, cause error) *Error {
	return NewError(ErrInvalidParameters, message, cause)
}

// NewNotSupportedError creates a new not supported error
func NewNotSupportedError(message string, cause error) *Error {
	return NewError(ErrNotSupported, message, cause)
}

// NewContainerStartFailedError creates a new container start failed error
func NewContainerStartFailedError(message string, cause error) *Error {
	return NewError(ErrContainerStartFailed, message, cause)
}

// NewIllegalStateError creates a new illegal state error
func NewIllegalStateError(message string, cause error) *Error {
	return NewError(ErrIllegalState, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewContainerRuntimeError creates a new container runtime error
func NewContainerRuntimeError(message string, cause error) *Error {
	return NewError(ErrContainerRuntime, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Type == errorType
}

// IsAccessDenied checks if the error is an access denied error
func IsAccessDenied(err error) bool {
	return isType(err, ErrAccessDenied)
}

// IsInvalidParameters checks if the error is an invalid parameters error
func IsInvalidParameters(err error) bool {
	return isType(err, ErrInvalidParameters)
}

// IsNotSupported checks if the error is a not supported error
func IsNotSupported(err error) bool {
	return isType(err, ErrNotSupported)
}

// IsContainerStartFailed checks if the error is a container start failed error
func IsContainerStartFailed(err error) bool {
	return isType(err, ErrContainerStartFailed)
}

// IsIllegalState checks if the error is an illegal state error
func IsIllegalState(err error) bool {
	return isType(err, ErrIllegalState)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsContainerRuntime checks if the error is a container runtime error
func IsContainerRuntime(err error) bool {
	return isType(err, ErrContainerRuntime)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
