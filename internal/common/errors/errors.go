// Package errors provides the application error taxonomy for agentd.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Lifecycle codes
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeInitialization  = "INITIALIZATION_ERROR"
	ErrCodeRuntimeFailure  = "RUNTIME_FAILURE"
	ErrCodeShutdownTimeout = "SHUTDOWN_TIMEOUT"
	ErrCodeInvalidState    = "INVALID_STATE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithCause returns a copy of e wrapping cause, typically a package sentinel
// so callers can match with errors.Is.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Err = cause
	return &cp
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// ConfigurationError reports a missing or invalid configuration field.
func ConfigurationError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeConfiguration,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// InitializationError reports a workload that failed to initialize.
func InitializationError(agentID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInitialization,
		Message:    fmt.Sprintf("agent '%s' failed to initialize", agentID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// RuntimeFailure reports an uncaught failure inside a running workload.
func RuntimeFailure(agentID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRuntimeFailure,
		Message:    fmt.Sprintf("agent '%s' run loop failed", agentID),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ShutdownTimeout reports a worker that ignored cancellation within timeout.
func ShutdownTimeout(agentID string, timeout string) *AppError {
	return &AppError{
		Code:       ErrCodeShutdownTimeout,
		Message:    fmt.Sprintf("agent '%s' did not stop within %s", agentID, timeout),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// InvalidState reports a lifecycle operation that is not allowed in the current state.
func InvalidState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return HasCode(err, ErrCodeConflict)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
