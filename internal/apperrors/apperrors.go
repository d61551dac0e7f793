// Package apperrors provides the coded error taxonomy shared across the
// sync core. Codes distinguish caller mistakes (rejected synchronously
// at enqueue) from sync-time failures (contained inside the engine).
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Enqueue-time errors, surfaced synchronously to the caller.
	ErrValidation    ErrorCode = "VALIDATION_ERROR"
	ErrAuthorization ErrorCode = "AUTHORIZATION_ERROR"
	ErrRateLimit     ErrorCode = "RATE_LIMIT_ERROR"
	ErrQueueOverflow ErrorCode = "QUEUE_OVERFLOW_ERROR"

	// Sync-time errors, contained within the engine.
	ErrNetwork    ErrorCode = "NETWORK_ERROR"
	ErrTimeout    ErrorCode = "TIMEOUT_ERROR"
	ErrServer     ErrorCode = "SERVER_ERROR"
	ErrClient     ErrorCode = "CLIENT_ERROR"
	ErrConflict   ErrorCode = "CONFLICT_ERROR"
	ErrEncryption ErrorCode = "ENCRYPTION_ERROR"

	// General errors.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrNotFound ErrorCode = "NOT_FOUND"
)

// AppError carries an error code alongside a message and an optional
// wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code, or ErrInternal for uncoded errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is checks whether an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Retryable reports whether a sync-time error class is worth retrying
// with backoff. Everything else is terminal for the request.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetwork, ErrTimeout, ErrServer:
		return true
	}
	return false
}

// FromStatus classifies an HTTP status code into the taxonomy. 5xx and
// 429 are retryable server errors; any other 4xx is terminal.
func FromStatus(status int) *AppError {
	switch {
	case status == 429:
		return Newf(ErrServer, "rate limited by server (status %d)", status)
	case status >= 500:
		return Newf(ErrServer, "server error (status %d)", status)
	case status >= 400:
		return Newf(ErrClient, "client error (status %d)", status)
	default:
		return nil
	}
}
