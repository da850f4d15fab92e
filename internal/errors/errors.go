// Package errors provides error code definitions for the offline engine.
// Errors are classified by kind (code), not by implementation type, so that
// callers on the other side of the mobile bridge can switch on a stable string.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error kind that can be bridged to the client.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrUnknown    ErrorCode = "UNKNOWN_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrConfig     ErrorCode = "CONFIG_ERROR"

	// Local store errors
	ErrDatabase         ErrorCode = "DATABASE_ERROR"
	ErrMigration        ErrorCode = "MIGRATION_FAILED"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrNotInitialized   ErrorCode = "NOT_INITIALIZED"

	// Network errors
	ErrConnectivity ErrorCode = "CONNECTIVITY_ERROR"
	ErrTimeout      ErrorCode = "TIMEOUT"
	ErrNetwork      ErrorCode = "NETWORK_ERROR"

	// Content cache errors
	ErrInvalidURL        ErrorCode = "INVALID_URL"
	ErrUntrustedDomain   ErrorCode = "UNTRUSTED_DOMAIN"
	ErrStorageResolution ErrorCode = "STORAGE_RESOLUTION_ERROR"

	// Sync and action queue errors
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrUnknownActionType  ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
)

// AppError represents an application error with code and message.
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
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err, or any error it wraps, is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain.
// Errors that carry no code are reported as ErrUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrUnknown
}
