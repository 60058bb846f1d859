// Package errors provides error code definitions shared by the sync core and
// bridged to the mobile host through the FFI layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to Dart.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local store errors
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"
	ErrCodec      ErrorCode = "CODEC_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrSyncConflict       ErrorCode = "SYNC_CONFLICT"
	ErrSyncNoHandler      ErrorCode = "SYNC_NO_HANDLER"
	ErrSyncOffline        ErrorCode = "SYNC_OFFLINE"
	ErrSyncRemoteRejected ErrorCode = "SYNC_REMOTE_REJECTED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost error code in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Storage wraps a local store failure. These are never retried by the sync core.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}
