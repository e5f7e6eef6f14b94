// Package errors provides the application error codes shared by the store,
// queue, engine and the daemon's HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Persistence errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Context errors
	ErrTenantContext     ErrorCode = "TENANT_CONTEXT_REQUIRED"
	ErrUnknownEntityType ErrorCode = "UNKNOWN_ENTITY_TYPE"

	// Sync errors
	ErrTransport             ErrorCode = "TRANSPORT_ERROR"
	ErrSyncFailed            ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress        ErrorCode = "SYNC_IN_PROGRESS"
	ErrEntityConflicted      ErrorCode = "ENTITY_CONFLICTED"
	ErrConflictNotFound      ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictResolved      ErrorCode = "CONFLICT_ALREADY_RESOLVED"
	ErrInvalidResolution     ErrorCode = "INVALID_RESOLUTION"
	ErrUnresolvedTemporaryID ErrorCode = "UNRESOLVED_TEMPORARY_ID"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_ERROR"
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
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
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

// Is reports whether any error in err's chain is an AppError with the given code.
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

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Storage wraps a persistence failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// Transport wraps a network or server failure.
func Transport(message string, err error) *AppError {
	return Wrap(ErrTransport, message, err)
}

// TenantRequired is returned when an operation runs without an active tenant.
func TenantRequired() *AppError {
	return New(ErrTenantContext, "no active tenant")
}
