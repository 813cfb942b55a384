// Package errors provides typed error codes for the sync engine.
//
// All internal operations return (value, error) with *AppError values
// instead of panicking; only programming errors are allowed to propagate as
// panics. The code on an error drives two decisions made far away from
// where the error occurred: whether the action queue may retry it, and how
// loudly the failure surfaces to the user.
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
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Database errors
	ErrDatabase     ErrorCode = "DATABASE_ERROR"
	ErrMigration    ErrorCode = "MIGRATION_FAILED"
	ErrStorageQuota ErrorCode = "STORAGE_QUOTA_EXCEEDED"

	// Sync errors
	ErrSyncFailed    ErrorCode = "SYNC_FAILED"
	ErrSyncConflict  ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout   ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline   ErrorCode = "SYNC_OFFLINE"
	ErrSyncTombstone ErrorCode = "SYNC_TOMBSTONED"

	// Queue errors
	ErrQueueFull    ErrorCode = "QUEUE_FULL"
	ErrQueuePersist ErrorCode = "QUEUE_PERSIST_FAILED"
	ErrQueueBlocked ErrorCode = "QUEUE_BLOCKED"

	// Export errors
	ErrExportFailed ErrorCode = "EXPORT_FAILED"
	ErrImportFailed ErrorCode = "IMPORT_FAILED"
)

// Severity classifies how a failure surfaces at the boundary closest to
// the user-facing action.
type Severity int

const (
	// SeveritySilent failures are logged and retried invisibly.
	SeveritySilent Severity = iota
	// SeverityNotify failures surface as a transient toast.
	SeverityNotify
	// SeverityDialog failures need a user decision (dead-letter panel,
	// recoverable-conflict dialog).
	SeverityDialog
	// SeverityFatal failures take down the session.
	SeverityFatal
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

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the error code from an error chain. Errors with no
// AppError in the chain classify as ErrInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether an error is transient and worth retrying with
// backoff. Business and validation failures are final: retrying a
// permission denial or a constraint violation can never succeed, so the
// queue must dead-letter them immediately.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrPermission, ErrValidation, ErrConstraint, ErrNotFound,
		ErrDuplicate, ErrInvalid, ErrSyncTombstone:
		return false
	}
	return true
}

// SeverityOf maps an error to its user-facing severity.
func SeverityOf(err error) Severity {
	switch CodeOf(err) {
	case ErrSyncFailed, ErrSyncTimeout, ErrSyncOffline:
		return SeveritySilent
	case ErrSyncConflict, ErrQueueFull:
		return SeverityNotify
	case ErrPermission, ErrValidation, ErrConstraint, ErrNotFound,
		ErrDuplicate, ErrStorageQuota, ErrQueuePersist:
		return SeverityDialog
	case ErrMigration:
		return SeverityFatal
	}
	return SeverityNotify
}
