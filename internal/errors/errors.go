// Package errors provides the error taxonomy shared by every kotsync component.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a class of failure that callers and the UI branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrQueueFull ErrorCode = "QUEUE_FULL"

	// Network boundary errors
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrServerRejected ErrorCode = "SERVER_REJECTED"

	// Policy errors
	ErrPermission       ErrorCode = "PERMISSION_DENIED"
	ErrOperationBlocked ErrorCode = "OPERATION_BLOCKED"
	ErrValidation       ErrorCode = "VALIDATION_ERROR"

	// Sync errors
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrSyncDrainFailed    ErrorCode = "SYNC_DRAIN_FAILED"
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"

	// Backup errors
	ErrExportFailed ErrorCode = "EXPORT_FAILED"
	ErrImportFailed ErrorCode = "IMPORT_FAILED"
	ErrIntegrity    ErrorCode = "INTEGRITY_ERROR"
)

// FieldError is one human-readable validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// Fields lists field-level messages for ErrValidation.
	Fields []FieldError
	// Count is the number of items left undrained for ErrSyncDrainFailed.
	Count int
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.String()
		}
		msg = msg + " (" + strings.Join(parts, "; ") + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
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

// Validation builds an ErrValidation error from field messages.
func Validation(fields []FieldError) *AppError {
	return &AppError{
		Code:    ErrValidation,
		Message: "validation failed",
		Fields:  fields,
	}
}

// DrainFailed builds an ErrSyncDrainFailed error for count undrained items.
func DrainFailed(count int, err error) *AppError {
	return &AppError{
		Code:    ErrSyncDrainFailed,
		Message: fmt.Sprintf("%d unsynced item(s) could not be drained", count),
		Err:     err,
		Count:   count,
	}
}

// As returns the outermost AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		appErr, ok := As(err)
		if !ok {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError, or ErrInternal.
func CodeOf(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternal
}

// FieldsOf returns the validation messages carried by err, if any.
func FieldsOf(err error) []FieldError {
	if appErr, ok := As(err); ok {
		return appErr.Fields
	}
	return nil
}
