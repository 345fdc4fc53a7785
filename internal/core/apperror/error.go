// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All business errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes following domain-driven design
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"

	// Validation errors (400)
	CodeValidation = "VALIDATION_ERROR"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict = "CONFLICT"

	// Transaction engine errors (see internal/core/tx).
	//
	// These map 1:1 to the error taxonomy of the transaction runtime: an
	// illegal propagation request, a nesting/suspension capability the
	// resource manager lacks, a caller-supplied timeout below the allowed
	// minimum, a commit diverted by a rollback-only marker, an unexpected
	// failure surfaced by the resource manager itself, and API misuse of
	// the status/savepoint surface.
	CodeIllegalTransactionState           = "ILLEGAL_TRANSACTION_STATE"
	CodeNestedTransactionNotSupported     = "NESTED_TRANSACTION_NOT_SUPPORTED"
	CodeTransactionSuspensionNotSupported = "TRANSACTION_SUSPENSION_NOT_SUPPORTED"
	CodeInvalidTimeout                    = "INVALID_TIMEOUT"
	CodeUnexpectedRollback                = "UNEXPECTED_ROLLBACK"
	CodeTransactionSystem                 = "TRANSACTION_SYSTEM_ERROR"
	CodeTransactionUsage                  = "TRANSACTION_USAGE_ERROR"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (field errors, quantities, etc.)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// --- Transaction engine factory functions ---

// NewIllegalTransactionState reports a propagation rule violation: NEVER with
// an existing transaction, MANDATORY with none, double commit/rollback, or a
// validate-existing-transaction mismatch.
func NewIllegalTransactionState(message string) *AppError {
	return &AppError{
		Code:       CodeIllegalTransactionState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewNestedTransactionNotSupported reports that NESTED propagation was
// requested against a resource manager that cannot honor it.
func NewNestedTransactionNotSupported(message string) *AppError {
	return &AppError{
		Code:       CodeNestedTransactionNotSupported,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewTransactionSuspensionNotSupported reports that propagation required
// suspending the current transaction but the resource manager cannot suspend.
func NewTransactionSuspensionNotSupported(message string) *AppError {
	return &AppError{
		Code:       CodeTransactionSuspensionNotSupported,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NewInvalidTimeout reports a timeout value below the permitted minimum (-1).
func NewInvalidTimeout(timeoutSeconds int) *AppError {
	return &AppError{
		Code:       CodeInvalidTimeout,
		Message:    "invalid transaction timeout",
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"timeoutSeconds": timeoutSeconds},
	}
}

// NewUnexpectedRollback reports that a commit could not proceed because the
// transaction was globally marked rollback-only. A caller-set (local)
// rollback-only marker rolls back without this error.
func NewUnexpectedRollback(message string) *AppError {
	return &AppError{
		Code:       CodeUnexpectedRollback,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewTransactionSystem wraps an unexpected failure surfaced by the resource
// manager itself (a failed physical commit/rollback/begin).
func NewTransactionSystem(operation string, cause error) *AppError {
	return &AppError{
		Code:       CodeTransactionSystem,
		Message:    fmt.Sprintf("transaction %s failed", operation),
		HTTPStatus: http.StatusInternalServerError,
		Err:        cause,
		Details:    map[string]any{"operation": operation},
	}
}

// NewTransactionUsage reports API misuse of the transaction status or
// savepoint surface, e.g. releasing a savepoint when none is held.
func NewTransactionUsage(message string) *AppError {
	return &AppError{
		Code:       CodeTransactionUsage,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeNotFound
	}
	return false
}

// HasCode reports whether err is an *AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}
