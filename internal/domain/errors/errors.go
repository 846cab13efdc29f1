package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeSecurity   ErrorType = "security"
	ErrorTypePolicy     ErrorType = "policy"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewBusinessError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// NewInvariantError reports a rejected state transition or guard violation.
// No partial mutation may have occurred when this is returned.
func NewInvariantError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

// NewSecurityError reports a detection or containment failure surfaced to operators.
func NewSecurityError(reason, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeSecurity,
		Code:       "SECURITY_CHECK_FAILED",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"reason": reason},
	}
}

// NewPolicyDenial is a deliberate denial, not a failure. The reason code is
// machine-readable so request-path callers can branch on it.
func NewPolicyDenial(reasonCode, message string) *AppError {
	return &AppError{
		Type:       ErrorTypePolicy,
		Code:       reasonCode,
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

// Predefined common errors
var (
	ErrInvalidInput          = NewValidationError("INVALID_INPUT", "Invalid input provided")
	ErrEntityNotFound        = NewNotFoundError("entity")
	ErrIncidentNotFound      = NewNotFoundError("incident")
	ErrClusterNotFound       = NewNotFoundError("correlation cluster")
	ErrContainmentNotFound   = NewNotFoundError("containment action")
	ErrNotReversible         = NewInvariantError("NOT_REVERSIBLE", "containment action is not reversible")
	ErrNotExecuted           = NewInvariantError("NOT_EXECUTED", "containment action has not been executed")
	ErrContainmentInFlight   = NewConflictError("cluster already has a non-terminal containment action")
	ErrInvalidStatusChange   = NewInvariantError("INVALID_STATUS_TRANSITION", "status transition is not allowed")
	ErrAccountLockedByPolicy = NewPolicyDenial("ACTIVE_CONTAINMENT", "request blocked by active containment")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
