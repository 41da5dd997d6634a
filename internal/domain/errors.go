package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// ErrorCodeValidation covers malformed input and unknown plans or organizations.
	ErrorCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound   ErrorCode = "NOT_FOUND"

	// ErrorCodeDuplicateEvent is resolved locally and never surfaced to callers.
	ErrorCodeDuplicateEvent ErrorCode = "DUPLICATE_EVENT"

	// ErrorCodeTransitionConflict means the subscription row moved on since it was read.
	ErrorCodeTransitionConflict ErrorCode = "TRANSITION_CONFLICT"

	// Payment provider errors (PROVIDER_*)
	ErrorCodeProviderError       ErrorCode = "PROVIDER_ERROR"
	ErrorCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrorCodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"

	ErrorCodeRetryBudgetExhausted ErrorCode = "RETRY_BUDGET_EXHAUSTED"

	// ErrorCodeInvariantViolation is fatal for the transition that raised it.
	ErrorCodeInvariantViolation ErrorCode = "LIFECYCLE_INVARIANT_VIOLATION"

	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches another DomainError by code so sentinel values work with errors.Is.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// Validationf builds a VALIDATION_ERROR with a formatted message.
func Validationf(format string, args ...interface{}) *DomainError {
	return NewDomainError(ErrorCodeValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds a NOT_FOUND error with a formatted message.
func NotFoundf(format string, args ...interface{}) *DomainError {
	return NewDomainError(ErrorCodeNotFound, fmt.Sprintf(format, args...))
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsNotFoundError checks if an error represents a "not found" condition
func IsNotFoundError(err error) bool {
	return GetErrorCode(err) == ErrorCodeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorCode(err) == ErrorCodeValidation
}

// IsDuplicateEvent checks if an error reports an already recorded provider reference
func IsDuplicateEvent(err error) bool {
	return GetErrorCode(err) == ErrorCodeDuplicateEvent
}

// IsTransitionConflict checks if an error is an optimistic-lock mismatch
func IsTransitionConflict(err error) bool {
	return GetErrorCode(err) == ErrorCodeTransitionConflict
}

// IsProviderError checks if an error came from the payment provider
func IsProviderError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeProviderError ||
		code == ErrorCodeProviderUnavailable ||
		code == ErrorCodeProviderTimeout
}

// IsInvariantViolation checks if an error is a lifecycle invariant violation
func IsInvariantViolation(err error) bool {
	return GetErrorCode(err) == ErrorCodeInvariantViolation
}

// Sentinel values for errors.Is comparisons. Never mutate these; use WithDetail on a fresh error.
var (
	ErrValidation           = NewDomainError(ErrorCodeValidation, "validation failed")
	ErrNotFound             = NewDomainError(ErrorCodeNotFound, "not found")
	ErrDuplicateEvent       = NewDomainError(ErrorCodeDuplicateEvent, "provider reference already recorded")
	ErrTransitionConflict   = NewDomainError(ErrorCodeTransitionConflict, "subscription was modified concurrently")
	ErrProviderError        = NewDomainError(ErrorCodeProviderError, "payment provider rejected the request")
	ErrProviderUnavailable  = NewDomainError(ErrorCodeProviderUnavailable, "payment provider unavailable")
	ErrProviderTimeout      = NewDomainError(ErrorCodeProviderTimeout, "payment provider timed out")
	ErrRetryBudgetExhausted = NewDomainError(ErrorCodeRetryBudgetExhausted, "retry budget exhausted")
	ErrInvariantViolation   = NewDomainError(ErrorCodeInvariantViolation, "lifecycle invariant violated")
	ErrInternal             = NewDomainError(ErrorCodeInternal, "internal error")
)

// Not-found errors for each entity
var (
	ErrOrganizationNotFound = NewDomainError(ErrorCodeNotFound, "organization not found")
	ErrPlanNotFound         = NewDomainError(ErrorCodeNotFound, "plan not found")
	ErrSubscriptionNotFound = NewDomainError(ErrorCodeNotFound, "subscription not found")
	ErrPaymentNotFound      = NewDomainError(ErrorCodeNotFound, "payment not found")
)
