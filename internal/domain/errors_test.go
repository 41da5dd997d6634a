package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Error(t *testing.T) {
	err := NewDomainError(ErrorCodeValidation, "plan_id is required")
	assert.Equal(t, "VALIDATION_ERROR: plan_id is required", err.Error())

	wrapped := WrapError(ErrorCodeProviderError, "charge declined", errors.New("card_declined"))
	assert.Equal(t, "PROVIDER_ERROR: charge declined: card_declined", wrapped.Error())
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapError(ErrorCodeProviderTimeout, "charge timed out", cause)
	assert.ErrorIs(t, err, cause)
}

func TestDomainError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("advance subscription: %w", NewDomainError(ErrorCodeTransitionConflict, "version 3 is stale"))
	assert.ErrorIs(t, err, ErrTransitionConflict)
	assert.NotErrorIs(t, err, ErrDuplicateEvent)
}

func TestDomainError_WithDetail(t *testing.T) {
	err := NewDomainError(ErrorCodeInvariantViolation, "two live subscriptions").
		WithDetail("organization_id", "org-1")
	assert.Equal(t, "org-1", err.Details["organization_id"])
}

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", fmt.Errorf("wrap: %w", ErrPlanNotFound), IsNotFoundError},
		{"validation", Validationf("bad %s", "input"), IsValidationError},
		{"duplicate", ErrDuplicateEvent, IsDuplicateEvent},
		{"conflict", ErrTransitionConflict, IsTransitionConflict},
		{"provider declined", ErrProviderError, IsProviderError},
		{"provider timeout", ErrProviderTimeout, IsProviderError},
		{"provider unavailable", ErrProviderUnavailable, IsProviderError},
		{"invariant", ErrInvariantViolation, IsInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
		})
	}

	assert.False(t, IsNotFoundError(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}
