package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "resource not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "resource not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNotFound,
				Message: "user not found",
				Err:     errors.New("db error"),
			},
			wantMsg: "not_found: user not found (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same sentinel", ErrExpiredToken, ErrExpiredToken, true},
		{"expired is not invalid", ErrExpiredToken, ErrInvalidToken, false},
		{"inactive is not unauthenticated", ErrAccountInactive, ErrUnauthenticated, false},
		{"uncoded target matches on type", ErrAccountInactive, NewDomainError(ErrorTypeUnauthorized, "x", nil), true},
		{"different type", ErrForbidden, ErrUnauthenticated, false},
		{"wrapped with fmt", fmt.Errorf("gate: %w", ErrForbidden), ErrForbidden, true},
		{"wrapped cause", ErrInvalidToken.Wrap(errors.New("bad sig")), ErrInvalidToken, true},
		{"plain error", errors.New("boom"), ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetailDoesNotMutateSentinel(t *testing.T) {
	err := ErrTooManyAttempts.WithDetail("retry_after_seconds", 60)

	assert.Equal(t, 60, err.Details["retry_after_seconds"])
	assert.Nil(t, ErrTooManyAttempts.Details)
	assert.True(t, errors.Is(err, ErrTooManyAttempts))
}

func TestDomainError_WrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrIdPUnavailable.Wrap(cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrIdPUnavailable))
	assert.Nil(t, ErrIdPUnavailable.Err)
}

func TestErrorTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"unauthenticated", ErrUnauthenticated, IsUnauthorizedError},
		{"expired", ErrExpiredToken, IsUnauthorizedError},
		{"inactive", ErrAccountInactive, IsUnauthorizedError},
		{"forbidden", ErrForbidden, IsForbiddenError},
		{"mfa invalid code", ErrMFAInvalidCode, IsValidationError},
		{"mfa not enabled", ErrMFANotEnabled, IsValidationError},
		{"mfa already enabled", ErrMFAAlreadyEnabled, IsConflictError},
		{"too many attempts", ErrTooManyAttempts, IsRateLimitError},
		{"not found", ErrUserNotFound, IsNotFoundError},
		{"idp unavailable", ErrIdPUnavailable, IsUnavailableError},
		{"internal", WrapInternal("boom", errors.New("x")), IsInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestGetErrorAccessors(t *testing.T) {
	err := fmt.Errorf("ctx: %w", ErrMFAInvalidCode)

	assert.Equal(t, ErrorTypeValidation, GetErrorType(err))
	assert.Equal(t, "MFA_INVALID_CODE", GetErrorCode(err))
	assert.Equal(t, "invalid verification code", GetErrorMessage(err))

	plain := errors.New("plain")
	assert.Equal(t, ErrorType(""), GetErrorType(plain))
	assert.Equal(t, "", GetErrorCode(plain))
	assert.Nil(t, GetErrorDetails(plain))

	detailed := ErrInvalidInput.WithDetail("field", "email")
	require.NotNil(t, GetErrorDetails(detailed))
	assert.Equal(t, "email", GetErrorDetails(detailed)["field"])
}
