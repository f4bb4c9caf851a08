package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeRateLimit    ErrorType = "rate_limit"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnavailable  ErrorType = "unavailable"
)

// DomainError represents a structured error with additional context.
// Code narrows Type to a specific failure (e.g. EXPIRED_TOKEN vs
// INVALID_TOKEN) and is what clients switch on.
type DomainError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. Types must match; when the target carries a code
// the codes must match as well.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithDetail returns a copy of the error carrying an extra detail, so shared
// sentinels are never mutated.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Wrap returns a copy of the sentinel with err as its cause
func (e *DomainError) Wrap(err error) *DomainError {
	cp := *e
	cp.Err = err
	return &cp
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// newCoded creates a sentinel with a stable client-facing code
func newCoded(errType ErrorType, code, message string) *DomainError {
	return &DomainError{Type: errType, Code: code, Message: message}
}

// Domain error variables

var (
	// Authentication
	ErrUnauthenticated     = newCoded(ErrorTypeUnauthorized, "UNAUTHENTICATED", "authentication required")
	ErrInvalidToken        = newCoded(ErrorTypeUnauthorized, "INVALID_TOKEN", "invalid authentication token")
	ErrExpiredToken        = newCoded(ErrorTypeUnauthorized, "EXPIRED_TOKEN", "authentication token expired")
	ErrAccountInactive     = newCoded(ErrorTypeUnauthorized, "ACCOUNT_INACTIVE", "account is inactive")
	ErrInvalidCredentials  = newCoded(ErrorTypeUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
	ErrMFARequired         = newCoded(ErrorTypeUnauthorized, "MFA_REQUIRED", "multi-factor authentication code required")
	ErrUnknownIdentityProv = newCoded(ErrorTypeUnauthorized, "UNKNOWN_PROVIDER", "identity provider is not configured")

	// Authorization
	ErrForbidden      = newCoded(ErrorTypeForbidden, "FORBIDDEN", "you do not have permission to perform this action")
	ErrStepUpRequired = newCoded(ErrorTypeForbidden, "MFA_STEP_UP_REQUIRED", "this action requires a multi-factor verified session")

	// MFA
	ErrMFAInvalidCode     = newCoded(ErrorTypeValidation, "MFA_INVALID_CODE", "invalid verification code")
	ErrMFANotEnabled      = newCoded(ErrorTypeValidation, "MFA_NOT_ENABLED", "multi-factor authentication is not enabled")
	ErrMFASetupNotStarted = newCoded(ErrorTypeValidation, "MFA_SETUP_NOT_STARTED", "multi-factor setup has not been started")
	ErrMFAAlreadyEnabled  = newCoded(ErrorTypeConflict, "MFA_ALREADY_ENABLED", "multi-factor authentication is already enabled")
	ErrTooManyAttempts    = newCoded(ErrorTypeRateLimit, "TOO_MANY_ATTEMPTS", "too many attempts, try again later")

	// Accounts
	ErrUserNotFound     = newCoded(ErrorTypeNotFound, "USER_NOT_FOUND", "user not found")
	ErrEmailTaken       = newCoded(ErrorTypeConflict, "EMAIL_TAKEN", "email already registered")
	ErrIdentityLinked   = newCoded(ErrorTypeConflict, "IDENTITY_LINKED", "external identity already linked")
	ErrInvalidInput     = newCoded(ErrorTypeValidation, "INVALID_INPUT", "invalid input")
	ErrInvalidRole      = newCoded(ErrorTypeValidation, "INVALID_ROLE", "invalid role")
	ErrConcurrentUpdate = newCoded(ErrorTypeConflict, "CONCURRENT_UPDATE", "concurrent update detected")

	// Reconciliation only; never written to a response
	ErrIdPUnavailable = newCoded(ErrorTypeUnavailable, "IDP_UNAVAILABLE", "identity provider unavailable")

	// Internal
	ErrInternal          = newCoded(ErrorTypeInternal, "INTERNAL", "internal server error")
	ErrDatabaseError     = newCoded(ErrorTypeInternal, "DATABASE", "database error")
	ErrTransactionFailed = newCoded(ErrorTypeInternal, "TRANSACTION", "transaction failed")
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrorTypeConflict
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// IsUnavailableError checks if an error reports an unreachable dependency
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the Code of a domain error, or empty string
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorMessage returns the client-safe message of a domain error
func GetErrorMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return &DomainError{Type: ErrorTypeInternal, Code: "INTERNAL", Message: message, Err: err}
}
