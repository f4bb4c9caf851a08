package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProfileNotFound is returned when the provider has no account for
	// the requested id
	ErrProfileNotFound = errors.New("profile not found at identity provider")

	// ErrUnavailable is returned when the provider could not be reached or
	// answered with an unexpected status
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Provider fetches the authoritative profile of an account held at an
// external identity provider. Implementations return identity facts only;
// they never create or modify local users.
type Provider interface {
	// Name returns the provider name used in external identity links
	// (e.g. "auth0", "keycloak")
	Name() string

	// FetchProfile returns the current profile of externalID. It must honor
	// ctx cancellation.
	FetchProfile(ctx context.Context, externalID string) (*Profile, error)
}

// Profile is the provider's view of an account
type Profile struct {
	ExternalID    string
	Email         string
	DisplayName   string
	EmailVerified bool
	// RoleHint is the raw role attribute, empty when the provider does not
	// assign one. It is not validated here.
	RoleHint string
}

// ProviderConfig is the connection configuration of a management API
type ProviderConfig struct {
	// BaseURL of the management API, e.g. https://tenant.eu.auth0.com
	BaseURL string

	// TokenURL for the client credentials grant
	TokenURL string

	ClientID     string
	ClientSecret string

	// Audience requested for the management token (auth0)
	Audience string

	// Realm (keycloak)
	Realm string

	// Timeout bounds each HTTP call; callers usually pass a shorter ctx
	Timeout time.Duration
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the error message
	Message string

	// Cause is ErrProfileNotFound, ErrUnavailable, or a transport error
	// wrapping ErrUnavailable
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, message string, statusCode int, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// Unavailable wraps a transport or decoding failure so it matches
// ErrUnavailable
func Unavailable(provider, message string, statusCode int, cause error) *ProviderError {
	if cause == nil {
		cause = ErrUnavailable
	} else {
		cause = fmt.Errorf("%w: %w", ErrUnavailable, cause)
	}
	return NewProviderError(provider, message, statusCode, cause)
}
