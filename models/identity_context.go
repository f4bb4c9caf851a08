package models

import "github.com/google/uuid"

// IdentityContext is the authenticated view of the caller that the access
// gate attaches to each request. It is a value type so downstream handlers
// cannot mutate what the gate decided.
type IdentityContext struct {
	ID     uuid.UUID `json:"id"`
	Email  string    `json:"email"`
	Role   Role      `json:"role"`
	Active bool      `json:"active"`
	// MFA is true when the presenting token was issued after a second factor
	MFA bool `json:"mfa"`
}

// HasRole reports whether the caller's role is in allowed
func (c IdentityContext) HasRole(allowed RoleSet) bool {
	return allowed.Contains(c.Role)
}
