package models

import (
	"fmt"
	"strings"
)

// Role is the authorization role carried by an identity. Wire values are
// upper case.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleProvider Role = "PROVIDER"
	RolePatient  Role = "PATIENT"
)

// AllRoles lists every valid role
var AllRoles = []Role{RoleAdmin, RoleProvider, RolePatient}

// ParseRole converts a wire value into a Role. Matching is case-insensitive;
// anything outside the enum is rejected.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the enum values
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleProvider, RolePatient:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}

// RoleSource records who set a user's current role. Provider role hints may
// only replace a role whose source is RoleSourceProvider.
type RoleSource string

const (
	RoleSourceLocal    RoleSource = "LOCAL"
	RoleSourceProvider RoleSource = "PROVIDER"
)

// RoleSet is a flat set of roles. There is no hierarchy: ADMIN is only a
// member if it was explicitly added.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from the given roles
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Contains reports set membership
func (s RoleSet) Contains(r Role) bool {
	_, ok := s[r]
	return ok
}
