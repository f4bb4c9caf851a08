package jwks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingClaim is returned when a required claim is missing
var ErrMissingClaim = errors.New("missing required claim")

// ExternalClaims is the identity asserted by a verified provider ID token
type ExternalClaims struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	// RoleHint is the raw role claim; validation is left to the caller
	RoleHint string
}

// parseClaims reads the identity claims. roleClaim may be a dotted path
// into nested objects (e.g. "realm_access.roles"); array values yield
// their first string element.
func parseClaims(m jwt.MapClaims, roleClaim string) (*ExternalClaims, error) {
	sub, err := m.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	c := &ExternalClaims{
		Subject:       sub,
		Email:         stringClaim(m, "email"),
		EmailVerified: boolClaim(m, "email_verified"),
		Name:          stringClaim(m, "name"),
		RoleHint:      firstString(lookupPath(m, roleClaim)),
	}
	if c.Name == "" {
		c.Name = stringClaim(m, "preferred_username")
	}
	return c, nil
}

func stringClaim(m jwt.MapClaims, key string) string {
	s, _ := m[key].(string)
	return s
}

// boolClaim accepts JSON booleans and the string form some providers emit
func boolClaim(m jwt.MapClaims, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func lookupPath(m map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	if v, ok := m[path]; ok {
		return v
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil
	}
	nested, ok := m[head].(map[string]interface{})
	if !ok {
		return nil
	}
	return lookupPath(nested, rest)
}

func firstString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
