package middleware

import (
	"context"

	"github.com/upb/careportal-auth/models"
)

// Context key types to avoid collisions
type (
	identityKey    struct{}
	mfaEnrolledKey struct{}
)

// WithIdentity attaches the authenticated caller to ctx
func WithIdentity(ctx context.Context, ic models.IdentityContext) context.Context {
	return context.WithValue(ctx, identityKey{}, ic)
}

// GetIdentity returns the caller attached by RequireAuth. The value is a
// copy; changing it does not affect later handlers.
func GetIdentity(ctx context.Context) (models.IdentityContext, bool) {
	ic, ok := ctx.Value(identityKey{}).(models.IdentityContext)
	return ic, ok
}

func withMFAEnrolled(ctx context.Context, enrolled bool) context.Context {
	return context.WithValue(ctx, mfaEnrolledKey{}, enrolled)
}

func mfaEnrolled(ctx context.Context) bool {
	enrolled, _ := ctx.Value(mfaEnrolledKey{}).(bool)
	return enrolled
}
