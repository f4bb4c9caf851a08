// Package middleware holds the access control gate that authenticates every
// protected request, plus the role and step-up checks layered on top of it.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/internal/observability"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/reconcile"
	"github.com/upb/careportal-auth/services/token"
	"github.com/upb/careportal-auth/utils"
	"go.uber.org/zap"
)

// TokenVerifier verifies access tokens without I/O
type TokenVerifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

// UserLookup loads identity records
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Reconciler refreshes a record from its identity provider. Implementations
// never fail the request: on any problem they return the record unchanged.
// Both reconcile.Service (sync) and reconcile.Dispatcher (async) satisfy it.
type Reconciler interface {
	ReconcileUser(ctx context.Context, user *models.User) (*models.User, reconcile.Outcome)
}

// Gate authenticates requests and enforces role and step-up requirements
type Gate struct {
	tokens     TokenVerifier
	users      UserLookup
	reconciler Reconciler
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewGate creates a gate. reconciler may be nil to skip reconciliation.
func NewGate(tokens TokenVerifier, users UserLookup, reconciler Reconciler, metrics *observability.Metrics, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		tokens:     tokens,
		users:      users,
		reconciler: reconciler,
		metrics:    metrics,
		logger:     logger,
	}
}

// Authenticate resolves the caller of r. The role in the returned context
// comes from the stored record after reconciliation, not from the token,
// so role changes apply without waiting for the token to expire.
func (g *Gate) Authenticate(r *http.Request) (models.IdentityContext, *models.User, error) {
	ctx := r.Context()

	raw := extractBearerToken(r)
	if raw == "" {
		return models.IdentityContext{}, nil, services.ErrUnauthenticated
	}

	claims, err := g.tokens.Verify(raw)
	if err != nil {
		return models.IdentityContext{}, nil, err
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return models.IdentityContext{}, nil, services.ErrInvalidToken.Wrap(err)
	}

	user, err := g.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return models.IdentityContext{}, nil, services.ErrUnauthenticated
		}
		return models.IdentityContext{}, nil, services.ErrDatabaseError.Wrap(err)
	}

	if g.reconciler != nil {
		user, _ = g.reconciler.ReconcileUser(ctx, user)
	}

	if !user.Active {
		return models.IdentityContext{}, nil, services.ErrAccountInactive
	}

	ic := user.IdentityContext()
	ic.MFA = claims.MFA
	return ic, user, nil
}

// RequireAuth rejects unauthenticated requests and attaches the caller's
// IdentityContext to the request context
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := observability.WithRequest(r.Context(), g.logger)

		ic, user, err := g.Authenticate(r)
		if err != nil {
			code := services.GetErrorCode(err)
			if code == "" {
				code = "internal"
			}
			g.metrics.AuthAttempt("rejected_" + strings.ToLower(code))
			log.Debug("authentication failed", zap.Error(err))
			utils.WriteServiceError(w, err, log)
			return
		}

		ctx := WithIdentity(r.Context(), ic)
		ctx = withMFAEnrolled(ctx, user.MFAEnabled)

		log.Debug("authenticated",
			zap.String("user_id", ic.ID.String()),
			zap.String("role", ic.Role.String()))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authorize reports whether the caller's role is in allowed. Membership is
// flat: ADMIN does not imply any other role.
func Authorize(ic models.IdentityContext, allowed models.RoleSet) error {
	if !ic.HasRole(allowed) {
		return services.ErrForbidden
	}
	return nil
}

// RestrictTo admits only callers whose role is one of roles. It must run
// after RequireAuth.
func (g *Gate) RestrictTo(roles ...models.Role) func(http.Handler) http.Handler {
	allowed := models.NewRoleSet(roles...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := observability.WithRequest(r.Context(), g.logger)

			ic, ok := GetIdentity(r.Context())
			if !ok {
				log.Error("identity not found in context")
				utils.WriteServiceError(w, services.ErrUnauthenticated, log)
				return
			}

			if err := Authorize(ic, allowed); err != nil {
				log.Warn("insufficient permissions",
					zap.String("user_id", ic.ID.String()),
					zap.String("role", ic.Role.String()))
				utils.WriteServiceError(w, err, log)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireMFA rejects callers who have MFA enabled but presented a token
// issued without a verified second factor. Callers without MFA pass.
func (g *Gate) RequireMFA(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := observability.WithRequest(r.Context(), g.logger)

		ic, ok := GetIdentity(r.Context())
		if !ok {
			log.Error("identity not found in context")
			utils.WriteServiceError(w, services.ErrUnauthenticated, log)
			return
		}

		if mfaEnrolled(r.Context()) && !ic.MFA {
			log.Debug("step-up required", zap.String("user_id", ic.ID.String()))
			utils.WriteServiceError(w, services.ErrStepUpRequired, log)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token of an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive.
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
