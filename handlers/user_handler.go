package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/careportal-auth/middleware"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/reconcile"
	"github.com/upb/careportal-auth/utils"
	"go.uber.org/zap"
)

// UserAdmin reads and changes user records
type UserAdmin interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ChangeRole(ctx context.Context, id uuid.UUID, role models.Role) (*models.User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*models.User, error)
}

// ForcedReconciler syncs a user regardless of staleness
type ForcedReconciler interface {
	Force(ctx context.Context, id uuid.UUID) (*models.User, reconcile.Outcome, error)
}

// AuditTrail records admin actions and lists a user's audit entries
type AuditTrail interface {
	AuditRecorder
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
}

type nopTrail struct{ nopRecorder }

func (nopTrail) ListByUser(context.Context, uuid.UUID, int, int) ([]*models.AuditLog, error) {
	return []*models.AuditLog{}, nil
}

// AuditTrailResponse is the body of GET /admin/users/{id}/audit
type AuditTrailResponse struct {
	Entries []*models.AuditLog `json:"entries"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// UserResponse is the public view of a user record
type UserResponse struct {
	ID            uuid.UUID         `json:"id"`
	Email         string            `json:"email"`
	DisplayName   string            `json:"displayName"`
	Role          models.Role       `json:"role"`
	RoleSource    models.RoleSource `json:"roleSource"`
	Active        bool              `json:"active"`
	EmailVerified bool              `json:"emailVerified"`
	MFAState      models.MFAState   `json:"mfaState"`
	LastSyncedAt  *time.Time        `json:"lastSyncedAt,omitempty"`
	LastLoginAt   *time.Time        `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// NewUserResponse builds the public view of u
func NewUserResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:            u.ID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		Role:          u.Role,
		RoleSource:    u.RoleSource,
		Active:        u.Active,
		EmailVerified: u.EmailVerified,
		MFAState:      u.MFAState(),
		LastSyncedAt:  u.LastSyncedAt,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
	}
}

// MeResponse is the body of GET /me
type MeResponse struct {
	Identity models.IdentityContext `json:"identity"`
	Profile  UserResponse           `json:"profile"`
}

// ChangeRoleRequest is the body of PATCH /admin/users/{id}/role
type ChangeRoleRequest struct {
	Role string `json:"role" validate:"required,role"`
}

// SetActiveRequest is the body of PATCH /admin/users/{id}/active
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// ReconcileResponse is the body of POST /admin/users/{id}/reconcile
type ReconcileResponse struct {
	User    UserResponse      `json:"user"`
	Outcome reconcile.Outcome `json:"outcome"`
}

// UserHandler handles /me and the admin user endpoints
type UserHandler struct {
	users      UserAdmin
	reconciler ForcedReconciler
	audit      AuditTrail
	logger     *zap.Logger
}

// NewUserHandler creates a new UserHandler. reconciler may be nil when no
// identity provider is configured; audit may be nil.
func NewUserHandler(users UserAdmin, reconciler ForcedReconciler, audit AuditTrail, logger *zap.Logger) *UserHandler {
	if audit == nil {
		audit = nopTrail{}
	}
	return &UserHandler{
		users:      users,
		reconciler: reconciler,
		audit:      audit,
		logger:     logger,
	}
}

// HandleMe handles GET /me
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ic, ok := middleware.GetIdentity(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthenticated, h.logger)
		return
	}

	user, err := h.users.GetUser(r.Context(), ic.ID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, MeResponse{Identity: ic, Profile: NewUserResponse(user)}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleGetUser handles GET /admin/users/{id}
func (h *UserHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	user, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, NewUserResponse(user)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleChangeRole handles PATCH /admin/users/{id}/role. The new role is
// recorded as locally assigned, so provider hints no longer replace it.
func (h *UserHandler) HandleChangeRole(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var req ChangeRoleRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		HandleServiceError(w, services.ErrInvalidRole, h.logger)
		return
	}

	user, err := h.users.ChangeRole(r.Context(), id, role)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logAdminAction(r, models.AuditActionRoleChanged, id, map[string]string{"role": role.String()})
	if err := utils.WriteOK(w, NewUserResponse(user)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleSetActive handles PATCH /admin/users/{id}/active
func (h *UserHandler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var req SetActiveRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	user, err := h.users.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	action := models.AuditActionAccountDeactivated
	if *req.Active {
		action = models.AuditActionAccountActivated
	}
	h.logAdminAction(r, action, id, nil)
	if err := utils.WriteOK(w, NewUserResponse(user)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleReconcile handles POST /admin/users/{id}/reconcile
func (h *UserHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if h.reconciler == nil {
		HandleServiceError(w, services.ErrIdPUnavailable, h.logger)
		return
	}

	user, outcome, err := h.reconciler.Force(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logAdminAction(r, models.AuditActionReconcileForced, id, map[string]string{"outcome": string(outcome)})
	if err := utils.WriteOK(w, ReconcileResponse{User: NewUserResponse(user), Outcome: outcome}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleAuditTrail handles GET /admin/users/{id}/audit
func (h *UserHandler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	limit, err := utils.ParseQueryInt(r.URL.Query().Get("limit"), "limit", 0)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	offset, err := utils.ParseQueryInt(r.URL.Query().Get("offset"), "offset", 0)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	entries, err := h.audit.ListByUser(r.Context(), id, limit, offset)
	if err != nil {
		HandleServiceError(w, services.ErrDatabaseError.Wrap(err), h.logger)
		return
	}

	if err := utils.WriteOK(w, AuditTrailResponse{Entries: entries, Limit: limit, Offset: offset}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// logAdminAction writes the action to the log and the audit trail
func (h *UserHandler) logAdminAction(r *http.Request, action models.AuditAction, target uuid.UUID, details map[string]string) {
	ic, _ := middleware.GetIdentity(r.Context())

	fields := []zap.Field{
		zap.String("action", string(action)),
		zap.String("actor_id", ic.ID.String()),
		zap.String("target_id", target.String()),
	}
	for k, v := range details {
		fields = append(fields, zap.String(k, v))
	}
	h.logger.Info("admin action", fields...)

	entry := auditEntry(r, action).WithUser(target).WithActor(ic.ID)
	if len(details) > 0 {
		entry.WithDetails(details)
	}
	h.audit.Record(r.Context(), entry)
}
