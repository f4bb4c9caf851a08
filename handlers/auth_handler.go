package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/account"
	"github.com/upb/careportal-auth/services/token"
	"github.com/upb/careportal-auth/utils"
	"go.uber.org/zap"
)

// AccountService is the sign-in lifecycle used by AuthHandler
type AccountService interface {
	Register(ctx context.Context, in account.RegisterInput) (*account.Session, error)
	Login(ctx context.Context, in account.LoginInput) (*account.Session, error)
	ExternalLogin(ctx context.Context, in account.ExternalLoginInput) (*account.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*token.Pair, error)
	Logout(ctx context.Context, refreshToken string) error
}

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"displayName" validate:"max=120"`
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	MFACode  string `json:"mfaCode" validate:"omitempty,max=32"`
}

// ExternalLoginRequest is the body of POST /auth/external/{provider}
type ExternalLoginRequest struct {
	IDToken string `json:"idToken" validate:"required"`
	MFACode string `json:"mfaCode" validate:"omitempty,max=32"`
}

// RefreshRequest is the body of POST /auth/refresh and /auth/logout
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// TokenResponse carries a token pair. User is set on sign-in.
type TokenResponse struct {
	AccessToken      string        `json:"accessToken"`
	RefreshToken     string        `json:"refreshToken"`
	AccessExpiresAt  time.Time     `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time     `json:"refreshExpiresAt"`
	User             *UserResponse `json:"user,omitempty"`
}

func newTokenResponse(pair *token.Pair, user *models.User) TokenResponse {
	resp := TokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if user != nil {
		u := NewUserResponse(user)
		resp.User = &u
	}
	return resp
}

// AuthHandler handles the public /auth endpoints
type AuthHandler struct {
	accounts AccountService
	audit    AuditRecorder
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler. audit may be nil.
func NewAuthHandler(accounts AccountService, audit AuditRecorder, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		accounts: accounts,
		audit:    recorderOrNop(audit),
		logger:   logger,
	}
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	session, err := h.accounts.Register(r.Context(), account.RegisterInput{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionUserRegistered).WithUser(session.User.ID))

	if err := utils.WriteCreated(w, newTokenResponse(session.Tokens, session.User)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	session, err := h.accounts.Login(r.Context(), account.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		MFACode:  req.MFACode,
		IP:       clientIP(r),
	})
	if err != nil {
		h.audit.Record(r.Context(), auditFailure(auditEntry(r, models.AuditActionLoginFailed), err))
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionLoginSucceeded).WithUser(session.User.ID))

	if err := utils.WriteOK(w, newTokenResponse(session.Tokens, session.User)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleExternalLogin handles POST /auth/external/{provider}
func (h *AuthHandler) HandleExternalLogin(w http.ResponseWriter, r *http.Request) {
	var req ExternalLoginRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	provider := chi.URLParam(r, "provider")
	session, err := h.accounts.ExternalLogin(r.Context(), account.ExternalLoginInput{
		Provider: provider,
		IDToken:  req.IDToken,
		MFACode:  req.MFACode,
		IP:       clientIP(r),
	})
	if err != nil {
		h.audit.Record(r.Context(), auditFailure(auditEntry(r, models.AuditActionExternalLogin), err, "provider", provider))
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionExternalLogin).
		WithUser(session.User.ID).
		WithDetails(map[string]string{"provider": provider}))

	if err := utils.WriteOK(w, newTokenResponse(session.Tokens, session.User)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleRefresh handles POST /auth/refresh. The presented refresh token is
// rotated: it stops working once a new pair is returned. A body without a
// usable token is a failed refresh and answered with 401 like any other.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		h.logger.Debug("refresh request without a usable token", zap.Error(err))
		h.audit.Record(r.Context(), auditFailure(auditEntry(r, models.AuditActionTokenRefreshed), services.ErrInvalidToken))
		HandleServiceError(w, services.ErrInvalidToken, h.logger)
		return
	}

	pair, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.audit.Record(r.Context(), auditFailure(auditEntry(r, models.AuditActionTokenRefreshed), err))
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), withSubject(auditEntry(r, models.AuditActionTokenRefreshed), pair.Subject))

	if err := utils.WriteOK(w, newTokenResponse(pair, nil)); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := h.accounts.Logout(r.Context(), req.RefreshToken); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionLogout))
	utils.WriteNoContent(w)
}
