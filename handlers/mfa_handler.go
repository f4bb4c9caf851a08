package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/middleware"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services"
	"github.com/upb/careportal-auth/services/account"
	"github.com/upb/careportal-auth/services/mfa"
	"github.com/upb/careportal-auth/utils"
	"go.uber.org/zap"
)

// MFAService is the enrollment state machine used by MFAHandler
type MFAService interface {
	GenerateSecret(ctx context.Context, userID uuid.UUID) (*mfa.Setup, error)
	VerifyEnroll(ctx context.Context, userID uuid.UUID, code string) ([]string, error)
	Disable(ctx context.Context, userID uuid.UUID) error
	Status(ctx context.Context, userID uuid.UUID) (*mfa.Status, error)
	RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// StepUpService issues an MFA-marked token pair after a second factor
type StepUpService interface {
	StepUp(ctx context.Context, userID uuid.UUID, code string) (*account.Session, error)
}

// MFACodeRequest carries a TOTP or backup code
type MFACodeRequest struct {
	Token string `json:"token" validate:"required,max=32"`
}

// SetupResponse is the body of POST /mfa/totp/setup
type SetupResponse struct {
	SecretCode string `json:"secretCode"`
	OTPAuthURL string `json:"otpauthUrl"`
}

// EnrollResponse is the body of POST /mfa/totp/verify
type EnrollResponse struct {
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"backupCodes"`
}

// ChallengeResponse is the body of POST /mfa/challenge
type ChallengeResponse struct {
	Verified     bool       `json:"verified"`
	Method       mfa.Method `json:"method"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
}

// BackupCodesResponse is the body of POST /mfa/backup-codes
type BackupCodesResponse struct {
	BackupCodes []string `json:"backupCodes"`
}

// MFAHandler handles the /mfa endpoints for the authenticated caller
type MFAHandler struct {
	mfa    MFAService
	stepUp StepUpService
	audit  AuditRecorder
	logger *zap.Logger
}

// NewMFAHandler creates a new MFAHandler. audit may be nil.
func NewMFAHandler(mfaService MFAService, stepUp StepUpService, audit AuditRecorder, logger *zap.Logger) *MFAHandler {
	return &MFAHandler{
		mfa:    mfaService,
		stepUp: stepUp,
		audit:  recorderOrNop(audit),
		logger: logger,
	}
}

// HandleSetup handles POST /mfa/totp/setup
func (h *MFAHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	setup, err := h.mfa.GenerateSecret(r.Context(), userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionMFASetupStarted).WithUser(userID))

	if err := utils.WriteOK(w, SetupResponse{SecretCode: setup.Secret, OTPAuthURL: setup.OTPAuthURL}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleVerify handles POST /mfa/totp/verify. The backup codes in the
// response are shown exactly once.
func (h *MFAHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req MFACodeRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	codes, err := h.mfa.VerifyEnroll(r.Context(), userID, req.Token)
	if err != nil {
		h.audit.Record(r.Context(), auditFailure(auditEntry(r, models.AuditActionMFAEnabled).WithUser(userID), err))
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionMFAEnabled).WithUser(userID))

	if err := utils.WriteOK(w, EnrollResponse{Enabled: true, BackupCodes: codes}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleChallenge handles POST /mfa/challenge
func (h *MFAHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req MFACodeRequest
	if err := utils.DecodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	session, err := h.stepUp.StepUp(r.Context(), userID, req.Token)
	if err != nil {
		h.audit.Record(r.Context(), auditFailure(auditEntry(r, models.AuditActionMFAStepUp).WithUser(userID), err))
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionMFAStepUp).
		WithUser(userID).
		WithDetails(map[string]string{"method": string(session.MFAMethod)}))

	resp := ChallengeResponse{
		Verified:     true,
		Method:       session.MFAMethod,
		AccessToken:  session.Tokens.AccessToken,
		RefreshToken: session.Tokens.RefreshToken,
	}
	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleBackupCodes handles POST /mfa/backup-codes
func (h *MFAHandler) HandleBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	codes, err := h.mfa.RegenerateBackupCodes(r.Context(), userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionBackupCodesReplaced).WithUser(userID))

	if err := utils.WriteOK(w, BackupCodesResponse{BackupCodes: codes}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleDisable handles POST /mfa/disable
func (h *MFAHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.mfa.Disable(r.Context(), userID); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	h.audit.Record(r.Context(), auditEntry(r, models.AuditActionMFADisabled).WithUser(userID))

	if err := utils.WriteOK(w, mfa.Status{Enabled: false}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleStatus handles GET /mfa/status
func (h *MFAHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	status, err := h.mfa.Status(r.Context(), userID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, status); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func (h *MFAHandler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ic, ok := middleware.GetIdentity(r.Context())
	if !ok {
		HandleServiceError(w, services.ErrUnauthenticated, h.logger)
		return uuid.Nil, false
	}
	return ic.ID, true
}
