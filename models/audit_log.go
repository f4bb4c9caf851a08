package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of security event being audited
type AuditAction string

const (
	AuditActionUserRegistered      AuditAction = "user_registered"
	AuditActionLoginSucceeded      AuditAction = "login_succeeded"
	AuditActionLoginFailed         AuditAction = "login_failed"
	AuditActionExternalLogin       AuditAction = "external_login"
	AuditActionLogout              AuditAction = "logout"
	AuditActionTokenRefreshed      AuditAction = "token_refreshed"
	AuditActionMFASetupStarted     AuditAction = "mfa_setup_started"
	AuditActionMFAEnabled          AuditAction = "mfa_enabled"
	AuditActionMFADisabled         AuditAction = "mfa_disabled"
	AuditActionMFAStepUp           AuditAction = "mfa_step_up"
	AuditActionBackupCodesReplaced AuditAction = "backup_codes_regenerated"
	AuditActionRoleChanged         AuditAction = "role_changed"
	AuditActionAccountActivated    AuditAction = "account_activated"
	AuditActionAccountDeactivated  AuditAction = "account_deactivated"
	AuditActionReconcileForced     AuditAction = "reconcile_forced"
)

// AuditLog is one entry of the security audit trail. UserID is the
// account the event is about, ActorID the caller who caused it; they
// differ for admin actions and are both nil for a failed login against
// an unknown email. Details never carries passwords or one-time codes.
type AuditLog struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	UserID    *uuid.UUID      `json:"userId,omitempty" db:"user_id"`
	ActorID   *uuid.UUID      `json:"actorId,omitempty" db:"actor_id"`
	Action    AuditAction     `json:"action" db:"action"`
	Success   bool            `json:"success" db:"success"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	IPAddress string          `json:"ipAddress" db:"ip_address"`
	UserAgent string          `json:"userAgent" db:"user_agent"`
	RequestID string          `json:"requestId" db:"request_id"`
	Timestamp time.Time       `json:"timestamp" db:"created_at"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a successful AuditLog entry for action
func NewAuditLog(action AuditAction) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		Action:    action,
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
}

// WithUser sets the subject account
func (a *AuditLog) WithUser(userID uuid.UUID) *AuditLog {
	a.UserID = &userID
	return a
}

// WithActor sets the calling account
func (a *AuditLog) WithActor(actorID uuid.UUID) *AuditLog {
	a.ActorID = &actorID
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress, userAgent string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	return a
}

// Failed marks the entry as a rejected attempt and records the error code
func (a *AuditLog) Failed(code string) *AuditLog {
	a.Success = false
	return a.WithDetails(map[string]string{"code": code})
}
