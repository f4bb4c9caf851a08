package models

import (
	"time"

	"github.com/google/uuid"
)

// MFAState is the derived enrollment state of a user
type MFAState string

const (
	MFADisabled     MFAState = "DISABLED"
	MFAPendingSetup MFAState = "PENDING_SETUP"
	MFAEnabled      MFAState = "ENABLED"
)

// User is the identity record. Records are never hard-deleted here;
// Active=false is the only way to turn an account off.
type User struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	Email         string     `json:"email" db:"email"`
	DisplayName   string     `json:"displayName" db:"display_name"`
	Role          Role       `json:"role" db:"role"`
	RoleSource    RoleSource `json:"roleSource" db:"role_source"`
	Active        bool       `json:"active" db:"active"`
	EmailVerified bool       `json:"emailVerified" db:"email_verified"`
	PasswordHash  *string    `json:"-" db:"password_hash"`

	MFAEnabled       bool     `json:"mfaEnabled" db:"mfa_enabled"`
	MFASecret        *string  `json:"-" db:"mfa_secret"`
	MFAPendingSecret *string  `json:"-" db:"mfa_pending_secret"`
	MFABackupCodes   []string `json:"-" db:"mfa_backup_codes"`
	MFALastStep      int64    `json:"-" db:"mfa_last_step"`

	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty" db:"last_synced_at"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`
	LastLoginIP  *string    `json:"lastLoginIp,omitempty" db:"last_login_ip"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// TableName returns the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser creates a new active User
func NewUser(email, displayName string, role Role, source RoleSource) *User {
	now := time.Now().UTC()
	return &User{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: displayName,
		Role:        role,
		RoleSource:  source,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsAdmin returns true if the user has admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// HasPassword reports whether the account can sign in with local credentials
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// MFAState derives the enrollment state from the stored fields
func (u *User) MFAState() MFAState {
	switch {
	case u.MFAEnabled:
		return MFAEnabled
	case u.MFAPendingSecret != nil && *u.MFAPendingSecret != "":
		return MFAPendingSetup
	default:
		return MFADisabled
	}
}

// IsStale reports whether the record is due for reconciliation. Records that
// were never synced are always stale.
func (u *User) IsStale(now time.Time, threshold time.Duration) bool {
	if u.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*u.LastSyncedAt) >= threshold
}

// IdentityContext returns the immutable request-scoped view of the user
func (u *User) IdentityContext() IdentityContext {
	return IdentityContext{
		ID:     u.ID,
		Email:  u.Email,
		Role:   u.Role,
		Active: u.Active,
	}
}

// ProfileSync holds the externally sourced fields written by one
// reconciliation. Applying the same ProfileSync twice yields the same row.
// Role is only honored by the store while the record's role source is
// still PROVIDER.
type ProfileSync struct {
	Email         string
	DisplayName   string
	EmailVerified bool
	Role          Role
	SyncedAt      time.Time
}
