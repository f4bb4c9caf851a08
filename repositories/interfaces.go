package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/models"
)

var (
	// ErrNotFound is returned when no row matches a lookup
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a unique constraint
	ErrDuplicate = errors.New("duplicate record")

	// ErrConditionFailed is returned when a conditional update matched no row
	// because the record was not in the expected state
	ErrConditionFailed = errors.New("conditional update did not apply")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// UserRepository is the credential store contract. Every mutation is a
// single-row statement; MFA transitions are conditional on the current state
// so concurrent requests cannot both win.
type UserRepository interface {
	// Create inserts a new user. Returns ErrDuplicate when the email is taken.
	Create(ctx context.Context, user *models.User) error

	// GetByID retrieves a user by ID. Returns ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetByEmail retrieves a user by case-insensitive email. Returns ErrNotFound.
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// UpdateRole sets the role and its source
	UpdateRole(ctx context.Context, id uuid.UUID, role models.Role, source models.RoleSource) error

	// SetActive flips the active flag; records are never deleted
	SetActive(ctx context.Context, id uuid.UUID, active bool) error

	// RecordLogin stores the last login time and client address
	RecordLogin(ctx context.Context, id uuid.UUID, ip string) error

	// ApplyProfileSync writes externally sourced fields and last_synced_at
	ApplyProfileSync(ctx context.Context, id uuid.UUID, sync models.ProfileSync) error

	// BeginMFASetup stores a pending TOTP secret. Applies only while MFA is
	// not enabled; otherwise ErrConditionFailed.
	BeginMFASetup(ctx context.Context, id uuid.UUID, pendingSecret string) error

	// CompleteMFAEnrollment promotes the pending secret to active and stores
	// the backup code hashes, only if pendingSecret is still the stored one
	// and MFA is not yet enabled. Otherwise ErrConditionFailed.
	CompleteMFAEnrollment(ctx context.Context, id uuid.UUID, pendingSecret string, backupCodeHashes []string, step int64) error

	// DisableMFA clears all MFA material from any state
	DisableMFA(ctx context.Context, id uuid.UUID) error

	// ReplaceBackupCodes swaps the backup code set while MFA is enabled
	ReplaceBackupCodes(ctx context.Context, id uuid.UUID, backupCodeHashes []string) error

	// ConsumeBackupCode removes codeHash from the set if it is still present.
	// Returns ErrConditionFailed when another request already consumed it.
	ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) error

	// AdvanceTOTPStep records step as the last accepted TOTP time step if it
	// is newer than the stored one. Returns ErrConditionFailed on replay.
	AdvanceTOTPStep(ctx context.Context, id uuid.UUID, step int64) error
}

// ExternalIdentityRepository stores links between local users and accounts
// at external identity providers
type ExternalIdentityRepository interface {
	// Create inserts a link. Returns ErrDuplicate if (provider, provider_user_id) exists.
	Create(ctx context.Context, identity *models.ExternalIdentity) error

	// GetByProviderID finds the link for a provider-scoped id. Returns ErrNotFound.
	GetByProviderID(ctx context.Context, provider, providerUserID string) (*models.ExternalIdentity, error)

	// ListByUser returns a user's links, oldest first
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ExternalIdentity, error)
}

// AuditRepository persists the security audit trail. Entries are
// append-only.
type AuditRepository interface {
	// Insert appends an entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// ListByUser returns entries about or caused by userID, newest first
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Users              UserRepository
	ExternalIdentities ExternalIdentityRepository
	AuditLogs          AuditRepository
}
