package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"go.uber.org/zap"
)

const userColumns = `id, email, display_name, role, role_source, active, email_verified, password_hash,
	mfa_enabled, mfa_secret, mfa_pending_secret, mfa_backup_codes, mfa_last_step,
	last_synced_at, last_login_at, last_login_ip, created_at, updated_at`

// UserRepository implements the repositories.UserRepository interface
type UserRepository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB, logger *zap.Logger) repositories.UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	var codes pq.StringArray
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.Role,
		&user.RoleSource,
		&user.Active,
		&user.EmailVerified,
		&user.PasswordHash,
		&user.MFAEnabled,
		&user.MFASecret,
		&user.MFAPendingSecret,
		&codes,
		&user.MFALastStep,
		&user.LastSyncedAt,
		&user.LastLoginAt,
		&user.LastLoginIP,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.MFABackupCodes = []string(codes)
	return user, nil
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	codes := user.MFABackupCodes
	if codes == nil {
		codes = []string{}
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.DisplayName,
		user.Role,
		user.RoleSource,
		user.Active,
		user.EmailVerified,
		user.PasswordHash,
		user.MFAEnabled,
		user.MFASecret,
		user.MFAPendingSecret,
		pq.Array(codes),
		user.MFALastStep,
		user.LastSyncedAt,
		user.LastLoginAt,
		user.LastLoginIP,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email %s: %w", user.Email, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	r.logger.Debug("user created", zap.String("user_id", user.ID.String()))
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email, ignoring case
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`

	user, err := scanUser(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user with email: %w", repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateRole sets the role and records who set it
func (r *UserRepository) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role, source models.RoleSource) error {
	query := `UPDATE users SET role = $2, role_source = $3, updated_at = $4 WHERE id = $1`
	return r.execOne(ctx, "update role", query, repositories.ErrNotFound, id, role, source, r.now())
}

// SetActive flips the active flag
func (r *UserRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	query := `UPDATE users SET active = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, "set active", query, repositories.ErrNotFound, id, active, r.now())
}

// RecordLogin stores the last login time and address
func (r *UserRepository) RecordLogin(ctx context.Context, id uuid.UUID, ip string) error {
	query := `UPDATE users SET last_login_at = $2, last_login_ip = $3 WHERE id = $1`
	var addr *string
	if ip != "" {
		addr = &ip
	}
	return r.execOne(ctx, "record login", query, repositories.ErrNotFound, id, r.now(), addr)
}

// ApplyProfileSync writes externally sourced fields. The role is only
// replaced while the stored role_source is still PROVIDER, so an
// administrator's concurrent local change is never overwritten by a sync
// computed from an older read.
func (r *UserRepository) ApplyProfileSync(ctx context.Context, id uuid.UUID, sync models.ProfileSync) error {
	query := `
		UPDATE users
		SET email = $2,
		    display_name = $3,
		    email_verified = $4,
		    role = CASE WHEN role_source = 'PROVIDER' THEN $5 ELSE role END,
		    last_synced_at = $6,
		    updated_at = $6
		WHERE id = $1
	`
	err := r.execOne(ctx, "apply profile sync", query, repositories.ErrNotFound,
		id, sync.Email, sync.DisplayName, sync.EmailVerified, sync.Role, sync.SyncedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("synced email conflicts with another account: %w", repositories.ErrDuplicate)
	}
	return err
}

// BeginMFASetup stores a pending TOTP secret while MFA is not enabled
func (r *UserRepository) BeginMFASetup(ctx context.Context, id uuid.UUID, pendingSecret string) error {
	query := `UPDATE users SET mfa_pending_secret = $2, updated_at = $3 WHERE id = $1 AND mfa_enabled = false`
	return r.execOne(ctx, "begin mfa setup", query, repositories.ErrConditionFailed, id, pendingSecret, r.now())
}

// CompleteMFAEnrollment moves PENDING_SETUP to ENABLED in one statement
func (r *UserRepository) CompleteMFAEnrollment(ctx context.Context, id uuid.UUID, pendingSecret string, backupCodeHashes []string, step int64) error {
	query := `
		UPDATE users
		SET mfa_enabled = true,
		    mfa_secret = mfa_pending_secret,
		    mfa_pending_secret = NULL,
		    mfa_backup_codes = $3,
		    mfa_last_step = $4,
		    updated_at = $5
		WHERE id = $1 AND mfa_enabled = false AND mfa_pending_secret = $2
	`
	return r.execOne(ctx, "complete mfa enrollment", query, repositories.ErrConditionFailed,
		id, pendingSecret, pq.Array(backupCodeHashes), step, r.now())
}

// DisableMFA clears all MFA material
func (r *UserRepository) DisableMFA(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET mfa_enabled = false,
		    mfa_secret = NULL,
		    mfa_pending_secret = NULL,
		    mfa_backup_codes = '{}',
		    mfa_last_step = 0,
		    updated_at = $2
		WHERE id = $1
	`
	return r.execOne(ctx, "disable mfa", query, repositories.ErrNotFound, id, r.now())
}

// ReplaceBackupCodes swaps the backup code set while MFA is enabled
func (r *UserRepository) ReplaceBackupCodes(ctx context.Context, id uuid.UUID, backupCodeHashes []string) error {
	query := `UPDATE users SET mfa_backup_codes = $2, updated_at = $3 WHERE id = $1 AND mfa_enabled = true`
	return r.execOne(ctx, "replace backup codes", query, repositories.ErrConditionFailed,
		id, pq.Array(backupCodeHashes), r.now())
}

// ConsumeBackupCode removes one code hash, keyed on its presence, so two
// concurrent requests presenting the same code cannot both succeed
func (r *UserRepository) ConsumeBackupCode(ctx context.Context, id uuid.UUID, codeHash string) error {
	query := `
		UPDATE users
		SET mfa_backup_codes = array_remove(mfa_backup_codes, $2),
		    updated_at = $3
		WHERE id = $1 AND mfa_enabled = true AND $2 = ANY(mfa_backup_codes)
	`
	return r.execOne(ctx, "consume backup code", query, repositories.ErrConditionFailed, id, codeHash, r.now())
}

// AdvanceTOTPStep accepts a TOTP time step at most once
func (r *UserRepository) AdvanceTOTPStep(ctx context.Context, id uuid.UUID, step int64) error {
	query := `UPDATE users SET mfa_last_step = $2 WHERE id = $1 AND mfa_enabled = true AND mfa_last_step < $2`
	return r.execOne(ctx, "advance totp step", query, repositories.ErrConditionFailed, id, step)
}

// execOne runs a single-row statement and maps zero affected rows to noRows
func (r *UserRepository) execOne(ctx context.Context, op, query string, noRows error, args ...interface{}) error {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, noRows)
	}

	r.logger.Debug("user updated", zap.String("op", op))
	return nil
}
