package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"go.uber.org/zap"
)

// ExternalIdentityRepository implements repositories.ExternalIdentityRepository
type ExternalIdentityRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewExternalIdentityRepository creates a new external identity repository
func NewExternalIdentityRepository(db *DB, logger *zap.Logger) repositories.ExternalIdentityRepository {
	return &ExternalIdentityRepository{
		db:     db,
		logger: logger,
	}
}

// Create links an external account to a user
func (r *ExternalIdentityRepository) Create(ctx context.Context, identity *models.ExternalIdentity) error {
	query := `
		INSERT INTO external_identities (id, user_id, provider, provider_user_id, email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		identity.ID,
		identity.UserID,
		identity.Provider,
		identity.ProviderUserID,
		identity.Email,
		identity.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s identity %s: %w", identity.Provider, identity.ProviderUserID, repositories.ErrDuplicate)
		}
		return fmt.Errorf("failed to create external identity: %w", err)
	}

	r.logger.Debug("external identity linked",
		zap.String("user_id", identity.UserID.String()),
		zap.String("provider", identity.Provider))
	return nil
}

// GetByProviderID finds the link for a provider-scoped id
func (r *ExternalIdentityRepository) GetByProviderID(ctx context.Context, provider, providerUserID string) (*models.ExternalIdentity, error) {
	query := `
		SELECT id, user_id, provider, provider_user_id, email, created_at
		FROM external_identities
		WHERE provider = $1 AND provider_user_id = $2
	`

	identity := &models.ExternalIdentity{}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, provider, providerUserID).Scan(
		&identity.ID,
		&identity.UserID,
		&identity.Provider,
		&identity.ProviderUserID,
		&identity.Email,
		&identity.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s identity: %w", provider, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get external identity: %w", err)
	}
	return identity, nil
}

// ListByUser returns a user's links, oldest first
func (r *ExternalIdentityRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.ExternalIdentity, error) {
	query := `
		SELECT id, user_id, provider, provider_user_id, email, created_at
		FROM external_identities
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query external identities: %w", err)
	}
	defer rows.Close()

	var identities []*models.ExternalIdentity
	for rows.Next() {
		identity := &models.ExternalIdentity{}
		if err := rows.Scan(
			&identity.ID,
			&identity.UserID,
			&identity.Provider,
			&identity.ProviderUserID,
			&identity.Email,
			&identity.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan external identity: %w", err)
		}
		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating external identity rows: %w", err)
	}

	return identities, nil
}
