package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/repositories"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			id, user_id, actor_id, action, success, details,
			ip_address, user_agent, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var details interface{}
	if len(log.Details) > 0 {
		details = []byte(log.Details)
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		log.ID,
		log.UserID,
		log.ActorID,
		string(log.Action),
		log.Success,
		details,
		log.IPAddress,
		log.UserAgent,
		log.RequestID,
		log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// ListByUser retrieves entries about or caused by a user
func (r *AuditRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, user_id, actor_id, action, success, details,
		       ip_address, user_agent, request_id, created_at
		FROM audit_logs
		WHERE user_id = $1 OR actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0, limit)
	for rows.Next() {
		var (
			entry   models.AuditLog
			subject uuid.NullUUID
			actor   uuid.NullUUID
			action  string
			details []byte
		)
		err := rows.Scan(
			&entry.ID,
			&subject,
			&actor,
			&action,
			&entry.Success,
			&details,
			&entry.IPAddress,
			&entry.UserAgent,
			&entry.RequestID,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if subject.Valid {
			entry.UserID = &subject.UUID
		}
		if actor.Valid {
			entry.ActorID = &actor.UUID
		}
		entry.Action = models.AuditAction(action)
		if len(details) > 0 {
			entry.Details = details
		}
		logs = append(logs, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}
