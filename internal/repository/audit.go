package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"verification_pipeline/internal/model"
)

// AuditRepository is append-only: entries are inserted and read, never
// updated or deleted.
type AuditRepository interface {
	Insert(ctx context.Context, entry *model.AuditLogEntry) error
	ListByTarget(ctx context.Context, target string, limit int) ([]*model.AuditLogEntry, error)
}

type auditRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAuditRepository(db *pgxpool.Pool, logger *zap.Logger) AuditRepository {
	return &auditRepository{
		db:     db,
		logger: logger,
	}
}

func (r *auditRepository) Insert(ctx context.Context, entry *model.AuditLogEntry) error {
	query := `
		INSERT INTO audit_log (id, actor, action, target, details, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID, entry.Actor, entry.Action, entry.Target,
		entry.Details, entry.Reason, entry.Timestamp)
	if err != nil {
		r.logger.Error("failed to insert audit entry", zap.Error(err),
			zap.String("action", entry.Action), zap.String("target", entry.Target))
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) ListByTarget(ctx context.Context, target string, limit int) ([]*model.AuditLogEntry, error) {
	query := `
		SELECT id, actor, action, target, details, reason, created_at
		FROM audit_log
		WHERE target = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, target, limit)
	if err != nil {
		r.logger.Error("failed to list audit entries", zap.Error(err), zap.String("target", target))
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Details, &e.Reason, &ts); err != nil {
			r.logger.Error("failed to scan audit entry", zap.Error(err))
			continue
		}
		e.Timestamp = ts
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
