package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"verification_pipeline/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("verification record not found")
	// ErrVersionConflict is returned when a write loses an optimistic
	// concurrency race: another writer updated the record first. Callers
	// re-read and retry, or discard their write.
	ErrVersionConflict = errors.New("verification record was modified concurrently")
)

type VerificationRepository interface {
	Create(ctx context.Context, rec *model.VerificationRecord) error
	GetByID(ctx context.Context, id string) (*model.VerificationRecord, error)
	// Update persists the record with a version precondition. Exactly one of
	// two concurrent writers wins; the loser gets ErrVersionConflict and the
	// stored record is left as the winner wrote it.
	Update(ctx context.Context, rec *model.VerificationRecord) error
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.VerificationRecord, error)
	ListPendingAI(ctx context.Context, tier model.Tier, limit int) ([]*model.VerificationRecord, error)
	ListStuckPendingAI(ctx context.Context, cutoff time.Time, limit int) ([]*model.VerificationRecord, error)
	ListExpired(ctx context.Context, now time.Time) ([]*model.VerificationRecord, error)
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*model.VerificationRecord, error)
	// ExpireAndStripEntitlement writes the expired record and clears the
	// subject's verified visibility in a single transaction.
	ExpireAndStripEntitlement(ctx context.Context, rec *model.VerificationRecord) error
}

type verificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewVerificationRepository(db *pgxpool.Pool, logger *zap.Logger) VerificationRepository {
	return &verificationRepository{
		db:     db,
		logger: logger,
	}
}

const recordColumns = `id, subject_id, kind, tier, status, documents, ai_verdict,
	admin_decision, status_history, submitted_at, expires_at, reminders_sent,
	version, created_at, updated_at`

func (r *verificationRepository) Create(ctx context.Context, rec *model.VerificationRecord) error {
	documents, verdict, decision, history, reminders, err := marshalPayloads(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO verification_records
			(id, subject_id, kind, tier, status, documents, ai_verdict,
			 admin_decision, status_history, submitted_at, expires_at,
			 reminders_sent, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
	`

	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.SubjectID, rec.Kind, rec.Tier, rec.Status,
		documents, verdict, decision, history,
		rec.SubmittedAt, rec.ExpiresAt, reminders, rec.Version)
	if err != nil {
		r.logger.Error("failed to create verification record", zap.Error(err), zap.String("id", rec.ID))
		return fmt.Errorf("failed to create verification record: %w", err)
	}
	return nil
}

func (r *verificationRepository) GetByID(ctx context.Context, id string) (*model.VerificationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM verification_records WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("failed to get verification record", zap.Error(err), zap.String("id", id))
		return nil, fmt.Errorf("failed to get verification record: %w", err)
	}
	return rec, nil
}

func (r *verificationRepository) Update(ctx context.Context, rec *model.VerificationRecord) error {
	documents, verdict, decision, history, reminders, err := marshalPayloads(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE verification_records
		SET status = $1, documents = $2, ai_verdict = $3, admin_decision = $4,
			status_history = $5, submitted_at = $6, expires_at = $7,
			reminders_sent = $8, version = version + 1, updated_at = now()
		WHERE id = $9 AND version = $10
	`

	tag, err := r.db.Exec(ctx, query,
		rec.Status, documents, verdict, decision, history,
		rec.SubmittedAt, rec.ExpiresAt, reminders,
		rec.ID, rec.Version)
	if err != nil {
		r.logger.Error("failed to update verification record", zap.Error(err), zap.String("id", rec.ID))
		return fmt.Errorf("failed to update verification record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	rec.Version++
	return nil
}

func (r *verificationRepository) ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.VerificationRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM verification_records
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`

	return r.list(ctx, query, status, limit)
}

func (r *verificationRepository) ListPendingAI(ctx context.Context, tier model.Tier, limit int) ([]*model.VerificationRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM verification_records
		WHERE status = $1 AND tier = $2
		ORDER BY submitted_at ASC
		LIMIT $3`

	return r.list(ctx, query, model.StatusPendingAI, tier, limit)
}

func (r *verificationRepository) ListStuckPendingAI(ctx context.Context, cutoff time.Time, limit int) ([]*model.VerificationRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM verification_records
		WHERE status = $1 AND submitted_at <= $2
		ORDER BY submitted_at ASC
		LIMIT $3`

	return r.list(ctx, query, model.StatusPendingAI, cutoff, limit)
}

func (r *verificationRepository) ListExpired(ctx context.Context, now time.Time) ([]*model.VerificationRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM verification_records
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at ASC`

	return r.list(ctx, query, model.StatusActive, now)
}

func (r *verificationRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*model.VerificationRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM verification_records
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at > $2 AND expires_at <= $3
		ORDER BY expires_at ASC`

	return r.list(ctx, query, model.StatusActive, from, to)
}

func (r *verificationRepository) ExpireAndStripEntitlement(ctx context.Context, rec *model.VerificationRecord) error {
	documents, verdict, decision, history, reminders, err := marshalPayloads(rec)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin expire transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE verification_records
		SET status = $1, documents = $2, ai_verdict = $3, admin_decision = $4,
			status_history = $5, submitted_at = $6, expires_at = $7,
			reminders_sent = $8, version = version + 1, updated_at = now()
		WHERE id = $9 AND version = $10
	`

	tag, err := tx.Exec(ctx, query,
		rec.Status, documents, verdict, decision, history,
		rec.SubmittedAt, rec.ExpiresAt, reminders,
		rec.ID, rec.Version)
	if err != nil {
		return fmt.Errorf("failed to expire verification record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	_, err = tx.Exec(ctx,
		`UPDATE subjects SET verified_visible = false, updated_at = now() WHERE id = $1`,
		rec.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to strip verified entitlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit expire transaction: %w", err)
	}
	rec.Version++
	return nil
}

func (r *verificationRepository) list(ctx context.Context, query string, args ...any) ([]*model.VerificationRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to list verification records", zap.Error(err))
		return nil, fmt.Errorf("failed to list verification records: %w", err)
	}
	defer rows.Close()

	var records []*model.VerificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			r.logger.Error("failed to scan verification record", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.VerificationRecord, error) {
	var (
		rec       model.VerificationRecord
		documents []byte
		verdict   []byte
		decision  []byte
		history   []byte
		reminders []byte
	)

	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.Kind, &rec.Tier, &rec.Status,
		&documents, &verdict, &decision, &history,
		&rec.SubmittedAt, &rec.ExpiresAt, &reminders,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(documents, &rec.Documents); err != nil {
		return nil, fmt.Errorf("failed to decode documents: %w", err)
	}
	if len(verdict) > 0 && string(verdict) != "null" {
		rec.AIVerdict = &model.Verdict{}
		if err := json.Unmarshal(verdict, rec.AIVerdict); err != nil {
			return nil, fmt.Errorf("failed to decode ai verdict: %w", err)
		}
	}
	if err := json.Unmarshal(decision, &rec.AdminDecision); err != nil {
		return nil, fmt.Errorf("failed to decode admin decision: %w", err)
	}
	if err := json.Unmarshal(history, &rec.StatusHistory); err != nil {
		return nil, fmt.Errorf("failed to decode status history: %w", err)
	}
	if err := json.Unmarshal(reminders, &rec.RemindersSent); err != nil {
		return nil, fmt.Errorf("failed to decode reminders: %w", err)
	}
	return &rec, nil
}

func marshalPayloads(rec *model.VerificationRecord) (documents, verdict, decision, history, reminders []byte, err error) {
	fail := func(what string, err error) ([]byte, []byte, []byte, []byte, []byte, error) {
		return nil, nil, nil, nil, nil, fmt.Errorf("failed to encode %s: %w", what, err)
	}

	if documents, err = json.Marshal(rec.Documents); err != nil {
		return fail("documents", err)
	}
	verdict = []byte("null")
	if rec.AIVerdict != nil {
		if verdict, err = json.Marshal(rec.AIVerdict); err != nil {
			return fail("ai verdict", err)
		}
	}
	if decision, err = json.Marshal(rec.AdminDecision); err != nil {
		return fail("admin decision", err)
	}
	if history, err = json.Marshal(rec.StatusHistory); err != nil {
		return fail("status history", err)
	}
	if reminders, err = json.Marshal(rec.RemindersSent); err != nil {
		return fail("reminders", err)
	}
	return documents, verdict, decision, history, reminders, nil
}
