package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"verification_pipeline/internal/model"
)

// ErrSubjectNotFound is returned when no subject exists for the given id.
var ErrSubjectNotFound = errors.New("subject not found")

type SubjectRepository interface {
	GetByID(ctx context.Context, id string) (*model.Subject, error)
	Create(ctx context.Context, subject *model.Subject) error
	SetVerifiedVisible(ctx context.Context, id string, visible bool) error
}

type subjectRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewSubjectRepository(db *pgxpool.Pool, logger *zap.Logger) SubjectRepository {
	return &subjectRepository{
		db:     db,
		logger: logger,
	}
}

func (r *subjectRepository) GetByID(ctx context.Context, id string) (*model.Subject, error) {
	query := `SELECT id, name, email, verified_visible FROM subjects WHERE id = $1`

	var s model.Subject
	err := r.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.Email, &s.VerifiedVisible)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		r.logger.Error("failed to get subject", zap.Error(err), zap.String("id", id))
		return nil, fmt.Errorf("failed to get subject: %w", err)
	}
	return &s, nil
}

func (r *subjectRepository) Create(ctx context.Context, subject *model.Subject) error {
	query := `
		INSERT INTO subjects (id, name, email, verified_visible, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`

	_, err := r.db.Exec(ctx, query, subject.ID, subject.Name, subject.Email, subject.VerifiedVisible)
	if err != nil {
		r.logger.Error("failed to create subject", zap.Error(err), zap.String("id", subject.ID))
		return fmt.Errorf("failed to create subject: %w", err)
	}
	return nil
}

func (r *subjectRepository) SetVerifiedVisible(ctx context.Context, id string, visible bool) error {
	query := `UPDATE subjects SET verified_visible = $1, updated_at = now() WHERE id = $2`

	tag, err := r.db.Exec(ctx, query, visible, id)
	if err != nil {
		r.logger.Error("failed to set verified visibility", zap.Error(err), zap.String("id", id))
		return fmt.Errorf("failed to set verified visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubjectNotFound
	}
	return nil
}
