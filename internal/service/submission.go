package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verification_pipeline/internal/analyzer"
	"verification_pipeline/internal/engine"
	"verification_pipeline/internal/model"
	"verification_pipeline/internal/repository"
	"verification_pipeline/internal/storage"
)

type DocumentInput struct {
	Type           string     `json:"type"`
	StorageKey     string     `json:"storageKey"`
	FileName       string     `json:"fileName"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
}

type SubmissionInput struct {
	SubjectID string          `json:"subjectId"`
	Kind      string          `json:"kind"`
	Tier      string          `json:"tier"`
	Documents []DocumentInput `json:"documents"`
}

// StatusView is what a subject sees: human-readable status plus the
// admin-supplied rejection reason. Raw analyzer output, storage keys and
// internal errors never appear here.
type StatusView struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Tier            string     `json:"tier"`
	Status          string     `json:"status"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

type SubmissionService interface {
	// CreateAndSubmit creates a verification record from a complete document
	// set and submits it. Priority-tier records are analyzed synchronously
	// and land in pending-admin before the call returns.
	CreateAndSubmit(ctx context.Context, input SubmissionInput) (*StatusView, error)
	GetStatus(ctx context.Context, id, requesterID string, isAdmin bool) (*StatusView, error)
}

type submissionService struct {
	repo     repository.VerificationRepository
	subjects repository.SubjectRepository
	engine   *engine.Engine
	analyzer analyzer.Analyzer
	store    storage.DocumentStore
	urlTTL   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewSubmissionService(
	repo repository.VerificationRepository,
	subjects repository.SubjectRepository,
	eng *engine.Engine,
	an analyzer.Analyzer,
	store storage.DocumentStore,
	urlTTL time.Duration,
	logger *zap.Logger,
) SubmissionService {
	return &submissionService{
		repo:     repo,
		subjects: subjects,
		engine:   eng,
		analyzer: an,
		store:    store,
		urlTTL:   urlTTL,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *submissionService) CreateAndSubmit(ctx context.Context, input SubmissionInput) (*StatusView, error) {
	if input.SubjectID == "" {
		return nil, invalidf("subjectId is required")
	}
	kind, err := model.ParseKind(input.Kind)
	if err != nil {
		return nil, invalidf("invalid kind: %q", input.Kind)
	}
	tier, err := model.ParseTier(input.Tier)
	if err != nil {
		return nil, invalidf("invalid tier: %q", input.Tier)
	}
	if len(input.Documents) == 0 {
		return nil, invalidf("at least one document is required")
	}

	now := s.now()
	rec := &model.VerificationRecord{
		ID:        uuid.New().String(),
		SubjectID: input.SubjectID,
		Kind:      kind,
		Tier:      tier,
		Status:    model.StatusDraft,
	}
	for _, d := range input.Documents {
		if d.StorageKey == "" || d.FileName == "" {
			return nil, invalidf("each document needs a storageKey and fileName")
		}
		rec.Documents = append(rec.Documents, model.Document{
			Type:           model.DocumentType(d.Type),
			StorageKey:     d.StorageKey,
			FileName:       d.FileName,
			UploadedAt:     now,
			ExpirationDate: d.ExpirationDate,
		})
	}
	if !rec.HasRequiredDocuments() {
		return nil, invalidf("submission requires at least one identity and one credential document")
	}

	if _, err := s.subjects.GetByID(ctx, input.SubjectID); err != nil {
		return nil, fmt.Errorf("failed to resolve subject: %w", err)
	}

	rec.AppendHistory(model.StatusDraft, now, "record created")
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	if err := s.engine.Submit(ctx, rec); err != nil {
		return nil, err
	}

	if tier == model.TierPriority {
		s.analyzeSynchronously(ctx, rec)
	}

	s.logger.Info("verification created",
		zap.String("verification_id", rec.ID),
		zap.String("subject_id", rec.SubjectID),
		zap.String("tier", string(tier)))
	return statusView(rec), nil
}

// analyzeSynchronously runs the priority fast lane. Failures are not fatal:
// the record stays pending-ai and the hourly job's hard ceiling guarantees it
// eventually reaches human review.
func (s *submissionService) analyzeSynchronously(ctx context.Context, rec *model.VerificationRecord) {
	req, err := s.buildAnalyzerRequest(ctx, rec)
	if err != nil {
		s.logger.Warn("priority analysis skipped, record left for batch processing",
			zap.Error(err), zap.String("verification_id", rec.ID))
		return
	}

	verdict := s.analyzer.Analyze(ctx, req)
	if err := s.engine.AttachVerdict(ctx, rec, verdict, "ai analysis completed (priority, synchronous)"); err != nil {
		s.logger.Warn("priority verdict not attached, record left for batch processing",
			zap.Error(err), zap.String("verification_id", rec.ID))
	}
}

func (s *submissionService) buildAnalyzerRequest(ctx context.Context, rec *model.VerificationRecord) (analyzer.Request, error) {
	subject, err := s.subjects.GetByID(ctx, rec.SubjectID)
	if err != nil {
		return analyzer.Request{}, fmt.Errorf("failed to load subject: %w", err)
	}

	req := analyzer.Request{
		SubjectName:  subject.Name,
		SubjectEmail: subject.Email,
		Kind:         rec.Kind,
	}
	for _, d := range rec.Documents {
		url, err := s.store.PresignGet(ctx, d.StorageKey, s.urlTTL)
		if err != nil {
			return analyzer.Request{}, fmt.Errorf("failed to resolve document %s: %w", d.FileName, err)
		}
		req.Documents = append(req.Documents, analyzer.DocumentRef{
			Type:     d.Type,
			FileName: d.FileName,
			URL:      url,
		})
	}
	return req, nil
}

func (s *submissionService) GetStatus(ctx context.Context, id, requesterID string, isAdmin bool) (*StatusView, error) {
	if id == "" {
		return nil, invalidf("verification id is required")
	}

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && rec.SubjectID != requesterID {
		return nil, ErrNotAuthorized
	}
	return statusView(rec), nil
}

func statusView(rec *model.VerificationRecord) *StatusView {
	return &StatusView{
		ID:              rec.ID,
		Kind:            string(rec.Kind),
		Tier:            string(rec.Tier),
		Status:          string(rec.Status),
		RejectionReason: rec.AdminDecision.RejectionReason,
		SubmittedAt:     rec.SubmittedAt,
		ExpiresAt:       rec.ExpiresAt,
	}
}
