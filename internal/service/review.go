package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verification_pipeline/internal/engine"
	"verification_pipeline/internal/model"
	"verification_pipeline/internal/repository"
	"verification_pipeline/internal/storage"
)

// Review actions accepted by the decision endpoint.
const (
	ActionApprove   = "approve"
	ActionReject    = "reject"
	ActionRevoke    = "revoke"
	ActionReinstate = "reinstate"
)

// DocumentSummary describes a document without its storage key; keys are
// resolved to short-lived URLs only through DocumentURL.
type DocumentSummary struct {
	Type           string     `json:"type"`
	FileName       string     `json:"fileName"`
	UploadedAt     time.Time  `json:"uploadedAt"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
}

// Summary is the admin-facing record view.
type Summary struct {
	ID            string               `json:"id"`
	SubjectID     string               `json:"subjectId"`
	Kind          string               `json:"kind"`
	Tier          string               `json:"tier"`
	Status        string               `json:"status"`
	Documents     []DocumentSummary    `json:"documents"`
	AIVerdict     *model.Verdict       `json:"aiVerdict,omitempty"`
	AdminDecision model.AdminDecision  `json:"adminDecision"`
	StatusHistory []model.HistoryEntry `json:"statusHistory"`
	SubmittedAt   *time.Time           `json:"submittedAt,omitempty"`
	ExpiresAt     *time.Time           `json:"expiresAt,omitempty"`
}

type DecisionInput struct {
	VerificationID  string `json:"verificationId"`
	Action          string `json:"action"`
	Notes           string `json:"notes,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	PaymentRef      string `json:"paymentRef,omitempty"`
	// Actor is filled from the authenticated admin, never from the body.
	Actor string `json:"-"`
}

type ReviewService interface {
	ListByStatus(ctx context.Context, status string, limit int) ([]*Summary, error)
	// Decide validates the action against the record's current state (the
	// engine's guards) before applying it, and writes an audit entry.
	Decide(ctx context.Context, input DecisionInput) (*Summary, error)
	// DocumentURL resolves one document to a short-lived signed URL.
	DocumentURL(ctx context.Context, verificationID string, index int) (string, error)
}

type reviewService struct {
	repo   repository.VerificationRepository
	audit  repository.AuditRepository
	engine *engine.Engine
	store  storage.DocumentStore
	urlTTL time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewReviewService(
	repo repository.VerificationRepository,
	audit repository.AuditRepository,
	eng *engine.Engine,
	store storage.DocumentStore,
	urlTTL time.Duration,
	logger *zap.Logger,
) ReviewService {
	return &reviewService{
		repo:   repo,
		audit:  audit,
		engine: eng,
		store:  store,
		urlTTL: urlTTL,
		logger: logger,
		now:    time.Now,
	}
}

func (s *reviewService) ListByStatus(ctx context.Context, status string, limit int) ([]*Summary, error) {
	parsed, err := model.ParseStatus(status)
	if err != nil {
		return nil, invalidf("invalid status filter: %q", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	records, err := s.repo.ListByStatus(ctx, parsed, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]*Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, summarize(rec))
	}
	return summaries, nil
}

func (s *reviewService) Decide(ctx context.Context, input DecisionInput) (*Summary, error) {
	if input.VerificationID == "" {
		return nil, invalidf("verificationId is required")
	}
	switch input.Action {
	case ActionApprove, ActionReject, ActionRevoke, ActionReinstate:
	default:
		return nil, invalidf("unknown action: %q", input.Action)
	}
	if input.Action == ActionReject && input.RejectionReason == "" {
		// Reject-without-reason fails before any state mutation.
		return nil, invalidf("rejectionReason is required for reject")
	}

	rec, err := s.repo.GetByID(ctx, input.VerificationID)
	if err != nil {
		return nil, err
	}

	switch input.Action {
	case ActionApprove:
		err = s.engine.Approve(ctx, rec, input.Actor, input.Notes)
	case ActionReject:
		err = s.engine.Reject(ctx, rec, input.Actor, input.RejectionReason, input.Notes)
	case ActionRevoke:
		err = s.engine.Revoke(ctx, rec, input.Actor, input.Notes)
	case ActionReinstate:
		err = s.engine.Reinstate(ctx, rec, input.Actor, input.PaymentRef)
	}
	if err != nil {
		return nil, err
	}

	s.writeAudit(ctx, input, rec)
	return summarize(rec), nil
}

// writeAudit records the admin action. Audit failures are logged but do not
// undo an applied decision.
func (s *reviewService) writeAudit(ctx context.Context, input DecisionInput, rec *model.VerificationRecord) {
	reason := input.RejectionReason
	if reason == "" {
		reason = input.Notes
	}
	entry := &model.AuditLogEntry{
		ID:        uuid.New().String(),
		Actor:     input.Actor,
		Action:    "verification." + input.Action,
		Target:    rec.ID,
		Details:   fmt.Sprintf("status is now %s", rec.Status),
		Reason:    reason,
		Timestamp: s.now(),
	}
	if err := s.audit.Insert(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry", zap.Error(err),
			zap.String("action", entry.Action), zap.String("target", entry.Target))
	}
}

func (s *reviewService) DocumentURL(ctx context.Context, verificationID string, index int) (string, error) {
	rec, err := s.repo.GetByID(ctx, verificationID)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(rec.Documents) {
		return "", invalidf("document index %d out of range", index)
	}
	return s.store.PresignGet(ctx, rec.Documents[index].StorageKey, s.urlTTL)
}

func summarize(rec *model.VerificationRecord) *Summary {
	docs := make([]DocumentSummary, 0, len(rec.Documents))
	for _, d := range rec.Documents {
		docs = append(docs, DocumentSummary{
			Type:           string(d.Type),
			FileName:       d.FileName,
			UploadedAt:     d.UploadedAt,
			ExpirationDate: d.ExpirationDate,
		})
	}
	return &Summary{
		ID:            rec.ID,
		SubjectID:     rec.SubjectID,
		Kind:          string(rec.Kind),
		Tier:          string(rec.Tier),
		Status:        string(rec.Status),
		Documents:     docs,
		AIVerdict:     rec.AIVerdict,
		AdminDecision: rec.AdminDecision,
		StatusHistory: rec.StatusHistory,
		SubmittedAt:   rec.SubmittedAt,
		ExpiresAt:     rec.ExpiresAt,
	}
}
