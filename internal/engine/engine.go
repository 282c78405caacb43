// Package engine owns the verification record lifecycle. It is the only
// writer of Status anywhere in the codebase: every transition goes through a
// guard check here, appends exactly one history entry, and is persisted with
// the repository's version precondition so concurrent writers cannot corrupt
// a record.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"verification_pipeline/internal/messaging"
	"verification_pipeline/internal/model"
	"verification_pipeline/internal/repository"
)

// activePeriod is how long an approval is valid.
const activePeriod = 365 * 24 * time.Hour

type Engine struct {
	repo     repository.VerificationRepository
	subjects repository.SubjectRepository
	notifier messaging.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo repository.VerificationRepository, subjects repository.SubjectRepository, notifier messaging.Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		repo:     repo,
		subjects: subjects,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (e *Engine) guard(rec *model.VerificationRecord, next model.Status) error {
	if !rec.Status.CanTransitionTo(next) {
		return &TransitionError{From: rec.Status, To: next}
	}
	return nil
}

// Submit moves a draft record to pending-ai once the document set is
// complete. Sets SubmittedAt, which anchors all SLA computations.
func (e *Engine) Submit(ctx context.Context, rec *model.VerificationRecord) error {
	if err := e.guard(rec, model.StatusPendingAI); err != nil {
		return err
	}
	if !rec.HasRequiredDocuments() {
		return ErrDocumentSetIncomplete
	}

	now := e.now()
	rec.Status = model.StatusPendingAI
	rec.SubmittedAt = &now
	rec.AppendHistory(model.StatusPendingAI, now, "documents submitted")

	if err := e.repo.Update(ctx, rec); err != nil {
		return err
	}

	e.logger.Info("verification submitted",
		zap.String("verification_id", rec.ID),
		zap.String("tier", string(rec.Tier)))
	return nil
}

// AttachVerdict stores the analyzer's verdict and moves the record to
// pending-admin. reason ends up in the history entry; the scheduler uses it
// to record SLA breaches and forced escalations.
func (e *Engine) AttachVerdict(ctx context.Context, rec *model.VerificationRecord, verdict model.Verdict, reason string) error {
	if err := e.guard(rec, model.StatusPendingAdmin); err != nil {
		return err
	}
	if verdict.Status == "" {
		return ErrVerdictRequired
	}

	now := e.now()
	rec.AIVerdict = &verdict
	rec.Status = model.StatusPendingAdmin
	rec.AppendHistory(model.StatusPendingAdmin, now, reason)

	if err := e.repo.Update(ctx, rec); err != nil {
		return err
	}

	e.logger.Info("verdict attached",
		zap.String("verification_id", rec.ID),
		zap.String("verdict", string(verdict.Status)),
		zap.Int("confidence", verdict.Confidence))
	return nil
}

// Approve activates a pending-admin record for the standard validity period
// and grants the subject's verified visibility.
func (e *Engine) Approve(ctx context.Context, rec *model.VerificationRecord, decidedBy, notes string) error {
	if err := e.guard(rec, model.StatusActive); err != nil {
		return err
	}

	now := e.now()
	expiresAt := now.Add(activePeriod)
	rec.Status = model.StatusActive
	rec.ExpiresAt = &expiresAt
	rec.AdminDecision = model.AdminDecision{
		DecidedBy: decidedBy,
		DecidedAt: &now,
		Notes:     notes,
	}
	rec.AppendHistory(model.StatusActive, now, fmt.Sprintf("approved by %s", decidedBy))

	if err := e.repo.Update(ctx, rec); err != nil {
		return err
	}

	if err := e.subjects.SetVerifiedVisible(ctx, rec.SubjectID, true); err != nil {
		return fmt.Errorf("record approved but entitlement grant failed: %w", err)
	}

	e.notifyDecision(ctx, rec, "")
	e.logger.Info("verification approved",
		zap.String("verification_id", rec.ID),
		zap.String("decided_by", decidedBy))
	return nil
}

// Reject terminates a pending-admin record. The reason is mandatory and is
// the only part of the decision the subject ever sees.
func (e *Engine) Reject(ctx context.Context, rec *model.VerificationRecord, decidedBy, reason, notes string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrRejectionReasonRequired
	}
	if err := e.guard(rec, model.StatusRejected); err != nil {
		return err
	}

	now := e.now()
	rec.Status = model.StatusRejected
	rec.AdminDecision = model.AdminDecision{
		DecidedBy:       decidedBy,
		DecidedAt:       &now,
		Notes:           notes,
		RejectionReason: reason,
	}
	rec.AppendHistory(model.StatusRejected, now, fmt.Sprintf("rejected by %s: %s", decidedBy, reason))

	if err := e.repo.Update(ctx, rec); err != nil {
		return err
	}

	e.notifyDecision(ctx, rec, reason)
	e.logger.Info("verification rejected",
		zap.String("verification_id", rec.ID),
		zap.String("decided_by", decidedBy))
	return nil
}

// Revoke pulls an active verification. The minimal contract does not require
// a reason, but one should be supplied for the log.
func (e *Engine) Revoke(ctx context.Context, rec *model.VerificationRecord, decidedBy, reason string) error {
	if err := e.guard(rec, model.StatusRevoked); err != nil {
		return err
	}

	now := e.now()
	historyReason := fmt.Sprintf("revoked by %s", decidedBy)
	if strings.TrimSpace(reason) != "" {
		historyReason = fmt.Sprintf("revoked by %s: %s", decidedBy, reason)
	}
	rec.Status = model.StatusRevoked
	rec.AdminDecision = model.AdminDecision{
		DecidedBy: decidedBy,
		DecidedAt: &now,
		Notes:     reason,
	}
	rec.AppendHistory(model.StatusRevoked, now, historyReason)

	if err := e.repo.Update(ctx, rec); err != nil {
		return err
	}

	if err := e.subjects.SetVerifiedVisible(ctx, rec.SubjectID, false); err != nil {
		return fmt.Errorf("record revoked but entitlement strip failed: %w", err)
	}

	e.notifyDecision(ctx, rec, reason)
	e.logger.Info("verification revoked",
		zap.String("verification_id", rec.ID),
		zap.String("decided_by", decidedBy))
	return nil
}

// Reinstate returns a revoked or expired record to the review queue.
// paymentRef is the upstream billing event id; it is recorded but not
// verified here.
func (e *Engine) Reinstate(ctx context.Context, rec *model.VerificationRecord, decidedBy, paymentRef string) error {
	if strings.TrimSpace(paymentRef) == "" {
		return ErrPaymentRefRequired
	}
	if err := e.guard(rec, model.StatusPendingAdmin); err != nil {
		return err
	}

	now := e.now()
	rec.Status = model.StatusPendingAdmin
	rec.AppendHistory(model.StatusPendingAdmin, now,
		fmt.Sprintf("reinstated by %s for review (payment %s)", decidedBy, paymentRef))

	if err := e.repo.Update(ctx, rec); err != nil {
		return err
	}

	e.logger.Info("verification reinstated for review",
		zap.String("verification_id", rec.ID),
		zap.String("decided_by", decidedBy))
	return nil
}

// Expire moves an overdue active record to expired and strips the subject's
// verified visibility in the same transaction. Scheduler-only.
func (e *Engine) Expire(ctx context.Context, rec *model.VerificationRecord) error {
	if err := e.guard(rec, model.StatusExpired); err != nil {
		return err
	}

	now := e.now()
	if rec.ExpiresAt == nil || rec.ExpiresAt.After(now) {
		return ErrNotYetExpired
	}

	rec.Status = model.StatusExpired
	rec.AppendHistory(model.StatusExpired, now, "verification period ended")

	if err := e.repo.ExpireAndStripEntitlement(ctx, rec); err != nil {
		return err
	}

	if err := e.notifier.NotifyExpired(ctx, messaging.ExpiredNotification{
		VerificationID: rec.ID,
		SubjectID:      rec.SubjectID,
		ExpiredAt:      now,
	}); err != nil {
		e.logger.Warn("failed to send expiry notification", zap.Error(err),
			zap.String("verification_id", rec.ID))
	}

	e.logger.Info("verification expired", zap.String("verification_id", rec.ID))
	return nil
}

// notifyDecision is best-effort: a failed send never undoes a decision.
func (e *Engine) notifyDecision(ctx context.Context, rec *model.VerificationRecord, reason string) {
	err := e.notifier.NotifyDecision(ctx, messaging.DecisionNotification{
		VerificationID: rec.ID,
		SubjectID:      rec.SubjectID,
		Status:         string(rec.Status),
		Reason:         reason,
		ExpiresAt:      rec.ExpiresAt,
	})
	if err != nil {
		e.logger.Warn("failed to send decision notification", zap.Error(err),
			zap.String("verification_id", rec.ID))
	}
}
