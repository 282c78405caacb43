package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"verification_pipeline/internal/messaging"
	"verification_pipeline/internal/model"
	"verification_pipeline/internal/repository"
)

type mockVerificationRepo struct {
	createFunc              func(ctx context.Context, rec *model.VerificationRecord) error
	getByIDFunc             func(ctx context.Context, id string) (*model.VerificationRecord, error)
	updateFunc              func(ctx context.Context, rec *model.VerificationRecord) error
	listByStatusFunc        func(ctx context.Context, status model.Status, limit int) ([]*model.VerificationRecord, error)
	listPendingAIFunc       func(ctx context.Context, tier model.Tier, limit int) ([]*model.VerificationRecord, error)
	listStuckPendingAIFunc  func(ctx context.Context, cutoff time.Time, limit int) ([]*model.VerificationRecord, error)
	listExpiredFunc         func(ctx context.Context, now time.Time) ([]*model.VerificationRecord, error)
	listExpiringBetweenFunc func(ctx context.Context, from, to time.Time) ([]*model.VerificationRecord, error)
	expireFunc              func(ctx context.Context, rec *model.VerificationRecord) error

	updateCalls int
	expireCalls int
}

func (m *mockVerificationRepo) Create(ctx context.Context, rec *model.VerificationRecord) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, rec)
	}
	return nil
}

func (m *mockVerificationRepo) GetByID(ctx context.Context, id string) (*model.VerificationRecord, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, repository.ErrNotFound
}

func (m *mockVerificationRepo) Update(ctx context.Context, rec *model.VerificationRecord) error {
	m.updateCalls++
	if m.updateFunc != nil {
		return m.updateFunc(ctx, rec)
	}
	return nil
}

func (m *mockVerificationRepo) ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.VerificationRecord, error) {
	if m.listByStatusFunc != nil {
		return m.listByStatusFunc(ctx, status, limit)
	}
	return nil, nil
}

func (m *mockVerificationRepo) ListPendingAI(ctx context.Context, tier model.Tier, limit int) ([]*model.VerificationRecord, error) {
	if m.listPendingAIFunc != nil {
		return m.listPendingAIFunc(ctx, tier, limit)
	}
	return nil, nil
}

func (m *mockVerificationRepo) ListStuckPendingAI(ctx context.Context, cutoff time.Time, limit int) ([]*model.VerificationRecord, error) {
	if m.listStuckPendingAIFunc != nil {
		return m.listStuckPendingAIFunc(ctx, cutoff, limit)
	}
	return nil, nil
}

func (m *mockVerificationRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.VerificationRecord, error) {
	if m.listExpiredFunc != nil {
		return m.listExpiredFunc(ctx, now)
	}
	return nil, nil
}

func (m *mockVerificationRepo) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*model.VerificationRecord, error) {
	if m.listExpiringBetweenFunc != nil {
		return m.listExpiringBetweenFunc(ctx, from, to)
	}
	return nil, nil
}

func (m *mockVerificationRepo) ExpireAndStripEntitlement(ctx context.Context, rec *model.VerificationRecord) error {
	m.expireCalls++
	if m.expireFunc != nil {
		return m.expireFunc(ctx, rec)
	}
	return nil
}

type mockSubjectRepo struct {
	getByIDFunc            func(ctx context.Context, id string) (*model.Subject, error)
	setVerifiedVisibleFunc func(ctx context.Context, id string, visible bool) error
}

func (m *mockSubjectRepo) GetByID(ctx context.Context, id string) (*model.Subject, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return &model.Subject{ID: id, Name: "Subject", Email: "subject@example.com"}, nil
}

func (m *mockSubjectRepo) Create(ctx context.Context, subject *model.Subject) error {
	return nil
}

func (m *mockSubjectRepo) SetVerifiedVisible(ctx context.Context, id string, visible bool) error {
	if m.setVerifiedVisibleFunc != nil {
		return m.setVerifiedVisibleFunc(ctx, id, visible)
	}
	return nil
}

type mockNotifier struct {
	decisionFunc func(ctx context.Context, msg messaging.DecisionNotification) error
	reminderFunc func(ctx context.Context, msg messaging.ReminderNotification) error
	expiredFunc  func(ctx context.Context, msg messaging.ExpiredNotification) error

	decisions []messaging.DecisionNotification
	reminders []messaging.ReminderNotification
	expired   []messaging.ExpiredNotification
}

func (m *mockNotifier) NotifyDecision(ctx context.Context, msg messaging.DecisionNotification) error {
	m.decisions = append(m.decisions, msg)
	if m.decisionFunc != nil {
		return m.decisionFunc(ctx, msg)
	}
	return nil
}

func (m *mockNotifier) NotifyReminder(ctx context.Context, msg messaging.ReminderNotification) error {
	m.reminders = append(m.reminders, msg)
	if m.reminderFunc != nil {
		return m.reminderFunc(ctx, msg)
	}
	return nil
}

func (m *mockNotifier) NotifyExpired(ctx context.Context, msg messaging.ExpiredNotification) error {
	m.expired = append(m.expired, msg)
	if m.expiredFunc != nil {
		return m.expiredFunc(ctx, msg)
	}
	return nil
}

func (m *mockNotifier) Close() {}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, repo *mockVerificationRepo, subjects *mockSubjectRepo, notifier *mockNotifier) *Engine {
	t.Helper()
	e := New(repo, subjects, notifier, zaptest.NewLogger(t))
	e.now = func() time.Time { return fixedNow }
	return e
}

func completeDraft() *model.VerificationRecord {
	return &model.VerificationRecord{
		ID:        "rec-1",
		SubjectID: "subj-1",
		Kind:      model.KindSeller,
		Tier:      model.TierStandard,
		Status:    model.StatusDraft,
		Documents: []model.Document{
			{Type: model.DocumentIdentity, StorageKey: "docs/id.jpg", FileName: "id.jpg"},
			{Type: model.DocumentBusinessLicense, StorageKey: "docs/license.pdf", FileName: "license.pdf"},
		},
		StatusHistory: []model.HistoryEntry{
			{Status: model.StatusDraft, ChangedAt: fixedNow.Add(-time.Hour), Reason: "record created"},
		},
	}
}

func pendingAdminRecord() *model.VerificationRecord {
	rec := completeDraft()
	rec.Status = model.StatusPendingAdmin
	submitted := fixedNow.Add(-2 * time.Hour)
	rec.SubmittedAt = &submitted
	rec.AIVerdict = &model.Verdict{Status: model.VerdictPassed, Confidence: 90}
	return rec
}

func TestSubmit(t *testing.T) {
	t.Run("moves_draft_to_pending_ai", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := completeDraft()

		if err := eng.Submit(context.Background(), rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusPendingAI {
			t.Errorf("expected status pending-ai, but got %s", rec.Status)
		}
		if rec.SubmittedAt == nil || !rec.SubmittedAt.Equal(fixedNow) {
			t.Errorf("expected submittedAt %v, but got %v", fixedNow, rec.SubmittedAt)
		}
		if len(rec.StatusHistory) != 2 {
			t.Fatalf("expected 2 history entries, but got %d", len(rec.StatusHistory))
		}
		if rec.StatusHistory[1].Status != model.StatusPendingAI {
			t.Errorf("unexpected history entry: %+v", rec.StatusHistory[1])
		}
		if repo.updateCalls != 1 {
			t.Errorf("expected 1 update, but got %d", repo.updateCalls)
		}
	})

	t.Run("rejects_incomplete_document_set", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := completeDraft()
		rec.Documents = rec.Documents[:1] // identity only

		err := eng.Submit(context.Background(), rec)
		if !errors.Is(err, ErrDocumentSetIncomplete) {
			t.Fatalf("expected ErrDocumentSetIncomplete, but got %v", err)
		}
		if rec.Status != model.StatusDraft {
			t.Errorf("expected record to stay draft, but got %s", rec.Status)
		}
		if len(rec.StatusHistory) != 1 {
			t.Errorf("expected no history append, but got %d entries", len(rec.StatusHistory))
		}
		if repo.updateCalls != 0 {
			t.Errorf("expected no update, but got %d", repo.updateCalls)
		}
	})

	t.Run("rejects_resubmission", func(t *testing.T) {
		eng := testEngine(t, &mockVerificationRepo{}, &mockSubjectRepo{}, &mockNotifier{})
		rec := completeDraft()
		rec.Status = model.StatusPendingAI

		err := eng.Submit(context.Background(), rec)
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransitionError, but got %v", err)
		}
		if te.From != model.StatusPendingAI || te.To != model.StatusPendingAI {
			t.Errorf("unexpected transition error: %v", te)
		}
	})
}

func TestAttachVerdict(t *testing.T) {
	t.Run("moves_record_to_pending_admin", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := completeDraft()
		rec.Status = model.StatusPendingAI

		verdict := model.Verdict{Status: model.VerdictPassed, Confidence: 88}
		if err := eng.AttachVerdict(context.Background(), rec, verdict, "ai analysis completed"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusPendingAdmin {
			t.Errorf("expected status pending-admin, but got %s", rec.Status)
		}
		if rec.AIVerdict == nil || rec.AIVerdict.Confidence != 88 {
			t.Errorf("expected verdict to be stored, but got %+v", rec.AIVerdict)
		}
		last := rec.StatusHistory[len(rec.StatusHistory)-1]
		if last.Reason != "ai analysis completed" {
			t.Errorf("expected reason in history, but got %q", last.Reason)
		}
	})

	t.Run("requires_a_verdict", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := completeDraft()
		rec.Status = model.StatusPendingAI

		err := eng.AttachVerdict(context.Background(), rec, model.Verdict{}, "")
		if !errors.Is(err, ErrVerdictRequired) {
			t.Fatalf("expected ErrVerdictRequired, but got %v", err)
		}
		if repo.updateCalls != 0 {
			t.Errorf("expected no update, but got %d", repo.updateCalls)
		}
	})

	t.Run("guards_against_non_pending_ai_records", func(t *testing.T) {
		eng := testEngine(t, &mockVerificationRepo{}, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()
		rec.Status = model.StatusActive

		err := eng.AttachVerdict(context.Background(), rec, model.Verdict{Status: model.VerdictPassed}, "")
		if !IsGuardViolation(err) {
			t.Fatalf("expected guard violation, but got %v", err)
		}
	})
}

func TestApprove(t *testing.T) {
	t.Run("activates_record_and_grants_entitlement", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		var grantedID string
		var grantedVisible bool
		subjects := &mockSubjectRepo{
			setVerifiedVisibleFunc: func(ctx context.Context, id string, visible bool) error {
				grantedID, grantedVisible = id, visible
				return nil
			},
		}
		notifier := &mockNotifier{}
		eng := testEngine(t, repo, subjects, notifier)
		rec := pendingAdminRecord()

		if err := eng.Approve(context.Background(), rec, "admin@example.com", "checks out"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusActive {
			t.Errorf("expected status active, but got %s", rec.Status)
		}
		expectedExpiry := fixedNow.Add(365 * 24 * time.Hour)
		if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(expectedExpiry) {
			t.Errorf("expected expiresAt %v, but got %v", expectedExpiry, rec.ExpiresAt)
		}
		if rec.AdminDecision.DecidedBy != "admin@example.com" || rec.AdminDecision.Notes != "checks out" {
			t.Errorf("unexpected admin decision: %+v", rec.AdminDecision)
		}
		if grantedID != "subj-1" || !grantedVisible {
			t.Errorf("expected entitlement grant for subj-1, but got %s/%t", grantedID, grantedVisible)
		}
		if len(notifier.decisions) != 1 || notifier.decisions[0].Status != "active" {
			t.Errorf("expected one active decision notification, but got %+v", notifier.decisions)
		}
	})

	t.Run("rejects_double_approval", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()
		rec.Status = model.StatusActive
		historyLen := len(rec.StatusHistory)

		err := eng.Approve(context.Background(), rec, "admin@example.com", "")
		if !IsGuardViolation(err) {
			t.Fatalf("expected guard violation, but got %v", err)
		}
		if len(rec.StatusHistory) != historyLen {
			t.Error("expected no history append on guard violation")
		}
		if repo.updateCalls != 0 {
			t.Errorf("expected no update, but got %d", repo.updateCalls)
		}
	})

	t.Run("propagates_version_conflict", func(t *testing.T) {
		repo := &mockVerificationRepo{
			updateFunc: func(ctx context.Context, rec *model.VerificationRecord) error {
				return repository.ErrVersionConflict
			},
		}
		notifier := &mockNotifier{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, notifier)
		rec := pendingAdminRecord()

		err := eng.Approve(context.Background(), rec, "admin@example.com", "")
		if !errors.Is(err, repository.ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, but got %v", err)
		}
		if len(notifier.decisions) != 0 {
			t.Error("expected no notification when the write loses the race")
		}
	})
}

func TestReject(t *testing.T) {
	t.Run("requires_a_reason", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()
		historyLen := len(rec.StatusHistory)

		for _, reason := range []string{"", "   ", "\t\n"} {
			err := eng.Reject(context.Background(), rec, "admin@example.com", reason, "")
			if !errors.Is(err, ErrRejectionReasonRequired) {
				t.Fatalf("expected ErrRejectionReasonRequired for %q, but got %v", reason, err)
			}
		}
		if rec.Status != model.StatusPendingAdmin {
			t.Errorf("expected record to stay pending-admin, but got %s", rec.Status)
		}
		if len(rec.StatusHistory) != historyLen {
			t.Error("expected no history append on failed rejection")
		}
		if repo.updateCalls != 0 {
			t.Errorf("expected no update, but got %d", repo.updateCalls)
		}
	})

	t.Run("stores_reason_and_notifies", func(t *testing.T) {
		notifier := &mockNotifier{}
		eng := testEngine(t, &mockVerificationRepo{}, &mockSubjectRepo{}, notifier)
		rec := pendingAdminRecord()

		if err := eng.Reject(context.Background(), rec, "admin@example.com", "license expired", "see ticket 42"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusRejected {
			t.Errorf("expected status rejected, but got %s", rec.Status)
		}
		if rec.AdminDecision.RejectionReason != "license expired" {
			t.Errorf("unexpected rejection reason: %q", rec.AdminDecision.RejectionReason)
		}
		if len(notifier.decisions) != 1 || notifier.decisions[0].Reason != "license expired" {
			t.Errorf("expected notification with reason, but got %+v", notifier.decisions)
		}
	})
}

func TestRevoke(t *testing.T) {
	t.Run("strips_entitlement", func(t *testing.T) {
		var stripped bool
		subjects := &mockSubjectRepo{
			setVerifiedVisibleFunc: func(ctx context.Context, id string, visible bool) error {
				if !visible {
					stripped = true
				}
				return nil
			},
		}
		eng := testEngine(t, &mockVerificationRepo{}, subjects, &mockNotifier{})
		rec := pendingAdminRecord()
		rec.Status = model.StatusActive

		if err := eng.Revoke(context.Background(), rec, "admin@example.com", "fraud report"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusRevoked {
			t.Errorf("expected status revoked, but got %s", rec.Status)
		}
		if !stripped {
			t.Error("expected verified visibility to be stripped")
		}
	})

	t.Run("only_active_records_can_be_revoked", func(t *testing.T) {
		eng := testEngine(t, &mockVerificationRepo{}, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()

		if err := eng.Revoke(context.Background(), rec, "admin@example.com", ""); !IsGuardViolation(err) {
			t.Fatalf("expected guard violation, but got %v", err)
		}
	})
}

func TestReinstate(t *testing.T) {
	t.Run("requires_payment_reference", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()
		rec.Status = model.StatusRevoked

		err := eng.Reinstate(context.Background(), rec, "admin@example.com", "  ")
		if !errors.Is(err, ErrPaymentRefRequired) {
			t.Fatalf("expected ErrPaymentRefRequired, but got %v", err)
		}
		if repo.updateCalls != 0 {
			t.Errorf("expected no update, but got %d", repo.updateCalls)
		}
	})

	t.Run("returns_revoked_record_to_review_queue", func(t *testing.T) {
		eng := testEngine(t, &mockVerificationRepo{}, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()
		rec.Status = model.StatusRevoked

		if err := eng.Reinstate(context.Background(), rec, "admin@example.com", "pay-123"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusPendingAdmin {
			t.Errorf("expected status pending-admin, but got %s", rec.Status)
		}
	})

	t.Run("returns_expired_record_to_review_queue", func(t *testing.T) {
		eng := testEngine(t, &mockVerificationRepo{}, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()
		rec.Status = model.StatusExpired

		if err := eng.Reinstate(context.Background(), rec, "admin@example.com", "pay-456"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusPendingAdmin {
			t.Errorf("expected status pending-admin, but got %s", rec.Status)
		}
	})
}

func TestExpire(t *testing.T) {
	t.Run("expires_overdue_active_record_atomically", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		notifier := &mockNotifier{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, notifier)
		rec := pendingAdminRecord()
		rec.Status = model.StatusActive
		past := fixedNow.Add(-24 * time.Hour)
		rec.ExpiresAt = &past

		if err := eng.Expire(context.Background(), rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status != model.StatusExpired {
			t.Errorf("expected status expired, but got %s", rec.Status)
		}
		if repo.expireCalls != 1 {
			t.Errorf("expected 1 transactional expire call, but got %d", repo.expireCalls)
		}
		if repo.updateCalls != 0 {
			t.Errorf("expected no plain update, but got %d", repo.updateCalls)
		}
		if len(notifier.expired) != 1 {
			t.Errorf("expected 1 expiry notification, but got %d", len(notifier.expired))
		}
	})

	t.Run("refuses_records_not_yet_due", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		eng := testEngine(t, repo, &mockSubjectRepo{}, &mockNotifier{})
		rec := pendingAdminRecord()
		rec.Status = model.StatusActive
		future := fixedNow.Add(24 * time.Hour)
		rec.ExpiresAt = &future

		if err := eng.Expire(context.Background(), rec); !errors.Is(err, ErrNotYetExpired) {
			t.Fatalf("expected ErrNotYetExpired, but got %v", err)
		}
		if repo.expireCalls != 0 {
			t.Errorf("expected no expire call, but got %d", repo.expireCalls)
		}
	})

	t.Run("failed_notification_does_not_undo_expiry", func(t *testing.T) {
		repo := &mockVerificationRepo{}
		notifier := &mockNotifier{
			expiredFunc: func(ctx context.Context, msg messaging.ExpiredNotification) error {
				return errors.New("nats unavailable")
			},
		}
		eng := testEngine(t, repo, &mockSubjectRepo{}, notifier)
		rec := pendingAdminRecord()
		rec.Status = model.StatusActive
		past := fixedNow.Add(-time.Hour)
		rec.ExpiresAt = &past

		if err := eng.Expire(context.Background(), rec); err != nil {
			t.Fatalf("expected expiry to succeed despite notification failure, but got %v", err)
		}
		if rec.Status != model.StatusExpired {
			t.Errorf("expected status expired, but got %s", rec.Status)
		}
	})
}
