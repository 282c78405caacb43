// Package scheduler implements the two externally triggered batch jobs: the
// hourly AI-processing pass and the daily expiration/reminder pass. Jobs are
// not resumable mid-record; a killed run leaves unprocessed records in place
// for the next invocation, so every step here is written to be idempotent
// under repetition.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"verification_pipeline/internal/analyzer"
	"verification_pipeline/internal/config"
	"verification_pipeline/internal/engine"
	"verification_pipeline/internal/messaging"
	"verification_pipeline/internal/model"
	"verification_pipeline/internal/repository"
	"verification_pipeline/internal/storage"
)

// JobReport aggregates per-record outcomes of one job run. Errors are
// collected for reporting; a failing record never aborts its siblings.
type JobReport struct {
	Job           string    `json:"job"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Processed     int       `json:"processed"`
	Escalated     int       `json:"escalated"`
	Expired       int       `json:"expired"`
	RemindersSent int       `json:"remindersSent"`
	Skipped       int       `json:"skipped"`
	Errors        []string  `json:"errors,omitempty"`
}

func (r *JobReport) recordError(id string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

type Scheduler struct {
	repo     repository.VerificationRepository
	subjects repository.SubjectRepository
	engine   *engine.Engine
	analyzer analyzer.Analyzer
	store    storage.DocumentStore
	notifier messaging.Notifier
	cfg      config.JobsConfig
	urlTTL   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func New(
	repo repository.VerificationRepository,
	subjects repository.SubjectRepository,
	eng *engine.Engine,
	an analyzer.Analyzer,
	store storage.DocumentStore,
	notifier messaging.Notifier,
	cfg config.JobsConfig,
	urlTTL time.Duration,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		repo:     repo,
		subjects: subjects,
		engine:   eng,
		analyzer: an,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		urlTTL:   urlTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// RunHourly processes the pending-ai backlog: analyzes up to BatchSize
// standard-tier records (priority records are analyzed synchronously at
// submission and only show up here if that failed), then force-escalates
// anything stuck past the hard ceiling regardless of tier.
func (s *Scheduler) RunHourly(ctx context.Context) *JobReport {
	report := &JobReport{Job: "hourly", StartedAt: s.now()}
	jobRunsTotal.WithLabelValues("hourly").Inc()
	timer := prometheusTimer("hourly")
	defer timer()

	records, err := s.repo.ListPendingAI(ctx, model.TierStandard, s.cfg.BatchSize)
	if err != nil {
		report.recordError("list-pending-ai", err)
	}
	for _, rec := range records {
		if err := s.processRecord(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				// The other writer won; their transition stands.
				report.Skipped++
				recordsProcessed.WithLabelValues("hourly", "skipped").Inc()
				continue
			}
			report.recordError(rec.ID, err)
			recordsProcessed.WithLabelValues("hourly", "error").Inc()
			continue
		}
		report.Processed++
		recordsProcessed.WithLabelValues("hourly", "ok").Inc()
	}

	// Force-escalation runs after the normal pass so freshly processed
	// records are no longer pending-ai when this query executes.
	cutoff := s.now().Add(-time.Duration(s.cfg.HardCeilingHours) * time.Hour)
	stuck, err := s.repo.ListStuckPendingAI(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		report.recordError("list-stuck-pending-ai", err)
	}
	for _, rec := range stuck {
		if err := s.forceEscalate(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				report.Skipped++
				recordsProcessed.WithLabelValues("hourly", "skipped").Inc()
				continue
			}
			report.recordError(rec.ID, err)
			recordsProcessed.WithLabelValues("hourly", "error").Inc()
			continue
		}
		report.Escalated++
		escalationsTotal.Inc()
	}

	report.FinishedAt = s.now()
	s.logger.Info("hourly job finished",
		zap.Int("processed", report.Processed),
		zap.Int("escalated", report.Escalated),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)))
	return report
}

func (s *Scheduler) processRecord(ctx context.Context, rec *model.VerificationRecord) error {
	req, err := s.buildAnalyzerRequest(ctx, rec)
	if err != nil {
		// Leave the record pending-ai; the next run (or force-escalation)
		// picks it up.
		return err
	}

	verdict := s.analyzer.Analyze(ctx, req)
	return s.engine.AttachVerdict(ctx, rec, verdict, s.transitionReason(rec))
}

// transitionReason annotates the history entry with SLA state at the moment
// of transition. A breach is an observability signal, never a blocker.
func (s *Scheduler) transitionReason(rec *model.VerificationRecord) string {
	reason := "ai analysis completed"
	if rec.SubmittedAt == nil {
		return reason
	}
	slaHours := s.cfg.StandardSLAHours
	if rec.Tier == model.TierPriority {
		slaHours = s.cfg.PrioritySLAHours
	}
	elapsed := s.now().Sub(*rec.SubmittedAt)
	if elapsed > time.Duration(slaHours)*time.Hour {
		reason = fmt.Sprintf("ai analysis completed; SLA breached (%.1fh elapsed, limit %dh)",
			elapsed.Hours(), slaHours)
	}
	return reason
}

func (s *Scheduler) forceEscalate(ctx context.Context, rec *model.VerificationRecord) error {
	now := s.now()
	verdict := model.Verdict{
		Status:     model.VerdictFailed,
		Confidence: 0,
		Flags: []string{fmt.Sprintf(
			"Force-escalated to human review after exceeding the %dh processing ceiling",
			s.cfg.HardCeilingHours)},
		ProcessedAt: &now,
	}
	reason := fmt.Sprintf("force-escalated after %dh in automated processing", s.cfg.HardCeilingHours)

	if err := s.engine.AttachVerdict(ctx, rec, verdict, reason); err != nil {
		return err
	}
	s.logger.Warn("record force-escalated",
		zap.String("verification_id", rec.ID), zap.String("tier", string(rec.Tier)))
	return nil
}

func (s *Scheduler) buildAnalyzerRequest(ctx context.Context, rec *model.VerificationRecord) (analyzer.Request, error) {
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

// reminderWindows in descending lead order; a fresh record far from expiry
// collects flags from the outside in.
var reminderWindows = []model.ReminderWindow{
	model.ReminderThirtyDay,
	model.ReminderSevenDay,
	model.ReminderDayOf,
}

// RunDaily expires overdue active records, then sends expiry reminders. A
// window is open when the record expires within its lead time and that
// window's reminder has not been sent; a record whose earlier windows were
// missed (job outage) gets every open window's reminder on the same run.
func (s *Scheduler) RunDaily(ctx context.Context) *JobReport {
	report := &JobReport{Job: "daily", StartedAt: s.now()}
	jobRunsTotal.WithLabelValues("daily").Inc()
	timer := prometheusTimer("daily")
	defer timer()

	expired, err := s.repo.ListExpired(ctx, s.now())
	if err != nil {
		report.recordError("list-expired", err)
	}
	for _, rec := range expired {
		if err := s.engine.Expire(ctx, rec); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				report.Skipped++
				recordsProcessed.WithLabelValues("daily", "skipped").Inc()
				continue
			}
			report.recordError(rec.ID, err)
			recordsProcessed.WithLabelValues("daily", "error").Inc()
			continue
		}
		report.Expired++
		expirationsTotal.Inc()
	}

	for _, window := range reminderWindows {
		s.sendReminders(ctx, window, report)
	}

	report.FinishedAt = s.now()
	s.logger.Info("daily job finished",
		zap.Int("expired", report.Expired),
		zap.Int("reminders_sent", report.RemindersSent),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)))
	return report
}

func (s *Scheduler) sendReminders(ctx context.Context, window model.ReminderWindow, report *JobReport) {
	now := s.now()
	lead := window.LeadDays()
	if lead == 0 {
		lead = 1 // day-of means "expires within the next day"
	}
	to := now.Add(time.Duration(lead) * 24 * time.Hour)

	records, err := s.repo.ListExpiringBetween(ctx, now, to)
	if err != nil {
		report.recordError(fmt.Sprintf("list-expiring-%s", window), err)
		return
	}

	for _, rec := range records {
		if rec.RemindersSent.Sent(window) {
			continue
		}
		if rec.ExpiresAt == nil {
			continue
		}

		// Send first, mark after: a failed send leaves the flag clear so the
		// next run retries.
		err := s.notifier.NotifyReminder(ctx, messaging.ReminderNotification{
			VerificationID: rec.ID,
			SubjectID:      rec.SubjectID,
			Window:         string(window),
			ExpiresAt:      *rec.ExpiresAt,
		})
		if err != nil {
			report.recordError(rec.ID, fmt.Errorf("reminder %s not sent: %w", window, err))
			recordsProcessed.WithLabelValues("daily", "error").Inc()
			continue
		}

		if err := s.markReminderSent(ctx, rec, window); err != nil {
			report.recordError(rec.ID, fmt.Errorf("reminder %s sent but not marked: %w", window, err))
			recordsProcessed.WithLabelValues("daily", "error").Inc()
			continue
		}
		report.RemindersSent++
		remindersTotal.WithLabelValues(string(window)).Inc()
	}
}

// markReminderSent persists the write-once flag. On a version conflict the
// send already happened, so the mark is retried once against the fresh
// record rather than dropped.
func (s *Scheduler) markReminderSent(ctx context.Context, rec *model.VerificationRecord, window model.ReminderWindow) error {
	rec.RemindersSent.MarkSent(window, s.now())
	err := s.repo.Update(ctx, rec)
	if err == nil || !errors.Is(err, repository.ErrVersionConflict) {
		return err
	}

	fresh, err := s.repo.GetByID(ctx, rec.ID)
	if err != nil {
		return err
	}
	if fresh.RemindersSent.Sent(window) {
		return nil
	}
	fresh.RemindersSent.MarkSent(window, s.now())
	return s.repo.Update(ctx, fresh)
}

func prometheusTimer(job string) func() {
	start := time.Now()
	return func() {
		jobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	}
}
