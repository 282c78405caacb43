package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notifier is the notification side channel. Sends are fire-and-forget from
// the pipeline's point of view, but the error return makes send outcomes
// observable: the scheduler only marks a reminder sent after a nil return.
type Notifier interface {
	NotifyDecision(ctx context.Context, msg DecisionNotification) error
	NotifyReminder(ctx context.Context, msg ReminderNotification) error
	NotifyExpired(ctx context.Context, msg ExpiredNotification) error
	Close()
}

const (
	subjectDecision = "verification.decision"
	subjectReminder = "verification.reminder"
	subjectExpired  = "verification.expired"
)

// DecisionNotification tells a subject about a lifecycle decision on their
// verification. Reason carries the admin-supplied rejection reason; raw
// analyzer output is never included.
type DecisionNotification struct {
	VerificationID string     `json:"verification_id"`
	SubjectID      string     `json:"subject_id"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type ReminderNotification struct {
	VerificationID string    `json:"verification_id"`
	SubjectID      string    `json:"subject_id"`
	Window         string    `json:"window"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type ExpiredNotification struct {
	VerificationID string    `json:"verification_id"`
	SubjectID      string    `json:"subject_id"`
	ExpiredAt      time.Time `json:"expired_at"`
}

// natsConn is the slice of *nats.Conn the notifier uses; tests substitute a
// mock.
type natsConn interface {
	Publish(subj string, data []byte) error
	Close()
}

type natsNotifier struct {
	conn   natsConn
	logger *zap.Logger
}

func NewNATSNotifier(url string, logger *zap.Logger) (Notifier, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", url))
	return &natsNotifier{
		conn:   conn,
		logger: logger,
	}, nil
}

func (n *natsNotifier) NotifyDecision(ctx context.Context, msg DecisionNotification) error {
	return n.publish(subjectDecision, msg.VerificationID, msg)
}

func (n *natsNotifier) NotifyReminder(ctx context.Context, msg ReminderNotification) error {
	return n.publish(subjectReminder, msg.VerificationID, msg)
}

func (n *natsNotifier) NotifyExpired(ctx context.Context, msg ExpiredNotification) error {
	return n.publish(subjectExpired, msg.VerificationID, msg)
}

func (n *natsNotifier) publish(subject, verificationID string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to marshal notification", zap.Error(err), zap.String("subject", subject))
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error("failed to publish notification", zap.Error(err),
			zap.String("subject", subject), zap.String("verification_id", verificationID))
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Info("notification published",
		zap.String("subject", subject), zap.String("verification_id", verificationID))
	return nil
}

func (n *natsNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
		n.logger.Info("NATS connection closed")
	}
}
