package model

import (
	"fmt"
	"time"
)

// Kind says which side of the marketplace the subject is being verified for.
type Kind string

const (
	KindSeller     Kind = "seller"
	KindContractor Kind = "contractor"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSeller, KindContractor:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown verification kind: %q", s)
}

// Tier is the processing priority class. It affects SLA hours and whether
// analysis happens synchronously at submission (priority) or via the hourly
// batch job (standard).
type Tier string

const (
	TierStandard Tier = "standard"
	TierPriority Tier = "priority"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierStandard, TierPriority:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown verification tier: %q", s)
}

// Status is the verification record lifecycle state. Transitions are only
// legal along the graph below; the engine package is the sole writer.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusPendingAI    Status = "pending-ai"
	StatusPendingAdmin Status = "pending-admin"
	StatusActive       Status = "active"
	StatusExpired      Status = "expired"
	StatusRevoked      Status = "revoked"
	StatusRejected     Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusDraft:        {StatusPendingAI},
	StatusPendingAI:    {StatusPendingAdmin},
	StatusPendingAdmin: {StatusActive, StatusRejected},
	StatusActive:       {StatusExpired, StatusRevoked},
	StatusExpired:      {StatusPendingAdmin},
	StatusRevoked:      {StatusPendingAdmin},
	StatusRejected:     {},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusDraft, StatusPendingAI, StatusPendingAdmin, StatusActive,
		StatusExpired, StatusRevoked, StatusRejected:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown verification status: %q", s)
}

// DocumentType classifies an uploaded document. The analyzer requires at
// least one identity document and one business/credential document.
type DocumentType string

const (
	DocumentIdentity        DocumentType = "identity"
	DocumentBusinessLicense DocumentType = "business-license"
	DocumentCredential      DocumentType = "credential"
	DocumentInsurance       DocumentType = "insurance"
)

// IsIdentity reports whether the type counts toward the identity requirement.
func (t DocumentType) IsIdentity() bool {
	return t == DocumentIdentity
}

// IsCredential reports whether the type counts toward the business/credential
// requirement.
func (t DocumentType) IsCredential() bool {
	switch t {
	case DocumentBusinessLicense, DocumentCredential, DocumentInsurance:
		return true
	}
	return false
}

type Document struct {
	Type           DocumentType `json:"type"`
	StorageKey     string       `json:"storageKey"`
	FileName       string       `json:"fileName"`
	UploadedAt     time.Time    `json:"uploadedAt"`
	ExpirationDate *time.Time   `json:"expirationDate,omitempty"`
}

// VerdictStatus is the analyzer's overall call on a document set.
type VerdictStatus string

const (
	VerdictPassed  VerdictStatus = "passed"
	VerdictFlagged VerdictStatus = "flagged"
	VerdictFailed  VerdictStatus = "failed"
)

// Verdict is the structured output of automated document analysis. All score
// fields are clamped to [0, 100] before a verdict is stored.
type Verdict struct {
	Status          VerdictStatus     `json:"status"`
	Confidence      int               `json:"confidence"`
	Flags           []string          `json:"flags,omitempty"`
	ExtractedFields map[string]string `json:"extractedFields,omitempty"`
	NameMatchScore  *int              `json:"nameMatchScore,omitempty"`
	TamperingScore  *int              `json:"tamperingScore,omitempty"`
	FraudSignals    []string          `json:"fraudSignals,omitempty"`
	ProcessedAt     *time.Time        `json:"processedAt,omitempty"`
}

type AdminDecision struct {
	DecidedBy       string     `json:"decidedBy,omitempty"`
	DecidedAt       *time.Time `json:"decidedAt,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
}

// HistoryEntry is one row of the append-only transition trail.
type HistoryEntry struct {
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
	Reason    string    `json:"reason,omitempty"`
}

// ReminderWindow identifies one of the fixed expiry reminder lead times.
type ReminderWindow string

const (
	ReminderThirtyDay ReminderWindow = "thirtyDay"
	ReminderSevenDay  ReminderWindow = "sevenDay"
	ReminderDayOf     ReminderWindow = "dayOf"
)

// LeadDays is the number of days before expiry the window opens.
func (w ReminderWindow) LeadDays() int {
	switch w {
	case ReminderThirtyDay:
		return 30
	case ReminderSevenDay:
		return 7
	default:
		return 0
	}
}

// Reminders tracks which expiry reminders have been sent. Each field is
// write-once; a set timestamp is never cleared, which is what makes repeated
// daily-job runs idempotent.
type Reminders struct {
	ThirtyDay *time.Time `json:"thirtyDay,omitempty"`
	SevenDay  *time.Time `json:"sevenDay,omitempty"`
	DayOf     *time.Time `json:"dayOf,omitempty"`
}

// Sent reports whether the reminder for the given window was already sent.
func (r *Reminders) Sent(w ReminderWindow) bool {
	switch w {
	case ReminderThirtyDay:
		return r.ThirtyDay != nil
	case ReminderSevenDay:
		return r.SevenDay != nil
	case ReminderDayOf:
		return r.DayOf != nil
	}
	return false
}

// MarkSent records the send time for a window. It is a no-op if the window
// was already marked.
func (r *Reminders) MarkSent(w ReminderWindow, at time.Time) {
	if r.Sent(w) {
		return
	}
	t := at
	switch w {
	case ReminderThirtyDay:
		r.ThirtyDay = &t
	case ReminderSevenDay:
		r.SevenDay = &t
	case ReminderDayOf:
		r.DayOf = &t
	}
}

// VerificationRecord is the pipeline's central document. It is created when
// a subject submits required documents and is never physically deleted;
// terminal states are retained for audit.
type VerificationRecord struct {
	ID            string
	SubjectID     string
	Kind          Kind
	Tier          Tier
	Status        Status
	Documents     []Document
	AIVerdict     *Verdict
	AdminDecision AdminDecision
	StatusHistory []HistoryEntry
	SubmittedAt   *time.Time
	ExpiresAt     *time.Time
	RemindersSent Reminders
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AppendHistory adds one entry to the transition trail. History is
// append-only; nothing in the codebase removes or rewrites entries.
func (r *VerificationRecord) AppendHistory(status Status, at time.Time, reason string) {
	r.StatusHistory = append(r.StatusHistory, HistoryEntry{
		Status:    status,
		ChangedAt: at,
		Reason:    reason,
	})
}

// HasRequiredDocuments reports whether the document set satisfies the
// submission guard: at least one identity and one credential document.
func (r *VerificationRecord) HasRequiredDocuments() bool {
	var identity, credential bool
	for _, d := range r.Documents {
		if d.Type.IsIdentity() {
			identity = true
		}
		if d.Type.IsCredential() {
			credential = true
		}
	}
	return identity && credential
}

// Subject is the owning user as the pipeline sees it: identity fields the
// analyzer matches documents against, plus the "verified" visibility
// entitlement toggled by approve/expire/revoke.
type Subject struct {
	ID              string
	Name            string
	Email           string
	VerifiedVisible bool
}

// AuditLogEntry is an immutable append record of an admin action.
type AuditLogEntry struct {
	ID        string
	Actor     string
	Action    string
	Target    string
	Details   string
	Reason    string
	Timestamp time.Time
}
