package engine

import (
	"errors"
	"fmt"

	"verification_pipeline/internal/model"
)

// TransitionError reports an attempted transition that is not an edge of the
// status graph. The record is left unchanged.
type TransitionError struct {
	From model.Status
	To   model.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

var (
	// ErrDocumentSetIncomplete rejects a submission lacking an identity or
	// credential document.
	ErrDocumentSetIncomplete = errors.New("document set requires at least one identity and one credential document")
	// ErrVerdictRequired rejects a move to human review without an attached
	// verdict.
	ErrVerdictRequired = errors.New("a verdict must be attached before human review")
	// ErrRejectionReasonRequired rejects a rejection with an empty reason.
	ErrRejectionReasonRequired = errors.New("a non-empty rejection reason is required")
	// ErrPaymentRefRequired rejects a reinstate without a payment reference.
	ErrPaymentRefRequired = errors.New("reinstate requires a payment reference")
	// ErrNotYetExpired rejects expiring a record before its expiry time.
	ErrNotYetExpired = errors.New("record has not reached its expiry time")
)

// IsGuardViolation reports whether err is a client-fixable guard failure, as
// opposed to an infrastructure error.
func IsGuardViolation(err error) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrDocumentSetIncomplete) ||
		errors.Is(err, ErrVerdictRequired) ||
		errors.Is(err, ErrRejectionReasonRequired) ||
		errors.Is(err, ErrPaymentRefRequired) ||
		errors.Is(err, ErrNotYetExpired)
}
