package service

import (
	"errors"
	"fmt"
)

// ValidationError marks bad input shape or missing required fields. It is
// always raised before any state mutation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ErrNotAuthorized marks a caller acting outside their role or ownership.
var ErrNotAuthorized = errors.New("not authorized for this verification")

// IsValidation reports whether err is a client-input problem.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
