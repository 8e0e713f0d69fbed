package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrDetailNotFound indicates the referenced detail id does not exist.
	ErrDetailNotFound = errors.New("billing: detail not found")
	// ErrSummaryNotFound indicates the referenced summary id does not exist.
	ErrSummaryNotFound = errors.New("billing: summary not found")
	// ErrAllocation indicates the subsidy exceeds the base fee.
	ErrAllocation = errors.New("billing: subsidy exceeds fee")
	// ErrDetailUnattached indicates the detail has no owning summary.
	ErrDetailUnattached = errors.New("billing: detail is not attached to a summary")
	// ErrStaleOwner indicates the detail's owning summary kept changing under
	// concurrent mutations; the caller should re-read and retry.
	ErrStaleOwner = errors.New("billing: detail owner changed concurrently")
)

// ValidationError names the field that failed boundary validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("billing: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a field validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
