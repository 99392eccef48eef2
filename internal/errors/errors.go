// Package errors is the error vocabulary of the job lifecycle engine.
//
// It re-exports github.com/cockroachdb/errors so call sites get stack traces,
// hints and wrapping from one import, and defines the sentinel errors every
// layer matches against with Is.
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark
	Is           = crdb.Is
	IsAny        = crdb.IsAny
	As           = crdb.As
	Unwrap       = crdb.Unwrap
	FlattenHints = crdb.FlattenHints
)

var (
	// ErrInvalidTransition is an illegal status change. Never retried.
	ErrInvalidTransition = New("invalid transition")

	// ErrCapacityExceeded rejects a booking on a day with no remaining capacity.
	ErrCapacityExceeded = New("capacity exceeded")

	// ErrDateBlocked rejects a booking on an administrator-blocked day.
	ErrDateBlocked = New("date blocked")

	// ErrRequestAlreadyPending rejects a second open recurrence proposal for a job.
	ErrRequestAlreadyPending = New("recurrence request already pending")

	// ErrAlreadyFinalized rejects a line-item mutation on a finalized provider record.
	ErrAlreadyFinalized = New("already finalized")

	// ErrProviderUnavailable is an I/O failure talking to the billing provider.
	// Reads may be retried; creates may not.
	ErrProviderUnavailable = New("billing provider unavailable")

	// ErrProviderOutcomeUnknown marks a provider call that timed out. The call
	// may have succeeded provider-side; recover through lookup, not a new create.
	ErrProviderOutcomeUnknown = New("billing provider outcome unknown")

	// ErrNotFound is a missing entity, or one the caller does not own.
	ErrNotFound = New("not found")

	// ErrInvalidInput is malformed or incomplete input.
	ErrInvalidInput = New("invalid input")

	// ErrRateLimited rejects a customer request over its booking allowance.
	ErrRateLimited = New("rate limited")

	// ErrConflict means a compare-and-swap lost to a concurrent writer.
	ErrConflict = New("conflict")
)

// InvalidTransitionError names the current status and the rejected event.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q not permitted from status %q", e.Event, e.From)
}

// Is lets errors.Is(err, ErrInvalidTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NewInvalidTransition builds an InvalidTransitionError with a stack.
func NewInvalidTransition(from, event string) error {
	return WithStack(&InvalidTransitionError{From: from, Event: event})
}

// IsProviderFailure reports whether err came from the billing provider boundary.
func IsProviderFailure(err error) bool {
	return IsAny(err, ErrProviderUnavailable, ErrProviderOutcomeUnknown)
}
