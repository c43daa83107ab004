package query

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle validation.
// These can be used with errors.Is() for error checking.
var (
	// ErrInvalidTransition indicates an invalid lifecycle transition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminalStatusImmutable indicates an attempt to transition away from
	// a terminal status.
	ErrTerminalStatusImmutable = errors.New("terminal status is immutable")

	// ErrEmptyQuerySet indicates an attempt to compute the overall status of
	// an empty query set.
	ErrEmptyQuerySet = errors.New("empty query set")
)

// ValidateStatusTransition validates a query lifecycle transition.
//
// Valid transitions:
//   - queued → {running, succeeded, failed, partially-succeeded}
//   - running → {succeeded, failed, partially-succeeded}
//   - terminal → same status (idempotent)
//
// Terminal statuses are immutable: once a query succeeds or fails it never
// changes status again. The stale sweep relies on this; a reclaimed query
// cannot be resurrected by a late executor update.
func ValidateStatusTransition(from, to Status) error {
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStatusImmutable, from, to)
		}

		return nil
	}

	if from == StatusQueued {
		// A queued query may start running or resolve directly, e.g. when a
		// dependency failure skips it without execution.
		return nil
	}

	if from == StatusRunning {
		if to == StatusQueued {
			return fmt.Errorf("%w: running → queued", ErrInvalidTransition)
		}

		return nil
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// OverallStatus reduces a query set to the user-visible status of the run.
//
// RunAtEnd queries are excluded: a failed cleanup query must not flip an
// otherwise successful run. The run is succeeded when every counted query
// succeeded, failed when none produced a usable result, and
// partially-succeeded otherwise.
func OverallStatus(queries []*Query) (Status, error) {
	var counted, succeeded, failed int

	for _, q := range queries {
		if q.RunAtEnd {
			continue
		}

		counted++

		switch q.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		case StatusPartiallySucceeded:
			// Counts as neither fully succeeded nor failed.
		default:
			return StatusRunning, nil
		}
	}

	if counted == 0 {
		return "", ErrEmptyQuerySet
	}

	switch {
	case succeeded == counted:
		return StatusSucceeded, nil
	case failed == counted:
		return StatusFailed, nil
	default:
		return StatusPartiallySucceeded, nil
	}
}
