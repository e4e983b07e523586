// Package apperr defines the error classes shared by every ledger operation.
//
// Each package declares its own specific sentinels and wraps exactly one of
// these classes, so callers can branch on either:
//
//	errors.Is(err, fixedpoint.ErrOutOfRange) // the specific condition
//	errors.Is(err, apperr.ErrValidation)     // its class
//
// Every error aborts the whole operation. Partial fulfilment (a backstop
// that cannot fully restore backing) is reported in results, never here.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers zero amounts, zero identifiers and out-of-range inputs.
	ErrValidation = errors.New("validation error")

	// ErrAuthorization covers callers that are not the operator, the peer
	// ledger or the original depositor.
	ErrAuthorization = errors.New("authorization error")

	// ErrState covers operations attempted from the wrong lifecycle state.
	ErrState = errors.New("state error")

	// ErrTiming covers time gates: rebase interval, deposit expiry.
	ErrTiming = errors.New("timing error")

	// ErrArithmetic covers division by zero and results that would go negative.
	ErrArithmetic = errors.New("arithmetic error")
)

// New returns a sentinel that reports msg and unwraps to class.
func New(class error, msg string) error {
	return fmt.Errorf("%s: %w", msg, class)
}

// Class returns the taxonomy class of err, or nil when err is unclassified.
func Class(err error) error {
	for _, c := range []error{ErrValidation, ErrAuthorization, ErrState, ErrTiming, ErrArithmetic} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
