// Package errs defines the error kinds of the registration pipeline and
// how callers tell them apart.
//
// A Precondition error aborts a run. EngineFailure, ValidationMismatch and
// IOFailure are reported where they happen and the run continues, except
// for read failures on required inputs which are raised as Precondition.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind int

const (
	// Precondition marks a missing volume, ROI or file. Fatal.
	Precondition Kind = iota + 1
	// EngineFailure marks a registration engine that failed or did not converge.
	EngineFailure
	// ValidationMismatch marks label maps that cannot be compared.
	ValidationMismatch
	// IOFailure marks a read or write failure.
	IOFailure
)

func (k Kind) String() string {
	switch k {
	case Precondition:
		return "precondition"
	case EngineFailure:
		return "engine failure"
	case ValidationMismatch:
		return "validation mismatch"
	case IOFailure:
		return "io failure"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind abort the run.
func (k Kind) Fatal() bool {
	return k == Precondition
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain,
// or 0 when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
