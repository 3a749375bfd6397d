// Package failure defines the error taxonomy shared by the migration core.
//
// Every component returns *Error for conditions the orchestrator must be able
// to tell apart: whether to retry, re-authenticate, ask a human, or stop.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	// AuthExpired means the stored session is no longer accepted remotely.
	// Recovered locally by re-authenticating.
	AuthExpired Kind = "auth_expired"
	// AuthRequired means a human must act (two-factor code, OAuth consent).
	AuthRequired Kind = "auth_required"
	// AuthTimeout means the bounded wait for a human elapsed. Retryable.
	AuthTimeout Kind = "auth_timeout"
	// StructuralDrift means an expected automation target was not found.
	StructuralDrift Kind = "structural_drift"
	// Transient covers network and timing failures.
	Transient Kind = "transient"
	// ConfirmationExpired means a commit was attempted after its prepare window.
	ConfirmationExpired Kind = "confirmation_expired"
	// InvariantViolation is a programming or integration error.
	InvariantViolation Kind = "invariant_violation"
)

// Error is a classified failure with enough context to resume safely.
type Error struct {
	Kind       Kind
	Op         string
	RunID      string
	Workflow   string
	Step       string
	Checkpoint int // index of the last completed step, -1 if none
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Workflow != "" || e.Step != "" {
		fmt.Fprintf(&b, " [workflow=%s step=%s checkpoint=%d", e.Workflow, e.Step, e.Checkpoint)
		if e.RunID != "" {
			fmt.Fprintf(&b, " run=%s", e.RunID)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Checkpoint: -1}
}

// Newf creates a classified error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Transientf is shorthand for a Transient failure.
func Transientf(op, format string, args ...any) *Error {
	return Newf(Transient, op, format, args...)
}

// Driftf is shorthand for a StructuralDrift failure.
func Driftf(op, format string, args ...any) *Error {
	return Newf(StructuralDrift, op, format, args...)
}

// Invariantf is shorthand for an InvariantViolation failure.
func Invariantf(op, format string, args ...any) *Error {
	return Newf(InvariantViolation, op, format, args...)
}

// KindOf returns the kind of the first *Error in the chain, or "" when
// the error is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the orchestrator may re-invoke the same call
// later without human or code changes.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, AuthExpired, AuthTimeout:
		return true
	default:
		return false
	}
}

// WithStep annotates err with workflow position. Unclassified errors are
// wrapped as StructuralDrift.
func WithStep(err error, runID, workflow, step string, checkpoint int) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		out := *fe
		out.RunID, out.Workflow, out.Step, out.Checkpoint = runID, workflow, step, checkpoint
		return &out
	}
	return &Error{
		Kind:       StructuralDrift,
		RunID:      runID,
		Workflow:   workflow,
		Step:       step,
		Checkpoint: checkpoint,
		Err:        err,
	}
}
