// Package errs defines the failure taxonomy of the trainer. Every error names
// the invariant it violates so an aborted run can be diagnosed from its
// message alone.
package errs

import (
	stdErrors "errors"
	"fmt"
	"strings"
)

// Code classifies a failure.
type Code string

const (
	// CodeShapeMismatch reports a batching or tensor layout contract violation.
	CodeShapeMismatch Code = "shape_mismatch"
	// CodeNumericInstability reports NaN or Inf in a loss or gradient.
	CodeNumericInstability Code = "numeric_instability"
	// CodeConfigInconsistency reports a configuration rejected before training.
	CodeConfigInconsistency Code = "config_inconsistency"
	// CodeEnvironment reports a failure raised by the environment driver.
	CodeEnvironment Code = "environment"
)

var descriptions = map[Code]string{
	CodeShapeMismatch:       "shape mismatch",
	CodeNumericInstability:  "numeric instability",
	CodeConfigInconsistency: "config inconsistency",
	CodeEnvironment:         "environment failure",
}

// Error is the concrete error type returned by trainer packages.
type Error struct {
	Code   Code
	Op     string
	Key    string
	Round  int
	Detail string
	Err    error

	hasRound bool
}

// Error renders the code, the operation, and any round or key context.
func (e *Error) Error() string {
	var b strings.Builder
	desc, ok := descriptions[e.Code]
	if !ok {
		desc = string(e.Code)
	}
	b.WriteString(desc)
	if e.hasRound {
		fmt.Fprintf(&b, " in round %d", e.Round)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " (%s)", e.Op)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " [%s]", e.Key)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithRound returns a copy of e annotated with the update round.
func (e *Error) WithRound(round int) *Error {
	cp := *e
	cp.Round = round
	cp.hasRound = true
	return &cp
}

func (e *Error) HasRound() bool { return e.hasRound }

// ShapeMismatch builds a CodeShapeMismatch error for op.
func ShapeMismatch(op, format string, args ...any) *Error {
	return &Error{Code: CodeShapeMismatch, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// NumericInstability builds a CodeNumericInstability error for op.
func NumericInstability(op, format string, args ...any) *Error {
	return &Error{Code: CodeNumericInstability, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// ConfigInconsistency builds a CodeConfigInconsistency error naming key.
func ConfigInconsistency(key, format string, args ...any) *Error {
	return &Error{Code: CodeConfigInconsistency, Key: key, Detail: fmt.Sprintf(format, args...)}
}

// Environment wraps an error raised by an environment implementation.
func Environment(op string, err error) *Error {
	return &Error{Code: CodeEnvironment, Op: op, Err: err}
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	var e *Error
	if stdErrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// InRound annotates err with round when it is an *Error, and wraps it
// otherwise.
func InRound(err error, round int) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stdErrors.As(err, &e) && !e.HasRound() {
		return e.WithRound(round)
	}
	return fmt.Errorf("round %d: %w", round, err)
}
