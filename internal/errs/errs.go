// Package errs defines the closed error taxonomy shared across the
// orchestrator core: every failure surfaced across a package boundary is
// one of these kinds, wrapped with context via %w so callers can use
// errors.Is/errors.As instead of string matching.
package errs

import "fmt"

// Kind is a closed taxonomy of failure categories. Kind is not a type name
// in the Go sense — it is a tag carried by *Error so that retry policy can
// be decided by the layer that owns it, per the propagation policy.
type Kind string

const (
	// ConfigError is an invalid config or composition. Never retried.
	ConfigError Kind = "config_error"
	// ValidationError is an input/output/signature violation. May be
	// retried once by Predict.
	ValidationError Kind = "validation_error"
	// InterpreterError is a spawn/handshake/protocol failure. May be
	// retried by acquiring a fresh handle.
	InterpreterError Kind = "interpreter_error"
	// BudgetExceeded is a cost or call cap hit. Surfaced to the
	// orchestrator, which triggers fallback.
	BudgetExceeded Kind = "budget_exceeded"
	// Timeout is surfaced as BudgetExceeded at run scope, as
	// InterpreterError/LLMError locally.
	Timeout Kind = "timeout"
	// LLMError is a provider failure. Retried with backoff up to a fixed
	// cap, then surfaced.
	LLMError Kind = "llm_error"
	// MemoryError is a storage I/O failure. Fatal for the affected write;
	// never silently swallowed.
	MemoryError Kind = "memory_error"
	// Cancelled is cooperative cancellation. Terminal; never retried.
	Cancelled Kind = "cancelled"
)

// Error is the concrete error value carried across every package boundary
// in this module.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "orchestrator.run_child"
	Err     error  // wrapped cause, may be nil
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("%s", msg)}
}

// Wrap builds an *Error wrapping an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithDetails attaches structured context (e.g. executable path, stderr
// excerpt) to an *Error, for diagnostics without stringly-typed messages.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsKind reports whether err, or an *Error it wraps, has the given Kind.
// The wrap chain is followed only through *Error values. Use it instead of
// errors.Is(err, errs.New(kind, "", "")), which compares pointers.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		break
	}
	return false
}
