// Package cortexerr defines the error taxonomy shared by every Cortex
// component: a small, closed set of Kinds that external surfaces (a
// future gRPC/HTTP adapter, the CLI, tests) can switch on without
// depending on any single package's internal sentinel errors.
package cortexerr

import (
	"errors"
	"fmt"
)

// Kind is one of the eight error categories a fallible Cortex operation
// can surface. Kinds are deliberately coarse — callers branch on Kind,
// not on error string content.
type Kind int

const (
	// Internal marks an assertion failure or other bug. Should never
	// reach a user without also being logged.
	Internal Kind = iota
	// NotFound marks a missing node, edge, prompt, or agent.
	NotFound
	// Invalid marks a field-validation failure: bad regex, out-of-range
	// value, or a cycle in an inheritance chain.
	Invalid
	// Conflict marks a duplicate slug, a HEAD race, or similar.
	Conflict
	// Storage marks an I/O, serialization, or corruption failure.
	Storage
	// IndexDesync marks a vector-index update that could not be applied;
	// a repair marker has been recorded for the next startup.
	IndexDesync
	// Busy marks a database locked by another process.
	Busy
	// Cancelled marks a deadline exceeded or shutdown in progress.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Invalid:
		return "Invalid"
	case Conflict:
		return "Conflict"
	case Storage:
		return "Storage"
	case IndexDesync:
		return "IndexDesync"
	case Busy:
		return "Busy"
	case Cancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// Error wraps a cause with the Kind and the operation that produced it.
// Op is a short dotted name like "graph.CreateNode" — useful in logs,
// never shown to a caller that only checks Kind.
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

// Is implements the stdlib errors.Is hook: it reports whether target
// is also a *Error with the same Kind, so errors.Is(err, &cortexerr.Error{Kind: cortexerr.NotFound})
// matches regardless of Op or the wrapped cause. Every call site in
// this module instead uses the package-level Is(err, kind) or
// KindOf(err) == kind, which compare a plain Kind directly and don't
// need an *Error to compare against; this method exists only so the
// type satisfies the stdlib interface for callers that do hold one.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error for op/kind, optionally wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf constructs an *Error with a formatted cause.
func Newf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Internal when err
// does not wrap a *cortexerr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return Internal
	}
	return Internal
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		if e.Err == nil {
			return false
		}
		err = e.Err
	}
	return false
}

// GRPCCode maps a Kind to the gRPC status-code name a wire adapter
// would return. The transport itself is out of scope for this module;
// this function exists so a future adapter has exactly one place to
// call instead of re-deriving the mapping.
func GRPCCode(k Kind) string {
	switch k {
	case NotFound:
		return "NOT_FOUND"
	case Invalid:
		return "INVALID_ARGUMENT"
	case Conflict:
		return "ALREADY_EXISTS"
	case Busy:
		return "UNAVAILABLE"
	case Cancelled:
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}
