// Package xerrors classifies exchange errors into the seven classes of
// the exchange uses so the Execution Controller and Submission Pipeline branch
// on class with errors.As instead of string matching, the same way the
// that code wraps every error with fmt.Errorf("...: %w", err) and unwraps
// with errors.Is/errors.As rather than comparing messages.
package xerrors

import (
	"errors"
	"fmt"
)

// Class is one of the seven error classes.
type Class int

const (
	// ClassTransport covers transient transport errors: socket closed,
	// write failed. Local to the transport layer; triggers reconnect
	// with backoff. Invisible to the user.
	ClassTransport Class = iota + 1
	// ClassAdvisor covers normalization, cache validation, pre-screen
	// and decomposition failures. Always non-fatal; the pipeline falls
	// through to the next stage. Invisible to the user.
	ClassAdvisor
	// ClassBid covers a per-agent evaluation timeout or exception during
	// bidding. Counted against the agent's circuit breaker; the bid is
	// treated as zero-confidence. Invisible to the user.
	ClassBid
	// ClassProtocol covers ack timeout, missed heartbeats, or a
	// malformed result frame. Busts the attempt and fails over.
	// User-visible.
	ClassProtocol
	// ClassExecution covers an agent returning success=false or
	// throwing. Busts the attempt. User-visible.
	ClassExecution
	// ClassHalt covers no bidder accepting the task. Surfaced as a
	// clarification, never auto-retried beyond one rephrase attempt.
	// User-visible.
	ClassHalt
	// ClassFatal covers anything the safety timer exists to catch: the
	// core must emit a result for every submitted task even if the
	// specialized handler crashes. Logged, produces a canned result.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassAdvisor:
		return "advisor"
	case ClassBid:
		return "bid"
	case ClassProtocol:
		return "protocol"
	case ClassExecution:
		return "execution"
	case ClassHalt:
		return "halt"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// UserVisible reports whether this class's errors (per the
// propagation policy) should produce a spoken response rather than stay
// invisible to the user.
func (c Class) UserVisible() bool {
	switch c {
	case ClassProtocol, ClassExecution, ClassHalt:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with a Class, so callers can
// errors.As it off a chain of fmt.Errorf("...: %w", err) wraps without
// inspecting the message text.
type Error struct {
	Class Class
	Op    string // component/operation, e.g. "auction.Solicit"
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a class and an operation tag. Returns nil if err is
// nil, so callers can write `return xerrors.New(xerrors.ClassBid, "op", err)`
// unconditionally at the end of a function.
func New(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf extracts the Class from err's chain, returning ok=false if
// neither err nor anything in its Unwrap chain is an *Error.
func ClassOf(err error) (Class, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Class, true
	}
	return 0, false
}

// Is reports whether err's chain carries the given class.
func Is(err error, class Class) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}
