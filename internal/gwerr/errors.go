// Package gwerr defines the error kinds and propagation policy of §7:
// operational errors stay local to the subsystem that raised them; the
// one cross-system surface is that a fatal core error turns into an
// HTTP status plus a log entry, never a process crash unless an
// invariant was violated (see gwlog.BugExitln for that path).
package gwerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way §7 does.
type Kind int

const (
	_ Kind = iota
	ConfigError
	ListenerError
	DialError
	ProtocolError
	StreamReset
	Timeout
	TlsAlert
	BlockedSend
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case ListenerError:
		return "ListenerError"
	case DialError:
		return "DialError"
	case ProtocolError:
		return "ProtocolError"
	case StreamReset:
		return "StreamReset"
	case Timeout:
		return "Timeout"
	case TlsAlert:
		return "TlsAlert"
	case BlockedSend:
		return "BlockedSend"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with the §7 Kind that decides how the
// rest of the system reacts to it (retry, surface a status code, close
// a session, ...).
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps cause as a typed gateway error, attaching a stack trace via
// pkg/errors so upstream logs carry the origin of DialError/ProtocolError
// failures without every call site needing to annotate it manually.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(cause)}
}

// Newf builds a typed error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// Is reports whether err is a gateway error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps a Kind to the status surfaced upstream, per §7's
// propagation policy (DialError -> 502 after retry, Timeout -> 504, ...).
func HTTPStatus(kind Kind) int {
	switch kind {
	case DialError, ProtocolError, StreamReset:
		return 502
	case Timeout:
		return 504
	default:
		return 500
	}
}
