// Package errproc classifies pipeline failures into a small closed taxonomy
// and converts them into the structured status surfaced to callers.
// No failure handled here is process-fatal.
package errproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind discriminates the failure taxonomy.
type Kind int

const (
	// KindSystem is any uncaught failure, classified generically.
	KindSystem Kind = iota
	// KindTransport means the gateway was unreachable or rejected the call.
	KindTransport
	// KindValidation means the payload was empty after filtering.
	KindValidation
	// KindOverload is a transient provider capacity signal; it triggers
	// exactly one fallback-and-retry in the auto-continue coordinator.
	KindOverload
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport_error"
	case KindValidation:
		return "validation_error"
	case KindOverload:
		return "provider_overload"
	default:
		return "system_error"
	}
}

// Error is a classified pipeline failure with thread context attached.
type Error struct {
	Kind     Kind
	Message  string
	ThreadID string
	Err      error
}

func (e *Error) Error() string {
	if e.ThreadID != "" {
		return fmt.Sprintf("%s (thread %s): %s", e.Kind, e.ThreadID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, threadID, format string, a ...any) *Error {
	return &Error{Kind: kind, ThreadID: threadID, Message: fmt.Sprintf(format, a...)}
}

// Transport wraps a gateway call failure.
func Transport(err error, threadID string) *Error {
	return &Error{Kind: KindTransport, ThreadID: threadID, Message: err.Error(), Err: err}
}

// Classify maps an arbitrary failure onto the taxonomy with thread context.
// An already classified error passes through with its context preserved.
func Classify(err error, threadID string) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		if classified.ThreadID == "" {
			classified.ThreadID = threadID
		}
		return classified
	}

	kind := KindSystem
	switch {
	case IsOverload(err):
		kind = KindOverload
	case isTransport(err):
		kind = KindTransport
	}

	return &Error{Kind: kind, ThreadID: threadID, Message: err.Error(), Err: err}
}

// IsOverload reports whether err is a transient provider capacity signal.
func IsOverload(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "overloaded_error") ||
		strings.Contains(msg, "529")
}

func isTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "502 bad gateway") ||
		strings.Contains(msg, "503 service unavailable")
}
