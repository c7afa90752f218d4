// Package failure defines the error kinds shared by the provider client, the
// strategies and the conversation orchestrator. Callers branch on Kind rather
// than on concrete error types.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how a caller should react to it.
type Kind string

const (
	// Transient failures are expected to succeed on retry (rate limit, connection reset).
	Transient Kind = "transient"
	// Permanent failures cannot be fixed by retrying (malformed request, auth, server error).
	Permanent Kind = "permanent"
	// ProviderUnavailable is a transient failure that survived every retry attempt.
	ProviderUnavailable Kind = "provider_unavailable"
	// Configuration failures happen before any network or persistence call.
	Configuration Kind = "configuration"
	// Strategy failures come from an unsuccessful strategy outcome.
	Strategy Kind = "strategy"
	// Persistence failures come from the conversation store.
	Persistence Kind = "persistence"
	// Unknown is reported for errors that carry no kind.
	Unknown Kind = "unknown"
)

// Retryable reports whether a caller may reasonably try the same call again later.
func (k Kind) Retryable() bool {
	return k == Transient || k == ProviderUnavailable
}

// Error is a failure tagged with a Kind. The rendered message never includes
// the wrapped cause so raw provider payloads stay out of user-facing output.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " failure"
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New returns a kinded error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. When message is empty the cause's message is used.
func Wrap(kind Kind, op string, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil && fe.Message != "" {
		return fe.Message
	}
	return err.Error()
}
