// Package trebuerr defines the error-kind taxonomy shared by every layer of
// the runtime (actor dispatch, transport, gateway middleware, state store),
// so callers can branch on Kind instead of parsing strings.
package trebuerr

import (
	"errors"
	"fmt"
)

// Kind discriminates recoverable error conditions surfaced to callers.
type Kind string

const (
	ActorNotFound       Kind = "actorNotFound"
	InvalidEnvelope     Kind = "invalidEnvelope"
	ConnectionFailed    Kind = "connectionFailed"
	Timeout             Kind = "timeout"
	ValidationError     Kind = "validationError"
	AuthenticationError Kind = "authenticationError"
	AuthorizationError  Kind = "authorizationError"
	RateLimitExceeded   Kind = "rateLimitExceeded"
	HandlerError        Kind = "handlerError"
	VersionConflict     Kind = "versionConflict"
	MaxRetriesExceeded  Kind = "maxRetriesExceeded"
	ServerDraining      Kind = "serverDraining"
	StreamBufferExpired Kind = "streamBufferExpired"
)

// Error wraps a Kind with a message and optional cause, satisfying the
// stdlib errors.Is/As protocol via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports equality by Kind, so errors.Is(err, trebuerr.New(ActorNotFound, ""))
// matches any error of that kind regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, retaining cause for Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it returns HandlerError, the catch-all for programmer
// faults and unexpected errors crossing the dispatch boundary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return HandlerError
}
