// Package ipcerr defines the typed error taxonomy shared by both ends of a
// connection.
//
// Every failure a caller can observe is an *Error with a Kind. Kinds travel
// on the wire inside error envelopes, so a server-side failure arrives at the
// client as the same kind it was raised with. Wrapped causes stay local —
// they are never transmitted.
package ipcerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The string value is the wire representation.
type Kind string

const (
	// KindValidation: a payload failed schema validation on either side.
	KindValidation Kind = "validation"
	// KindRouteNotFound: the requested route name has no registration.
	KindRouteNotFound Kind = "route_not_found"
	// KindHandler: the handler returned an error or panicked.
	KindHandler Kind = "handler"
	// KindProtocol: a malformed or oversize frame/envelope.
	KindProtocol Kind = "protocol"
	// KindConnection: a connect-time failure (refusal, dial timeout).
	KindConnection Kind = "connection"
	// KindConnectionClosed: the transport dropped while requests were pending.
	KindConnectionClosed Kind = "connection_closed"
	// KindTimeout: no response arrived before the deadline.
	KindTimeout Kind = "timeout"
	// KindDuplicateRoute: a second registration under an existing name.
	KindDuplicateRoute Kind = "duplicate_route"
	// KindBind: the listen address is unavailable.
	KindBind Kind = "bind"
	// KindUnauthorized: the request's authorization header did not match.
	KindUnauthorized Kind = "unauthorized"
	// KindRateLimited: the server shed the request under load.
	KindRateLimited Kind = "rate_limited"
)

// Error is a classified failure. Message is safe to transmit; cause is not.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. The cause is reachable through Unwrap
// but does not leak into the wire message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two *Error values by kind, so errors.Is(err, ipcerr.New(kind, ""))
// style comparisons work without exact message equality.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf extracts the kind of err, or "" when err carries no taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromWire rebuilds an error from envelope fields. Unrecognized kinds are
// preserved as-is rather than folded into a catch-all, so a newer peer can
// introduce kinds without breaking older ones.
func FromWire(kind, message string) *Error {
	if kind == "" {
		kind = string(KindProtocol)
	}
	return &Error{Kind: Kind(kind), Message: message}
}
