// Package rpcerr defines the error kinds shared by the transport, session
// and RPC layers.
package rpcerr

import (
	"github.com/pkg/errors"
)

// Kind classifies a failure by the layer it originated in. The names are
// indicative, not load-bearing: callers should use rpcerr.Is against the
// sentinel kinds below rather than switching on Kind directly.
type Kind int

const (
	// KindConnect marks a failed bootstrap handshake.
	KindConnect Kind = iota
	// KindCodec marks an encode/decode failure of a packet or user value.
	KindCodec
	// KindTransport marks a queue-pair post, poll or context failure.
	// Fatal to the enclosing Session.
	KindTransport
	// KindInternal marks an invariant violation such as an unknown
	// buffer id. Signals a bug, not a protocol condition.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindCodec:
		return "codec"
	case KindTransport:
		return "transport"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified, wrapped error. The underlying cause (if any) is
// reachable through errors.Unwrap (and so errors.Is/errors.As); Error has
// no Cause method, so errors.Cause returns the *Error itself.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.msg + ": " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error with a message and no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap classifies an existing error, attaching a stack trace via
// github.com/pkg/errors so the ultimate caller can log where it surfaced.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, cause: errors.Wrap(cause, msg)}
}

// Is reports whether err was produced by this package with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
