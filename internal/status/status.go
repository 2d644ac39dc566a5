// Package status defines the one error vocabulary surfaced by the
// dispatch core. Every failure, whatever backend produced it, is mapped
// into a Kind before it crosses the router boundary; the original cause
// stays attached as wrapped context, never as the discriminant.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a failure class.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindEncodingError
	KindDecodingError
	KindTransportError
	KindNotFound
	KindInvalidArgument
	KindUnavailable
	KindDeadlineExceeded
	KindUnroutableRequest
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindEncodingError:
		return "encoding_error"
	case KindDecodingError:
		return "decoding_error"
	case KindTransportError:
		return "transport_error"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnavailable:
		return "unavailable"
	case KindDeadlineExceeded:
		return "deadline_exceeded"
	case KindUnroutableRequest:
		return "unroutable_request"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a caller may retry with backoff. Codec
// failures repeat identically; NotFound and InvalidArgument are terminal.
func (k Kind) Retryable() bool {
	return k == KindTransportError || k == KindUnavailable || k == KindDeadlineExceeded
}

// Error is the normalized failure shape.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same Kind, so callers can write
// errors.Is(err, &status.Error{Kind: status.KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause. A nil cause behaves like New.
func Wrap(kind Kind, cause error, msg string) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the kind from an error chain. Context errors count as
// deadline expiry; anything unrecognized is Internal per the propagation
// policy. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// Normalize coerces any error into the fixed vocabulary.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Wrap(KindOf(err), err, "")
}
