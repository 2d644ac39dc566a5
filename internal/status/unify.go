package status

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"
)

// Unifier functions translating pattern-specific failures into the fixed
// vocabulary. Callers above the request router handle one error shape no
// matter which backend served them.

// httpStatuser is implemented by collaborator errors that carry an HTTP
// status, without this package importing the collaborator.
type httpStatuser interface {
	HTTPStatus() int
}

// FromDatastore maps driver and SQL failures.
func FromDatastore(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Wrap(KindNotFound, err, "no matching row")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Wrap(KindDeadlineExceeded, err, "")
	case strings.Contains(strings.ToLower(err.Error()), "constraint"):
		return Wrap(KindInvalidArgument, err, "")
	case errors.Is(err, sql.ErrConnDone):
		return Wrap(KindUnavailable, err, "datastore connection gone")
	default:
		return Wrap(KindInternal, err, "")
	}
}

// FromRPC maps task-service client failures. The client already speaks
// this vocabulary; anything else is a bug surfaced as Internal.
func FromRPC(err error) *Error {
	return Normalize(err)
}

// FromQueue maps broker publish failures. A nack or connection fault is
// retryable by the caller, so it surfaces as Unavailable.
func FromQueue(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindDeadlineExceeded, err, "")
	}
	return Wrap(KindUnavailable, err, "queue publish failed")
}

// FromAgent maps agent endpoint failures, including HTTP statuses
// reported through the HTTPStatus interface.
func FromAgent(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindDeadlineExceeded, err, "agent call timed out")
	}
	var hs httpStatuser
	if errors.As(err, &hs) {
		switch code := hs.HTTPStatus(); {
		case code == 404:
			return Wrap(KindNotFound, err, "")
		case code == 400 || code == 422:
			return Wrap(KindInvalidArgument, err, "")
		case code >= 500:
			return Wrap(KindUnavailable, err, "agent endpoint failing")
		default:
			return Wrap(KindInternal, err, "")
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Wrap(KindDeadlineExceeded, err, "agent call timed out")
		}
		return Wrap(KindUnavailable, err, "agent unreachable")
	}
	return Wrap(KindInternal, err, "")
}
