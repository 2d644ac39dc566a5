package status_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"taskgate/internal/status"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := status.New(status.KindNotFound, "task %s", "abc")
	if !errors.Is(err, &status.Error{Kind: status.KindNotFound}) {
		t.Fatalf("same-kind match failed")
	}
	if errors.Is(err, &status.Error{Kind: status.KindInternal}) {
		t.Fatalf("cross-kind match should fail")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("socket reset")
	err := status.Wrap(status.KindTransportError, cause, "")
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost from chain")
	}
	if err.Message != "socket reset" {
		t.Fatalf("empty message should take the cause text, got %q", err.Message)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want status.Kind
	}{
		{nil, status.KindUnknown},
		{status.New(status.KindUnavailable, "down"), status.KindUnavailable},
		{fmt.Errorf("wrapped: %w", status.New(status.KindDecodingError, "bad byte")), status.KindDecodingError},
		{context.DeadlineExceeded, status.KindDeadlineExceeded},
		{context.Canceled, status.KindDeadlineExceeded},
		{fmt.Errorf("some library error"), status.KindInternal},
	}
	for _, c := range cases {
		if got := status.KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	orig := status.New(status.KindInvalidArgument, "bad field")
	if got := status.Normalize(orig); got != orig {
		t.Fatalf("normalizing a normalized error must not re-wrap")
	}
	if status.Normalize(nil) != nil {
		t.Fatalf("normalize nil must stay nil")
	}
}

func TestRetryable(t *testing.T) {
	retryable := []status.Kind{status.KindTransportError, status.KindUnavailable, status.KindDeadlineExceeded}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%v should be retryable", k)
		}
	}
	terminal := []status.Kind{status.KindEncodingError, status.KindDecodingError, status.KindNotFound, status.KindInvalidArgument, status.KindUnroutableRequest, status.KindInternal}
	for _, k := range terminal {
		if k.Retryable() {
			t.Errorf("%v should not be retryable", k)
		}
	}
}

func TestFromDatastore(t *testing.T) {
	cases := []struct {
		err  error
		want status.Kind
	}{
		{sql.ErrNoRows, status.KindNotFound},
		{fmt.Errorf("UNIQUE constraint failed: tasks.id"), status.KindInvalidArgument},
		{context.DeadlineExceeded, status.KindDeadlineExceeded},
		{sql.ErrConnDone, status.KindUnavailable},
		{fmt.Errorf("disk I/O error"), status.KindInternal},
	}
	for _, c := range cases {
		if got := status.FromDatastore(c.err); got.Kind != c.want {
			t.Errorf("FromDatastore(%v) = %v, want %v", c.err, got.Kind, c.want)
		}
	}
	if status.FromDatastore(nil) != nil {
		t.Fatalf("nil in, nil out")
	}
}

func TestFromQueue(t *testing.T) {
	if got := status.FromQueue(fmt.Errorf("nats: no responders")); got.Kind != status.KindUnavailable {
		t.Fatalf("broker fault = %v, want Unavailable", got.Kind)
	}
	if got := status.FromQueue(context.Canceled); got.Kind != status.KindDeadlineExceeded {
		t.Fatalf("canceled publish = %v, want DeadlineExceeded", got.Kind)
	}
}

type fakeHTTPError struct{ code int }

func (e *fakeHTTPError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *fakeHTTPError) HTTPStatus() int { return e.code }

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "net fault" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

func TestFromAgent(t *testing.T) {
	cases := []struct {
		err  error
		want status.Kind
	}{
		{&fakeHTTPError{404}, status.KindNotFound},
		{&fakeHTTPError{400}, status.KindInvalidArgument},
		{&fakeHTTPError{422}, status.KindInvalidArgument},
		{&fakeHTTPError{503}, status.KindUnavailable},
		{&fakeHTTPError{301}, status.KindInternal},
		{&fakeNetError{timeout: true}, status.KindDeadlineExceeded},
		{&fakeNetError{}, status.KindUnavailable},
		{context.DeadlineExceeded, status.KindDeadlineExceeded},
		{fmt.Errorf("unexpected"), status.KindInternal},
	}
	for _, c := range cases {
		if got := status.FromAgent(c.err); got.Kind != c.want {
			t.Errorf("FromAgent(%v) = %v, want %v", c.err, got.Kind, c.want)
		}
	}
}

// An already-normalized error passes through every unifier unchanged.
func TestUnifiersPreserveNormalizedErrors(t *testing.T) {
	orig := status.New(status.KindNotFound, "already mapped")
	for name, fn := range map[string]func(error) *status.Error{
		"datastore": status.FromDatastore,
		"rpc":       status.FromRPC,
		"queue":     status.FromQueue,
		"agent":     status.FromAgent,
	} {
		if got := fn(orig); got != orig {
			t.Errorf("%s unifier re-wrapped a normalized error", name)
		}
	}
}
