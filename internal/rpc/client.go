// Package rpc issues typed calls against the task service over pooled
// connections. Its caller-visible error vocabulary is exactly NotFound,
// InvalidArgument, Unavailable and DeadlineExceeded; every other failure
// surfaces as Internal.
package rpc

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"taskgate/internal/domain"
	"taskgate/internal/status"
	"taskgate/internal/transport"
	"taskgate/internal/wire"
)

// Client is safe for unbounded concurrent use; it holds no per-call
// state and the pool underneath multiplexes calls over shared
// connections.
type Client struct {
	Pool  *transport.Pool
	Codec wire.Codec
	// CompressThreshold is the request payload size above which record
	// payloads are compressed. Zero applies wire.CompressThreshold.
	// Identifier and filter payloads are never compressed.
	CompressThreshold int
}

// NewClient wraps a pool with the default codec.
func NewClient(pool *transport.Pool) *Client {
	return &Client{Pool: pool}
}

// Create asks the service to persist a new task. The service assigns the
// id and timestamps; whatever t carries for those fields is ignored.
func (c *Client) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	return c.taskCall(ctx, wire.OpCreate, t)
}

// GetByID fetches one record.
func (c *Client) GetByID(ctx context.Context, id uuid.UUID) (domain.Task, error) {
	f, err := c.roundTrip(ctx, wire.OpGetByID, wire.EncodeID(id), false)
	if err != nil {
		return domain.Task{}, err
	}
	return c.decodeTaskFrame(f)
}

// UpdateByID replaces the record snapshot for t.ID. Two concurrent
// updates to the same id may land in either order; any optimistic
// concurrency discipline belongs to the caller.
func (c *Client) UpdateByID(ctx context.Context, t domain.Task) (domain.Task, error) {
	return c.taskCall(ctx, wire.OpUpdateByID, t)
}

// DeleteByID removes one record.
func (c *Client) DeleteByID(ctx context.Context, id uuid.UUID) error {
	_, err := c.roundTrip(ctx, wire.OpDeleteByID, wire.EncodeID(id), false)
	return err
}

// List returns a bounded collection matching the filter.
func (c *Client) List(ctx context.Context, filter domain.ListFilter) ([]domain.Task, error) {
	payload, err := wire.EncodeListFilter(filter)
	if err != nil {
		return nil, status.Wrap(status.KindInvalidArgument, err, "")
	}
	f, err := c.roundTrip(ctx, wire.OpList, payload, false)
	if err != nil {
		return nil, err
	}
	data, err := c.framePayload(f)
	if err != nil {
		return nil, err
	}
	tasks, err := c.Codec.DecodeTaskList(data)
	if err != nil {
		return nil, status.Wrap(status.KindInternal, err, "malformed list response")
	}
	return tasks, nil
}

func (c *Client) taskCall(ctx context.Context, op wire.Op, t domain.Task) (domain.Task, error) {
	payload, err := c.Codec.EncodeTask(t)
	if err != nil {
		// A payload that fails codec validation will fail identically
		// on retry; reject before anything reaches the wire.
		return domain.Task{}, status.Wrap(status.KindInvalidArgument, err, "")
	}
	var flags uint8
	if packed, ok := wire.MaybeCompress(payload, c.CompressThreshold); ok {
		payload, flags = packed, wire.FlagCompressed
	}
	f, err := c.call(ctx, wire.Frame{Op: op, Flags: flags, Payload: payload})
	if err != nil {
		return domain.Task{}, err
	}
	return c.decodeTaskFrame(f)
}

func (c *Client) roundTrip(ctx context.Context, op wire.Op, payload []byte, compress bool) (wire.Frame, error) {
	var flags uint8
	if compress {
		if packed, ok := wire.MaybeCompress(payload, c.CompressThreshold); ok {
			payload, flags = packed, wire.FlagCompressed
		}
	}
	return c.call(ctx, wire.Frame{Op: op, Flags: flags, Payload: payload})
}

// call performs one unary exchange: acquire a shared handle, register a
// call id, send, and wait for the single response frame.
func (c *Client) call(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	conn, err := c.Pool.Handle(ctx)
	if err != nil {
		return wire.Frame{}, unavailable(err)
	}
	id, ch := conn.Register()
	defer conn.Deregister(id)
	f.CallID = id
	if err := conn.Send(ctx, f); err != nil {
		return wire.Frame{}, unavailable(err)
	}
	select {
	case resp := <-ch:
		if resp.Flags&wire.FlagError != 0 {
			return wire.Frame{}, c.decodeErrorFrame(resp)
		}
		return resp, nil
	case <-conn.Closed():
		return wire.Frame{}, unavailable(conn.Err())
	case <-ctx.Done():
		return wire.Frame{}, status.Wrap(status.KindDeadlineExceeded, ctx.Err(), "")
	}
}

func (c *Client) framePayload(f wire.Frame) ([]byte, error) {
	if f.Flags&wire.FlagCompressed == 0 {
		return f.Payload, nil
	}
	data, err := wire.Decompress(f.Payload, c.Codec.MaxMessageSize)
	if err != nil {
		return nil, status.Wrap(status.KindInternal, err, "corrupt compressed response")
	}
	return data, nil
}

func (c *Client) decodeTaskFrame(f wire.Frame) (domain.Task, error) {
	data, err := c.framePayload(f)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := c.Codec.DecodeTask(data)
	if err != nil {
		return domain.Task{}, status.Wrap(status.KindInternal, err, "malformed task response")
	}
	return t, nil
}

func (c *Client) decodeErrorFrame(f wire.Frame) error {
	code, msg, err := wire.DecodeError(f.Payload)
	if err != nil {
		return status.Wrap(status.KindInternal, err, "malformed error response")
	}
	switch code {
	case wire.ErrCodeNotFound:
		return status.New(status.KindNotFound, "%s", msg)
	case wire.ErrCodeInvalidArgument:
		return status.New(status.KindInvalidArgument, "%s", msg)
	default:
		return status.New(status.KindInternal, "%s", msg)
	}
}

// unavailable maps a transport-level fault, keeping deadline expiry
// distinct when the context ran out first.
func unavailable(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return status.Wrap(status.KindDeadlineExceeded, err, "")
	}
	return status.Wrap(status.KindUnavailable, status.Wrap(status.KindTransportError, err, ""), "transport fault")
}
