package rpc

import (
	"context"
	"io"

	"taskgate/internal/domain"
	"taskgate/internal/status"
	"taskgate/internal/transport"
	"taskgate/internal/wire"
)

// Stream is a lazy, finite, non-restartable sequence of task records.
// Items arrive in the order the service emitted them. A Stream is not
// safe for concurrent Recv calls.
type Stream struct {
	client *Client
	conn   *transport.Conn
	callID uint64
	frames <-chan wire.Frame
	done   bool
}

// ListStream starts a server-streaming List. The caller must drain the
// stream to io.EOF or call Close; either releases the call registration
// promptly so the handle carries no leaked bookkeeping.
func (c *Client) ListStream(ctx context.Context, filter domain.ListFilter) (*Stream, error) {
	payload, err := wire.EncodeListFilter(filter)
	if err != nil {
		return nil, status.Wrap(status.KindInvalidArgument, err, "")
	}
	conn, err := c.Pool.Handle(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	id, ch := conn.Register()
	if err := conn.Send(ctx, wire.Frame{CallID: id, Op: wire.OpListStream, Payload: payload}); err != nil {
		conn.Deregister(id)
		return nil, unavailable(err)
	}
	return &Stream{client: c, conn: conn, callID: id, frames: ch}, nil
}

// Recv returns the next record. It returns io.EOF after the final item,
// and stops delivering as soon as ctx is done or the stream is closed.
func (s *Stream) Recv(ctx context.Context) (domain.Task, error) {
	if s.done {
		return domain.Task{}, io.EOF
	}
	select {
	case f := <-s.frames:
		switch {
		case f.Flags&wire.FlagError != 0:
			s.Close()
			return domain.Task{}, s.client.decodeErrorFrame(f)
		case f.Flags&wire.FlagStreamEnd != 0:
			s.Close()
			return domain.Task{}, io.EOF
		default:
			t, err := s.client.decodeTaskFrame(f)
			if err != nil {
				s.Close()
				return domain.Task{}, err
			}
			return t, nil
		}
	case <-s.conn.Closed():
		s.Close()
		return domain.Task{}, unavailable(s.conn.Err())
	case <-ctx.Done():
		s.Close()
		return domain.Task{}, status.Wrap(status.KindDeadlineExceeded, ctx.Err(), "")
	}
}

// Collect drains the remainder of the stream into a slice.
func (s *Stream) Collect(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	for {
		t, err := s.Recv(ctx)
		if err == io.EOF {
			return tasks, nil
		}
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
}

// Close cancels the stream. Further frames for this call are dropped by
// the connection's read loop, and Recv returns io.EOF.
func (s *Stream) Close() {
	if s.done {
		return
	}
	s.done = true
	s.conn.Deregister(s.callID)
}
