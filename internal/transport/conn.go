// Package transport provides pooled, concurrently shareable handles to
// the task service. A handle multiplexes many logical calls over one
// TCP connection keyed by call id; it is never wrapped in an exclusive
// lock, so concurrent callers do not serialize behind each other. The
// only locks in this package guard in-memory bookkeeping and are never
// held across socket I/O.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"taskgate/internal/wire"
)

// ErrConnClosed reports a call attempted or in flight on a handle whose
// underlying transport has faulted. The pool does not retry; retry
// policy belongs to the caller.
var ErrConnClosed = errors.New("transport: connection closed")

// Options are the tunables of the multiplexed stream transport. These
// are configuration, not code paths, and are overridable per deployment.
type Options struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// KeepAlive is the TCP keep-alive probe interval.
	KeepAlive time.Duration
	// ReadBufferSize is the initial flow-control window in bytes.
	ReadBufferSize int
	// LowLatency disables send-side buffering delay (TCP_NODELAY).
	LowLatency bool
	// MaxMessageSize caps frames read off the wire.
	MaxMessageSize int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	return o
}

// Conn is one live connection. It is shared, not exclusively owned: any
// number of callers issue calls on it simultaneously. A dedicated writer
// goroutine serializes frames onto the socket and a reader goroutine
// dispatches responses to per-call channels.
type Conn struct {
	opts   Options
	nc     net.Conn
	writeC chan []byte

	nextID atomic.Uint64

	mu      sync.Mutex // guards pending and err only; in-memory updates
	pending map[uint64]*pendingCall
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial establishes a connection and starts its read/write loops.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.KeepAlive}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(opts.LowLatency)
		if opts.ReadBufferSize > 0 {
			_ = tc.SetReadBuffer(opts.ReadBufferSize)
		}
	}
	c := &Conn{
		opts:    opts,
		nc:      nc,
		writeC:  make(chan []byte, 64),
		pending: make(map[uint64]*pendingCall),
		closed:  make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// pendingCall is one registered call. gone is closed by Deregister so a
// read-loop send blocked on a full ch can abort instead of wedging the
// whole connection behind an abandoned caller.
type pendingCall struct {
	ch   chan wire.Frame
	gone chan struct{}
}

// Register allocates a call id and its response channel. On a transport
// fault the channel stays open and silent; callers must select on
// Closed() alongside it.
func (c *Conn) Register() (uint64, <-chan wire.Frame) {
	id := c.nextID.Add(1)
	p := &pendingCall{ch: make(chan wire.Frame, 32), gone: make(chan struct{})}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	return id, p.ch
}

// Deregister releases a call id. Safe to call after a fault and after
// the response arrived; late frames for the id are dropped, and a read
// loop mid-delivery for the id is released immediately.
func (c *Conn) Deregister(id uint64) {
	c.mu.Lock()
	p := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if p != nil {
		close(p.gone)
	}
}

// Send queues a frame for the writer goroutine. It suspends only when
// the write queue is full, and respects ctx.
func (c *Conn) Send(ctx context.Context, f wire.Frame) error {
	buf := wire.AppendFrame(nil, f)
	select {
	case c.writeC <- buf:
		return nil
	case <-c.closed:
		return fmt.Errorf("%w: %v", ErrConnClosed, c.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed is closed when the connection has faulted.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Healthy reports whether the connection can still carry calls.
func (c *Conn) Healthy() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Err returns the fault that closed the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// InFlight counts calls awaiting responses.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tears the connection down. In-flight calls wake through
// Closed() and fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case buf := <-c.writeC:
			if _, err := c.nc.Write(buf); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	br := bufio.NewReaderSize(c.nc, 64<<10)
	for {
		f, err := wire.ReadFrame(br, c.opts.MaxMessageSize)
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		c.mu.Lock()
		p := c.pending[f.CallID]
		c.mu.Unlock()
		if p == nil {
			continue // call canceled; drop the late frame
		}
		select {
		case p.ch <- f:
		case <-p.gone:
			// Caller abandoned the call while its buffer was full.
		case <-c.closed:
			return
		}
	}
}

// fail marks the connection faulted exactly once and closes the socket.
// In-flight calls wake up through the closed channel.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]*pendingCall)
		c.mu.Unlock()
		close(c.closed)
		_ = c.nc.Close()
	})
}
