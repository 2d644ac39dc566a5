package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed reports a Handle call on a closed pool.
var ErrPoolClosed = errors.New("transport: pool closed")

// Pool holds a fixed number of lazily dialed connections. Handle hands
// out shared connections round-robin; it never gives a caller exclusive
// ownership and never makes one caller wait for another's unrelated
// call. A faulted connection is discarded and redialed on next use.
type Pool struct {
	addr string
	opts Options

	next atomic.Uint64

	mu     sync.Mutex // guards conns slots and closed; never held across a dial
	conns  []*Conn
	closed bool

	// dial is swappable in tests.
	dial func(ctx context.Context, addr string, opts Options) (*Conn, error)
}

// NewPool sizes the pool without dialing. Connections come up on first
// use; size values below 1 are clamped to 1.
func NewPool(addr string, size int, opts Options) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		addr:  addr,
		opts:  opts.withDefaults(),
		conns: make([]*Conn, size),
		dial:  Dial,
	}
}

// Handle returns a shared, healthy connection. It only suspends when the
// chosen slot has no live connection yet and one must be established.
func (p *Pool) Handle(ctx context.Context) (*Conn, error) {
	slot := int(p.next.Add(1) % uint64(len(p.conns)))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	c := p.conns[slot]
	if c != nil && c.Healthy() {
		p.mu.Unlock()
		return c, nil
	}
	p.conns[slot] = nil // retire the faulted handle
	p.mu.Unlock()

	// Dial outside the lock; concurrent callers for the same slot may
	// race, in which case the loser's connection is closed.
	nc, err := p.dial(ctx, p.addr, p.opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		nc.Close()
		return nil, ErrPoolClosed
	}
	if cur := p.conns[slot]; cur != nil && cur.Healthy() {
		p.mu.Unlock()
		nc.Close()
		return cur, nil
	}
	p.conns[slot] = nc
	p.mu.Unlock()
	return nc, nil
}

// Stats is a point-in-time snapshot for pool accounting.
type Stats struct {
	Size     int
	Live     int
	InFlight int
}

// Stats reports live connections and calls awaiting responses.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c != nil {
			conns = append(conns, c)
		}
	}
	size := len(p.conns)
	p.mu.Unlock()

	s := Stats{Size: size}
	for _, c := range conns {
		if c.Healthy() {
			s.Live++
		}
		s.InFlight += c.InFlight()
	}
	return s
}

// Close tears down every connection. In-flight calls fail with
// ErrConnClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = make([]*Conn, len(p.conns))
	p.mu.Unlock()
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}
