package transport_test

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"taskgate/internal/transport"
	"taskgate/internal/wire"
)

// stubServer echoes every frame back with the same call id after an
// optional delay. It stands in for the task service so transport tests
// exercise real sockets without the storage layer.
type stubServer struct {
	ln net.Listener

	mu    sync.Mutex
	delay time.Duration
	mute  bool
	flood int
	conns []net.Conn
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &stubServer{ln: ln}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *stubServer) Addr() string { return s.ln.Addr().String() }

func (s *stubServer) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		go s.serve(nc)
	}
}

func (s *stubServer) serve(nc net.Conn) {
	defer nc.Close()
	br := bufio.NewReader(nc)
	var wmu sync.Mutex
	for {
		f, err := wire.ReadFrame(br, wire.DefaultMaxMessageSize)
		if err != nil {
			return
		}
		s.mu.Lock()
		mute, delay, flood := s.mute, s.delay, s.flood
		s.mu.Unlock()
		if mute {
			continue
		}
		go func(f wire.Frame) {
			if delay > 0 {
				time.Sleep(delay)
			}
			wmu.Lock()
			defer wmu.Unlock()
			if flood > 0 {
				for i := 0; i < flood; i++ {
					nc.Write(wire.AppendFrame(nil, f))
				}
				return
			}
			nc.Write(wire.AppendFrame(nil, f))
		}(f)
	}
}

// CloseConns tears down accepted sockets, simulating a remote fault.
func (s *stubServer) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nc := range s.conns {
		nc.Close()
	}
	s.conns = nil
}

func (s *stubServer) Close() {
	s.ln.Close()
	s.CloseConns()
}

func callOnce(t *testing.T, conn *transport.Conn, payload []byte) wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, ch := conn.Register()
	defer conn.Deregister(id)
	if err := conn.Send(ctx, wire.Frame{CallID: id, Op: wire.OpGetByID, Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-ch:
		return f
	case <-conn.Closed():
		t.Fatalf("connection faulted: %v", conn.Err())
	case <-ctx.Done():
		t.Fatalf("timed out waiting for response")
	}
	return wire.Frame{}
}

func TestConnMultiplexesCalls(t *testing.T) {
	srv := newStubServer(t)
	conn, err := transport.Dial(context.Background(), srv.Addr(), transport.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte{byte(i)}
			f := callOnce(t, conn, payload)
			if len(f.Payload) != 1 || f.Payload[0] != byte(i) {
				t.Errorf("call %d: response payload %v routed to wrong caller", i, f.Payload)
			}
		}(i)
	}
	wg.Wait()
	if n := conn.InFlight(); n != 0 {
		t.Fatalf("in-flight calls leaked: %d", n)
	}
}

// Callers sharing a pool must not serialize behind each other: with the
// stub delaying every response, total wall time has to stay near one
// delay, not callers x delay.
func TestPoolCallersDoNotSerialize(t *testing.T) {
	srv := newStubServer(t)
	srv.mu.Lock()
	srv.delay = 20 * time.Millisecond
	srv.mu.Unlock()
	for _, callers := range []int{1, 10, 100} {
		pool := transport.NewPool(srv.Addr(), 2, transport.Options{})
		start := time.Now()
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conn, err := pool.Handle(context.Background())
				if err != nil {
					t.Errorf("handle: %v", err)
					return
				}
				callOnce(t, conn, []byte{byte(i)})
			}(i)
		}
		wg.Wait()
		elapsed := time.Since(start)
		serialized := time.Duration(callers) * srv.delay
		if callers > 1 && elapsed > serialized/2 {
			t.Fatalf("%d callers took %v, too close to serialized %v", callers, elapsed, serialized)
		}
		pool.Close()
	}
}

func TestPoolRoundRobinSharesConnections(t *testing.T) {
	srv := newStubServer(t)
	pool := transport.NewPool(srv.Addr(), 3, transport.Options{})
	defer pool.Close()

	seen := map[*transport.Conn]bool{}
	for i := 0; i < 9; i++ {
		conn, err := pool.Handle(context.Background())
		if err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
		seen[conn] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct connections, saw %d", len(seen))
	}
	stats := pool.Stats()
	if stats.Size != 3 || stats.Live != 3 {
		t.Fatalf("stats = %+v, want 3 live of 3", stats)
	}
}

func TestPoolRetiresFaultedConn(t *testing.T) {
	srv := newStubServer(t)
	pool := transport.NewPool(srv.Addr(), 1, transport.Options{})
	defer pool.Close()

	conn, err := pool.Handle(context.Background())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	srv.CloseConns()
	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not observe remote fault")
	}

	// A faulted connection must never be handed out again.
	replacement, err := pool.Handle(context.Background())
	if err != nil {
		t.Fatalf("handle after fault: %v", err)
	}
	if replacement == conn {
		t.Fatalf("pool handed out the faulted connection")
	}
	if !replacement.Healthy() {
		t.Fatalf("replacement not healthy")
	}
}

func TestConnFaultWakesInFlightCalls(t *testing.T) {
	srv := newStubServer(t)
	srv.mu.Lock()
	srv.mute = true
	srv.mu.Unlock()
	conn, err := transport.Dial(context.Background(), srv.Addr(), transport.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	id, ch := conn.Register()
	defer conn.Deregister(id)
	if err := conn.Send(context.Background(), wire.Frame{CallID: id, Op: wire.OpList}); err != nil {
		t.Fatalf("send: %v", err)
	}
	srv.CloseConns()
	select {
	case <-conn.Closed():
		if conn.Err() == nil {
			t.Fatalf("faulted connection reports nil error")
		}
	case <-ch:
		t.Fatalf("unexpected response from muted server")
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight call not woken by fault")
	}
}

// Abandoning a call while responses beyond its channel buffer are still
// arriving must not wedge the read loop: Deregister has to release a
// blocked delivery so later calls on the same handle still answer.
func TestAbandonedFloodedCallKeepsConnUsable(t *testing.T) {
	srv := newStubServer(t)
	srv.mu.Lock()
	srv.flood = 200
	srv.mu.Unlock()
	conn, err := transport.Dial(context.Background(), srv.Addr(), transport.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	id, ch := conn.Register()
	if err := conn.Send(context.Background(), wire.Frame{CallID: id, Op: wire.OpListStream}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no response from flooding stub")
	}
	// Walk away with most of the flood undelivered.
	conn.Deregister(id)

	srv.mu.Lock()
	srv.flood = 0
	srv.mu.Unlock()
	f := callOnce(t, conn, []byte{7})
	if len(f.Payload) != 1 || f.Payload[0] != 7 {
		t.Fatalf("follow-up call got payload %v", f.Payload)
	}
	if n := conn.InFlight(); n != 0 {
		t.Fatalf("in-flight after abandoned call: %d, want 0", n)
	}
}

func TestPoolClose(t *testing.T) {
	srv := newStubServer(t)
	pool := transport.NewPool(srv.Addr(), 2, transport.Options{})
	conn, err := pool.Handle(context.Background())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	pool.Close()
	if conn.Healthy() {
		t.Fatalf("connection survived pool close")
	}
	if _, err := pool.Handle(context.Background()); err != transport.ErrPoolClosed {
		t.Fatalf("handle on closed pool: %v, want ErrPoolClosed", err)
	}
}

func TestDialFailure(t *testing.T) {
	pool := transport.NewPool("127.0.0.1:1", 1, transport.Options{DialTimeout: 200 * time.Millisecond})
	defer pool.Close()
	if _, err := pool.Handle(context.Background()); err == nil {
		t.Fatalf("expected dial error for closed port")
	}
}
