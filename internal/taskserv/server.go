// Package taskserv is the task domain service: a TCP server speaking
// the binary frame protocol, backed by the SQLite store. Each accepted
// connection gets a reader loop and a single writer goroutine; every
// frame is handled in its own goroutine so a slow streaming call never
// blocks unrelated calls multiplexed on the same connection.
package taskserv

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskgate/internal/domain"
	"taskgate/internal/events"
	"taskgate/internal/logger"
	"taskgate/internal/store"
	"taskgate/internal/wire"
)

type Config struct {
	Addr string
	// Codec carries the message size cap shared with clients.
	Codec wire.Codec
	// CompressThreshold for List responses; zero applies
	// wire.CompressThreshold.
	CompressThreshold int
	Now               func() time.Time
}

type Server struct {
	cfg    Config
	db     *sql.DB
	store  store.Store
	events events.Writer

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func New(db *sql.DB, cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:    cfg,
		db:     db,
		store:  store.Store{DB: db},
		events: events.Writer{DB: db, Now: cfg.Now},
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address. Addr is then available for
// clients, which matters when the config says ":0".
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address; nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Close. It returns nil on clean
// shutdown.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	logger.Info("task service listening", zap.String("addr", s.ln.Addr().String()))
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.conns[nc] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

// Close stops accepting, tears down live connections and waits for
// handlers to drain.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for nc := range s.conns {
		conns = append(conns, nc)
	}
	s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
	for _, nc := range conns {
		nc.Close()
	}
	s.wg.Wait()
}

func (s *Server) handleConn(nc net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		nc.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan []byte, 64)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for buf := range out {
			if _, err := nc.Write(buf); err != nil {
				cancel()
				return
			}
		}
	}()

	// emit serializes a frame onto the shared writer channel. Handlers
	// run concurrently; only this channel touches the socket.
	emit := func(f wire.Frame) error {
		buf := wire.AppendFrame(nil, f)
		select {
		case out <- buf:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var handlers sync.WaitGroup
	br := bufio.NewReaderSize(nc, 64<<10)
	for {
		f, err := wire.ReadFrame(br, s.cfg.Codec.MaxMessageSize)
		if err != nil {
			break
		}
		handlers.Add(1)
		go func(f wire.Frame) {
			defer handlers.Done()
			s.handleFrame(ctx, f, emit)
		}(f)
	}
	cancel()
	handlers.Wait()
	close(out)
	<-writeDone
}

func (s *Server) handleFrame(ctx context.Context, f wire.Frame, emit func(wire.Frame) error) {
	payload := f.Payload
	if f.Flags&wire.FlagCompressed != 0 {
		var err error
		if payload, err = wire.Decompress(payload, s.cfg.Codec.MaxMessageSize); err != nil {
			s.emitError(f, emit, err)
			return
		}
	}
	var err error
	switch f.Op {
	case wire.OpCreate:
		err = s.create(ctx, f, payload, emit)
	case wire.OpGetByID:
		err = s.getByID(ctx, f, payload, emit)
	case wire.OpList:
		err = s.list(ctx, f, payload, emit)
	case wire.OpListStream:
		err = s.listStream(ctx, f, payload, emit)
	case wire.OpUpdateByID:
		err = s.updateByID(ctx, f, payload, emit)
	case wire.OpDeleteByID:
		err = s.deleteByID(ctx, f, payload, emit)
	default:
		err = errInvalid{fmt.Errorf("unknown op %d", f.Op)}
	}
	if err != nil {
		s.emitError(f, emit, err)
	}
}

// errInvalid marks a request-shape failure, distinct from internal
// faults, for the wire error code mapping.
type errInvalid struct{ error }

func (e errInvalid) Unwrap() error { return e.error }

func (s *Server) emitError(req wire.Frame, emit func(wire.Frame) error, err error) {
	var code wire.ErrCode
	var de *wire.DecodingError
	var ee *wire.EncodingError
	var ei errInvalid
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = wire.ErrCodeNotFound
	case errors.As(err, &de), errors.As(err, &ee), errors.As(err, &ei):
		code = wire.ErrCodeInvalidArgument
	default:
		code = wire.ErrCodeInternal
		logger.Error("request failed", err, zap.Stringer("op", req.Op), zap.Uint64("call_id", req.CallID))
	}
	_ = emit(wire.Frame{
		CallID:  req.CallID,
		Op:      req.Op,
		Flags:   wire.FlagError,
		Payload: wire.EncodeError(code, err.Error()),
	})
}

func (s *Server) respondTask(req wire.Frame, emit func(wire.Frame) error, t domain.Task) error {
	data, err := s.cfg.Codec.EncodeTask(t)
	if err != nil {
		return err
	}
	return emit(wire.Frame{CallID: req.CallID, Op: req.Op, Payload: data})
}

func (s *Server) now() time.Time {
	return s.cfg.Now().UTC().Truncate(time.Second)
}

func (s *Server) create(ctx context.Context, req wire.Frame, payload []byte, emit func(wire.Frame) error) error {
	t, err := s.cfg.Codec.DecodeTask(payload)
	if err != nil {
		return err
	}
	if t.Title == "" {
		return errInvalid{errors.New("title is required")}
	}
	// The service owns identity and timestamps; whatever the caller
	// sent for them is discarded.
	t.ID = uuid.New()
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == domain.StatusUnspecified {
		t.Status = domain.StatusTodo
	}
	t = t.Normalize()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.store.InsertTx(ctx, tx, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := s.events.Append(ctx, tx, "task.create", t.ID, events.EventPayload{"title": t.Title, "status": t.Status.String()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.respondTask(req, emit, t)
}

func (s *Server) getByID(ctx context.Context, req wire.Frame, payload []byte, emit func(wire.Frame) error) error {
	id, err := wire.DecodeID(payload)
	if err != nil {
		return err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.respondTask(req, emit, t)
}

func (s *Server) updateByID(ctx context.Context, req wire.Frame, payload []byte, emit func(wire.Frame) error) error {
	t, err := s.cfg.Codec.DecodeTask(payload)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cur, err := s.store.GetTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if t.Status == domain.StatusUnspecified {
		t.Status = cur.Status
	}
	if !cur.Status.CanTransition(t.Status) {
		return errInvalid{fmt.Errorf("status cannot move from %s to %s", cur.Status, t.Status)}
	}
	// Last write wins between concurrent updates; the record id and
	// creation time are immutable.
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now()
	t = t.Normalize()
	if err := s.store.UpdateTx(ctx, tx, t); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, "task.update", t.ID, events.EventPayload{"status": t.Status.String()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.respondTask(req, emit, t)
}

func (s *Server) deleteByID(ctx context.Context, req wire.Frame, payload []byte, emit func(wire.Frame) error) error {
	id, err := wire.DecodeID(payload)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.store.DeleteTx(ctx, tx, id); err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, "task.delete", id, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return emit(wire.Frame{CallID: req.CallID, Op: req.Op})
}

func (s *Server) list(ctx context.Context, req wire.Frame, payload []byte, emit func(wire.Frame) error) error {
	filter, err := wire.DecodeListFilter(payload)
	if err != nil {
		return err
	}
	tasks, err := s.store.List(ctx, filter)
	if err != nil {
		return err
	}
	data, err := s.cfg.Codec.EncodeTaskList(tasks)
	if err != nil {
		return err
	}
	var flags uint8
	if packed, ok := wire.MaybeCompress(data, s.cfg.CompressThreshold); ok {
		data, flags = packed, wire.FlagCompressed
	}
	return emit(wire.Frame{CallID: req.CallID, Op: req.Op, Flags: flags, Payload: data})
}

func (s *Server) listStream(ctx context.Context, req wire.Frame, payload []byte, emit func(wire.Frame) error) error {
	filter, err := wire.DecodeListFilter(payload)
	if err != nil {
		return err
	}
	err = s.store.ListEach(ctx, filter, func(t domain.Task) error {
		data, err := s.cfg.Codec.EncodeTask(t)
		if err != nil {
			return err
		}
		return emit(wire.Frame{CallID: req.CallID, Op: req.Op, Flags: wire.FlagStreamItem, Payload: data})
	})
	if err != nil {
		return err
	}
	return emit(wire.Frame{CallID: req.CallID, Op: req.Op, Flags: wire.FlagStreamEnd})
}
