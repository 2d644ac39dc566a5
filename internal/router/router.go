// Package router classifies inbound requests and dispatches each to one
// of four backends: direct datastore access, a typed RPC to the task
// service, an asynchronous queue publish, or a delegated agent
// invocation. Whatever pattern serves the request, the caller gets one
// normalized response shape and one error vocabulary.
package router

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"taskgate/internal/domain"
	"taskgate/internal/logger"
	"taskgate/internal/rpc"
	"taskgate/internal/status"
	"taskgate/internal/wire"
)

// Pattern identifies how a request was served.
type Pattern uint8

const (
	PatternUnknown Pattern = iota
	PatternDatastore
	PatternRPC
	PatternQueue
	PatternAgent
)

func (p Pattern) String() string {
	switch p {
	case PatternDatastore:
		return "datastore"
	case PatternRPC:
		return "rpc"
	case PatternQueue:
		return "queue"
	case PatternAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Collaborator contracts. The implementations live at the edges of the
// system; the router only depends on these shapes.

// Rows is a generic result set from the datastore collaborator.
type Rows []map[string]any

// Datastore runs a parameterized query on an owned table.
type Datastore interface {
	Execute(ctx context.Context, query string, args []any) (Rows, error)
}

// Ack acknowledges that a message was handed to the broker. It is not
// the processing result; that happens out-of-band in a worker.
type Ack struct {
	Subject  string `json:"subject"`
	Stream   string `json:"stream,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
}

// QueuePublisher hands a job descriptor to the broker.
type QueuePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) (Ack, error)
}

// Chunk is one piece of streamed agent output.
type Chunk struct {
	Data []byte
	Err  error
}

// Agent is a delegated reasoning endpoint.
type Agent interface {
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
	Stream(ctx context.Context, payload []byte) (<-chan Chunk, error)
}

// CallerContext is the already-authenticated identity attached to a
// request. Authentication itself happens upstream.
type CallerContext struct {
	ActorID string
}

// Request is the router-facing request shape. Payload carries the wire
// form for RPC operations, a JSON query descriptor for datastore
// operations, and opaque bytes for queue and agent targets.
type Request struct {
	Operation    string
	TargetDomain string
	Payload      []byte
	Caller       CallerContext
	Deadline     time.Duration
	// OnChunk, when set, receives partial agent output as it is
	// produced. The final Response still carries the full output.
	OnChunk func([]byte)
}

// Response is the single normalized shape returned for every pattern.
type Response struct {
	Status  string
	Result  any
	Err     *status.Error
	Pattern Pattern
}

// Router owns the classification table and the four backends. Dispatch
// is a single decision per request: no fallback cascading between
// patterns.
type Router struct {
	Routes    map[string]Pattern
	Datastore Datastore
	Tasks     *rpc.Client
	Queue     QueuePublisher
	Agent     Agent
	Codec     wire.Codec
	// SubjectPrefix namespaces queue subjects, e.g. "taskgate".
	SubjectPrefix string
}

// DefaultRoutes is the documented classification table.
func DefaultRoutes() map[string]Pattern {
	return map[string]Pattern{
		"records": PatternDatastore,
		"tasks":   PatternRPC,
		"notify":  PatternQueue,
		"jobs":    PatternQueue,
		"agent":   PatternAgent,
	}
}

// Classify is a pure function of the declared target domain. Unknown
// targets are unroutable; the router fails fast rather than guessing.
func (r *Router) Classify(targetDomain string) (Pattern, error) {
	routes := r.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	p, ok := routes[targetDomain]
	if !ok || p == PatternUnknown {
		return PatternUnknown, status.New(status.KindUnroutableRequest, "no dispatch pattern for target domain %q", targetDomain)
	}
	return p, nil
}

// Dispatch runs one request through classify and the chosen backend.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	pattern, err := r.Classify(req.TargetDomain)
	if err != nil {
		return failed(PatternUnknown, err)
	}
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}
	logger.Debug("dispatching request",
		zap.String("operation", req.Operation),
		zap.String("target_domain", req.TargetDomain),
		zap.Stringer("pattern", pattern),
		zap.String("actor_id", req.Caller.ActorID))

	var (
		result any
		dErr   *status.Error
	)
	switch pattern {
	case PatternDatastore:
		result, dErr = r.dispatchDatastore(ctx, req)
	case PatternRPC:
		result, dErr = r.dispatchRPC(ctx, req)
	case PatternQueue:
		result, dErr = r.dispatchQueue(ctx, req)
	case PatternAgent:
		result, dErr = r.dispatchAgent(ctx, req)
	}
	if dErr != nil {
		return failed(pattern, dErr)
	}
	return Response{Status: "ok", Result: result, Pattern: pattern}
}

func failed(p Pattern, err error) Response {
	return Response{Status: "error", Err: status.Normalize(err), Pattern: p}
}

// queryDescriptor is the JSON payload of a datastore request.
type queryDescriptor struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

func (r *Router) dispatchDatastore(ctx context.Context, req Request) (any, *status.Error) {
	if r.Datastore == nil {
		return nil, status.New(status.KindInternal, "datastore backend not configured")
	}
	var q queryDescriptor
	if err := json.Unmarshal(req.Payload, &q); err != nil {
		return nil, status.Wrap(status.KindInvalidArgument, err, "malformed query descriptor")
	}
	if q.Query == "" {
		return nil, status.New(status.KindInvalidArgument, "query is required")
	}
	rows, err := r.Datastore.Execute(ctx, q.Query, q.Args)
	if err != nil {
		return nil, status.FromDatastore(err)
	}
	return rows, nil
}

func (r *Router) dispatchRPC(ctx context.Context, req Request) (any, *status.Error) {
	if r.Tasks == nil {
		return nil, status.New(status.KindInternal, "task service backend not configured")
	}
	var (
		result any
		err    error
	)
	switch req.Operation {
	case "Create", "UpdateById":
		t, derr := r.Codec.DecodeTask(req.Payload)
		if derr != nil {
			return nil, status.Wrap(status.KindInvalidArgument, derr, "")
		}
		if req.Operation == "Create" {
			result, err = r.Tasks.Create(ctx, t)
		} else {
			result, err = r.Tasks.UpdateByID(ctx, t)
		}
	case "GetById", "DeleteById":
		id, derr := wire.DecodeID(req.Payload)
		if derr != nil {
			return nil, status.Wrap(status.KindInvalidArgument, derr, "")
		}
		if req.Operation == "GetById" {
			result, err = r.Tasks.GetByID(ctx, id)
		} else {
			err = r.Tasks.DeleteByID(ctx, id)
		}
	case "List":
		filter, derr := wire.DecodeListFilter(req.Payload)
		if derr != nil {
			return nil, status.Wrap(status.KindInvalidArgument, derr, "")
		}
		result, err = r.Tasks.List(ctx, filter)
	case "ListStream":
		filter, derr := wire.DecodeListFilter(req.Payload)
		if derr != nil {
			return nil, status.Wrap(status.KindInvalidArgument, derr, "")
		}
		result, err = r.streamTasks(ctx, req, filter)
	default:
		return nil, status.New(status.KindInvalidArgument, "unknown task operation %q", req.Operation)
	}
	if err != nil {
		return nil, status.FromRPC(err)
	}
	return result, nil
}

// streamTasks forwards records through OnChunk as they arrive and still
// returns the full set, so streaming is an optimization visible to the
// caller, not a different response shape.
func (r *Router) streamTasks(ctx context.Context, req Request, filter domain.ListFilter) ([]domain.Task, error) {
	stream, err := r.Tasks.ListStream(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var tasks []domain.Task
	for {
		t, err := stream.Recv(ctx)
		if err == io.EOF {
			return tasks, nil
		}
		if err != nil {
			return tasks, err
		}
		if req.OnChunk != nil {
			data, merr := json.Marshal(taskChunk(t))
			if merr == nil {
				req.OnChunk(data)
			}
		}
		tasks = append(tasks, t)
	}
}

func taskChunk(t domain.Task) map[string]any {
	return map[string]any{"id": t.ID.String(), "title": t.Title, "status": t.Status.String()}
}

func (r *Router) dispatchQueue(ctx context.Context, req Request) (any, *status.Error) {
	if r.Queue == nil {
		return nil, status.New(status.KindInternal, "queue backend not configured")
	}
	subject := req.TargetDomain + "." + req.Operation
	if r.SubjectPrefix != "" {
		subject = r.SubjectPrefix + "." + subject
	}
	// The ack confirms hand-off only; processing happens out-of-band,
	// and cancellation past this point is a no-op.
	ack, err := r.Queue.Publish(ctx, subject, req.Payload)
	if err != nil {
		return nil, status.FromQueue(err)
	}
	ack.Subject = subject
	return ack, nil
}

func (r *Router) dispatchAgent(ctx context.Context, req Request) (any, *status.Error) {
	if r.Agent == nil {
		return nil, status.New(status.KindInternal, "agent backend not configured")
	}
	if req.Operation != "stream" || req.OnChunk == nil {
		out, err := r.Agent.Invoke(ctx, req.Payload)
		if err != nil {
			return nil, status.FromAgent(err)
		}
		return json.RawMessage(out), nil
	}
	chunks, err := r.Agent.Stream(ctx, req.Payload)
	if err != nil {
		return nil, status.FromAgent(err)
	}
	var full []byte
	for c := range chunks {
		if c.Err != nil {
			return nil, status.FromAgent(c.Err)
		}
		req.OnChunk(c.Data)
		full = append(full, c.Data...)
	}
	return json.RawMessage(full), nil
}
