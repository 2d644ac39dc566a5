// Package gateway exposes the dispatch core over HTTP. The /dispatch
// endpoint is the raw router surface and always answers with the
// normalized response shape; the /tasks endpoints are a typed
// convenience layer over the RPC pattern.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"taskgate/internal/domain"
	"taskgate/internal/router"
	"taskgate/internal/status"
	"taskgate/internal/wire"
)

// Config for the HTTP API handler.
type Config struct {
	Router   *router.Router
	Codec    wire.Codec
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskgate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(st int, msg string, errs ...error) huma.StatusError {
		return newAPIError(st, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, st int, msg string, errs ...error) huma.StatusError {
		if st == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			st = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(st, "", msg, details)
	}

	mux := chi.NewRouter()
	mux.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Taskgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(mux, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerDispatch(group, cfg)
	registerTasks(group, cfg)

	return mux, nil
}

func newAPIError(st int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(st), " ", "_"))
	}
	return &apiError{
		status: st,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the dispatch error vocabulary to HTTP codes.
func handleError(err *status.Error) huma.StatusError {
	if err == nil {
		return nil
	}
	return newAPIError(httpStatusForKind(err.Kind), err.Kind.String(), err.Message, nil)
}

func httpStatusForKind(k status.Kind) int {
	switch k {
	case status.KindNotFound:
		return http.StatusNotFound
	case status.KindInvalidArgument, status.KindEncodingError, status.KindDecodingError, status.KindUnroutableRequest:
		return http.StatusBadRequest
	case status.KindUnavailable, status.KindTransportError:
		return http.StatusServiceUnavailable
	case status.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// registerDispatch exposes the raw router. The response always carries
// the normalized shape; failures ride inside it rather than as an HTTP
// error, because pattern-uniform responses are the point.
func registerDispatch(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Dispatch a request to its backend",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		if input.Body.TargetDomain == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_domain is required", nil)
		}
		req := router.Request{
			Operation:    input.Body.Operation,
			TargetDomain: input.Body.TargetDomain,
			Payload:      input.Body.Payload,
			Caller:       callerFromContext(ctx),
		}
		if input.Body.DeadlineMS > 0 {
			req.Deadline = time.Duration(input.Body.DeadlineMS) * time.Millisecond
		}
		resp := cfg.Router.Dispatch(ctx, req)
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: dispatchToResponse(resp)}, nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := taskFromCreateRequest(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return dispatchTask(ctx, cfg, "Create", t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id" format:"uuid"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid task id", nil)
		}
		resp := cfg.Router.Dispatch(ctx, router.Request{
			Operation:    "GetById",
			TargetDomain: "tasks",
			Payload:      wire.EncodeID(id),
			Caller:       callerFromContext(ctx),
		})
		if resp.Err != nil {
			return nil, handleError(resp.Err)
		}
		t, ok := resp.Result.(domain.Task)
		if !ok {
			return nil, newAPIError(http.StatusInternalServerError, "internal", "unexpected result shape", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskToResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Priority  string `query:"priority"`
		Completed *bool  `query:"completed"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		filter, err := listFilterFromQuery(input.Status, input.Priority, input.Completed, input.Limit)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		payload, err := wire.EncodeListFilter(filter)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "encoding_error", err.Error(), nil)
		}
		resp := cfg.Router.Dispatch(ctx, router.Request{
			Operation:    "List",
			TargetDomain: "tasks",
			Payload:      payload,
			Caller:       callerFromContext(ctx),
		})
		if resp.Err != nil {
			return nil, handleError(resp.Err)
		}
		tasks, _ := resp.Result.([]domain.Task)
		out := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, taskToResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id" format:"uuid"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid task id", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := taskFromUpdateRequest(id, input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return dispatchTask(ctx, cfg, "UpdateById", t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id" format:"uuid"`
	}) (*struct{}, error) {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid task id", nil)
		}
		resp := cfg.Router.Dispatch(ctx, router.Request{
			Operation:    "DeleteById",
			TargetDomain: "tasks",
			Payload:      wire.EncodeID(id),
			Caller:       callerFromContext(ctx),
		})
		if resp.Err != nil {
			return nil, handleError(resp.Err)
		}
		return &struct{}{}, nil
	})
}

// dispatchTask routes an encoded task through the dispatch core for the
// mutating operations that send a full record.
func dispatchTask(ctx context.Context, cfg Config, op string, t domain.Task) (*struct {
	Body TaskResponse `json:"body"`
}, error) {
	data, err := cfg.Codec.EncodeTask(t)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "encoding_error", err.Error(), nil)
	}
	resp := cfg.Router.Dispatch(ctx, router.Request{
		Operation:    op,
		TargetDomain: "tasks",
		Payload:      data,
		Caller:       callerFromContext(ctx),
	})
	if resp.Err != nil {
		return nil, handleError(resp.Err)
	}
	out, ok := resp.Result.(domain.Task)
	if !ok {
		return nil, newAPIError(http.StatusInternalServerError, "internal", "unexpected result shape", nil)
	}
	return &struct {
		Body TaskResponse `json:"body"`
	}{Body: taskToResponse(out)}, nil
}

func listFilterFromQuery(statusStr, priorityStr string, completed *bool, limit int) (domain.ListFilter, error) {
	var filter domain.ListFilter
	st, err := domain.ParseStatus(statusStr)
	if err != nil {
		return filter, err
	}
	filter.Status = st
	prio, err := domain.ParsePriority(priorityStr)
	if err != nil {
		return filter, err
	}
	filter.Priority = prio
	filter.Completed = completed
	if limit > 0 {
		filter.Limit = limit
	}
	return filter, nil
}
