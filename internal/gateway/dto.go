package gateway

import (
	"time"

	"github.com/google/uuid"

	"taskgate/internal/domain"
	"taskgate/internal/router"
)

// Request payloads

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	ProjectID   *string `json:"project_id,omitempty" format:"uuid"`
	Priority    string  `json:"priority,omitempty" enum:"unspecified,low,medium,high,urgent"`
	Status      string  `json:"status,omitempty" enum:"unspecified,todo,in_progress,done"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Completed   bool    `json:"completed,omitempty"`
	ProjectID   *string `json:"project_id,omitempty" format:"uuid"`
	Priority    string  `json:"priority,omitempty" enum:"unspecified,low,medium,high,urgent"`
	Status      string  `json:"status,omitempty" enum:"unspecified,todo,in_progress,done"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type DispatchRequest struct {
	Operation    string `json:"operation"`
	TargetDomain string `json:"target_domain"`
	Payload      []byte `json:"payload,omitempty"`
	DeadlineMS   int    `json:"deadline_ms,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID          string  `json:"id" format:"uuid"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Completed   bool    `json:"completed"`
	ProjectID   *string `json:"project_id,omitempty" format:"uuid"`
	Priority    string  `json:"priority"`
	Status      string  `json:"status"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type DispatchResponse struct {
	Status      string        `json:"status"`
	PatternUsed string        `json:"pattern_used"`
	Result      any           `json:"result,omitempty"`
	Error       *errorPayload `json:"error,omitempty"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func taskToResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID.String(),
		Title:       t.Title,
		Description: t.Description,
		Completed:   t.Completed,
		Priority:    t.Priority.String(),
		Status:      t.Status.String(),
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if t.ProjectID != nil {
		s := t.ProjectID.String()
		resp.ProjectID = &s
	}
	if t.DueDate != nil {
		s := t.DueDate.UTC().Format(time.RFC3339)
		resp.DueDate = &s
	}
	return resp
}

// normalizeResult converts router results into their JSON shapes.
func normalizeResult(result any) any {
	switch v := result.(type) {
	case domain.Task:
		return taskToResponse(v)
	case []domain.Task:
		out := make([]TaskResponse, len(v))
		for i, t := range v {
			out[i] = taskToResponse(t)
		}
		return out
	default:
		return v
	}
}

func taskFromCreateRequest(req CreateTaskRequest) (domain.Task, error) {
	var t domain.Task
	t.Title = req.Title
	if req.Description != nil {
		t.Description = *req.Description
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return t, err
	}
	t.Priority = prio
	st, err := domain.ParseStatus(req.Status)
	if err != nil {
		return t, err
	}
	t.Status = st
	if req.ProjectID != nil {
		pid, err := uuid.Parse(*req.ProjectID)
		if err != nil {
			return t, err
		}
		t.ProjectID = &pid
	}
	if req.DueDate != nil {
		due, err := time.Parse(time.RFC3339, *req.DueDate)
		if err != nil {
			return t, err
		}
		t.DueDate = &due
	}
	return t, nil
}

func taskFromUpdateRequest(id uuid.UUID, req UpdateTaskRequest) (domain.Task, error) {
	t, err := taskFromCreateRequest(CreateTaskRequest{
		Title:       req.Title,
		Description: req.Description,
		ProjectID:   req.ProjectID,
		Priority:    req.Priority,
		Status:      req.Status,
		DueDate:     req.DueDate,
	})
	if err != nil {
		return t, err
	}
	t.ID = id
	t.Completed = req.Completed
	return t, nil
}

func dispatchToResponse(resp router.Response) DispatchResponse {
	out := DispatchResponse{
		Status:      resp.Status,
		PatternUsed: resp.Pattern.String(),
		Result:      normalizeResult(resp.Result),
	}
	if resp.Err != nil {
		out.Error = &errorPayload{Kind: resp.Err.Kind.String(), Message: resp.Err.Message}
	}
	return out
}
