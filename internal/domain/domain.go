package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is a closed enumeration. Zero is reserved for "unspecified"
// so new members can be added without breaking old readers.
type Priority uint8

const (
	PriorityUnspecified Priority = 0
	PriorityLow         Priority = 1
	PriorityMedium      Priority = 2
	PriorityHigh        Priority = 3
	PriorityUrgent      Priority = 4
)

func (p Priority) Valid() bool { return p <= PriorityUrgent }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unspecified"
	}
}

// ParsePriority maps a textual priority to its discriminant.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "unspecified":
		return PriorityUnspecified, nil
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status is a closed enumeration with zero reserved, same as Priority.
type Status uint8

const (
	StatusUnspecified Status = 0
	StatusTodo        Status = 1
	StatusInProgress  Status = 2
	StatusDone        Status = 3
)

func (s Status) Valid() bool { return s <= StatusDone }

func (s Status) String() string {
	switch s {
	case StatusTodo:
		return "todo"
	case StatusInProgress:
		return "in_progress"
	case StatusDone:
		return "done"
	default:
		return "unspecified"
	}
}

// ParseStatus maps a textual status to its discriminant.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "", "unspecified":
		return StatusUnspecified, nil
	case "todo":
		return StatusTodo, nil
	case "in_progress":
		return StatusInProgress, nil
	case "done":
		return StatusDone, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// CanTransition reports whether the task service allows moving from s to
// next. Transitions are monotonic: todo -> in_progress -> done. Setting
// the same status again is allowed. The transport layer does not call
// this; it is a service-side rule.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() || next == StatusUnspecified {
		return false
	}
	return next >= s
}

// Task is the unit of work exchanged over the wire. Every RPC carries a
// complete snapshot, never a field-level diff. Timestamps are held at
// second precision in UTC because the wire form carries whole seconds.
type Task struct {
	ID          uuid.UUID
	Title       string
	Description string
	Completed   bool
	ProjectID   *uuid.UUID
	Priority    Priority
	Status      Status
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Normalize truncates timestamps to wire precision. Decoded tasks are
// already normalized; call this before comparing a locally built Task
// with one that made a wire round trip.
func (t Task) Normalize() Task {
	t.CreatedAt = t.CreatedAt.UTC().Truncate(time.Second)
	t.UpdatedAt = t.UpdatedAt.UTC().Truncate(time.Second)
	if t.DueDate != nil {
		d := t.DueDate.UTC().Truncate(time.Second)
		t.DueDate = &d
	}
	return t
}

// Equal compares two tasks field by field at wire precision.
func (t Task) Equal(o Task) bool {
	t, o = t.Normalize(), o.Normalize()
	if t.ID != o.ID || t.Title != o.Title || t.Description != o.Description ||
		t.Completed != o.Completed || t.Priority != o.Priority || t.Status != o.Status ||
		!t.CreatedAt.Equal(o.CreatedAt) || !t.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	if (t.ProjectID == nil) != (o.ProjectID == nil) {
		return false
	}
	if t.ProjectID != nil && *t.ProjectID != *o.ProjectID {
		return false
	}
	if (t.DueDate == nil) != (o.DueDate == nil) {
		return false
	}
	if t.DueDate != nil && !t.DueDate.Equal(*o.DueDate) {
		return false
	}
	return true
}

// ListFilter narrows List and ListStream results. Zero enum values mean
// "no constraint"; Limit <= 0 means no cap.
type ListFilter struct {
	Status    Status
	Priority  Priority
	Completed *bool
	Limit     int
}
