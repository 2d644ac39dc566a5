package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"taskgate/internal/db"
	"taskgate/internal/domain"
	"taskgate/internal/migrate"
	"taskgate/internal/store"
)

func newTestStore(t *testing.T) (store.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: conn}, conn
}

func insert(t *testing.T, s store.Store, conn *sql.DB, task domain.Task) domain.Task {
	t.Helper()
	ctx := context.Background()
	if task.ID == (uuid.UUID{}) {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	task = task.Normalize()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := s.InsertTx(ctx, tx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return task
}

func TestInsertGetAllFields(t *testing.T) {
	s, conn := newTestStore(t)
	pid := uuid.New()
	due := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	want := insert(t, s, conn, domain.Task{
		Title:       "full record",
		Description: "every column set",
		Completed:   true,
		ProjectID:   &pid,
		Priority:    domain.PriorityUrgent,
		Status:      domain.StatusInProgress,
		DueDate:     &due,
	})
	got, err := s.Get(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("stored task differs:\n got  %+v\n want %+v", got, want)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(context.Background(), uuid.New()); err != store.ErrNotFound {
		t.Fatalf("get missing: %v, want ErrNotFound", err)
	}
}

func TestUpdateMissing(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	task := domain.Task{ID: uuid.New(), Title: "ghost", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.UpdateTx(ctx, tx, task); err != store.ErrNotFound {
		t.Fatalf("update missing: %v, want ErrNotFound", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := s.DeleteTx(ctx, tx, uuid.New()); err != store.ErrNotFound {
		t.Fatalf("delete missing: %v, want ErrNotFound", err)
	}
}

func TestListOrderAndFilters(t *testing.T) {
	s, conn := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insert(t, s, conn, domain.Task{Title: "second", Status: domain.StatusTodo, CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)})
	insert(t, s, conn, domain.Task{Title: "first", Status: domain.StatusDone, Priority: domain.PriorityHigh, CreatedAt: base, UpdatedAt: base})
	insert(t, s, conn, domain.Task{Title: "third", Status: domain.StatusTodo, Priority: domain.PriorityHigh, CreatedAt: base.Add(2 * time.Hour), UpdatedAt: base.Add(2 * time.Hour)})

	ctx := context.Background()
	all, err := s.List(ctx, domain.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Title != "first" || all[2].Title != "third" {
		t.Fatalf("list order wrong: %+v", titles(all))
	}

	high, err := s.List(ctx, domain.ListFilter{Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatalf("list high: %v", err)
	}
	if len(high) != 2 {
		t.Fatalf("high priority: %d records, want 2", len(high))
	}

	both, err := s.List(ctx, domain.ListFilter{Status: domain.StatusTodo, Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatalf("list both: %v", err)
	}
	if len(both) != 1 || both[0].Title != "third" {
		t.Fatalf("combined filter: %+v", titles(both))
	}

	limited, err := s.List(ctx, domain.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit: %d records, want 2", len(limited))
	}
}

func TestListEachStopsOnCallbackError(t *testing.T) {
	s, conn := newTestStore(t)
	for i := 0; i < 5; i++ {
		insert(t, s, conn, domain.Task{Title: "t"})
	}
	calls := 0
	sentinel := context.Canceled
	err := s.ListEach(context.Background(), domain.ListFilter{}, func(domain.Task) error {
		calls++
		if calls == 2 {
			return sentinel
		}
		return nil
	})
	if err != sentinel {
		t.Fatalf("list each: %v, want sentinel", err)
	}
	if calls != 2 {
		t.Fatalf("callback ran %d times, want 2", calls)
	}
}

func TestCountByStatus(t *testing.T) {
	s, conn := newTestStore(t)
	insert(t, s, conn, domain.Task{Title: "a", Status: domain.StatusTodo})
	insert(t, s, conn, domain.Task{Title: "b", Status: domain.StatusTodo})
	insert(t, s, conn, domain.Task{Title: "c", Status: domain.StatusDone})
	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["todo"] != 2 || counts["done"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func titles(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Title
	}
	return out
}
