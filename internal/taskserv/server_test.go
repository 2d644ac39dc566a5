package taskserv_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"taskgate/internal/db"
	"taskgate/internal/domain"
	"taskgate/internal/migrate"
	"taskgate/internal/rpc"
	"taskgate/internal/taskserv"
	"taskgate/internal/transport"
	"taskgate/internal/wire"
)

type testEnv struct {
	DB     *sql.DB
	Client *rpc.Client
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg taskserv.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg.Addr = "127.0.0.1:0"
	srv := taskserv.New(conn, cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Close)

	pool := transport.NewPool(srv.Addr().String(), 1, transport.Options{})
	t.Cleanup(pool.Close)
	return testEnv{DB: conn, Client: rpc.NewClient(pool), Ctx: context.Background()}
}

func countEvents(t *testing.T, conn *sql.DB, evtType string) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM events WHERE type=?`, evtType).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestMutationsAppendEvents(t *testing.T) {
	env := newTestEnv(t, taskserv.Config{})
	created, err := env.Client.Create(env.Ctx, domain.Task{Title: "audit me"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.Status = domain.StatusInProgress
	if _, err := env.Client.UpdateByID(env.Ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := env.Client.DeleteByID(env.Ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, evt := range []string{"task.create", "task.update", "task.delete"} {
		if n := countEvents(t, env.DB, evt); n != 1 {
			t.Fatalf("%s events: %d, want 1", evt, n)
		}
	}
}

func TestFailedMutationLeavesNoEvent(t *testing.T) {
	env := newTestEnv(t, taskserv.Config{})
	created, err := env.Client.Create(env.Ctx, domain.Task{Title: "t", Status: domain.StatusDone})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.Status = domain.StatusTodo
	if _, err := env.Client.UpdateByID(env.Ctx, created); err == nil {
		t.Fatalf("expected rejected transition")
	}
	if n := countEvents(t, env.DB, "task.update"); n != 0 {
		t.Fatalf("rejected update wrote %d events", n)
	}
}

func TestUnspecifiedStatusDefaultsAndPreserves(t *testing.T) {
	env := newTestEnv(t, taskserv.Config{})
	created, err := env.Client.Create(env.Ctx, domain.Task{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != domain.StatusTodo {
		t.Fatalf("create status = %v, want todo default", created.Status)
	}

	created.Status = domain.StatusInProgress
	if _, err := env.Client.UpdateByID(env.Ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}
	// An update that leaves status unspecified keeps the current one.
	created.Status = domain.StatusUnspecified
	created.Title = "renamed"
	updated, err := env.Client.UpdateByID(env.Ctx, created)
	if err != nil {
		t.Fatalf("update without status: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("status = %v, want preserved in_progress", updated.Status)
	}
	if updated.Title != "renamed" {
		t.Fatalf("title = %q, want renamed", updated.Title)
	}
}

// Large list responses cross the compression threshold and still decode
// transparently on the client.
func TestLargeListCompresses(t *testing.T) {
	env := newTestEnv(t, taskserv.Config{CompressThreshold: 1 << 10})
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)
	for i := 0; i < 10; i++ {
		if _, err := env.Client.Create(env.Ctx, domain.Task{Title: "task", Description: long}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	tasks, err := env.Client.List(env.Ctx, domain.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 10 {
		t.Fatalf("list: %d records, want 10", len(tasks))
	}
	for _, task := range tasks {
		if task.Description != long {
			t.Fatalf("description corrupted after compressed round trip")
		}
	}
}

func TestCompressedRequestAccepted(t *testing.T) {
	env := newTestEnv(t, taskserv.Config{})
	env.Client.CompressThreshold = 1 << 10
	long := strings.Repeat("compress me ", 500)
	created, err := env.Client.Create(env.Ctx, domain.Task{Title: "big", Description: long})
	if err != nil {
		t.Fatalf("create compressed: %v", err)
	}
	got, err := env.Client.GetByID(env.Ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != long {
		t.Fatalf("description corrupted after compressed request")
	}
}

func TestServerClockTruncatesToWirePrecision(t *testing.T) {
	fixed := time.Date(2024, 3, 15, 10, 30, 45, 123456789, time.UTC)
	env := newTestEnv(t, taskserv.Config{Now: func() time.Time { return fixed }})
	created, err := env.Client.Create(env.Ctx, domain.Task{Title: "t"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := fixed.Truncate(time.Second)
	if !created.CreatedAt.Equal(want) || !created.UpdatedAt.Equal(want) {
		t.Fatalf("timestamps %v/%v, want %v", created.CreatedAt, created.UpdatedAt, want)
	}
}

func TestOversizedFrameDropsConnectionNotServer(t *testing.T) {
	env := newTestEnv(t, taskserv.Config{Codec: wire.Codec{MaxMessageSize: 1 << 10}})
	long := strings.Repeat("x", 4<<10)
	_, err := env.Client.Create(env.Ctx, domain.Task{Title: "big", Description: long})
	if err == nil {
		t.Fatalf("expected failure for oversized frame")
	}
	// The service stays up for well-formed traffic on a fresh connection.
	if _, err := env.Client.Create(env.Ctx, domain.Task{Title: "small"}); err != nil {
		t.Fatalf("create after oversize: %v", err)
	}
}
