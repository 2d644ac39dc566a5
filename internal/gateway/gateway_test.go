package gateway_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskgate/internal/db"
	"taskgate/internal/gateway"
	"taskgate/internal/migrate"
	"taskgate/internal/router"
	"taskgate/internal/rpc"
	"taskgate/internal/taskserv"
	"taskgate/internal/transport"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	srv := taskserv.New(conn, taskserv.Config{Addr: "127.0.0.1:0"})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Close)
	pool := transport.NewPool(srv.Addr().String(), 1, transport.Options{})
	t.Cleanup(pool.Close)

	rt := &router.Router{
		Routes:    router.DefaultRoutes(),
		Datastore: router.SQLDatastore{DB: conn},
		Tasks:     rpc.NewClient(pool),
	}
	handler, err := gateway.New(gateway.Config{Router: rt})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, in any, out any) int {
	t.Helper()
	var body *bytes.Buffer
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var out map[string]string
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/health", nil, &out); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if out["status"] != "ok" {
		t.Fatalf("health body = %v", out)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	var created gateway.TaskResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/tasks", map[string]any{
		"title":    "ship the feature",
		"priority": "high",
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	if created.ID == "" || created.Priority != "high" || created.Status != "todo" {
		t.Fatalf("created = %+v", created)
	}

	var fetched gateway.TaskResponse
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/tasks/"+created.ID, nil, &fetched); code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	if fetched != created {
		t.Fatalf("fetched differs:\n got  %+v\n want %+v", fetched, created)
	}

	var updated gateway.TaskResponse
	code = doJSON(t, http.MethodPut, ts.URL+"/v0/tasks/"+created.ID, map[string]any{
		"title":    "ship the feature",
		"priority": "high",
		"status":   "in_progress",
	}, &updated)
	if code != http.StatusOK {
		t.Fatalf("update = %d", code)
	}
	if updated.Status != "in_progress" {
		t.Fatalf("updated status = %q", updated.Status)
	}

	var list []gateway.TaskResponse
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/tasks?status=in_progress", nil, &list); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	if code := doJSON(t, http.MethodDelete, ts.URL+"/v0/tasks/"+created.ID, nil, nil); code != http.StatusNoContent && code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/tasks/"+created.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)
	var out struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	code := doJSON(t, http.MethodGet, ts.URL+"/v0/tasks/6f0f3c70-0000-0000-0000-000000000000", nil, &out)
	if code != http.StatusNotFound {
		t.Fatalf("missing task = %d", code)
	}
	if out.Error.Code != "not_found" {
		t.Fatalf("error code = %q", out.Error.Code)
	}

	code = doJSON(t, http.MethodGet, ts.URL+"/v0/tasks/not-a-uuid", nil, &out)
	if code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", code)
	}
}

// Dispatch failures ride inside the normalized response body with HTTP
// 200, matching what the router itself returns.
func TestDispatchEndpointNormalizedShape(t *testing.T) {
	ts := newTestServer(t)
	var out gateway.DispatchResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/dispatch", map[string]any{
		"operation":     "query",
		"target_domain": "billing",
	}, &out)
	if code != http.StatusOK {
		t.Fatalf("dispatch = %d", code)
	}
	if out.Status != "error" || out.Error == nil || out.Error.Kind != "unroutable_request" {
		t.Fatalf("dispatch body = %+v", out)
	}
	if out.PatternUsed != "unknown" {
		t.Fatalf("pattern = %q", out.PatternUsed)
	}
}

func TestDispatchEndpointDatastore(t *testing.T) {
	ts := newTestServer(t)
	descriptor, _ := json.Marshal(map[string]any{"query": "SELECT COUNT(*) AS n FROM tasks"})
	var out gateway.DispatchResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/dispatch", map[string]any{
		"operation":     "query",
		"target_domain": "records",
		"payload":       descriptor,
	}, &out)
	if code != http.StatusOK {
		t.Fatalf("dispatch = %d", code)
	}
	if out.Status != "ok" || out.PatternUsed != "datastore" {
		t.Fatalf("dispatch body = %+v", out)
	}
	rows, ok := out.Result.([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("result = %+v", out.Result)
	}
	row := rows[0].(map[string]any)
	if fmt.Sprint(row["n"]) != "0" {
		t.Fatalf("count row = %v", row)
	}
}
