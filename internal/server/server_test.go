package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/engine"
	"formline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func testCatalog() *config.Config {
	return &config.Config{
		Scheduler: config.Scheduler{
			MaxAttempts:    3,
			BackoffBaseSec: 1,
			BackoffFactor:  2,
			BackoffCapSec:  60,
		},
		Jurisdictions: map[string]config.Jurisdiction{
			"TS": {
				Name: "Test State",
				Stages: []config.Stage{
					{Key: "research", Title: "Research", Tasks: []config.StageTask{
						{Key: "search", Title: "Name search", Role: "researcher"},
					}},
				},
			},
		},
	}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, testCatalog())
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestFormationFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers", map[string]any{
		"role":     "researcher",
		"capacity": 1,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("hire worker: %d %s", res.StatusCode, string(data))
	}
	var worker WorkerResponse
	if err := json.Unmarshal(data, &worker); err != nil {
		t.Fatalf("unmarshal worker: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"business_name": "Acme LLC",
		"jurisdiction":  "TS",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case: %d %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/tick?case_id="+created.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick: %d %s", res.StatusCode, string(data))
	}
	var tick TickResponse
	if err := json.Unmarshal(data, &tick); err != nil {
		t.Fatalf("unmarshal tick: %v", err)
	}
	if len(tick.Assigned) != 1 || tick.Assigned[0].WorkerID != worker.ID {
		t.Fatalf("expected one assignment to hired worker, got %+v", tick.Assigned)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tick.Assigned[0].TaskID+"/outcome", map[string]any{
		"worker_id": worker.ID,
		"result":    "success",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit outcome: %d %s", res.StatusCode, string(data))
	}
	var task TaskSummaryResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", task.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("case status: %d %s", res.StatusCode, string(data))
	}
	var status CaseStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Case.Status != "completed" || status.ProgressPct != 100 {
		t.Fatalf("expected completed case, got %+v", status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workers/"+worker.ID+"/metrics", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("worker metrics: %d %s", res.StatusCode, string(data))
	}
	var wm WorkerMetricsResponse
	if err := json.Unmarshal(data, &wm); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if wm.Summary.Successes != 1 {
		t.Fatalf("expected one success, got %+v", wm.Summary)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	type envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	// Unknown case id maps to not_found.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/ghost/status", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code != "not_found" {
		t.Fatalf("expected not_found envelope, got %s", string(data))
	}

	// Catalog miss maps to configuration_error.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"business_name": "Acme LLC",
		"jurisdiction":  "XX",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	env = envelope{}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code != "configuration_error" {
		t.Fatalf("expected configuration_error envelope, got %s", string(data))
	}

	// Outcome for a task the worker does not hold maps to conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workers", map[string]any{
		"role": "researcher", "capacity": 1,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("hire: %d %s", res.StatusCode, string(data))
	}
	var worker WorkerResponse
	_ = json.Unmarshal(data, &worker)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"business_name": "Beta LLC",
		"jurisdiction":  "TS",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	_ = json.Unmarshal(data, &created)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+created.ID+"/tasks", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []TaskSummaryResponse
	_ = json.Unmarshal(data, &tasks)
	if len(tasks) == 0 {
		t.Fatalf("expected tasks")
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+tasks[0].ID+"/outcome", map[string]any{
		"worker_id": worker.ID,
		"result":    "success",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env = envelope{}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code != "not_assigned" {
		t.Fatalf("expected not_assigned envelope, got %s", string(data))
	}
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var spec map[string]any
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("openapi not json: %v", err)
	}
	if _, ok := spec["paths"]; !ok {
		t.Fatalf("openapi missing paths")
	}
}
