package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gemmrun/internal/dnn"
	"github.com/samcharles93/gemmrun/internal/gemm"
)

func newTestEcho(t *testing.T, cfg ServerConfig) (*echo.Echo, *Server) {
	t.Helper()
	registry := dnn.NewRegistry(dnn.WithWorkers(2))
	server := NewServer(gemm.NewExecutor(registry), registry, cfg)
	t.Cleanup(func() {
		_ = server.Close()
		_ = registry.Close()
	})
	e := echo.New()
	server.Register(e)
	return e, server
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const alphaBetaProblem = `{
  "alpha": 2, "beta": 1, "verify": true,
  "lhs": {"rows": 2, "cols": 2, "dtype": "%s", "values": [1, 2, 3, 4]},
  "rhs": {"rows": 2, "cols": 2, "dtype": "%s", "values": [1, 0, 0, 1]},
  "out": {"order": "column_major", "rows": 2, "cols": 2, "dtype": "%s", "values": [1, 1, 1, 1]}
}`

func problemBody(lhs, rhs, out string) string {
	return fmt.Sprintf(alphaBetaProblem, lhs, rhs, out)
}

func TestRunGetDeleteLifecycle(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, ServerConfig{Streams: 2})
	rec := doJSON(t, e, http.MethodPost, "/v1/gemm", problemBody("f32", "f32", "f32"))
	if rec.Code != http.StatusOK {
		t.Fatalf("run status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("expected request id header")
	}

	var run RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run response: %v", err)
	}
	want := []float64{3, 5, 7, 9}
	for i, v := range want {
		if run.Values[i] != v {
			t.Fatalf("values got %v want %v", run.Values, want)
		}
	}
	if run.Verification == nil || !run.Verification.Passed {
		t.Fatalf("expected passing verification, got %+v", run.Verification)
	}
	if !run.Plan.Swapped || len(run.Plan.PostOps) != 2 {
		t.Fatalf("unexpected plan: %+v", run.Plan)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/gemm/"+run.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	delRec := doJSON(t, e, http.MethodDelete, "/v1/gemm/"+run.ID, "")
	if !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete response missing deleted=true: %s", delRec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/gemm/"+run.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestRunStatusMapping(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, ServerConfig{Streams: 1, ScratchLimit: 64})
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"type mismatch", problemBody("f32", "f32", "f16"), http.StatusBadRequest, "type_mismatch"},
		{"unsupported dtype", problemBody("s32", "s32", "s32"), http.StatusBadRequest, "unsupported_dtype"},
		{"invalid layout", `{"lhs":{"rows":2,"cols":3,"dtype":"f32"},"rhs":{"rows":2,"cols":2,"dtype":"f32"},"out":{"rows":2,"cols":2,"dtype":"f32"}}`, http.StatusBadRequest, "invalid_layout"},
		{"bad json", `{"lhs":`, http.StatusBadRequest, "invalid_request"},
		{"empty body", ``, http.StatusBadRequest, "invalid_request"},
		{"scratch over budget", problemBody("f16", "f16", "f16"), http.StatusInsufficientStorage, "allocation_failed"},
	}

	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/gemm", tc.body)
		if rec.Code != tc.status {
			t.Errorf("%s: status got %d want %d body=%s", tc.name, rec.Code, tc.status, rec.Body.String())
			continue
		}
		var env struct {
			Error ResponseError `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s: decode error envelope: %v", tc.name, err)
		}
		if env.Error.Code != tc.code || env.Error.Message == "" || env.Error.Type == "" {
			t.Errorf("%s: unexpected envelope %+v", tc.name, env.Error)
		}
	}
}

func TestPlanAndEngines(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, ServerConfig{Streams: 3})
	rec := doJSON(t, e, http.MethodPost, "/v1/gemm/plan", problemBody("bf16", "bf16", "bf16"))
	if rec.Code != http.StatusOK {
		t.Fatalf("plan status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var plan PlanResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatal(err)
	}
	if plan.Plan.ScratchBytes == 0 || plan.Plan.Out.Transpose != "N" {
		t.Fatalf("unexpected plan: %+v", plan.Plan)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/engines", "")
	var engines EnginesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &engines); err != nil {
		t.Fatal(err)
	}
	if len(engines.Data) != 1 || engines.Data[0].Workers != 2 {
		t.Fatalf("expected one engine with 2 workers, got %+v", engines.Data)
	}
}

func TestConcurrentRunsShareStreams(t *testing.T) {
	t.Parallel()

	e, server := newTestEcho(t, ServerConfig{Streams: 2})
	body := `{"batch": 4, "alpha": 0.5, "beta": 0, "seed": 3, "verify": true, "omit_values": true,
  "lhs": {"rows": 16, "cols": 8, "dtype": "f16"},
  "rhs": {"order": "column_major", "rows": 8, "cols": 12, "dtype": "f16"},
  "out": {"order": "column_major", "rows": 16, "cols": 12, "dtype": "f16"}}`

	var wg sync.WaitGroup
	codes := make(chan string, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doJSON(t, e, http.MethodPost, "/v1/gemm", body)
			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"passed":true`) {
				codes <- rec.Body.String()
			}
		}()
	}
	wg.Wait()
	close(codes)
	for body := range codes {
		t.Fatalf("run failed: %s", body)
	}
	if server.registry.Len() != 2 {
		t.Fatalf("expected one engine per stream, got %d", server.registry.Len())
	}
	if server.store.Len() != 8 {
		t.Fatalf("expected 8 stored runs, got %d", server.store.Len())
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, ServerConfig{Streams: 2, ScratchLimit: 1 << 20})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	var h HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Streams != 2 || h.Scratch.Capacity != 1<<20 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestRunStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	s := NewRunStore(2)
	for _, id := range []string{"a", "b", "c"} {
		s.Put(RunResponse{ID: id})
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("oldest run should be evicted")
	}
	if _, ok := s.Get("c"); !ok || s.Len() != 2 {
		t.Fatal("newest runs should be kept")
	}
	if !s.Delete("b") || s.Delete("b") {
		t.Fatal("delete should succeed once")
	}
}
