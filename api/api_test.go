package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shalfeiok/jobcore"
	"github.com/shalfeiok/jobcore/engine"
	"github.com/shalfeiok/jobcore/registry"
	"github.com/shalfeiok/jobcore/runner"
)

func setupAPI(t *testing.T) (*API, *engine.Engine) {
	t.Helper()

	cfg := jobcore.DefaultConfig()
	cfg.JournalPath = filepath.Join(t.TempDir(), "events.jsonl")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(cfg, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	defs := []engine.Definition{
		{
			Kind:      "echo",
			Isolation: jobcore.IsolationThread,
			Run: func(ctx context.Context, rc *runner.RunContext, input json.RawMessage) (json.RawMessage, error) {
				return input, nil
			},
		},
		{
			Kind:      "block",
			Isolation: jobcore.IsolationThread,
			Run: func(ctx context.Context, rc *runner.RunContext, input json.RawMessage) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}
	for _, def := range defs {
		if err := eng.Register(def); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	return New(eng, logger), eng
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func submitAndWait(t *testing.T, eng *engine.Engine, kind jobcore.Kind, input string) string {
	t.Helper()
	h, err := eng.Submit(kind, json.RawMessage(input), nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return h.JobID().String()
}

func TestSubmitAndGetJob(t *testing.T) {
	a, _ := setupAPI(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", `{"kind":"echo","input":{"n":1}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body = %s", rec.Code, rec.Body)
	}
	var sub struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, h, http.MethodGet, "/v1/jobs/"+sub.JobID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body)
		}
		var got registry.Record
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		if got.Status == registry.StatusFinished {
			if string(got.Result) != `{"n":1}` {
				t.Errorf("result = %s", got.Result)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitValidation(t *testing.T) {
	a, _ := setupAPI(t)
	h := a.Handler()

	if rec := doJSON(t, h, http.MethodPost, "/v1/jobs", `{"input":1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing kind status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/jobs", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/jobs", `{"kind":"mystery"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	a, _ := setupAPI(t)
	h := a.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/jobs/job_01h455vb4pex5vsknk084sn02q", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body = %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs/not-an-id", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", rec.Code)
	}
}

func TestListJobsFilters(t *testing.T) {
	a, eng := setupAPI(t)
	h := a.Handler()

	submitAndWait(t, eng, "echo", `1`)
	submitAndWait(t, eng, "echo", `2`)

	rec := doJSON(t, h, http.MethodGet, "/v1/jobs?kind=echo&status=finished", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var recs []registry.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/jobs?limit=1", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("unmarshal limited list: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("limited list has %d records, want 1", len(recs))
	}

	if rec := doJSON(t, h, http.MethodGet, "/v1/jobs?limit=banana", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	a, eng := setupAPI(t)
	h := a.Handler()

	handle, err := eng.Submit("block", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	jobID := handle.JobID().String()

	// Wait for it to be running before cancelling through the API.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := eng.Registry().Get(handle.JobID())
		if err == nil && rec.Status == registry.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if rec := doJSON(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body)
	}

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}

	// Cancelling a terminal job conflicts.
	if rec := doJSON(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestRerunJob(t *testing.T) {
	a, eng := setupAPI(t)
	h := a.Handler()

	jobID := submitAndWait(t, eng, "echo", `"again"`)

	rec := doJSON(t, h, http.MethodPost, "/v1/jobs/"+jobID+"/rerun", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("rerun status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		JobID   string `json:"job_id"`
		Lineage string `json:"lineage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal rerun response: %v", err)
	}
	if resp.JobID == jobID {
		t.Error("rerun reused the original job ID")
	}
	if resp.Lineage != jobID {
		t.Errorf("lineage = %s, want %s", resp.Lineage, jobID)
	}
}

func TestStatsAndHealth(t *testing.T) {
	a, eng := setupAPI(t)
	h := a.Handler()

	submitAndWait(t, eng, "echo", `1`)

	rec := doJSON(t, h, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Jobs.Total != 1 {
		t.Errorf("stats total = %d, want 1", stats.Jobs.Total)
	}

	rec = doJSON(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health body = %s", rec.Body)
	}
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Session.IsNil() || health.Session != eng.Session() {
		t.Errorf("health session = %s, want %s", health.Session, eng.Session())
	}
}
