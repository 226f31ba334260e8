package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/renderfactory/internal/config"
	"github.com/lucasnoah/renderfactory/internal/dispatch"
	"github.com/lucasnoah/renderfactory/internal/logging"
	"github.com/lucasnoah/renderfactory/internal/monitor"
	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (d *recordingDispatcher) Submit(ctx context.Context, job dispatch.Job) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return fmt.Sprintf("job-%d", len(d.jobs)), nil
}

func (d *recordingDispatcher) last() dispatch.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jobs[len(d.jobs)-1]
}

func newTestServer(t *testing.T) (*httptest.Server, *recordingDispatcher) {
	t.Helper()
	cfg := config.Default()
	cfg.Retry.Budget = 3
	cfg.QA.Manual = nil
	store := pipeline.NewStore(t.TempDir())
	d := &recordingDispatcher{}
	orch, err := orchestrator.NewOrchestrator(store, store, d, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	mon := monitor.New(orch, store, cfg, logging.Discard())
	srv := httptest.NewServer(NewServer(orch, mon, logging.Discard()).Router())
	t.Cleanup(srv.Close)
	return srv, d
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func createPipeline(t *testing.T, srv *httptest.Server, kind pipeline.Kind) string {
	t.Helper()
	code, body := do(t, srv, http.MethodPost, "/api/pipelines", map[string]any{"kind": kind, "title": "loft"})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %s", code, body)
	}
	var info orchestrator.StatusInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}
	return info.ID
}

func errorKind(t *testing.T, body []byte) string {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return e.Kind
}

func TestCreateGetList(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createPipeline(t, srv, pipeline.KindSimpleFourStep)

	code, body := do(t, srv, http.MethodGet, "/api/pipelines/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d %s", code, body)
	}
	var info orchestrator.StatusInfo
	json.Unmarshal(body, &info)
	if info.Phase != "step_1_pending" || info.Title != "loft" {
		t.Errorf("status = %+v", info)
	}

	code, body = do(t, srv, http.MethodGet, "/api/pipelines", nil)
	var rows []PipelineRow
	json.Unmarshal(body, &rows)
	if code != http.StatusOK || len(rows) != 1 || rows[0].ID != id {
		t.Errorf("list: %d %+v", code, rows)
	}

	code, body = do(t, srv, http.MethodGet, "/api/pipelines/nope", nil)
	if code != http.StatusNotFound || errorKind(t, body) != "not_found" {
		t.Errorf("missing pipeline: %d %s", code, body)
	}

	code, _ = do(t, srv, http.MethodPost, "/api/pipelines", map[string]any{"kind": "castle"})
	if code != http.StatusBadRequest {
		t.Errorf("unknown kind: %d, want 400", code)
	}

	code, _ = do(t, srv, http.MethodDelete, "/api/pipelines/"+id, nil)
	if code != http.StatusNoContent {
		t.Errorf("delete: %d", code)
	}
}

func TestAdvanceCallbackApprove(t *testing.T) {
	srv, d := newTestServer(t)
	id := createPipeline(t, srv, pipeline.KindSimpleFourStep)

	code, body := do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/advance", nil)
	if code != http.StatusOK {
		t.Fatalf("advance: %d %s", code, body)
	}
	code, body = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/advance", nil)
	if code != http.StatusLocked || errorKind(t, body) != "gate_locked" {
		t.Errorf("advance while running: %d %s", code, body)
	}

	job := d.last()
	code, body = do(t, srv, http.MethodPost, "/api/callbacks/completion", CompletionCallback{
		PipelineID: id, StageKey: 1, ArtifactRef: "anonymous", Decision: "pass",
	})
	if code != http.StatusBadRequest {
		t.Errorf("completion without attempt_id: %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodPost, "/api/callbacks/completion", CompletionCallback{
		PipelineID: id, StageKey: 1, AttemptID: job.AttemptID, ArtifactRef: "upload-1", Decision: "pass",
	})
	if code != http.StatusOK || !strings.Contains(string(body), `"waiting_approval"`) {
		t.Fatalf("completion: %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodPost, "/api/callbacks/completion", CompletionCallback{
		PipelineID: id, StageKey: 1, AttemptID: "stale-attempt", ArtifactRef: "late", Decision: "approved",
	})
	if code != http.StatusOK || !strings.Contains(string(body), `"ignored":true`) {
		t.Errorf("late completion: %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/stages/1/approve", map[string]string{"notes": "ok"})
	if code != http.StatusOK || !strings.Contains(string(body), `"changed":true`) {
		t.Errorf("approve: %d %s", code, body)
	}
	code, body = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/stages/1/approve", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"changed":false`) {
		t.Errorf("second approve: %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodGet, "/api/pipelines/"+id+"/events", nil)
	var events []pipeline.Event
	json.Unmarshal(body, &events)
	if code != http.StatusOK || len(events) < 3 {
		t.Errorf("events: %d %d", code, len(events))
	}
}

func TestProgressAndStaleCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createPipeline(t, srv, pipeline.KindSimpleFourStep)
	do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/advance", nil)

	code, _ := do(t, srv, http.MethodPost, "/api/callbacks/progress", ProgressCallback{PipelineID: id, StageKey: 1, Message: "50%"})
	if code != http.StatusNoContent {
		t.Errorf("progress: %d", code)
	}

	code, body := do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/stages/1/stale-check", map[string]string{"threshold": "1h"})
	var c monitor.Check
	json.Unmarshal(body, &c)
	if code != http.StatusOK || !c.Running || c.Stale {
		t.Errorf("stale check: %d %+v", code, c)
	}

	code, _ = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/stages/1/stale-check", map[string]string{"threshold": "soon"})
	if code != http.StatusBadRequest {
		t.Errorf("bad threshold: %d, want 400", code)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createPipeline(t, srv, pipeline.KindWholeApartment)

	code, body := do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/rollback", map[string]any{"stage": 1})
	if code != http.StatusUnprocessableEntity || errorKind(t, body) != "invalid" {
		t.Errorf("unconfirmed rollback: %d %s", code, body)
	}

	code, _ = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/sub-stages/sketch/run-all", nil)
	if code != http.StatusBadRequest {
		t.Errorf("unknown sub-stage: %d, want 400", code)
	}

	code, _ = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/spaces/kitchen/render/C/approve", nil)
	if code != http.StatusBadRequest {
		t.Errorf("unknown variant: %d, want 400", code)
	}

	code, body = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/sub-stages/render/run-all", nil)
	if code != http.StatusLocked {
		t.Errorf("run-all before the render stage: %d %s", code, body)
	}

	code, body = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/pause", map[string]string{"reason": "waiting on client"})
	if code != http.StatusOK || !strings.Contains(string(body), `"paused":true`) {
		t.Fatalf("pause: %d %s", code, body)
	}
	code, _ = do(t, srv, http.MethodPost, "/api/pipelines/"+id+"/advance", nil)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("advance while paused: %d, want 422", code)
	}
}

func TestStatusFor(t *testing.T) {
	p := &pipeline.Pipeline{ID: "p1"}
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.NotFound("p1"), http.StatusNotFound},
		{pipeline.Conflict("p1", "pipeline"), http.StatusConflict},
		{pipeline.GateLocked(p, 4, "advance", "closed"), http.StatusLocked},
		{pipeline.Invalid(p, 1, "start", "paused"), http.StatusUnprocessableEntity},
		{pipeline.Exhausted(p, 1, "start", 3, 3), http.StatusUnprocessableEntity},
		{pipeline.DispatchFailed(p, 1, "start", errors.New("queue down")), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMetricsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	createPipeline(t, srv, pipeline.KindSimpleFourStep)

	code, body := do(t, srv, http.MethodGet, "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(string(body), "renderfactory_operations_total") {
		t.Errorf("metrics: %d", code)
	}
	code, _ = do(t, srv, http.MethodGet, "/healthz", nil)
	if code != http.StatusOK {
		t.Errorf("healthz: %d", code)
	}
}

func TestStreamCursor(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	history := []pipeline.Event{
		{Type: "b", Timestamp: base.Add(time.Second)},
		{Type: "a", Timestamp: base},
	}
	cur := cursorAt(history)
	if got := cur.next(history); len(got) != 0 {
		t.Fatalf("next on unchanged history = %+v", got)
	}

	// Two more events land in the same tick as "b", then one later.
	history = append([]pipeline.Event{
		{Type: "e", Timestamp: base.Add(2 * time.Second)},
		{Type: "d", Timestamp: base.Add(time.Second)},
		{Type: "c", Timestamp: base.Add(time.Second)},
	}, history...)
	got := cur.next(history)
	if len(got) != 3 || got[0].Type != "c" || got[1].Type != "d" || got[2].Type != "e" {
		t.Fatalf("next = %+v, want c, d, e", got)
	}
	if got := cur.next(history); len(got) != 0 {
		t.Errorf("events delivered twice: %+v", got)
	}

	history = append([]pipeline.Event{{Type: "f", Timestamp: base.Add(2 * time.Second)}}, history...)
	if got := cur.next(history); len(got) != 1 || got[0].Type != "f" {
		t.Errorf("next = %+v, want f", got)
	}
}

func TestRelTime(t *testing.T) {
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	tests := map[time.Duration]string{
		10 * time.Second: "just now",
		5 * time.Minute:  "5m ago",
		3 * time.Hour:    "3h ago",
		50 * time.Hour:   "2d ago",
	}
	for d, want := range tests {
		if got := relTime(now.Add(-d), now); got != want {
			t.Errorf("relTime(-%s) = %q, want %q", d, got, want)
		}
	}
}
