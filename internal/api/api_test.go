package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"testing/fstest"

	"github.com/gin-gonic/gin"

	"tradeclaw/internal/agent"
	"tradeclaw/internal/task/cron"
	"tradeclaw/internal/task/heartbeat"
	"tradeclaw/internal/task/orchestrator"
	"tradeclaw/internal/task/registry"
	"tradeclaw/internal/task/session"
	logx "tradeclaw/pkg/logx"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type okDeliverer struct{}

func (okDeliverer) Deliver(context.Context, string, string) bool { return true }

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	orch := orchestrator.New(orchestrator.Config{}, registry.New(), agent.EchoEngine{}, logx.Nop(), nil)
	orch.Start(context.Background())
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })

	cr := cron.New(cron.Config{}, nil, orch, okDeliverer{}, logx.Nop(), nil)
	if err := cr.Start(context.Background()); err != nil {
		t.Fatalf("cron start: %v", err)
	}
	t.Cleanup(func() { _ = cr.Stop(context.Background()) })

	hb := heartbeat.New(heartbeat.Config{Enabled: true, Target: "ops"}, fstest.MapFS{
		"HEARTBEAT.md": {Data: []byte("- check margin\n")},
	}, orch, okDeliverer{}, logx.Nop(), nil)

	return New(cfg, Services{Orchestrator: orch, Cron: cr, Heartbeat: hb}, logx.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{})

	var sess session.Session
	code := do(t, h, http.MethodPost, "/api/sessions", map[string]any{
		"task": "scan ETH", "type": "analysis", "priority": "high", "tags": []string{"eth"}, "wait": true,
	}, &sess)
	if code != http.StatusCreated {
		t.Fatalf("spawn status = %d", code)
	}
	if sess.Status != session.StatusCompleted || sess.Priority != session.PriorityHigh || sess.Result == nil || sess.Result.Summary != "scan ETH" {
		t.Fatalf("session = %+v", sess)
	}

	var got session.Session
	if code := do(t, h, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got); code != http.StatusOK || got.ID != sess.ID {
		t.Fatalf("get = %d %+v", code, got)
	}

	var list struct {
		Sessions []session.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	if code := do(t, h, http.MethodGet, "/api/sessions?tag=eth&status=completed", nil, &list); code != http.StatusOK || list.Count != 1 {
		t.Fatalf("list = %d %+v", code, list)
	}

	var cancel struct{ OK bool }
	if code := do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/cancel", nil, &cancel); code != http.StatusOK || cancel.OK {
		t.Fatalf("cancel finished session = %d %+v", code, cancel)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty task", http.MethodPost, "/api/sessions", map[string]any{"task": " "}, http.StatusBadRequest},
		{"bad type", http.MethodPost, "/api/sessions", map[string]any{"task": "x", "type": "nope"}, http.StatusBadRequest},
		{"bad priority", http.MethodPost, "/api/sessions", map[string]any{"task": "x", "priority": "urgent"}, http.StatusBadRequest},
		{"missing session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound},
		{"send to missing", http.MethodPost, "/api/sessions/nope/send", map[string]any{"message": "hi"}, http.StatusNotFound},
		{"bad schedule", http.MethodPost, "/api/cron/jobs", map[string]any{"scheduleText": "bogus", "payload": map[string]any{"kind": "systemEvent", "text": "x"}}, http.StatusBadRequest},
		{"missing job", http.MethodPost, "/api/cron/jobs/nope/run", nil, http.StatusNotFound},
		{"bad run mode", http.MethodPost, "/api/cron/jobs/nope/run?mode=later", nil, http.StatusBadRequest},
		{"empty batch", http.MethodPost, "/api/subagents/analysis", map[string]any{"symbols": []string{}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := do(t, h, tc.method, tc.path, tc.body, nil); got != tc.want {
				t.Fatalf("status = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCronEndpoints(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{})

	var job cron.Job
	code := do(t, h, http.MethodPost, "/api/cron/jobs", map[string]any{
		"name":         "digest",
		"scheduleText": "every 30m",
		"payload":      map[string]any{"kind": "systemEvent", "text": "tick"},
	}, &job)
	if code != http.StatusCreated || job.ID == "" || !job.Enabled || job.NextRunAt.IsZero() {
		t.Fatalf("add = %d %+v", code, job)
	}

	var run cron.Run
	if code := do(t, h, http.MethodPost, "/api/cron/jobs/"+job.ID+"/run", nil, &run); code != http.StatusOK || run.Status != cron.RunSuccess {
		t.Fatalf("run = %d %+v", code, run)
	}
	if code := do(t, h, http.MethodPost, "/api/cron/jobs/"+job.ID+"/run?mode=due", nil, nil); code != http.StatusConflict {
		t.Fatalf("due run of a not-due job = %d, want 409", code)
	}

	var hist struct {
		Runs  []cron.Run `json:"runs"`
		Count int        `json:"count"`
	}
	if code := do(t, h, http.MethodGet, "/api/cron/jobs/"+job.ID+"/history?limit=5", nil, &hist); code != http.StatusOK || hist.Count != 1 {
		t.Fatalf("history = %d %+v", code, hist)
	}

	var upd cron.Job
	if code := do(t, h, http.MethodPatch, "/api/cron/jobs/"+job.ID, map[string]any{"name": "renamed"}, &upd); code != http.StatusOK || upd.Name != "renamed" {
		t.Fatalf("update = %d %+v", code, upd)
	}

	var dis cron.Job
	if code := do(t, h, http.MethodPost, "/api/cron/jobs/"+job.ID+"/disable", nil, &dis); code != http.StatusOK || dis.Enabled {
		t.Fatalf("disable = %d %+v", code, dis)
	}
	var st cron.Status
	if code := do(t, h, http.MethodGet, "/api/cron/status", nil, &st); code != http.StatusOK || st.JobCount != 1 || st.EnabledCount != 0 {
		t.Fatalf("status = %d %+v", code, st)
	}

	var rm struct{ OK bool }
	if code := do(t, h, http.MethodDelete, "/api/cron/jobs/"+job.ID, nil, &rm); code != http.StatusOK || !rm.OK {
		t.Fatalf("remove = %d %+v", code, rm)
	}
	if code := do(t, h, http.MethodGet, "/api/cron/jobs/"+job.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get removed = %d", code)
	}
}

func TestHeartbeatTrigger(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{})

	var out heartbeat.Outcome
	if code := do(t, h, http.MethodPost, "/api/heartbeat/trigger", nil, &out); code != http.StatusOK || !out.Fired || !out.Delivered {
		t.Fatalf("trigger = %d %+v", code, out)
	}
	var snap heartbeat.Snapshot
	if code := do(t, h, http.MethodGet, "/api/heartbeat", nil, &snap); code != http.StatusOK || snap.Last == nil {
		t.Fatalf("status = %d %+v", code, snap)
	}
}

func TestAuthToken(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{Token: "s3cret"})

	if code := do(t, h, http.MethodGet, "/api/cron/status", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/cron/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with token = %d", w.Code)
	}
	if code := do(t, h, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()

	off := newTestServer(t, Config{})
	if code := do(t, off, http.MethodGet, "/debug/pprof/", nil, nil); code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d, want 404", code)
	}

	on := newTestServer(t, Config{Pprof: true, Token: "tok"})
	if code := do(t, on, http.MethodGet, "/debug/pprof/goroutine", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("pprof without token = %d, want 401", code)
	}
	for _, path := range []string{"/debug/pprof/", "/debug/pprof/goroutine?debug=1", "/debug/pprof/cmdline"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer tok")
		w := httptest.NewRecorder()
		on.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, w.Code)
		}
	}
}
