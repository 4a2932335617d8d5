package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/process"
	"github.com/loykin/appvisor/internal/store"
)

type fakeCtl struct {
	apps  map[string]*process.Status
	runs  map[string][]store.Run
	calls []string
}

func newFake() *fakeCtl {
	return &fakeCtl{apps: map[string]*process.Status{
		"web":    {Name: "web", State: process.StateOnline, PID: 42},
		"worker": {Name: "worker", State: process.StateStopped},
	}}
}

func (f *fakeCtl) lookup(name string) (*process.Status, error) {
	st, ok := f.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mng.ErrUnknownApp, name)
	}
	return st, nil
}

func (f *fakeCtl) Start(name string) error {
	st, err := f.lookup(name)
	if err != nil {
		return err
	}
	if st.State == process.StateOnline {
		return mng.ErrAlreadyRunning
	}
	f.calls = append(f.calls, "start "+name)
	st.State = process.StateOnline
	return nil
}

func (f *fakeCtl) Stop(name string) error {
	st, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.calls = append(f.calls, "stop "+name)
	st.State = process.StateStopped
	return nil
}

func (f *fakeCtl) Restart(name string) error {
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.calls = append(f.calls, "restart "+name)
	return nil
}

func (f *fakeCtl) Status(name string) (process.Status, error) {
	st, err := f.lookup(name)
	if err != nil {
		return process.Status{}, err
	}
	return *st, nil
}

func (f *fakeCtl) List() []process.Status {
	return []process.Status{*f.apps["web"], *f.apps["worker"]}
}

func (f *fakeCtl) Runs(_ context.Context, name string, limit int) ([]store.Run, error) {
	if _, err := f.lookup(name); err != nil {
		return nil, err
	}
	if f.runs == nil {
		return nil, mng.ErrNoStore
	}
	rs := f.runs[name]
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

func init() { gin.SetMode(gin.TestMode) }

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListAndStatus(t *testing.T) {
	h := NewRouter(newFake(), "/api", nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/api/apps")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body)
	}
	var list []process.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 2 {
		t.Fatalf("decode list: %v %s", err, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/apps/web")
	var st process.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.PID != 42 || st.State != process.StateOnline {
		t.Fatalf("status: %v %s", err, rec.Body)
	}

	if rec := do(t, h, http.MethodGet, "/api/apps/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/apps/bad..name"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestActions(t *testing.T) {
	f := newFake()
	h := NewRouter(f, "api/", nil, nil).Handler()

	if rec := do(t, h, http.MethodPost, "/api/apps/worker/start"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/api/apps/worker/start"); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for running app, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/apps/worker/restart"); rec.Code != http.StatusOK {
		t.Fatalf("restart: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/apps/worker/stop"); rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/apps/ghost/stop"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	want := []string{"start worker", "restart worker", "stop worker"}
	if strings.Join(f.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", f.calls)
	}
}

func TestRuns(t *testing.T) {
	f := newFake()
	h := NewRouter(f, "", nil, nil).Handler()
	if rec := do(t, h, http.MethodGet, "/apps/web/runs"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without store, got %d", rec.Code)
	}

	now := time.Now().UTC()
	f.runs = map[string][]store.Run{"web": {
		{ID: "2", App: "web", PID: 2, StartedAt: now},
		{ID: "1", App: "web", PID: 1, StartedAt: now.Add(-time.Minute)},
	}}
	rec := do(t, h, http.MethodGet, "/apps/web/runs?limit=1")
	var runs []store.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 1 || runs[0].ID != "2" {
		t.Fatalf("runs: %v %s", err, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/apps/worker/runs")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/apps/web/runs?limit=x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(newFake(), "/api", nil, nil).Handler()
	rec := do(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y ": "/x/y"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
