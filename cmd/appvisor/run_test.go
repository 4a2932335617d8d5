//go:build !windows

package main

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/appvisor"
	"github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/process"
)

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeDescriptor(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func stateOf(m *appvisor.Manager, name string) appvisor.State {
	for _, st := range m.List() {
		if st.Name == name {
			return st.State
		}
	}
	return ""
}

func pidOf(m *appvisor.Manager, name string) int {
	for _, st := range m.List() {
		if st.Name == name {
			return st.PID
		}
	}
	return 0
}

type harness struct {
	sv       *supervisor
	ready    chan *appvisor.Manager
	reloaded chan error
	done     chan struct{}
	err      error
	cancel   context.CancelFunc
}

func startSupervisor(t *testing.T, path string) (*harness, *appvisor.Manager) {
	t.Helper()
	settings := config.Settings{UseOSEnv: true, ShutdownTimeout: 10 * time.Second}
	h := &harness{
		sv:       newSupervisor(path, appvisor.LoadOptions{}, settings, logger.Discard()),
		ready:    make(chan *appvisor.Manager, 1),
		reloaded: make(chan error, 1),
		done:     make(chan struct{}),
	}
	h.sv.ready = h.ready
	h.sv.reloaded = h.reloaded
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = h.sv.run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(15 * time.Second):
		}
	})
	select {
	case m := <-h.ready:
		return h, m
	case <-h.done:
		t.Fatalf("supervisor exited before ready: %v", h.err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor not ready")
	}
	return nil, nil
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not exit")
		return nil
	}
}

func (h *harness) reloadResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.reloaded:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("no reload")
		return nil
	}
}

func TestSupervisor_AppFailingToLaunchKeepsOthersRunning(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notadir"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "apps.json")
	writeDescriptor(t, path, `{"apps":[
		{"name":"good","script":"/bin/sh","args":["-c","sleep 30"]},
		{"name":"bad","script":"/bin/sh","args":["-c","sleep 30"],"out_file":"notadir/bad.log"}
	]}`)

	h, m := startSupervisor(t, path)
	waitUntil(t, 3*time.Second, "good online", func() bool { return stateOf(m, "good") == process.StateOnline })
	if s := stateOf(m, "bad"); s == "" || s == process.StateOnline {
		t.Fatalf("bad must be registered and not online, got %q", s)
	}

	time.Sleep(300 * time.Millisecond)
	select {
	case <-h.done:
		t.Fatalf("supervisor exited: %v", h.err)
	default:
	}
	if stateOf(m, "good") != process.StateOnline {
		t.Fatal("good app was stopped")
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSupervisor_StartupFailsOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.json")
	writeDescriptor(t, path, `{"apps":[{"name":"a","script":"/bin/sh"},{"name":"a","script":"/bin/sh"}]}`)
	sv := newSupervisor(path, appvisor.LoadOptions{}, config.Settings{UseOSEnv: true, ShutdownTimeout: time.Second}, logger.Discard())
	if err := sv.run(context.Background()); err == nil {
		t.Fatal("expected error for duplicate names")
	}
}

func TestSupervisor_SIGHUPReloadAndSIGTERM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.json")
	writeDescriptor(t, path, `{"apps":[{"name":"a","script":"/bin/sh","args":["-c","sleep 30"]}]}`)

	h, m := startSupervisor(t, path)
	waitUntil(t, 3*time.Second, "a online", func() bool { return stateOf(m, "a") == process.StateOnline })
	pidA := pidOf(m, "a")

	writeDescriptor(t, path, `{"apps":[
		{"name":"a","script":"/bin/sh","args":["-c","sleep 30"]},
		{"name":"b","script":"/bin/sh","args":["-c","sleep 30"]}
	]}`)
	h.sv.signals <- syscall.SIGHUP
	if err := h.reloadResult(t); err != nil {
		t.Fatalf("reload: %v", err)
	}
	waitUntil(t, 3*time.Second, "b online", func() bool { return stateOf(m, "b") == process.StateOnline })
	if pidOf(m, "a") != pidA {
		t.Fatal("unchanged app a was restarted")
	}

	// an invalid file keeps the current apps
	writeDescriptor(t, path, `{"apps":[{"name":"c","script":"/bin/sh"},{"name":"c","script":"/bin/sh"}]}`)
	h.sv.signals <- syscall.SIGHUP
	if err := h.reloadResult(t); err == nil {
		t.Fatal("expected reload error")
	}
	if stateOf(m, "a") != process.StateOnline || stateOf(m, "b") != process.StateOnline || pidOf(m, "a") != pidA {
		t.Fatalf("current apps changed after failed reload: %+v", m.List())
	}
	if stateOf(m, "c") != "" {
		t.Fatal("app from rejected file registered")
	}

	h.sv.signals <- syscall.SIGTERM
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, st := range m.List() {
		if st.State != process.StateStopped {
			t.Fatalf("%s not stopped after SIGTERM: %s", st.Name, st.State)
		}
	}
}

func TestWatchFile_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.json")
	writeDescriptor(t, path, `{"apps":[]}`)

	reloads := make(chan string, 4)
	stop, err := watchFile(path, reloads, logger.Discard())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	// other files in the directory are ignored
	writeDescriptor(t, filepath.Join(dir, "other.json"), "{}")
	select {
	case why := <-reloads:
		t.Fatalf("unexpected reload %q", why)
	case <-time.After(2 * watchDebounce):
	}

	for i := 0; i < 3; i++ {
		writeDescriptor(t, path, `{"apps":[]}`)
		time.Sleep(watchDebounce / 10)
	}
	select {
	case <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}
	select {
	case why := <-reloads:
		t.Fatalf("burst produced a second reload %q", why)
	case <-time.After(2 * watchDebounce):
	}
}
