package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/appvisor/internal/store"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRunLifecycle(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	// schema creation is idempotent
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema again: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	first := store.Run{ID: "r1", App: "web", PID: 100, StartedAt: base}
	second := store.Run{ID: "r2", App: "web", PID: 101, StartedAt: base.Add(time.Second), Restarts: 1}
	other := store.Run{ID: "r3", App: "worker", PID: 200, StartedAt: base}
	for _, r := range []store.Run{first, second, other} {
		if err := db.RecordStart(ctx, r); err != nil {
			t.Fatalf("record start %s: %v", r.ID, err)
		}
	}
	if err := db.RecordStop(ctx, "r1", base.Add(500*time.Millisecond), 1, "exit status 1"); err != nil {
		t.Fatalf("record stop: %v", err)
	}

	runs, err := db.Runs(ctx, "web", 0)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "r2" || runs[1].ID != "r1" {
		t.Fatalf("expected newest first, got %s,%s", runs[0].ID, runs[1].ID)
	}
	if !runs[0].Running() || runs[0].Restarts != 1 {
		t.Fatalf("unexpected live run: %+v", runs[0])
	}
	stopped := runs[1]
	if stopped.Running() || stopped.ExitCode == nil || *stopped.ExitCode != 1 || stopped.ExitErr != "exit status 1" {
		t.Fatalf("unexpected stopped run: %+v", stopped)
	}

	limited, err := db.Runs(ctx, "web", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit: err=%v len=%d", err, len(limited))
	}
}

func TestRecordStopUnknown(t *testing.T) {
	db := openTemp(t)
	err := db.RecordStop(context.Background(), "missing", time.Now(), 0, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseDangling(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = db.RecordStart(ctx, store.Run{ID: "a", App: "x", PID: 1, StartedAt: now})
	_ = db.RecordStart(ctx, store.Run{ID: "b", App: "x", PID: 2, StartedAt: now.Add(time.Second)})
	_ = db.RecordStop(ctx, "a", now.Add(time.Second), 0, "")

	n, err := db.CloseDangling(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("close dangling: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dangling run closed, got %d", n)
	}
	runs, _ := db.Runs(ctx, "x", 10)
	for _, r := range runs {
		if r.Running() {
			t.Fatalf("run %s still open", r.ID)
		}
	}
}
