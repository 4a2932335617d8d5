package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/appvisor/internal/store"
)

// startPostgresContainer starts a PostgreSQL container and returns a DSN for
// the pgx stdlib driver. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return ""
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
		cancel()
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func waitForPostgres(t *testing.T, dsn string) {
	t.Helper()
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresRunHistory(t *testing.T) {
	dsn := startPostgresContainer(t)
	waitForPostgres(t, dsn)

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := db.RecordStart(ctx, store.Run{ID: "p1", App: "api", PID: 4321, StartedAt: now}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := db.RecordStart(ctx, store.Run{ID: "p2", App: "api", PID: 4322, StartedAt: now.Add(time.Second), Restarts: 1}); err != nil {
		t.Fatalf("record start 2: %v", err)
	}
	if err := db.RecordStop(ctx, "p1", now.Add(time.Second), 143, ""); err != nil {
		t.Fatalf("record stop: %v", err)
	}
	if err := db.RecordStop(ctx, "nope", now, 0, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	runs, err := db.Runs(ctx, "api", 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "p2" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[1].ExitCode == nil || *runs[1].ExitCode != 143 {
		t.Fatalf("unexpected exit code: %+v", runs[1])
	}

	n, err := db.CloseDangling(ctx, now.Add(2*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("close dangling: n=%d err=%v", n, err)
	}
}
