package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/store"
)

// setupClickHouseContainer starts a ClickHouse container, skipping without docker.
func setupClickHouseContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	ch, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
	}
	t.Cleanup(func() { _ = ch.Terminate(context.Background()) })

	host, err := ch.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := ch.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return host + ":" + port.Port()
}

func TestNewRejectsBadTable(t *testing.T) {
	if _, err := New("localhost:9000", "events; DROP TABLE x"); err == nil {
		t.Fatal("expected invalid table name error")
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New("invalid-host:9000", "test_table"); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := setupClickHouseContainer(ctx, t)

	sink, err := New(addr, "")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	run := store.Run{ID: "run-1", App: "api", PID: 12345, StartedAt: time.Now().Add(-time.Minute).UTC()}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Run: run}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	stopped := time.Now().UTC()
	code := 0
	run.StoppedAt, run.ExitCode = &stopped, &code
	if err := sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: stopped, Run: run}); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	var count uint64
	if err := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+DefaultTable+" WHERE run_id = ?", run.ID).Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}
}
