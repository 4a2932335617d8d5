package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/appvisor/internal/history"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "app_events"

var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port of the native protocol) and pings it.
func New(addr, table string) (*Sink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableRe.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the events table when missing.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(6),
			run_id String,
			app String,
			pid UInt32,
			started_at DateTime64(6),
			stopped_at Nullable(DateTime64(6)),
			exit_code Nullable(Int32),
			exit_err String,
			restarts UInt32
		) ENGINE = MergeTree()
		ORDER BY (app, occurred_at)
	`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, run_id, app, pid, started_at, stopped_at, exit_code, exit_err, restarts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var code *int32
	if e.Run.ExitCode != nil {
		c := int32(*e.Run.ExitCode)
		code = &c
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.Run.ID,
		e.Run.App,
		uint32(e.Run.PID),
		e.Run.StartedAt,
		e.Run.StoppedAt,
		code,
		e.Run.ExitErr,
		uint32(e.Run.Restarts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
