package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/appvisor/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The DSN is a filesystem path to the database file.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one writer at a time; also keeps ":memory:" on a single connection
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS app_runs(
			id TEXT PRIMARY KEY,
			app TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			exit_code INTEGER NULL,
			exit_err TEXT NULL,
			restarts INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_app_runs_app_started ON app_runs(app, started_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, run store.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_runs(id, app, pid, started_at, stopped_at, exit_code, exit_err, restarts)
		VALUES(?, ?, ?, ?, NULL, NULL, NULL, ?)`,
		run.ID, run.App, run.PID, run.StartedAt.UTC(), run.Restarts)
	return err
}

func (s *DB) RecordStop(ctx context.Context, id string, stoppedAt time.Time, exitCode int, exitErr string) error {
	var errStr sql.NullString
	if exitErr != "" {
		errStr = sql.NullString{String: exitErr, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_runs SET stopped_at=?, exit_code=?, exit_err=? WHERE id=?`,
		stoppedAt.UTC(), exitCode, errStr, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) CloseDangling(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_runs SET stopped_at=?, exit_err=? WHERE stopped_at IS NULL`,
		at.UTC(), "supervisor exited")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) Runs(ctx context.Context, app string, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, app, pid, started_at, stopped_at, exit_code, exit_err, restarts
		FROM app_runs
		WHERE app=?
		ORDER BY started_at DESC
		LIMIT ?`, app, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Run
	for rows.Next() {
		var (
			r       store.Run
			stopped sql.NullTime
			code    sql.NullInt64
			exitErr sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.App, &r.PID, &r.StartedAt, &stopped, &code, &exitErr, &r.Restarts); err != nil {
			return nil, err
		}
		if stopped.Valid {
			t := stopped.Time
			r.StoppedAt = &t
		}
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		r.ExitErr = exitErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}
