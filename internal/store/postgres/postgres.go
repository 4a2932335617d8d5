package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/appvisor/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS app_runs(
			id TEXT PRIMARY KEY,
			app TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL,
			exit_code INTEGER NULL,
			exit_err TEXT NULL,
			restarts INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_app_runs_app_started ON app_runs(app, started_at DESC);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, run store.Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO app_runs(id, app, pid, started_at, stopped_at, exit_code, exit_err, restarts)
		VALUES($1, $2, $3, $4, NULL, NULL, NULL, $5)`,
		run.ID, run.App, run.PID, run.StartedAt.UTC(), run.Restarts)
	return err
}

func (p *DB) RecordStop(ctx context.Context, id string, stoppedAt time.Time, exitCode int, exitErr string) error {
	var errStr sql.NullString
	if exitErr != "" {
		errStr = sql.NullString{String: exitErr, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE app_runs SET stopped_at=$1, exit_code=$2, exit_err=$3 WHERE id=$4`,
		stoppedAt.UTC(), exitCode, errStr, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *DB) CloseDangling(ctx context.Context, at time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE app_runs SET stopped_at=$1, exit_err=$2 WHERE stopped_at IS NULL`,
		at.UTC(), "supervisor exited")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) Runs(ctx context.Context, app string, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, app, pid, started_at, stopped_at, exit_code, exit_err, restarts
		FROM app_runs
		WHERE app=$1
		ORDER BY started_at DESC
		LIMIT $2`, app, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Run
	for rows.Next() {
		var (
			r       store.Run
			stopped sql.NullTime
			code    sql.NullInt32
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
			c := int(code.Int32)
			r.ExitCode = &c
		}
		r.ExitErr = exitErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}
