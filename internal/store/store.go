package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run id is unknown to the store.
var ErrNotFound = errors.New("run not found")

// Run is one launch of an application, from start to exit.
// StoppedAt is nil while the run is live.
type Run struct {
	ID        string     `json:"id"`
	App       string     `json:"app"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	ExitErr   string     `json:"exit_error,omitempty"`
	Restarts  int        `json:"restarts"`
}

// Running reports whether the run has not been closed.
func (r Run) Running() bool { return r.StoppedAt == nil }

// Store persists run history. Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, run Run) error
	RecordStop(ctx context.Context, id string, stoppedAt time.Time, exitCode int, exitErr string) error
	// Runs returns the newest runs of app first, at most limit (default 50).
	Runs(ctx context.Context, app string, limit int) ([]Run, error)
	// CloseDangling marks runs left open by a previous supervisor as stopped.
	CloseDangling(ctx context.Context, at time.Time) (int64, error)
	Close() error
}

// DefaultLimit is used by Runs when limit <= 0.
const DefaultLimit = 50
