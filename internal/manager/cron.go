package manager

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/loykin/appvisor/internal/process"
)

// cronRestarts runs the cron_restart schedules of every app.
type cronRestarts struct {
	mu      sync.Mutex
	sched   *cron.Cron
	entries map[string]cron.EntryID
	log     *slog.Logger
}

func newCronRestarts(log *slog.Logger) *cronRestarts {
	c := cron.New(cron.WithParser(process.CronParser))
	c.Start()
	return &cronRestarts{sched: c, entries: make(map[string]cron.EntryID), log: log}
}

// set replaces the schedule of mp; an empty expr only removes it.
func (c *cronRestarts) set(mp *ManagedProcess, expr string) error {
	name := mp.Spec().Name
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entries[name]; ok {
		c.sched.Remove(id)
		delete(c.entries, name)
	}
	if expr == "" {
		return nil
	}
	id, err := c.sched.AddFunc(expr, func() {
		c.log.Info("cron restart", "app", name)
		if err := mp.cronRestart(); err != nil && !errors.Is(err, ErrShuttingDown) {
			c.log.Warn("cron restart failed", "app", name, "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.entries[name] = id
	return nil
}

func (c *cronRestarts) remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entries[name]; ok {
		c.sched.Remove(id)
		delete(c.entries, name)
	}
}

func (c *cronRestarts) scheduled(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[name]
	return ok
}

// stop halts the scheduler; jobs already running are not waited for.
func (c *cronRestarts) stop() { c.sched.Stop() }
