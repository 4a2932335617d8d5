package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
	"github.com/loykin/appvisor/internal/store"
)

var (
	// ErrUnknownApp is returned for names that are not registered.
	ErrUnknownApp = errors.New("unknown app")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("manager is shutting down")
	// ErrAlreadyRunning is returned by Start for an app with a live process.
	ErrAlreadyRunning = errors.New("app is already running")
	// ErrNoStore is returned by Runs when no run store is configured.
	ErrNoStore = errors.New("no run store configured")
	// ErrLaunchFailed wraps errors from starting a run. The restart policy
	// has already been applied when it is returned.
	ErrLaunchFailed = errors.New("launch failed")
)

// Options configures a Manager. Every field is optional.
type Options struct {
	Env     *env.Env     // supervisor-wide environment; OS environment when nil
	LogDir  string       // default directory for app logs without explicit paths
	Store   store.Store  // run history
	History history.Sink // lifecycle event export
	Logger  *slog.Logger
}

// Manager supervises a set of applications keyed by name.
type Manager struct {
	mu      sync.RWMutex
	apps    map[string]*ManagedProcess
	closing bool
	deps    *deps
	cron    *cronRestarts
}

func New(opts Options) *Manager {
	d := &deps{
		env:     opts.Env,
		logDir:  opts.LogDir,
		store:   opts.Store,
		history: opts.History,
		log:     opts.Logger,
	}
	if d.env == nil {
		d.env = env.New()
	}
	if d.log == nil {
		d.log = logger.Discard()
	}
	return &Manager{apps: make(map[string]*ManagedProcess), deps: d, cron: newCronRestarts(d.log)}
}

// Apply makes specs the registered set: new apps are added (and started when
// autostart is set), apps whose spec changed are reloaded, and apps missing
// from specs are stopped and removed. Apps are handled concurrently.
//
// An invalid set is rejected before anything changes. A launch failure is not
// an Apply error: the app stays registered and its restart policy retries it.
func (m *Manager) Apply(ctx context.Context, specs []process.Spec) error {
	if err := checkSpecs(specs); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	want := make(map[string]process.Spec, len(specs))
	for _, s := range specs {
		want[s.Name] = s
	}
	var removed []*ManagedProcess
	for name, mp := range m.apps {
		if _, ok := want[name]; !ok {
			removed = append(removed, mp)
			delete(m.apps, name)
			m.cron.remove(name)
		}
	}
	type change struct {
		mp    *ManagedProcess
		spec  process.Spec
		added bool
	}
	var changes []change
	var errs []error
	for _, s := range specs {
		mp, ok := m.apps[s.Name]
		switch {
		case !ok:
			mp = newManagedProcess(s, m.deps)
			m.apps[s.Name] = mp
			changes = append(changes, change{mp: mp, spec: s, added: true})
		case !reflect.DeepEqual(mp.Spec(), s):
			changes = append(changes, change{mp: mp, spec: s})
		default:
			continue
		}
		if err := m.cron.set(mp, s.CronRestart); err != nil {
			errs = append(errs, fmt.Errorf("%s: cron_restart: %w", s.Name, err))
		}
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, mp := range removed {
		g.Go(func() error {
			name := mp.Spec().Name
			m.deps.log.Info("removing app", "app", name)
			err := mp.Shutdown()
			metrics.Forget(name)
			return err
		})
	}
	for _, c := range changes {
		g.Go(func() error {
			var err error
			if c.added {
				m.deps.log.Info("app registered", "app", c.spec.Name, "autostart", c.spec.Autostart)
				if !c.spec.Autostart {
					return nil
				}
				err = c.mp.Start()
			} else {
				m.deps.log.Info("app changed, reloading", "app", c.spec.Name)
				err = c.mp.Reload(c.spec)
			}
			// the app is registered and its restart policy owns the failure
			if errors.Is(err, ErrLaunchFailed) {
				return nil
			}
			return err
		})
	}
	return errors.Join(append(errs, g.Wait())...)
}

// checkSpecs rejects a set that Apply cannot register.
func checkSpecs(specs []process.Spec) error {
	var errs []error
	seen := make(map[string]struct{}, len(specs))
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", specs[i].Name, err))
		}
		if _, dup := seen[specs[i].Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate name", specs[i].Name))
		}
		seen[specs[i].Name] = struct{}{}
	}
	return errors.Join(errs...)
}

func (m *Manager) get(name string) (*ManagedProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closing {
		return nil, ErrShuttingDown
	}
	mp, ok := m.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}
	return mp, nil
}

func (m *Manager) Start(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Start()
}

func (m *Manager) Stop(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Stop()
}

func (m *Manager) Restart(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Restart()
}

// Delete stops the app and unregisters it.
func (m *Manager) Delete(name string) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.apps[name] == mp {
		delete(m.apps, name)
		m.cron.remove(name)
	}
	m.mu.Unlock()
	err = mp.Shutdown()
	metrics.Forget(name)
	return err
}

func (m *Manager) Status(name string) (process.Status, error) {
	mp, err := m.get(name)
	if err != nil {
		return process.Status{}, err
	}
	return mp.Status(), nil
}

// List returns the status of every app ordered by name.
func (m *Manager) List() []process.Status {
	m.mu.RLock()
	mps := make([]*ManagedProcess, 0, len(m.apps))
	for _, mp := range m.apps {
		mps = append(mps, mp)
	}
	m.mu.RUnlock()
	out := make([]process.Status, 0, len(mps))
	for _, mp := range mps {
		out = append(out, mp.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runs returns the newest recorded runs of an app.
func (m *Manager) Runs(ctx context.Context, name string, limit int) ([]store.Run, error) {
	if _, err := m.get(name); err != nil {
		return nil, err
	}
	if m.deps.store == nil {
		return nil, ErrNoStore
	}
	return m.deps.store.Runs(ctx, name, limit)
}

// StopAll stops every app concurrently. Apps stay registered.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	mps := make([]*ManagedProcess, 0, len(m.apps))
	for _, mp := range m.apps {
		mps = append(mps, mp)
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, mp := range mps {
		g.Go(mp.Stop)
	}
	return g.Wait()
}

// Shutdown stops every app and ends their state machines. It returns
// ctx.Err() if ctx expires first; the apps keep stopping in the background.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.cron.stop()
	mps := make([]*ManagedProcess, 0, len(m.apps))
	for _, mp := range m.apps {
		mps = append(mps, mp)
	}
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		for _, mp := range mps {
			g.Go(mp.Shutdown)
		}
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaxKillTimeout is the longest kill_timeout among the registered apps, the
// upper bound of a single Stop.
func (m *Manager) MaxKillTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var longest time.Duration
	for _, mp := range m.apps {
		if d := mp.Spec().KillTimeout; d > longest {
			longest = d
		}
	}
	return longest
}
