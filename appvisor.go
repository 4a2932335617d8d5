package appvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/appvisor/internal/auth"
	"github.com/loykin/appvisor/internal/config"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/history/clickhouse"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
	iapi "github.com/loykin/appvisor/internal/server"
	"github.com/loykin/appvisor/internal/store"
	"github.com/loykin/appvisor/internal/store/factory"
	itls "github.com/loykin/appvisor/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type State = process.State

type Run = store.Run

type Settings = config.Settings

// APISettings configures the management API listener.
type APISettings = config.APISettings

type DescriptorFile = config.File

type LoadOptions = config.LoadOptions

type HistorySink = history.Sink

type HistoryEvent = history.Event

type LogOptions = logger.Options

var (
	ErrUnknownApp     = manager.ErrUnknownApp
	ErrShuttingDown   = manager.ErrShuttingDown
	ErrAlreadyRunning = manager.ErrAlreadyRunning
	ErrNoStore        = manager.ErrNoStore
)

// LoadDescriptors reads and validates a descriptor file.
func LoadDescriptors(path string, opts LoadOptions) (*DescriptorFile, error) {
	return config.Load(path, opts)
}

// ValidateSpecs reports every problem of a descriptor set at once.
func ValidateSpecs(specs []Spec) error { return config.Validate(specs) }

// LoadSettings reads supervisor settings from an optional file and APPVISOR_* variables.
func LoadSettings(path string) (Settings, error) { return config.LoadSettings(path, nil) }

// NewLogger builds the supervisor's structured logger.
func NewLogger(opts LogOptions) (*slog.Logger, io.Closer, error) { return logger.New(opts) }

// Manager is a thin facade over internal/manager.Manager that also owns the
// run store and history sinks built from Settings.
type Manager struct {
	inner   *manager.Manager
	log     *slog.Logger
	closers []io.Closer
}

// New builds a Manager from settings. When store.dsn is set the run store is
// opened, its schema ensured, and runs left open by a previous supervisor are
// closed. When history.clickhouse.addr is set lifecycle events are exported.
// extra sinks receive events as well.
func New(ctx context.Context, s Settings, log *slog.Logger, extra ...HistorySink) (*Manager, error) {
	if log == nil {
		log = logger.Discard()
	}
	e, err := s.Environment()
	if err != nil {
		return nil, err
	}
	m := &Manager{log: log}
	opts := manager.Options{Env: e, LogDir: s.LogDir, Logger: log}

	if s.Store.DSN != "" {
		st, err := factory.NewFromDSN(s.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open run store: %w", err)
		}
		m.closers = append(m.closers, st)
		if err := st.EnsureSchema(ctx); err != nil {
			_ = m.close()
			return nil, fmt.Errorf("run store schema: %w", err)
		}
		if n, err := st.CloseDangling(ctx, time.Now().UTC()); err != nil {
			log.Warn("close dangling runs", "error", err)
		} else if n > 0 {
			log.Info("closed runs left open by a previous supervisor", "count", n)
		}
		opts.Store = st
	}

	sinks := history.Multi(append([]HistorySink(nil), extra...))
	if ch := s.History.ClickHouse; ch.Addr != "" {
		sink, err := clickhouse.New(ch.Addr, ch.Table)
		if err != nil {
			_ = m.close()
			return nil, err
		}
		m.closers = append(m.closers, sink)
		if err := sink.EnsureTable(ctx); err != nil {
			log.Warn("clickhouse table", "error", err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		opts.History = sinks
	}

	m.inner = manager.New(opts)
	return m, nil
}

func (m *Manager) Apply(ctx context.Context, specs []Spec) error { return m.inner.Apply(ctx, specs) }
func (m *Manager) Start(name string) error                       { return m.inner.Start(name) }
func (m *Manager) Stop(name string) error                        { return m.inner.Stop(name) }
func (m *Manager) Restart(name string) error                     { return m.inner.Restart(name) }
func (m *Manager) Delete(name string) error                      { return m.inner.Delete(name) }
func (m *Manager) Status(name string) (Status, error)            { return m.inner.Status(name) }
func (m *Manager) List() []Status                                { return m.inner.List() }
func (m *Manager) StopAll(ctx context.Context) error             { return m.inner.StopAll(ctx) }
func (m *Manager) Runs(ctx context.Context, name string, limit int) ([]Run, error) {
	return m.inner.Runs(ctx, name, limit)
}

// Shutdown stops every app, then closes the run store and history sinks.
func (m *Manager) Shutdown(ctx context.Context) error {
	return errors.Join(m.inner.Shutdown(ctx), m.close())
}

func (m *Manager) close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i].Close())
	}
	m.closers = nil
	return errors.Join(errs...)
}

// stopSlack is added to the longest kill_timeout when sizing the API write timeout.
const stopSlack = 5 * time.Second

// NewHTTPServer starts the management API described by api. The listener runs
// in the background; bind errors are logged.
//
// The write timeout is api.write_timeout or the longest kill_timeout of the
// apps registered now plus a few seconds, whichever is larger. Apps added by a
// later reload with a longer kill_timeout can outlast it on stop and restart.
func NewHTTPServer(api config.APISettings, m *Manager) (*http.Server, error) {
	tlsConf, err := itls.Setup(api.TLS)
	if err != nil {
		return nil, fmt.Errorf("api tls: %w", err)
	}
	authn, err := auth.New(api.Auth)
	if err != nil {
		return nil, fmt.Errorf("api auth: %w", err)
	}
	opts := iapi.ServerOptions{
		TLS:          tlsConf,
		WriteTimeout: max(api.WriteTimeout, m.inner.MaxKillTimeout()+stopSlack),
	}
	return iapi.NewServer(api.Listen, iapi.NewRouter(m.inner, api.BasePath, m.log, authn), opts), nil
}

// Handler returns the management API as an http.Handler for embedding. It has
// no authentication; wrap it or use NewHTTPServer with api.auth.
func (m *Manager) Handler(basePath string) http.Handler {
	return iapi.NewRouter(m.inner, basePath, m.log, nil).Handler()
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
