package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/loykin/appvisor"
	"github.com/loykin/appvisor/internal/config"
)

// watchDebounce coalesces the burst of events editors emit on save.
const watchDebounce = 500 * time.Millisecond

func createRunCommand(global *GlobalFlags, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Load a descriptor file and supervise its apps until interrupted",
		Long: `Load FILE (.js, .cjs, .json, .yaml, .yml or .toml), start every app with
autostart enabled and keep them running. SIGHUP reloads FILE; SIGINT or
SIGTERM stops every app and exits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, global, flags, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.Profile, "env", "", "apply env_<profile> overlays")
	f.Bool("watch", false, "reload when FILE changes")
	f.String("log-level", "info", "supervisor log level (debug, info, warn, error)")
	f.String("log-format", "text", "supervisor log format (text, json, color)")
	f.String("log-file", "", "write supervisor logs to a rotating file")
	f.String("log-dir", "", "default directory for app logs without out_file/error_file")
	f.String("api-listen", "", "serve the management API on this address")
	f.String("api-base-path", "/api", "management API base path")
	f.String("store", "", "run store DSN (sqlite path or postgres://...)")
	f.String("clickhouse-addr", "", "export lifecycle events to ClickHouse")
	f.String("clickhouse-table", "", "ClickHouse table for lifecycle events")
	f.Duration("shutdown-timeout", 30*time.Second, "time allowed to stop every app on exit")
	return cmd
}

func runSupervisor(cmd *cobra.Command, global *GlobalFlags, flags *RunFlags, path string) error {
	settings, err := config.LoadSettings(global.SettingsPath, cmd.Flags())
	if err != nil {
		return err
	}
	log, logCloser, err := appvisor.NewLogger(appvisor.LogOptions{
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		File:   settings.Log.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	if err := appvisor.RegisterMetricsDefault(); err != nil {
		log.Warn("register metrics", "error", err)
	}

	sv := newSupervisor(path, appvisor.LoadOptions{Profile: flags.Profile}, settings, log)
	signal.Notify(sv.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sv.signals)
	return sv.run(cmd.Context())
}

// supervisor is the long-running body of the run command.
type supervisor struct {
	path     string
	opts     appvisor.LoadOptions
	settings config.Settings
	log      *slog.Logger

	signals chan os.Signal
	reloads chan string
	// ready receives the manager once the initial apps are applied
	ready chan<- *appvisor.Manager
	// reloaded receives the outcome of every reload
	reloaded chan<- error
}

func newSupervisor(path string, opts appvisor.LoadOptions, settings config.Settings, log *slog.Logger) *supervisor {
	return &supervisor{
		path:     path,
		opts:     opts,
		settings: settings,
		log:      log,
		signals:  make(chan os.Signal, 1),
		reloads:  make(chan string, 1),
	}
}

// run loads the descriptor file, supervises its apps and returns after a
// SIGINT/SIGTERM or when ctx is done. Only an unreadable or invalid file at
// startup is fatal; apps that fail to launch are left to their restart policy.
func (sv *supervisor) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := sv.log

	f, err := appvisor.LoadDescriptors(sv.path, sv.opts)
	if err != nil {
		return err
	}
	sv.warn(f)

	mgr, err := appvisor.New(ctx, sv.settings, log)
	if err != nil {
		return err
	}
	if err := mgr.Apply(ctx, f.Apps); err != nil {
		log.Warn("some apps could not be applied", "error", err)
	}

	var srv *http.Server
	if api := sv.settings.API; api.Listen != "" {
		srv, err = appvisor.NewHTTPServer(api, mgr)
		if err != nil {
			_ = mgr.Shutdown(context.Background())
			return err
		}
		log.Info("management API listening", "addr", api.Listen, "base", api.BasePath, "tls", api.TLS.Enabled, "auth", api.Auth.Enabled)
	}

	if sv.settings.Watch {
		stop, err := watchFile(sv.path, sv.reloads, log)
		if err != nil {
			log.Warn("watch descriptor file", "path", sv.path, "error", err)
		} else {
			defer stop()
		}
	}

	notify(log, daemon.SdNotifyReady)
	log.Info("supervisor ready", "file", sv.path, "apps", len(mgr.List()))
	if sv.ready != nil {
		sv.ready <- mgr
	}

	for {
		var why string
		select {
		case sig := <-sv.signals:
			if sig != syscall.SIGHUP {
				log.Info("shutting down", "signal", sig.String())
				return shutdown(mgr, srv, sv.settings.ShutdownTimeout, log)
			}
			why = "SIGHUP"
		case why = <-sv.reloads:
		case <-ctx.Done():
			return shutdown(mgr, srv, sv.settings.ShutdownTimeout, log)
		}
		notify(log, daemon.SdNotifyReloading)
		err := sv.reload(ctx, mgr, why)
		notify(log, daemon.SdNotifyReady)
		if sv.reloaded != nil {
			sv.reloaded <- err
		}
	}
}

// reload applies the descriptor file again. A file that fails to load or
// validate leaves the current apps untouched.
func (sv *supervisor) reload(ctx context.Context, mgr *appvisor.Manager, why string) error {
	f, err := appvisor.LoadDescriptors(sv.path, sv.opts)
	if err != nil {
		sv.log.Error("reload failed; keeping current apps", "trigger", why, "error", err)
		return err
	}
	sv.warn(f)
	if err := mgr.Apply(ctx, f.Apps); err != nil {
		sv.log.Warn("reload applied with errors", "trigger", why, "error", err)
		return nil
	}
	sv.log.Info("reloaded", "trigger", why, "apps", len(mgr.List()))
	return nil
}

func (sv *supervisor) warn(f *appvisor.DescriptorFile) {
	for _, w := range f.Warnings {
		sv.log.Warn("descriptor", "file", sv.path, "warning", w)
	}
}

func shutdown(mgr *appvisor.Manager, srv *http.Server, timeout time.Duration, log *slog.Logger) error {
	notify(log, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("api server shutdown", "error", err)
		}
	}
	if err := mgr.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("all apps stopped")
	return nil
}

// notify is a no-op when not started by systemd.
func notify(log *slog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify", "state", state, "error", err)
	}
}

// watchFile watches the directory holding path, since editors often replace
// the file rather than write it in place.
func watchFile(path string, reload chan<- string, log *slog.Logger) (func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					timer.Reset(watchDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				select {
				case reload <- "file change":
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("file watcher", "error", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = w.Close()
	}, nil
}
