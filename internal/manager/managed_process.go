package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/history"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
	"github.com/loykin/appvisor/internal/store"
)

const (
	// exponential backoff grows by this factor per unstable restart
	backoffFactor = 1.5
	maxBackoff    = 15 * time.Second
	// a run this long resets the exponential backoff
	backoffResetUptime = 30 * time.Second
	// bound for store and history writes
	recordTimeout = 5 * time.Second
)

// deps are shared by every ManagedProcess of a Manager.
type deps struct {
	env     *env.Env
	logDir  string
	store   store.Store
	history history.Sink
	log     *slog.Logger
}

// ManagedProcess supervises one application. A single goroutine owns the
// running process and the restart policy; callers talk to it through
// cmdChan, and Status reads a snapshot under mu.
//
// State machine:
//
//	stopped -> launching -> online -> stopping -> stopped
//	online -(exit)-> waiting_restart -> launching
//	online -(exit, too many unstable runs)-> errored
type ManagedProcess struct {
	mu     sync.RWMutex
	spec   process.Spec
	status process.Status
	proc   *process.Process

	// owned by the state machine goroutine
	streams  *logger.Streams
	runID    string
	unstable int
	backoff  time.Duration
	timer    *time.Timer
	restartC <-chan time.Time

	cmdChan  chan command
	doneChan chan struct{}
	deps     *deps
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionReload
	actionCronRestart
	actionShutdown
)

type command struct {
	action commandAction
	spec   process.Spec
	reply  chan error
}

func newManagedProcess(spec process.Spec, d *deps) *ManagedProcess {
	mp := &ManagedProcess{
		spec:     spec,
		status:   process.Status{Name: spec.Name, State: process.StateStopped},
		cmdChan:  make(chan command),
		doneChan: make(chan struct{}),
		deps:     d,
	}
	metrics.SetState(spec.Name, string(process.StateStopped))
	go mp.run()
	return mp
}

// Start launches the app unless it is already running. Counters of unstable
// restarts are reset, so an errored app can be started again.
func (mp *ManagedProcess) Start() error { return mp.send(command{action: actionStart}) }

// Stop stops the app and cancels any pending restart. A stopped app is never
// restarted automatically.
func (mp *ManagedProcess) Stop() error { return mp.send(command{action: actionStop}) }

// Restart stops the app if it runs and launches it again.
func (mp *ManagedProcess) Restart() error { return mp.send(command{action: actionRestart}) }

// Reload replaces the spec. A running app is restarted with the new spec; a
// stopped one is started when the new spec has autostart set.
func (mp *ManagedProcess) Reload(spec process.Spec) error {
	return mp.send(command{action: actionReload, spec: spec})
}

// cronRestart restarts the app if it is online or waiting to restart. Stopped
// and errored apps are left alone.
func (mp *ManagedProcess) cronRestart() error { return mp.send(command{action: actionCronRestart}) }

// Shutdown stops the app and ends its state machine.
func (mp *ManagedProcess) Shutdown() error {
	reply := make(chan error, 1)
	select {
	case mp.cmdChan <- command{action: actionShutdown, reply: reply}:
		return <-reply
	case <-mp.doneChan:
		return nil
	}
}

func (mp *ManagedProcess) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case mp.cmdChan <- cmd:
		return <-cmd.reply
	case <-mp.doneChan:
		return ErrShuttingDown
	}
}

// Spec returns the current descriptor.
func (mp *ManagedProcess) Spec() process.Spec {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.spec
}

// Status returns a snapshot with live uptime and resource usage.
func (mp *ManagedProcess) Status() process.Status {
	mp.mu.RLock()
	st := mp.status
	proc := mp.proc
	mp.mu.RUnlock()

	if proc != nil && st.State == process.StateOnline {
		st.Uptime = proc.Uptime()
		if u, err := proc.Usage(); err == nil {
			st.CPUPercent = u.CPUPercent
			st.MemoryRSS = u.MemoryRSS
			metrics.SetUsage(st.Name, u.CPUPercent, u.MemoryRSS)
		}
	}
	return st
}

func (mp *ManagedProcess) run() {
	defer close(mp.doneChan)
	for {
		var exitC <-chan struct{}
		if p := mp.current(); p != nil {
			exitC = p.Done()
		}
		select {
		case cmd := <-mp.cmdChan:
			if cmd.action == actionShutdown {
				err := mp.stop()
				mp.closeStreams()
				cmd.reply <- err
				return
			}
			cmd.reply <- mp.handle(cmd)
		case <-exitC:
			mp.handleExit()
		case <-mp.restartC:
			mp.restartC = nil
			mp.handleRestartTimer()
		}
	}
}

func (mp *ManagedProcess) handle(cmd command) error {
	switch cmd.action {
	case actionStart:
		if mp.current() != nil {
			return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, mp.spec.Name, mp.current().PID())
		}
		mp.cancelRestart()
		mp.resetPolicy()
		return mp.launch(history.EventStart)
	case actionStop:
		return mp.stop()
	case actionCronRestart:
		if mp.current() == nil && mp.restartC == nil {
			return nil
		}
		fallthrough
	case actionRestart:
		if err := mp.stop(); err != nil {
			return err
		}
		mp.resetPolicy()
		mp.bumpRestarts()
		return mp.launch(history.EventRestart)
	case actionReload:
		wasActive := mp.current() != nil || mp.restartC != nil
		if err := mp.stop(); err != nil {
			return err
		}
		if !reflect.DeepEqual(mp.spec.Log, cmd.spec.Log) {
			mp.closeStreams()
		}
		mp.mu.Lock()
		mp.spec = cmd.spec
		mp.mu.Unlock()
		mp.resetPolicy()
		if wasActive || cmd.spec.Autostart {
			return mp.launch(history.EventRestart)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %d", cmd.action)
	}
}

func (mp *ManagedProcess) current() *process.Process {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.proc
}

// launch starts one run. A failure to launch is treated like an immediate
// exit: it counts as an unstable restart and feeds the restart policy.
func (mp *ManagedProcess) launch(evt history.EventType) error {
	spec := mp.spec
	mp.setState(process.StateLaunching)

	if mp.streams == nil {
		streams, err := spec.Log.Open(spec.Name, mp.deps.logDir)
		if err != nil {
			return mp.launchFailed(fmt.Errorf("open logs: %w", err))
		}
		mp.streams = streams
	}
	proc, err := process.Launch(spec, mp.deps.env.Merge(env.Var(spec.Env)), mp.streams.Stdout, mp.streams.Stderr)
	if err != nil {
		return mp.launchFailed(fmt.Errorf("launch %s: %w", spec.Name, err))
	}

	mp.runID = uuid.NewString()
	mp.mu.Lock()
	mp.proc = proc
	mp.status.PID = proc.PID()
	mp.status.StartedAt = proc.StartedAt()
	mp.status.StoppedAt = time.Time{}
	mp.status.Uptime = 0
	mp.status.ExitCode = 0
	mp.status.LastError = ""
	restarts := mp.status.Restarts
	mp.mu.Unlock()
	mp.setState(process.StateOnline)

	metrics.IncStart(spec.Name)
	mp.deps.log.Info("app online", "app", spec.Name, "pid", proc.PID(), "restarts", restarts)

	run := store.Run{ID: mp.runID, App: spec.Name, PID: proc.PID(), StartedAt: proc.StartedAt().UTC(), Restarts: restarts}
	mp.record(func(ctx context.Context) error {
		if mp.deps.store == nil {
			return nil
		}
		return mp.deps.store.RecordStart(ctx, run)
	})
	mp.emit(evt, run)
	return nil
}

func (mp *ManagedProcess) launchFailed(err error) error {
	err = fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	name := mp.spec.Name
	metrics.IncLaunchFailure(name)
	mp.deps.log.Warn("launch failed", "app", name, "error", err)
	mp.mu.Lock()
	mp.status.LastError = err.Error()
	mp.status.PID = 0
	mp.mu.Unlock()
	if mp.spec.AutoRestart {
		mp.scheduleRestart(0)
	} else {
		mp.setErrored(err.Error())
	}
	return err
}

// handleExit runs when the process ended without being asked to.
func (mp *ManagedProcess) handleExit() {
	proc := mp.current()
	ex := proc.Exit()
	uptime := ex.At.Sub(proc.StartedAt())
	mp.finishRun(proc, ex)
	mp.deps.log.Warn("app exited", "app", mp.spec.Name, "code", ex.Code, "uptime", uptime.Round(time.Millisecond), "error", ex.Err)

	if !mp.spec.AutoRestart {
		mp.setState(process.StateStopped)
		return
	}
	mp.scheduleRestart(uptime)
}

// scheduleRestart applies the restart policy to a run that lasted uptime.
func (mp *ManagedProcess) scheduleRestart(uptime time.Duration) {
	spec := mp.spec
	if uptime >= spec.MinUptime {
		mp.unstable = 0
	} else {
		mp.unstable++
	}
	if uptime >= backoffResetUptime {
		mp.backoff = 0
	}
	mp.mu.Lock()
	mp.status.UnstableRestarts = mp.unstable
	mp.mu.Unlock()

	if mp.unstable > spec.MaxRestarts {
		mp.setErrored(fmt.Sprintf("exited %d times within min_uptime %s (max_restarts %d)", mp.unstable, spec.MinUptime, spec.MaxRestarts))
		return
	}

	delay := spec.RestartDelay
	if spec.ExpBackoffRestartDelay > 0 {
		mp.backoff = nextBackoff(mp.backoff, spec.ExpBackoffRestartDelay)
		delay = mp.backoff
	}
	mp.setState(process.StateWaitingRestart)
	mp.deps.log.Info("restart scheduled", "app", spec.Name, "delay", delay, "unstable", mp.unstable)
	mp.timer = time.NewTimer(delay)
	mp.restartC = mp.timer.C
}

// nextBackoff returns the delay following cur: initial first, then x1.5 up to maxBackoff.
func nextBackoff(cur, initial time.Duration) time.Duration {
	if cur <= 0 {
		return initial
	}
	return min(time.Duration(float64(cur)*backoffFactor), max(maxBackoff, initial))
}

func (mp *ManagedProcess) handleRestartTimer() {
	mp.timer = nil
	mp.bumpRestarts()
	metrics.IncRestart(mp.spec.Name)
	_ = mp.launch(history.EventRestart)
}

func (mp *ManagedProcess) bumpRestarts() {
	mp.mu.Lock()
	mp.status.Restarts++
	mp.mu.Unlock()
}

func (mp *ManagedProcess) cancelRestart() {
	if mp.timer != nil {
		mp.timer.Stop()
	}
	mp.timer = nil
	mp.restartC = nil
}

func (mp *ManagedProcess) resetPolicy() {
	mp.unstable = 0
	mp.backoff = 0
	mp.mu.Lock()
	mp.status.UnstableRestarts = 0
	mp.mu.Unlock()
}

// stop ends the current run with the configured signal and escalates to
// SIGKILL after kill_timeout. Pending restarts are cancelled.
func (mp *ManagedProcess) stop() error {
	mp.cancelRestart()
	proc := mp.current()
	if proc == nil {
		mp.setState(process.StateStopped)
		return nil
	}
	mp.setState(process.StateStopping)
	sig, err := process.ParseSignal(mp.spec.KillSignal)
	if err != nil {
		sig, _ = process.ParseSignal(process.DefaultKillSignal)
	}
	serr := proc.Stop(sig, mp.spec.KillTimeout)
	killed := errors.Is(serr, process.ErrKilled)
	metrics.IncStop(mp.spec.Name, killed)
	if serr != nil && !killed {
		// the process survived SIGKILL; keep tracking it
		mp.setState(process.StateOnline)
		return fmt.Errorf("stop %s: %w", mp.spec.Name, serr)
	}
	mp.finishRun(proc, proc.Exit())
	mp.setState(process.StateStopped)
	mp.deps.log.Info("app stopped", "app", mp.spec.Name, "killed", killed)
	return nil
}

// closeStreams releases the log files. The next launch reopens them.
func (mp *ManagedProcess) closeStreams() {
	if mp.streams == nil {
		return
	}
	if err := mp.streams.Close(); err != nil {
		mp.deps.log.Warn("close logs", "app", mp.spec.Name, "error", err)
	}
	mp.streams = nil
}

// finishRun records the end of the current run.
func (mp *ManagedProcess) finishRun(proc *process.Process, ex process.Exit) {
	errStr := ""
	if ex.Err != nil {
		errStr = ex.Err.Error()
	}
	stoppedAt := ex.At.UTC()
	mp.mu.Lock()
	mp.proc = nil
	mp.status.PID = 0
	mp.status.StoppedAt = ex.At
	mp.status.Uptime = ex.At.Sub(proc.StartedAt())
	mp.status.ExitCode = ex.Code
	mp.status.LastError = errStr
	restarts := mp.status.Restarts
	mp.mu.Unlock()

	metrics.ObserveExit(mp.spec.Name, strconv.Itoa(ex.Code), ex.At.Sub(proc.StartedAt()).Seconds())
	metrics.SetUsage(mp.spec.Name, 0, 0)

	code := ex.Code
	run := store.Run{
		ID: mp.runID, App: mp.spec.Name, PID: proc.PID(), StartedAt: proc.StartedAt().UTC(),
		StoppedAt: &stoppedAt, ExitCode: &code, ExitErr: errStr, Restarts: restarts,
	}
	runID := mp.runID
	mp.record(func(ctx context.Context) error {
		if mp.deps.store == nil {
			return nil
		}
		return mp.deps.store.RecordStop(ctx, runID, stoppedAt, code, errStr)
	})
	mp.emit(history.EventStop, run)
	mp.runID = ""
}

func (mp *ManagedProcess) setErrored(reason string) {
	mp.mu.Lock()
	mp.status.LastError = reason
	mp.mu.Unlock()
	mp.setState(process.StateErrored)
	mp.deps.log.Error("app errored", "app", mp.spec.Name, "reason", reason)
	mp.emit(history.EventErrored, store.Run{App: mp.spec.Name, Restarts: mp.Status().Restarts})
}

func (mp *ManagedProcess) setState(s process.State) {
	mp.mu.Lock()
	mp.status.State = s
	name := mp.status.Name
	mp.mu.Unlock()
	metrics.SetState(name, string(s))
}

func (mp *ManagedProcess) record(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		mp.deps.log.Warn("run store write failed", "app", mp.spec.Name, "error", err)
	}
}

func (mp *ManagedProcess) emit(t history.EventType, run store.Run) {
	if mp.deps.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	e := history.Event{Type: t, OccurredAt: time.Now().UTC(), Run: run}
	if err := mp.deps.history.Send(ctx, e); err != nil {
		mp.deps.log.Warn("history send failed", "app", mp.spec.Name, "event", t, "error", err)
	}
}
