package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrKilled is reported by Stop when the process ignored the stop signal and
// had to be killed after the grace period.
var ErrKilled = errors.New("killed after kill_timeout")

// Process is one run of a Spec. It owns the single goroutine that waits on the
// child, so every other method is safe to call concurrently.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}

	mu   sync.Mutex
	exit Exit
}

// Exit describes how a run ended.
type Exit struct {
	Err  error     // nil for a clean zero exit
	Code int       // -1 when terminated by a signal
	At   time.Time // when the process was reaped
}

// Launch starts a run of spec with the given environment and output writers.
// The pid file, if configured, is written before Launch returns.
func Launch(spec Spec, env []string, stdout, stderr io.Writer) (*Process, error) {
	cmd := spec.BuildCommand(env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{
		spec:      spec,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	if spec.PIDFile != "" {
		// a stale or unwritable pid file must not take the process down
		_ = WritePIDFile(spec.PIDFile, cmd.Process.Pid)
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exit = Exit{Err: err, Code: code, At: time.Now()}
	p.mu.Unlock()
	if p.spec.PIDFile != "" {
		_ = RemovePIDFile(p.spec.PIDFile)
	}
	close(p.done)
}

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and its output has been drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Exit returns how the run ended. Valid only after Done is closed.
func (p *Process) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Uptime is the time since launch, or the run length once exited.
func (p *Process) Uptime() time.Duration {
	if p.Exited() {
		return p.Exit().At.Sub(p.startedAt)
	}
	return time.Since(p.startedAt)
}

// Signal delivers sig to the process group of the child.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	return signalGroup(p.PID(), sig)
}

// Stop sends sig and waits up to timeout for the process to exit, then kills
// the whole process group. It returns ErrKilled when escalation was needed.
func (p *Process) Stop(sig syscall.Signal, timeout time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := p.Signal(sig); err != nil && !p.Exited() {
		return fmt.Errorf("signal %v: %w", sig, err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	_ = signalGroup(p.PID(), syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %d did not exit after SIGKILL", p.PID())
	}
	return ErrKilled
}
