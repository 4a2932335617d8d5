package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/appvisor/internal/logger"
)

// Defaults applied by the descriptor loader when a field is omitted.
const (
	DefaultMaxRestarts = 15
	DefaultMinUptime   = time.Second
	DefaultKillTimeout = 1600 * time.Millisecond
	DefaultKillSignal  = "SIGTERM"
)

// InterpreterNone runs Script directly instead of through a language runtime.
const InterpreterNone = "none"

// Spec is an application descriptor: everything needed to launch and supervise
// one process. A Spec is a value; the manager never mutates a registered one.
type Spec struct {
	Name            string            `json:"name"`
	Script          string            `json:"script"`                     // executable, or script passed to Interpreter
	Args            []string          `json:"args,omitempty"`             // arguments after Script
	Interpreter     string            `json:"interpreter,omitempty"`      // "none"/"" = exec Script directly
	InterpreterArgs []string          `json:"interpreter_args,omitempty"` // arguments before Script
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"` // merged over the parent environment
	Log             logger.Config     `json:"log"`

	Autostart              bool          `json:"autostart"`
	AutoRestart            bool          `json:"autorestart"`
	MaxRestarts            int           `json:"max_restarts"`              // consecutive unstable restarts tolerated
	MinUptime              time.Duration `json:"min_uptime"`                // shorter runs are unstable
	RestartDelay           time.Duration `json:"restart_delay"`             // fixed wait before restarting
	ExpBackoffRestartDelay time.Duration `json:"exp_backoff_restart_delay"` // initial exponential backoff, 0 = off
	KillTimeout            time.Duration `json:"kill_timeout"`              // grace period before SIGKILL
	KillSignal             string        `json:"kill_signal,omitempty"`
	PIDFile                string        `json:"pid_file,omitempty"`
	CronRestart            string        `json:"cron_restart,omitempty"` // restart a running app on this schedule
}

// CronParser parses cron_restart: five fields with optional leading seconds,
// or descriptors such as @hourly and @every 10m.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DirectExec reports whether Script is executed without an interpreter.
func (s *Spec) DirectExec() bool {
	i := strings.TrimSpace(s.Interpreter)
	return i == "" || strings.EqualFold(i, InterpreterNone)
}

// Argv returns the program and argument vector for this spec.
func (s *Spec) Argv() (string, []string) {
	if s.DirectExec() {
		return s.Script, append([]string(nil), s.Args...)
	}
	args := make([]string, 0, len(s.InterpreterArgs)+1+len(s.Args))
	args = append(args, s.InterpreterArgs...)
	args = append(args, s.Script)
	args = append(args, s.Args...)
	return strings.TrimSpace(s.Interpreter), args
}

// BuildCommand constructs the *exec.Cmd for one run. Arguments are passed
// verbatim: no shell is involved.
func (s *Spec) BuildCommand(env []string) *exec.Cmd {
	name, args := s.Argv()
	// #nosec G204 -- launching configured programs is the purpose of this package
	cmd := exec.Command(name, args...)
	if s.Cwd != "" {
		cmd.Dir = s.Cwd
	}
	if env != nil {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	return cmd
}

// ResolveExecutable returns the absolute path of the program that will be
// executed: Script when DirectExec, otherwise Interpreter. For interpreted specs
// the script file itself must exist as well.
func (s *Spec) ResolveExecutable() (string, error) {
	if strings.TrimSpace(s.Script) == "" {
		return "", errors.New("script is required")
	}
	if s.DirectExec() {
		return s.lookExecutable(s.Script)
	}
	path, err := s.lookExecutable(strings.TrimSpace(s.Interpreter))
	if err != nil {
		return "", fmt.Errorf("interpreter: %w", err)
	}
	script := s.Script
	if !filepath.IsAbs(script) && s.Cwd != "" {
		script = filepath.Join(s.Cwd, script)
	}
	if _, err := os.Stat(script); err != nil {
		return "", fmt.Errorf("script %s: %w", s.Script, err)
	}
	return path, nil
}

func (s *Spec) lookExecutable(name string) (string, error) {
	if !strings.ContainsRune(name, filepath.Separator) {
		p, err := exec.LookPath(name)
		if err != nil {
			return "", err
		}
		return filepath.Abs(p)
	}
	p := name
	if !filepath.IsAbs(p) && s.Cwd != "" {
		p = filepath.Join(s.Cwd, p)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%s is a directory", p)
	}
	if fi.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", p)
	}
	return filepath.Abs(p)
}

// Validate checks the fields of a single spec that do not depend on the host.
// Uniqueness and executable resolution are checked by the descriptor loader.
func (s *Spec) Validate() error {
	var errs []error
	if !IsSafeName(s.Name) {
		errs = append(errs, fmt.Errorf("name %q: must be non-empty, [A-Za-z0-9._-] only, without '..'", s.Name))
	}
	if strings.TrimSpace(s.Script) == "" {
		errs = append(errs, errors.New("script is required"))
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Errorf("env key %q is invalid", k))
		}
	}
	if s.MaxRestarts < 0 {
		errs = append(errs, errors.New("max_restarts cannot be negative"))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"min_uptime", s.MinUptime},
		{"restart_delay", s.RestartDelay},
		{"exp_backoff_restart_delay", s.ExpBackoffRestartDelay},
		{"kill_timeout", s.KillTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", d.name))
		}
	}
	if s.KillSignal != "" {
		if _, err := ParseSignal(s.KillSignal); err != nil {
			errs = append(errs, err)
		}
	}
	if s.CronRestart != "" {
		if _, err := CronParser.Parse(s.CronRestart); err != nil {
			errs = append(errs, fmt.Errorf("cron_restart %q: %w", s.CronRestart, err))
		}
	}
	return errors.Join(errs...)
}

// IsSafeName allows names that are safe to embed in file names:
// A-Z a-z 0-9 . _ - and no "..".
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
