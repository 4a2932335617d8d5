package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/logger"
	"github.com/loykin/appvisor/internal/process"
)

// File is a loaded descriptor file.
type File struct {
	Path string
	Apps []process.Spec
	// Warnings lists fields that were recognised but ignored.
	Warnings []string
}

// LoadOptions tunes how descriptors are resolved.
type LoadOptions struct {
	// Profile selects env_<profile> overlays.
	Profile string
}

// appConfig mirrors one entry of the "apps" list.
type appConfig struct {
	Name            string   `mapstructure:"name"`
	Script          string   `mapstructure:"script"`
	Args            []string `mapstructure:"args"`
	Interpreter     string   `mapstructure:"interpreter"`
	InterpreterArgs []string `mapstructure:"interpreter_args"`
	Cwd             string   `mapstructure:"cwd"`
	Env             any      `mapstructure:"env"`
	EnvFile         string   `mapstructure:"env_file"`

	OutFile       string `mapstructure:"out_file"`
	ErrorFile     string `mapstructure:"error_file"`
	MergeLogs     bool   `mapstructure:"merge_logs"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	LogCompress   bool   `mapstructure:"log_compress"`

	Autostart              *bool          `mapstructure:"autostart"`
	AutoRestart            *bool          `mapstructure:"autorestart"`
	MaxRestarts            *int           `mapstructure:"max_restarts"`
	MinUptime              *time.Duration `mapstructure:"min_uptime"`
	RestartDelay           time.Duration  `mapstructure:"restart_delay"`
	ExpBackoffRestartDelay time.Duration  `mapstructure:"exp_backoff_restart_delay"`
	KillTimeout            *time.Duration `mapstructure:"kill_timeout"`
	KillSignal             string         `mapstructure:"kill_signal"`
	PIDFile                string         `mapstructure:"pid_file"`
	CronRestart            string         `mapstructure:"cron_restart"`

	Rest map[string]any `mapstructure:",remain"`
}

// LoadFile reads a descriptor file (.js, .cjs, .json, .yaml, .yml, .toml)
// and turns every app entry into a process.Spec with defaults applied and
// relative paths resolved against the file's directory. Use Validate (or
// Load) to check the result.
func LoadFile(path string, opts LoadOptions) (*File, error) {
	root, err := readSource(path)
	if err != nil {
		return nil, err
	}
	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	rawApps, ok := root["apps"]
	if !ok {
		return nil, fmt.Errorf("%s: missing \"apps\" list", path)
	}
	list, ok := rawApps.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: \"apps\" must be a list, got %T", path, rawApps)
	}

	f := &File{Path: path}
	var errs []error
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("apps[%d]: must be an object, got %T", i, item))
			continue
		}
		spec, warnings, err := buildSpec(obj, baseDir, opts)
		label := fmt.Sprintf("apps[%d]", i)
		if spec.Name != "" {
			label = fmt.Sprintf("apps[%d] (%s)", i, spec.Name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
			continue
		}
		for _, w := range warnings {
			f.Warnings = append(f.Warnings, label+": "+w)
		}
		f.Apps = append(f.Apps, spec)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f, nil
}

// Load is LoadFile followed by Validate.
func Load(path string, opts LoadOptions) (*File, error) {
	f, err := LoadFile(path, opts)
	if err != nil {
		return nil, err
	}
	if err := Validate(f.Apps); err != nil {
		return nil, err
	}
	return f, nil
}

func buildSpec(obj map[string]any, baseDir string, opts LoadOptions) (process.Spec, []string, error) {
	var ac appConfig
	if err := decode(obj, &ac); err != nil {
		return process.Spec{Name: nameOf(obj)}, nil, err
	}

	spec := process.Spec{
		Name:                   strings.TrimSpace(ac.Name),
		Script:                 ac.Script,
		Args:                   ac.Args,
		Interpreter:            strings.TrimSpace(ac.Interpreter),
		InterpreterArgs:        ac.InterpreterArgs,
		Autostart:              boolOr(ac.Autostart, true),
		AutoRestart:            boolOr(ac.AutoRestart, true),
		MaxRestarts:            process.DefaultMaxRestarts,
		MinUptime:              process.DefaultMinUptime,
		RestartDelay:           ac.RestartDelay,
		ExpBackoffRestartDelay: ac.ExpBackoffRestartDelay,
		KillTimeout:            process.DefaultKillTimeout,
		KillSignal:             strings.TrimSpace(ac.KillSignal),
		CronRestart:            strings.TrimSpace(ac.CronRestart),
	}
	if ac.MaxRestarts != nil {
		spec.MaxRestarts = *ac.MaxRestarts
	}
	if ac.MinUptime != nil {
		spec.MinUptime = *ac.MinUptime
	}
	if ac.KillTimeout != nil {
		spec.KillTimeout = *ac.KillTimeout
	}
	if spec.KillSignal == "" {
		spec.KillSignal = process.DefaultKillSignal
	}

	// cwd is relative to the descriptor file; other paths to cwd.
	spec.Cwd = baseDir
	if ac.Cwd != "" {
		spec.Cwd = resolvePath(baseDir, ac.Cwd)
	}
	if strings.ContainsRune(spec.Script, '/') || strings.ContainsRune(spec.Script, filepath.Separator) {
		spec.Script = resolvePath(spec.Cwd, spec.Script)
	}
	if strings.ContainsRune(spec.Interpreter, '/') {
		spec.Interpreter = resolvePath(spec.Cwd, spec.Interpreter)
	}
	spec.PIDFile = resolvePath(spec.Cwd, ac.PIDFile)
	spec.Log = logger.Config{
		OutFile:    resolvePath(spec.Cwd, ac.OutFile),
		ErrorFile:  resolvePath(spec.Cwd, ac.ErrorFile),
		MergeLogs:  ac.MergeLogs,
		MaxSizeMB:  ac.LogMaxSizeMB,
		MaxBackups: ac.LogMaxBackups,
		MaxAgeDays: ac.LogMaxAgeDays,
		Compress:   ac.LogCompress,
	}

	// env_file < env < env_<profile>
	vars := env.Var{}
	if ac.EnvFile != "" {
		fileVars, err := LoadEnvFile(resolvePath(spec.Cwd, ac.EnvFile))
		if err != nil {
			return spec, nil, fmt.Errorf("env_file: %w", err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	own, err := toEnv(ac.Env)
	if err != nil {
		return spec, nil, fmt.Errorf("env: %w", err)
	}
	for k, v := range own {
		vars[k] = v
	}

	var warnings []string
	profiles := make(map[string]any)
	for k, v := range ac.Rest {
		if p, ok := strings.CutPrefix(k, "env_"); ok && p != "" {
			profiles[p] = v
			continue
		}
		warnings = append(warnings, fmt.Sprintf("unsupported field %q ignored", k))
	}
	sort.Strings(warnings)
	if opts.Profile != "" {
		if raw, ok := profiles[opts.Profile]; ok {
			overlay, err := toEnv(raw)
			if err != nil {
				return spec, nil, fmt.Errorf("env_%s: %w", opts.Profile, err)
			}
			for k, v := range overlay {
				vars[k] = v
			}
		}
	}
	if len(vars) > 0 {
		spec.Env = vars
	}
	return spec, warnings, nil
}

// Validate reports every problem in specs at once: per-spec field errors,
// duplicate names, and programs that cannot be resolved on this host.
func Validate(specs []process.Spec) error {
	var errs []error
	seen := make(map[string]int, len(specs))
	for i := range specs {
		s := &specs[i]
		label := fmt.Sprintf("apps[%d]", i)
		if s.Name != "" {
			label = fmt.Sprintf("apps[%d] (%s)", i, s.Name)
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if s.Name != "" {
			if j, dup := seen[s.Name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate name, first defined at apps[%d]", label, j))
			} else {
				seen[s.Name] = i
			}
		}
		if strings.TrimSpace(s.Script) != "" {
			if _, err := s.ResolveExecutable(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", label, err))
			}
		}
	}
	return errors.Join(errs...)
}

func resolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == os.DevNull || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(base, p)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func nameOf(obj map[string]any) string {
	if s, ok := obj["name"].(string); ok {
		return s
	}
	return ""
}
