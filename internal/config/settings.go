package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/appvisor/internal/auth"
	"github.com/loykin/appvisor/internal/env"
	"github.com/loykin/appvisor/internal/tls"
)

// Settings configures the supervisor itself, as opposed to the apps it runs.
type Settings struct {
	Log             LogSettings     `mapstructure:"log"`
	LogDir          string          `mapstructure:"log_dir"`
	Env             []string        `mapstructure:"env"`
	EnvFiles        []string        `mapstructure:"env_files"`
	UseOSEnv        bool            `mapstructure:"use_os_env"`
	API             APISettings     `mapstructure:"api"`
	Store           StoreSettings   `mapstructure:"store"`
	History         HistorySettings `mapstructure:"history"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	Watch           bool            `mapstructure:"watch"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type APISettings struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// WriteTimeout is a floor; the server raises it to cover the largest
	// kill_timeout of the apps registered when it starts.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          tls.Config    `mapstructure:"tls"`
	Auth         auth.Config   `mapstructure:"auth"`
}

type StoreSettings struct {
	DSN string `mapstructure:"dsn"`
}

type HistorySettings struct {
	ClickHouse ClickHouseSettings `mapstructure:"clickhouse"`
}

type ClickHouseSettings struct {
	Addr  string `mapstructure:"addr"`
	Table string `mapstructure:"table"`
}

// EnvPrefix is the prefix of environment variables that override settings,
// e.g. APPVISOR_API_LISTEN or APPVISOR_LOG_LEVEL.
const EnvPrefix = "APPVISOR"

var settingDefaults = map[string]any{
	"log.level":                "info",
	"log.format":               "text",
	"log.file":                 "",
	"log_dir":                  "",
	"env":                      []string{},
	"env_files":                []string{},
	"use_os_env":               true,
	"api.listen":               "",
	"api.base_path":            "/api",
	"api.tls.enabled":          false,
	"api.tls.cert_file":        "",
	"api.tls.key_file":         "",
	"api.tls.dir":              "",
	"api.tls.auto_generate":    false,
	"api.tls.min_version":      "",
	"api.write_timeout":        "60s",
	"api.auth.enabled":         false,
	"api.auth.jwt_secret":      "",
	"api.auth.token_ttl":       "24h",
	"store.dsn":                "",
	"history.clickhouse.addr":  "",
	"history.clickhouse.table": "",
	"shutdown_timeout":         "30s",
	"watch":                    false,
}

// settingFlags maps command-line flag names to setting keys.
var settingFlags = map[string]string{
	"log-level":        "log.level",
	"log-format":       "log.format",
	"log-file":         "log.file",
	"log-dir":          "log_dir",
	"api-listen":       "api.listen",
	"api-base-path":    "api.base_path",
	"store":            "store.dsn",
	"clickhouse-addr":  "history.clickhouse.addr",
	"clickhouse-table": "history.clickhouse.table",
	"shutdown-timeout": "shutdown_timeout",
	"watch":            "watch",
}

// LoadSettings merges, lowest first: defaults, the optional settings file
// (yaml, toml or json), APPVISOR_* environment variables, and flags that were
// set explicitly on flags.
func LoadSettings(path string, flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	for k, d := range settingDefaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
		}
	}
	if flags != nil {
		for name, key := range settingFlags {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Settings{}, err
				}
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	return s, nil
}

// Environment builds the supervisor-wide environment: the OS environment
// (unless disabled), then env_files in order, then the env list.
func (s Settings) Environment() (*env.Env, error) {
	e := env.New()
	if s.UseOSEnv {
		e = e.FromOS()
	} else {
		e = e.WithBase(nil)
	}
	for _, p := range s.EnvFiles {
		vars, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, val := range vars {
			e = e.WithSet(k, val)
		}
	}
	return e.WithPairs(s.Env), nil
}
