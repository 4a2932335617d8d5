package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("", nil)
	require.NoError(t, err)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "text", s.Log.Format)
	assert.Equal(t, "/api", s.API.BasePath)
	assert.True(t, s.UseOSEnv)
	assert.Equal(t, 30*time.Second, s.ShutdownTimeout)
}

func TestLoadSettingsPrecedence(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "appvisor.yaml", `
log:
  level: debug
  format: json
api:
  listen: 127.0.0.1:9000
store:
  dsn: /tmp/runs.db
env: ["GLOBAL=1"]
shutdown_timeout: 5s
history:
  clickhouse:
    addr: ch:9000
`)
	t.Setenv("APPVISOR_API_LISTEN", "127.0.0.1:9100")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.String("store", "", "")
	require.NoError(t, fs.Parse([]string{"--log-level=warn"}))

	s, err := LoadSettings(p, fs)
	require.NoError(t, err)
	assert.Equal(t, "warn", s.Log.Level, "explicit flag wins")
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, "127.0.0.1:9100", s.API.Listen, "env wins over file")
	assert.Equal(t, "/tmp/runs.db", s.Store.DSN, "unset flag does not override file")
	assert.Equal(t, []string{"GLOBAL=1"}, s.Env)
	assert.Equal(t, 5*time.Second, s.ShutdownTimeout)
	assert.Equal(t, "ch:9000", s.History.ClickHouse.Addr)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(t.TempDir()+"/nope.yaml", nil)
	assert.Error(t, err)
}

func TestSettingsEnvironment(t *testing.T) {
	dir := t.TempDir()
	ef := writeFile(t, dir, "global.env", "FROM_FILE=1\nOVER=file\n")
	s := Settings{EnvFiles: []string{ef}, Env: []string{"OVER=list", "REF=${FROM_FILE}"}}
	e, err := s.Environment()
	require.NoError(t, err)
	assert.Equal(t, []string{"FROM_FILE=1", "OVER=list", "REF=1"}, e.Merge())

	s.EnvFiles = []string{dir + "/missing.env"}
	_, err = s.Environment()
	assert.Error(t, err)
}

func TestLoadSettingsAPITLS(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "appvisor.toml", `
[api]
listen = "0.0.0.0:8443"

[api.tls]
enabled = true
dir = "/etc/appvisor/tls"
auto_generate = true
hosts = ["ops.internal", "10.1.2.3"]
`)
	s, err := LoadSettings(p, nil)
	require.NoError(t, err)
	assert.True(t, s.API.TLS.Enabled)
	assert.True(t, s.API.TLS.AutoGenerate)
	assert.Equal(t, "/etc/appvisor/tls", s.API.TLS.Dir)
	assert.Equal(t, []string{"ops.internal", "10.1.2.3"}, s.API.TLS.Hosts)
}

func TestLoadSettingsAPIAuth(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "appvisor.yaml", `
api:
  listen: 127.0.0.1:8080
  write_timeout: 2m
  auth:
    enabled: true
    token_ttl: 1h
    users:
      - username: ops
        password_hash: $2a$10$abcdefghijklmnopqrstuuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ01
        role: operator
      - username: view
        password_hash: $2a$10$abcdefghijklmnopqrstuuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ02
`)
	s, err := LoadSettings(p, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, s.API.WriteTimeout)
	assert.True(t, s.API.Auth.Enabled)
	assert.Equal(t, time.Hour, s.API.Auth.TokenTTL)
	require.Len(t, s.API.Auth.Users, 2)
	assert.Equal(t, "ops", s.API.Auth.Users[0].Username)
	assert.Equal(t, "operator", s.API.Auth.Users[0].Role)
	assert.Equal(t, "", s.API.Auth.Users[1].Role)
}

func TestLoadSettingsAPIDefaults(t *testing.T) {
	s, err := LoadSettings("", nil)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, s.API.WriteTimeout)
	assert.False(t, s.API.Auth.Enabled)
	assert.Equal(t, 24*time.Hour, s.API.Auth.TokenTTL)
}
