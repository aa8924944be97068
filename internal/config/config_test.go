package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultClientConfig(), cfg)
	assert.Equal(t, 3*time.Second, cfg.RetryBudget)
}

func TestLoadClientConfigFileThenEnv(t *testing.T) {
	path := writeFile(t, `
address = "10.0.0.7:2281"
session_timeout = "4s"
retry_budget = "1500ms"
max_concurrent_handlers = 8
`)
	t.Setenv("KEEPER_RETRY_BUDGET", "2s")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:2281", cfg.Address)
	assert.Equal(t, 4*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 2*time.Second, cfg.RetryBudget, "env wins over file")
	assert.Equal(t, 8, cfg.MaxConcurrentHandlers)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryDelay, "defaults survive")
}

func TestLoadServerConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEEPER_DATA_DIR", dir)
	t.Setenv("KEEPER_LISTEN", "127.0.0.1:0")

	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "127.0.0.1:0", cfg.Addr)
	assert.Equal(t, 200*time.Millisecond, cfg.TickInterval)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "config load failed")

	_, err = LoadClientConfig(writeFile(t, "address = [unterminated"))
	assert.ErrorContains(t, err, "config parse failed")

	t.Setenv("KEEPER_SESSION_TIMEOUT", "soon")
	_, err = LoadClientConfig("")
	assert.ErrorContains(t, err, "parse env")
}

func TestValidate(t *testing.T) {
	c := DefaultClientConfig()
	c.Address = " "
	assert.Error(t, c.Validate())

	c = DefaultClientConfig()
	c.RetryDelay = 0
	assert.ErrorContains(t, c.Validate(), "retry_delay")

	c = DefaultClientConfig()
	c.MaxConcurrentHandlers = -1
	assert.Error(t, c.Validate())

	s := DefaultServerConfig()
	s.MaxSessionTimeout = s.MinSessionTimeout / 2
	assert.Error(t, s.Validate())

	s = DefaultServerConfig()
	s.MaxPollWait = 0
	assert.Error(t, s.Validate())
}
