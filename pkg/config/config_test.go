package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestParse_OverridesDefaults(t *testing.T) {
	data := []byte(`
logger:
  level: info
  json: true
http-server:
  port: 9090
  read_header_timeout: 2s
  max_sessions: 50
db:
  slices: 4
  btree_degree: 16
  ring_replicas: 32
  persistence:
    enabled: true
    path: /var/lib/btreekv
    sync_writes: true
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 50, cfg.Server.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.Server.SessionIdleTimeout)
	assert.Equal(t, 4, cfg.Slices)
	assert.Equal(t, 16, cfg.BTreeDegree)
	assert.Equal(t, 32, cfg.RingReplicas)
	assert.Equal(t, "/var/lib/btreekv", cfg.Persistence.RootPath)
	assert.True(t, cfg.Persistence.SyncWrites)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad level":       "logger:\n  level: trace\n",
		"zero slices":     "db:\n  slices: -1\n",
		"small degree":    "db:\n  btree_degree: 1\n",
		"port range":      "http-server:\n  port: 70000\n",
		"persistence dir": "db:\n  persistence:\n    enabled: true\n    path: \"\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.Error(t, err)

			var verrs validator.ValidationErrors
			assert.True(t, errors.As(err, &verrs), "expected validation error, got %v", err)
		})
	}
}

func TestParse_PersistenceDisabledNeedsNoPath(t *testing.T) {
	cfg, err := Parse([]byte("db:\n  persistence:\n    enabled: false\n    path: \"\"\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Persistence.Enabled)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("logger: [unterminated"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  slices: 2\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Slices)
}
