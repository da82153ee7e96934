package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "signal_events", cfg.SignalQueue)
	assert.Equal(t, "agent_events", cfg.AgentChannel)
	assert.Equal(t, 24*time.Hour, cfg.LiveStateTTL)
	assert.Equal(t, time.Second, cfg.PopTimeout)
	assert.False(t, cfg.OTLPEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("SIGNAL_QUEUE", "signals_test")
	t.Setenv("LIVE_STATE_TTL", "1h")
	t.Setenv("POP_TIMEOUT", "250ms")
	t.Setenv("OTLP_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "signals_test", cfg.SignalQueue)
	assert.Equal(t, time.Hour, cfg.LiveStateTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.PopTimeout)
	assert.True(t, cfg.OTLPEnabled)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("LIVE_STATE_TTL", "soon")

	cfg := Load()
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 24*time.Hour, cfg.LiveStateTTL)
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: op1
    role: operator
  - id: U1
    role: user
stations:
  - id: ST001
    name: Central Plaza
    capacity: 8
    lat: 12.97
    lng: 77.59
`), 0o644))

	dir, err := LoadDirectory(path)
	require.NoError(t, err)
	require.Len(t, dir.Users, 2)
	assert.Equal(t, "operator", dir.Users[0].Role)
	require.Len(t, dir.Stations, 1)
	assert.Equal(t, "ST001", dir.Stations[0].ID)
	assert.Equal(t, 8, dir.Stations[0].Capacity)
}

func TestLoadDirectory_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  - role: operator\n"), 0o644))
	_, err := LoadDirectory(path)
	assert.Error(t, err)

	_, err = LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
