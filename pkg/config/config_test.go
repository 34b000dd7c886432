package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "asynx", cfg.AppName)
	assert.Equal(t, "default", cfg.QueueName)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, 500*time.Millisecond, time.Duration(cfg.Worker.PollInterval))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
appname: billing
queuename: invoices
localzone: UTC
redis:
  addr: redis.internal:6380
  db: 3
worker:
  concurrency: 4
  poll_interval: 250ms
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", cfg.AppName)
	assert.Equal(t, "invoices", cfg.QueueName)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.Worker.PollInterval))

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ASYNX_APPNAME", "ops")
	t.Setenv("ASYNX_REDIS_ADDR", "10.0.0.2:6379")
	t.Setenv("ASYNX_WORKER_CONCURRENCY", "2")
	t.Setenv("ASYNX_WORKER_POLL_INTERVAL", "1s")
	t.Setenv("API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.AppName)
	assert.Equal(t, "10.0.0.2:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, time.Second, time.Duration(cfg.Worker.PollInterval))
	assert.Equal(t, "secret", cfg.Server.APIKey)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
