package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 2, c.Concurrency.MaxConcurrentBatches)
	assert.Equal(t, 5, c.Concurrency.MaxConcurrentSubtasks)
	assert.Equal(t, 3, c.Retry.MaxRetries)
	assert.Equal(t, float64(2), c.Retry.BackoffMultiplier)
	assert.Equal(t, 1000, c.Retry.InitialDelayMs)
	assert.Equal(t, 300000, c.Timeout.SubtaskTimeoutMs)
	assert.Equal(t, 1800000, c.Timeout.BatchTimeoutMs)
	assert.True(t, c.Multipass.Enabled)
	assert.Equal(t, 3, c.Multipass.MaxPasses)
	assert.Equal(t, 0.1, c.Multipass.ImprovementThreshold)
	assert.Equal(t, 5, c.Fallback.CircuitBreakerThreshold)
	assert.Equal(t, 300000, c.Fallback.CircuitBreakerTimeoutMs)
	assert.Equal(t, "capability-based", c.Fallback.Strategy)
	assert.Equal(t, 50, c.Snapshot.MaxSnapshots)
	assert.Equal(t, 300000, c.Snapshot.RecoveryTimeoutMs)
	assert.Equal(t, float64(50), c.Matcher.CostCeilingUSD)
	require.NoError(t, c.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	data := []byte(`
concurrency:
  max_concurrent_batches: 4
retry:
  max_retries: 1
fallback:
  strategy: least-loaded
store:
  backend: sqlite3
  dsn: file:test.db
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Concurrency.MaxConcurrentBatches)
	assert.Equal(t, 1, c.Retry.MaxRetries)
	assert.Equal(t, "least-loaded", c.Fallback.Strategy)
	assert.Equal(t, "sqlite3", c.Store.Backend)
	// untouched keys keep defaults
	assert.Equal(t, 5, c.Concurrency.MaxConcurrentSubtasks)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_MAX_CONCURRENT_SUBTASKS", "9")
	t.Setenv("CONDUCTOR_REDIS_ADDR", "localhost:6379")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, c.Concurrency.MaxConcurrentSubtasks)
	assert.Equal(t, "redis", c.State.Backend)
	assert.Equal(t, "localhost:6379", c.State.RedisAddr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := Default()
	c.Concurrency.MaxConcurrentSubtasks = 0
	assert.Error(t, c.Validate())

	c = Default()
	c.Fallback.Strategy = "random"
	assert.Error(t, c.Validate())

	c = Default()
	c.Retry.BackoffMultiplier = 0.5
	assert.Error(t, c.Validate())
}
