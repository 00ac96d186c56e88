package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.AsyncEnabled)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "asyncjobs_check", cfg.AsyncQueueName)
	assert.Equal(t, 86400, cfg.AsyncResultTTLSec)
	assert.Equal(t, 50000, cfg.AsyncBacklogLimit)
	assert.Equal(t, 30, cfg.AsyncMaxQueueWaitSec)
	assert.Equal(t, "asyncjobs", cfg.AsyncRedisKeyPrefix)
	assert.False(t, cfg.AsyncUseInMemoryBackend)
	assert.Equal(t, 3, cfg.AsyncWorkerRetries)
	assert.Equal(t, "", cfg.APIKey)
	assert.Equal(t, "http://localhost:8000", cfg.CheckerURL)
	assert.Equal(t, 30, cfg.CheckerTimeoutSec)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
}

func TestLoadEnvVarOverridesDefault(t *testing.T) {
	t.Setenv("ASYNCJOBS_HTTP_PORT", "9999")
	t.Setenv("ASYNCJOBS_ASYNC_USE_IN_MEMORY_BACKEND", "true")
	t.Setenv("ASYNCJOBS_API_KEY", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.HTTPPort)
	assert.True(t, cfg.AsyncUseInMemoryBackend)
	assert.Equal(t, "from-env", cfg.APIKey)
}

func TestLoadYAMLFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "http_port: 7000\nasync_worker_retries: 7\ncheck_url_unused: true\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.HTTPPort)
	assert.Equal(t, 7, cfg.AsyncWorkerRetries)
	assert.Equal(t, 9090, cfg.MetricsPort, "keys absent from the file still fall back to defaults")
}

func TestLoadEnvVarWinsOverYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 7000\n"), 0o644))

	t.Setenv("ASYNCJOBS_HTTP_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.HTTPPort)
}

func TestLoadMissingConfigFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
