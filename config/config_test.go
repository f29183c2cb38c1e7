package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 10, cfg.Worker.QueueSize)
	assert.Equal(t, 300, cfg.Worker.JobTimeoutSeconds)
	assert.Equal(t, 60, cfg.Worker.CPUSeconds)
	assert.Equal(t, 512, cfg.Worker.MemoryMB)
	assert.Equal(t, 100, cfg.Worker.FileSizeMB)
	assert.False(t, cfg.SafeMode)
	assert.Equal(t, "ade.db", cfg.Database.Path)
	assert.Equal(t, "python3", cfg.Engine.Interpreter)
}

func TestOperatorEnvVarOverrides(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	t.Setenv("ADE_MAX_CONCURRENCY", "4")
	t.Setenv("ADE_QUEUE_SIZE", "25")
	t.Setenv("ADE_JOB_TIMEOUT_SECONDS", "30")
	t.Setenv("ADE_SAFE_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 25, cfg.Worker.QueueSize)
	assert.Equal(t, 30, cfg.Worker.JobTimeoutSeconds)
	assert.True(t, cfg.SafeMode)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ade.toml")
	content := `
safe_mode = true

[worker]
max_concurrency = 8
queue_size = 50

[engine]
version = "2.1.0"
spec = "ade-engine==2.1.0"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.SafeMode)
	assert.Equal(t, 8, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 50, cfg.Worker.QueueSize)
	assert.Equal(t, "2.1.0", cfg.Engine.Version)
	// Untouched keys keep defaults
	assert.Equal(t, 300, cfg.Worker.JobTimeoutSeconds)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Worker: WorkerConfig{
				MaxConcurrency:    2,
				QueueSize:         10,
				JobTimeoutSeconds: 300,
			},
		}
	}

	cfg := base()
	cfg.Worker.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Worker.QueueSize = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Worker.JobTimeoutSeconds = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	zero := 0
	cfg.Server.Port = &zero
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.Version = "not-a-version"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.Version = "1.4.0"
	assert.NoError(t, cfg.Validate())
}
