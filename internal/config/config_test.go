package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/cropbatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	mode, err := cfg.Mode()
	require.NoError(t, err)
	assert.Equal(t, types.ModeCooperative, mode)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
batch:
  mode: process
  repeats: 40
worker:
  count: 3
log:
  level: info
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "process", cfg.Batch.Mode)
	assert.Equal(t, 40, cfg.Batch.Repeats)
	assert.Equal(t, 3, cfg.Workers(types.ModeProcess))
	assert.Equal(t, slog.LevelInfo, cfg.Level())

	// untouched sections keep their defaults
	assert.Equal(t, 10, cfg.Batch.Capacity)
	assert.Equal(t, 100, cfg.Worker.BufferSize)
	assert.True(t, cfg.Cooperative.SingleThread)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "batch: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config YAML")
}

func TestLoad_RepoDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Batch.Mode = "async" }},
		{"zero capacity", func(c *Config) { c.Batch.Capacity = 0 }},
		{"negative repeats", func(c *Config) { c.Batch.Repeats = -1 }},
		{"negative workers", func(c *Config) { c.Worker.Count = -2 }},
		{"cpu fraction", func(c *Config) { c.Worker.CPUFraction = 1.5 }},
		{"checkpoint", func(c *Config) { c.Cooperative.CheckpointEvery = -1 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), types.ErrConfiguration)
		})
	}
}

// Capacity only bounds the cooperative window.
func TestValidateCapacityIgnoredOutsideCooperative(t *testing.T) {
	cfg := Default()
	cfg.Batch.Mode = "thread"
	cfg.Batch.Capacity = 0
	assert.NoError(t, cfg.Validate())
}

func TestWorkers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Workers(types.ModeProcess)+cfg.Worker.ExtraThreads, cfg.Workers(types.ModeThread))
	assert.GreaterOrEqual(t, cfg.Workers(types.ModeProcess), 1)
	assert.GreaterOrEqual(t, cfg.PersistConcurrency(), 1)

	cfg.Persist.Concurrency = 7
	assert.Equal(t, 7, cfg.PersistConcurrency())
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
