// Package config loads the cropbatch YAML configuration.
//
// Every field has a default, so a missing file section (or no file at all)
// still produces a runnable configuration. Command-line flags are applied
// on top by the cli package before Validate is called.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/ChuLiYu/cropbatch/internal/worker"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
// Maps config file fields through YAML tags.
type Config struct {
	Batch struct {
		Mode     string `yaml:"mode"`
		Repeats  int    `yaml:"repeats"`
		Capacity int    `yaml:"capacity"`
	} `yaml:"batch"`

	Worker struct {
		Count        int     `yaml:"count"` // 0 = sized from host
		CPUFraction  float64 `yaml:"cpu_fraction"`
		ExtraThreads int     `yaml:"extra_threads"`
		BufferSize   int     `yaml:"buffer_size"`
	} `yaml:"worker"`

	Cooperative struct {
		SingleThread    bool `yaml:"single_thread"`
		CheckpointEvery int  `yaml:"checkpoint_every"` // 0 disables checkpoints
	} `yaml:"cooperative"`

	Persist struct {
		Concurrency int `yaml:"concurrency"` // 0 = NumCPU/2
	} `yaml:"persist"`

	Log struct {
		Dir   string `yaml:"dir"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Redis struct {
		Password string `yaml:"password"`
	} `yaml:"redis"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Batch.Mode = string(types.ModeCooperative)
	cfg.Batch.Repeats = 10
	cfg.Batch.Capacity = 10
	cfg.Worker.CPUFraction = 0.5
	cfg.Worker.ExtraThreads = 4
	cfg.Worker.BufferSize = 100
	cfg.Cooperative.SingleThread = true
	cfg.Cooperative.CheckpointEvery = 1
	cfg.Log.Dir = "logs"
	cfg.Log.Level = "debug"
	cfg.Metrics.Port = 9090
	return &cfg
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Mode returns the parsed batch mode.
func (c *Config) Mode() (types.Mode, error) {
	return types.ParseMode(c.Batch.Mode)
}

// Workers resolves the worker count for a parallel mode. Thread workers get
// ExtraThreads on top of the CPU share since they mostly wait on I/O.
func (c *Config) Workers(mode types.Mode) int {
	if c.Worker.Count > 0 {
		return c.Worker.Count
	}
	extra := 0
	if mode == types.ModeThread {
		extra = c.Worker.ExtraThreads
	}
	return worker.DefaultWorkerCount(c.Worker.CPUFraction, extra)
}

// PersistConcurrency resolves the per-job save fan-out.
func (c *Config) PersistConcurrency() int {
	if c.Persist.Concurrency > 0 {
		return c.Persist.Concurrency
	}
	return max(1, runtime.NumCPU()/2)
}

// Validate reports configuration errors wrapped in types.ErrConfiguration.
func (c *Config) Validate() error {
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	var problems []error
	if c.Batch.Repeats < 0 {
		problems = append(problems, fmt.Errorf("batch.repeats must not be negative, got %d", c.Batch.Repeats))
	}
	if mode == types.ModeCooperative && c.Batch.Capacity <= 0 {
		problems = append(problems, fmt.Errorf("batch.capacity must be positive, got %d", c.Batch.Capacity))
	}
	if c.Worker.Count < 0 {
		problems = append(problems, fmt.Errorf("worker.count must not be negative, got %d", c.Worker.Count))
	}
	if c.Worker.CPUFraction <= 0 || c.Worker.CPUFraction > 1 {
		problems = append(problems, fmt.Errorf("worker.cpu_fraction must be in (0, 1], got %g", c.Worker.CPUFraction))
	}
	if c.Worker.BufferSize < 0 {
		problems = append(problems, fmt.Errorf("worker.buffer_size must not be negative, got %d", c.Worker.BufferSize))
	}
	if c.Cooperative.CheckpointEvery < 0 {
		problems = append(problems, fmt.Errorf("cooperative.checkpoint_every must not be negative, got %d", c.Cooperative.CheckpointEvery))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", types.ErrConfiguration, errors.Join(problems...))
	}
	return nil
}
