// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from a YAML file with
// environment variable overrides. Environment variables take precedence
// over file values; flags (handled by the commands) take precedence over
// both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Functions FunctionsConfig `yaml:"functions"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the control-plane HTTP listener.
type ServerConfig struct {
	// Listen is the address the API binds to.
	// Environment: WIRLD_LISTEN
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". When empty it is inferred:
	// postgres when URL is set, sqlite otherwise.
	Driver string `yaml:"driver"`

	// URL is the Postgres connection string.
	// Environment: DATABASE_URL
	URL string `yaml:"url"`

	// Path is the sqlite database file.
	// Environment: WIRLD_SQLITE_PATH
	Path string `yaml:"path"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// WorkflowsConfig configures the template registry.
type WorkflowsConfig struct {
	// Dir is the directory scanned recursively for *.wirl files.
	// Environment: WORKFLOW_DEFINITIONS_PATH
	Dir string `yaml:"dir"`

	// Watch enables hot reload on file changes.
	Watch bool `yaml:"watch"`
}

// WorkerConfig configures the run-executing worker pool.
type WorkerConfig struct {
	// Count is the number of concurrent workers.
	// Environment: WIRLD_WORKERS
	Count int `yaml:"count"`

	// StaleTimeout is how long a claim may go without a heartbeat
	// before another worker may steal it.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HeartbeatInterval is how often a busy worker refreshes its claim.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ClaimRate caps claim attempts per second across the pool.
	ClaimRate float64 `yaml:"claim_rate"`

	// MaxRetries caps how often a failed run may be re-queued.
	MaxRetries int `yaml:"max_retries"`
}

// SchedulerConfig configures the cron trigger scheduler.
type SchedulerConfig struct {
	// Enabled turns the scheduler on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Tick is the due-trigger polling interval.
	// Environment: WIRLD_SCHEDULER_TICK
	Tick time.Duration `yaml:"tick"`
}

// FunctionsConfig configures how node call targets are executed.
type FunctionsConfig struct {
	// Command is the subprocess invoked per call, receiving the call
	// target as its final argument and JSON on stdin.
	// Environment: WIRLD_FUNCTIONS
	Command string `yaml:"command"`

	Args []string `yaml:"args"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format is json or text.
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`
}

// TracingConfig configures trace export.
type TracingConfig struct {
	// Enabled turns span export on.
	// Environment: WIRLD_TRACING
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in defaults.
func Default() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{
			Listen:          ":8420",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "wirld.db",
		},
		Workflows: WorkflowsConfig{
			Dir:   "workflows",
			Watch: true,
		},
		Worker: WorkerConfig{
			Count:             4,
			StaleTimeout:      5 * time.Minute,
			PollInterval:      time.Second,
			HeartbeatInterval: 15 * time.Second,
			ClaimRate:         10,
			MaxRetries:        5,
		},
		Scheduler: SchedulerConfig{
			Enabled: &enabled,
			Tick:    15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates. An empty path skips the file and uses
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("WIRLD_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		c.Database.URL = val
	}
	if val := os.Getenv("WIRLD_SQLITE_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("WORKFLOW_DEFINITIONS_PATH"); val != "" {
		c.Workflows.Dir = val
	}
	if val := os.Getenv("WIRLD_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.Count = n
		}
	}
	if val := os.Getenv("WIRLD_SCHEDULER_TICK"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.Tick = d
		}
	}
	if val := os.Getenv("WIRLD_FUNCTIONS"); val != "" {
		c.Functions.Command = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("WIRLD_TRACING"); val != "" {
		c.Tracing.Enabled = val == "1" || val == "true"
	}
}

// DatabaseDriver resolves the effective driver name.
func (c *Config) DatabaseDriver() string {
	if c.Database.Driver != "" {
		return c.Database.Driver
	}
	if c.Database.URL != "" {
		return "postgres"
	}
	return "sqlite"
}

// SchedulerEnabled resolves the scheduler toggle, defaulting to on.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.DatabaseDriver() {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("%w: database.path is required for sqlite", ErrInvalidConfig)
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database.url is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfig, c.Database.Driver)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen must not be empty", ErrInvalidConfig)
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("%w: worker.count must not be negative", ErrInvalidConfig)
	}
	if c.Worker.ClaimRate < 0 {
		return fmt.Errorf("%w: worker.claim_rate must not be negative", ErrInvalidConfig)
	}
	if c.Scheduler.Tick < 0 {
		return fmt.Errorf("%w: scheduler.tick must not be negative", ErrInvalidConfig)
	}
	if c.Workflows.Dir == "" {
		return fmt.Errorf("%w: workflows.dir must not be empty", ErrInvalidConfig)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}
