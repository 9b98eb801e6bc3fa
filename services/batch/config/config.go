// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads filebatch settings.
//
// Settings come from, in increasing precedence: built-in defaults, a YAML
// or TOML file, a .env file, and FILEBATCH_* environment variables. The
// result is validated before use.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/pool"
	"github.com/AleutianAI/filebatch/services/batch/resource"
	"github.com/AleutianAI/filebatch/services/batch/security"
)

// AppName names the XDG subdirectories.
const AppName = "filebatch"

// Duration is a time.Duration written as "1m30s" in config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for YAML and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config is the full settings tree.
type Config struct {
	// Root confines every operation. Relative roots resolve against the
	// working directory.
	Root string `yaml:"root" toml:"root" validate:"required"`

	Options     OptionsConfig     `yaml:"options" toml:"options"`
	Pool        PoolConfig        `yaml:"pool" toml:"pool"`
	Limits      LimitsConfig      `yaml:"limits" toml:"limits"`
	Transaction TransactionConfig `yaml:"transaction" toml:"transaction"`
	Security    SecurityConfig    `yaml:"security" toml:"security"`
	Sandbox     SandboxConfig     `yaml:"sandbox" toml:"sandbox"`
	Planner     PlannerConfig     `yaml:"planner" toml:"planner"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Watch       WatchConfig       `yaml:"watch" toml:"watch"`

	// Source is the file the config was read from, if any.
	Source string `yaml:"-" toml:"-"`
}

// OptionsConfig holds the default batch options.
type OptionsConfig struct {
	Parallel        bool   `yaml:"parallel" toml:"parallel"`
	Transaction     bool   `yaml:"transaction" toml:"transaction"`
	ContinueOnError bool   `yaml:"continue_on_error" toml:"continue_on_error"`
	CacheStrategy   string `yaml:"cache_strategy" toml:"cache_strategy" validate:"omitempty,oneof=none batch shared"`
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent" toml:"max_concurrent" validate:"gte=0,lte=1024"`
	QueueCapacity int      `yaml:"queue_capacity" toml:"queue_capacity" validate:"gte=0"`
	WorkerTimeout Duration `yaml:"worker_timeout" toml:"worker_timeout" validate:"gte=0"`
	GracePeriod   Duration `yaml:"grace_period" toml:"grace_period" validate:"gte=0"`
	DispatchRate  float64  `yaml:"dispatch_rate" toml:"dispatch_rate" validate:"gte=0"`
	DispatchBurst int      `yaml:"dispatch_burst" toml:"dispatch_burst" validate:"gte=0"`
}

// LimitsConfig is the default per-batch resource budget.
type LimitsConfig struct {
	MaxDuration  Duration `yaml:"max_duration" toml:"max_duration" validate:"gte=0"`
	MaxBytes     int64    `yaml:"max_bytes" toml:"max_bytes" validate:"gte=0"`
	MaxHeapBytes int64    `yaml:"max_heap_bytes" toml:"max_heap_bytes" validate:"gte=0"`
}

// Store kinds.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

// TransactionConfig configures snapshots, locking and cleanup.
type TransactionConfig struct {
	Store               string   `yaml:"store" toml:"store" validate:"oneof=memory badger"`
	StorePath           string   `yaml:"store_path" toml:"store_path" validate:"required_if=Store badger"`
	LockDir             string   `yaml:"lock_dir" toml:"lock_dir"`
	MaxSnapshots        int      `yaml:"max_snapshots" toml:"max_snapshots" validate:"gte=0"`
	SnapshotConcurrency int      `yaml:"snapshot_concurrency" toml:"snapshot_concurrency" validate:"gte=0"`
	JanitorInterval     Duration `yaml:"janitor_interval" toml:"janitor_interval" validate:"gte=0"`
	MaxAge              Duration `yaml:"max_age" toml:"max_age" validate:"gte=0"`
}

// SecurityConfig configures path validation. A nil BlockedPatterns keeps
// the built-in list.
type SecurityConfig struct {
	BlockedPatterns []string `yaml:"blocked_patterns" toml:"blocked_patterns"`
}

// SandboxConfig configures validation scripts.
type SandboxConfig struct {
	Interpreter        []string `yaml:"interpreter" toml:"interpreter" validate:"omitempty,dive,required"`
	DefaultTimeout     Duration `yaml:"default_timeout" toml:"default_timeout" validate:"gte=0"`
	DefaultMemoryBytes uint64   `yaml:"default_memory_bytes" toml:"default_memory_bytes"`
	MaxOutputBytes     int      `yaml:"max_output_bytes" toml:"max_output_bytes" validate:"gte=0"`
}

// PlannerConfig overrides per-type cost estimates.
type PlannerConfig struct {
	Weights map[string]Duration `yaml:"weights" toml:"weights" validate:"dive,keys,oneof=analyze edit create delete validate,endkeys,gte=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=auto json text"`
	Dir    string `yaml:"dir" toml:"dir"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	TracingEnabled bool    `yaml:"tracing_enabled" toml:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter" toml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool    `yaml:"otlp_insecure" toml:"otlp_insecure"`
	SampleRate     float64 `yaml:"sample_rate" toml:"sample_rate" validate:"gte=0,lte=1"`
	MetricsEnabled bool    `yaml:"metrics_enabled" toml:"metrics_enabled"`
	ServiceName    string  `yaml:"service_name" toml:"service_name" validate:"required"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr" validate:"required,hostname_port"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gte=0"`
	MaxRequestBytes int64    `yaml:"max_request_bytes" toml:"max_request_bytes" validate:"gt=0"`
}

// WatchConfig configures the watch command.
type WatchConfig struct {
	Debounce Duration `yaml:"debounce" toml:"debounce" validate:"gte=0"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Root: ".",
		Options: OptionsConfig{
			Parallel:      true,
			Transaction:   true,
			CacheStrategy: string(engine.CacheBatch),
		},
		Pool: PoolConfig{
			WorkerTimeout: Duration(pool.DefaultWorkerTimeout),
			GracePeriod:   Duration(pool.DefaultGracePeriod),
			QueueCapacity: pool.DefaultQueueCapacity,
		},
		Transaction: TransactionConfig{
			Store:               StoreMemory,
			StorePath:           filepath.Join(xdg.DataHome, AppName, "snapshots"),
			LockDir:             filepath.Join(xdg.StateHome, AppName, "locks"),
			MaxSnapshots:        1000,
			SnapshotConcurrency: 8,
			JanitorInterval:     Duration(time.Minute),
			MaxAge:              Duration(time.Hour),
		},
		Sandbox: SandboxConfig{
			Interpreter:    []string{"/bin/sh"},
			DefaultTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
			Dir:    filepath.Join(xdg.StateHome, AppName, "logs"),
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
			SampleRate:    1,
			ServiceName:   AppName,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8088",
			ReadTimeout:     Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			MaxRequestBytes: 8 << 20,
		},
		Watch: WatchConfig{Debounce: Duration(300 * time.Millisecond)},
	}
}

// EngineOptions converts the option defaults and limits.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Parallel:        c.Options.Parallel,
		Transaction:     c.Options.Transaction,
		ContinueOnError: c.Options.ContinueOnError,
		CacheStrategy:   engine.CacheStrategy(c.Options.CacheStrategy),
		Limits: resource.Limits{
			MaxDuration:  c.Limits.MaxDuration.D(),
			MaxBytes:     c.Limits.MaxBytes,
			MaxHeapBytes: c.Limits.MaxHeapBytes,
		},
	}
}

// PoolSettings converts the pool section.
func (c *Config) PoolSettings() pool.Config {
	return pool.Config{
		Name:          AppName,
		MaxConcurrent: c.Pool.MaxConcurrent,
		QueueCapacity: c.Pool.QueueCapacity,
		WorkerTimeout: c.Pool.WorkerTimeout.D(),
		GracePeriod:   c.Pool.GracePeriod.D(),
		DispatchRate:  c.Pool.DispatchRate,
		DispatchBurst: c.Pool.DispatchBurst,
	}
}

// SandboxSettings converts the sandbox section.
func (c *Config) SandboxSettings() security.SandboxConfig {
	return security.SandboxConfig{
		Interpreter:        c.Sandbox.Interpreter,
		DefaultTimeout:     c.Sandbox.DefaultTimeout.D(),
		DefaultMemoryBytes: c.Sandbox.DefaultMemoryBytes,
		MaxOutputBytes:     c.Sandbox.MaxOutputBytes,
	}
}

// PlannerWeights converts the weight overrides.
func (c *Config) PlannerWeights() map[operation.Type]time.Duration {
	if len(c.Planner.Weights) == 0 {
		return nil
	}
	out := make(map[operation.Type]time.Duration, len(c.Planner.Weights))
	for k, v := range c.Planner.Weights {
		out[operation.Type(k)] = v.D()
	}
	return out
}
