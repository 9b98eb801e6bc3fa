// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FILEBATCH_"

// ErrInvalidConfig wraps validation and parse failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// candidateNames are looked up in the working directory, then in the XDG
// config directory under AppName.
var candidateNames = []string{"filebatch.yaml", "filebatch.yml", "filebatch.toml"}

var validate = validator.New()

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is an explicit config file. Empty searches the working
	// directory and the XDG config directory.
	Path string

	// DotEnv is a .env file to load. Empty tries ".env" in the working
	// directory; a missing default file is not an error.
	DotEnv string

	// Getenv reads the environment. Default: os.Getenv.
	Getenv func(string) string
}

// Load reads configuration.
//
// # Description
//
// Defaults are overlaid by the config file, then by FILEBATCH_* variables.
// Variables from the .env file are exported into the process environment
// without replacing variables that are already set, so the real
// environment wins over .env.
//
// # Outputs
//
//   - *Config: Validated settings with Root made absolute.
//   - error: Wraps ErrInvalidConfig for bad files or values.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if err := loadDotEnv(opts.DotEnv); err != nil {
		return nil, err
	}

	path, err := findFile(opts.Path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
		cfg.Source = path
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: root %q: %v", ErrInvalidConfig, cfg.Root, err)
	}
	cfg.Root = abs
	return &cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("%w: dotenv %s: %v", ErrInvalidConfig, path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("%w: dotenv %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// findFile returns the config file to read, or "" when none exists.
func findFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return explicit, nil
	}
	for _, name := range candidateNames {
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			return name, nil
		}
	}
	for _, name := range candidateNames {
		if p, err := xdg.SearchConfigFile(filepath.Join(AppName, name)); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("%w: %s: unsupported config format", ErrInvalidConfig, path)
	}
	if err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// applyEnv overlays FILEBATCH_* variables. Unset or empty variables are
// ignored.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(name string, dst *int) {
		if v := getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = n
		}
	}
	integer64 := func(name string, dst *int64) {
		if v := getenv(EnvPrefix + name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s=%q: %v", EnvPrefix, name, v, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("ROOT", &cfg.Root)
	boolean("PARALLEL", &cfg.Options.Parallel)
	boolean("TRANSACTION", &cfg.Options.Transaction)
	boolean("CONTINUE_ON_ERROR", &cfg.Options.ContinueOnError)
	str("CACHE_STRATEGY", &cfg.Options.CacheStrategy)
	integer("MAX_CONCURRENT", &cfg.Pool.MaxConcurrent)
	duration("WORKER_TIMEOUT", &cfg.Pool.WorkerTimeout)
	duration("MAX_DURATION", &cfg.Limits.MaxDuration)
	integer64("MAX_BYTES", &cfg.Limits.MaxBytes)
	str("STORE", &cfg.Transaction.Store)
	str("STORE_PATH", &cfg.Transaction.StorePath)
	str("LOCK_DIR", &cfg.Transaction.LockDir)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_DIR", &cfg.Logging.Dir)
	boolean("TRACING", &cfg.Telemetry.TracingEnabled)
	str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	boolean("METRICS", &cfg.Telemetry.MetricsEnabled)
	str("SERVER_ADDR", &cfg.Server.Addr)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Write stores cfg at path as YAML or TOML by extension, creating parent
// directories.
func Write(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
