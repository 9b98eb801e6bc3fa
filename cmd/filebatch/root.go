// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/filebatch/pkg/logging"
	"github.com/AleutianAI/filebatch/services/batch/config"
	"github.com/AleutianAI/filebatch/services/batch/telemetry"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

// app holds the global flags and the state set up before a command runs.
type app struct {
	configPath string
	envFile    string
	root       string
	logLevel   string
	logFormat  string
	noLogFile  bool

	cfg      *config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filebatch",
		Short: "Plan and run batches of file operations atomically",
		Long: `filebatch runs a batch of analyze, edit, create, delete and validate
operations against a directory tree. Operations are ordered by their
dependencies, independent ones run in parallel, and every file a batch
touches is snapshotted first so a failure restores the tree.

Batches are JSON or YAML documents:

  operations:
    - id: add
      type: create
      path: notes/todo.txt
      content: "ship it\n"
    - type: edit
      path: notes/todo.txt
      oldString: ship
      newString: review
      dependsOn: [add]
  options:
    continueOnError: false

Configuration is read from filebatch.yaml or filebatch.toml in the working
directory or the XDG config directory, then FILEBATCH_* variables.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (yaml or toml)")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load (default .env if present)")
	flags.StringVarP(&a.root, "root", "r", "", "directory operations are confined to (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flags.StringVar(&a.logFormat, "log-format", "", "auto, json or text (overrides config)")
	flags.BoolVar(&a.noLogFile, "no-log-file", false, "log to stderr only")

	cmd.AddCommand(
		a.runCmd(),
		a.planCmd(),
		a.serveCmd(),
		a.watchCmd(),
		a.recoverCmd(),
	)
	return cmd
}

// setup loads configuration and installs logging and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.LoadOptions{Path: a.configPath, DotEnv: a.envFile})
	if err != nil {
		return err
	}
	if a.root != "" {
		abs, err := filepath.Abs(a.root)
		if err != nil {
			return fmt.Errorf("resolving --root: %w", err)
		}
		cfg.Root = abs
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.noLogFile {
		cfg.Logging.Dir = ""
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: config.AppName + "-" + cmd.Name(),
		Writer:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger.Slog())

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	tcfg.Writer = cmd.ErrOrStderr()
	if cfg.Telemetry.TracingEnabled {
		tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricsEnabled {
		tcfg.MetricExporter = telemetry.ExporterPrometheus
	}
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return err
	}
	a.shutdown = shutdown

	logger.Slog().Debug("configuration loaded",
		slog.String("source", cfg.Source),
		slog.String("root", cfg.Root))
	return nil
}

// teardown flushes telemetry and closes the log file. It runs after every
// command, including failed ones.
func (a *app) teardown() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Slog().Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
		cancel()
		a.shutdown = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
		a.logger = nil
	}
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}
