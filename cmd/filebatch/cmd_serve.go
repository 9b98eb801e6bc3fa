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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/filebatch/services/batch/server"
	"github.com/AleutianAI/filebatch/services/batch/telemetry"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the batch HTTP API",
		Long: `Serve the HTTP API on the configured address until interrupted.

Transactions left open by a crashed run are rolled back at startup when the
badger snapshot store is configured, and abandoned transactions are rolled
back periodically while serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := notifyContext(cmd.Context())
			defer stop()

			rt, err := newRuntime(cfg, a.slog(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.recover(ctx); err != nil {
				return err
			}
			if cfg.Transaction.JanitorInterval > 0 {
				rt.txm.StartJanitor(ctx, cfg.Transaction.JanitorInterval.D(), cfg.Transaction.MaxAge.D())
			}
			srv, err := a.newServer(rt)
			if err != nil {
				return err
			}
			return srv.Run(ctx, cfg.Server.Addr, cfg.Server.ReadTimeout.D(), cfg.Server.ShutdownTimeout.D())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func (a *app) newServer(rt *runtime) (*server.Server, error) {
	var metrics http.Handler
	if a.cfg.Telemetry.MetricsEnabled {
		metrics = telemetry.MetricsHandler()
	}
	defaults := a.cfg.EngineOptions()
	return server.New(server.Config{
		Engine:          rt.engine,
		Defaults:        &defaults,
		MaxRequestBytes: a.cfg.Server.MaxRequestBytes,
		ServiceName:     a.cfg.Telemetry.ServiceName,
		Metrics:         metrics,
		Logger:          a.slog(),
	})
}

// notifyContext is signal.NotifyContext for commands that run until
// interrupted.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
