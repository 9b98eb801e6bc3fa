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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/filebatch/services/batch/watch"
)

func (a *app) watchCmd() *cobra.Command {
	var (
		flags runFlags
		also  []string
	)
	cmd := &cobra.Command{
		Use:   "watch FILE",
		Short: "Run a batch file now and again whenever it changes",
		Long: `Run FILE, then run it again each time it is saved. --also adds files or
directories whose changes also trigger a run.

Avoid --also on directories the batch itself writes to; every run would
trigger the next one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := notifyContext(cmd.Context())
			defer stop()

			rt, err := newRuntime(a.cfg, a.slog(), flags.dryRun)
			if err != nil {
				return err
			}
			defer rt.Close()
			if _, err := rt.recover(ctx); err != nil {
				return err
			}

			batchFile := args[0]
			runOnce := func(ctx context.Context) {
				if err := a.runWatched(ctx, cmd, rt, batchFile, &flags); err != nil {
					a.slog().Warn("batch run failed", slog.String("file", batchFile), slog.String("error", err.Error()))
				}
			}
			runOnce(ctx)

			paths := append([]string{batchFile}, also...)
			w, err := watch.New(paths, func(ctx context.Context, changes []watch.Change) {
				a.slog().Info("change detected, re-running", slog.Int("paths", len(changes)))
				runOnce(ctx)
			}, watch.Options{Debounce: a.cfg.Watch.Debounce.D(), Logger: a.slog()})
			if err != nil {
				return err
			}
			defer w.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s (ctrl-c to stop)\n", filepath.Clean(batchFile))
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&also, "also", nil, "extra files or directories that trigger a run")
	return cmd
}

// runWatched runs the batch once; an incomplete batch is not an error here.
func (a *app) runWatched(ctx context.Context, cmd *cobra.Command, rt *runtime, file string, flags *runFlags) error {
	req, err := readBatch(cmd.InOrStdin(), file)
	if err != nil {
		return err
	}
	if rt.overlay != nil {
		// Each dry run starts from the real tree.
		fresh, err := newRuntime(a.cfg, a.slog(), true)
		if err != nil {
			return err
		}
		defer fresh.Close()
		rt = fresh
	}
	err = a.runBatch(ctx, cmd, rt, req, flags)
	if errors.Is(err, errBatchIncomplete) {
		return nil
	}
	return err
}
