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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/filebatch/pkg/logging"
	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/request"
)

// runFlags are the per-run overrides shared by run and watch.
type runFlags struct {
	dryRun          bool
	jsonOut         bool
	progress        bool
	continueOnError bool
	serial          bool
	noTransaction   bool
	cache           string
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&f.dryRun, "dry-run", false, "execute against an in-memory copy and report the changes")
	flags.BoolVar(&f.jsonOut, "json", false, "print the report as JSON")
	flags.BoolVar(&f.progress, "progress", false, "print progress after every stage")
	flags.BoolVar(&f.continueOnError, "continue-on-error", false, "keep going after failures; only failed groups roll back")
	flags.BoolVar(&f.serial, "serial", false, "run one operation at a time")
	flags.BoolVar(&f.noTransaction, "no-transaction", false, "do not snapshot; failures are not rolled back")
	flags.StringVar(&f.cache, "cache", "", "analysis cache: none, batch or shared")
}

// apply overlays flags the user set onto opts.
func (f *runFlags) apply(cmd *cobra.Command, opts engine.Options) engine.Options {
	flags := cmd.Flags()
	if flags.Changed("continue-on-error") {
		opts.ContinueOnError = f.continueOnError
	}
	if flags.Changed("serial") {
		opts.Parallel = !f.serial
	}
	if flags.Changed("no-transaction") {
		opts.Transaction = !f.noTransaction
	}
	if f.cache != "" {
		opts.CacheStrategy = engine.CacheStrategy(f.cache)
	}
	return opts
}

func (a *app) runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a batch file",
		Long: `Execute the operations in FILE ("-" reads stdin).

Exit status is 0 when every operation succeeded and its changes were kept,
2 when any operation failed or was cancelled or any change was rolled back,
3 when a rollback could not restore every file, and 1 when the batch was
rejected before it ran.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readBatch(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime(a.cfg, a.slog(), flags.dryRun)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.recover(cmd.Context()); err != nil {
				return err
			}
			return a.runBatch(cmd.Context(), cmd, rt, req, &flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// runBatch executes req and prints the outcome.
func (a *app) runBatch(ctx context.Context, cmd *cobra.Command, rt *runtime, req *request.Request, flags *runFlags) error {
	opts := flags.apply(cmd, req.Options.Apply(a.cfg.EngineOptions()))
	out := cmd.OutOrStdout()
	if flags.progress {
		errOut := cmd.ErrOrStderr()
		opts.OnProgress = func(p engine.ProgressInfo) {
			fmt.Fprintln(errOut, formatProgress(p))
		}
	}

	report, err := rt.engine.Execute(ctx, req.Operations, opts)
	if err != nil && report == nil {
		return &exitError{code: 1, err: err}
	}

	if flags.jsonOut {
		if encErr := writeJSON(out, runOutput{Report: report, Changes: changesOf(rt)}); encErr != nil {
			return encErr
		}
	} else {
		renderReport(out, report, logging.IsTerminal(out))
		if rt.overlay != nil {
			renderChanges(out, rt.overlay.Changes(), logging.IsTerminal(out))
		}
	}

	if err != nil {
		return &exitError{code: 1, err: err}
	}
	return reportStatus(report)
}

// reportStatus maps a finished batch to the command's exit status.
func reportStatus(report *engine.Report) error {
	switch {
	case report.RollbackIncomplete():
		return &exitError{code: 3, err: errBatchIncomplete}
	case !report.Succeeded():
		return &exitError{code: 2, err: errBatchIncomplete}
	default:
		return nil
	}
}

// readBatch decodes a batch file, or stdin for "-".
func readBatch(stdin io.Reader, path string) (*request.Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch: %w", err)
	}
	return request.Decode(data, request.FormatFor(path))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatProgress(p engine.ProgressInfo) string {
	line := fmt.Sprintf("stage %d/%d  %3.0f%%  %d ok  %d failed  %d cancelled",
		p.CurrentStage, p.TotalStages, p.PercentComplete, p.Completed, p.Failed, p.Cancelled)
	if p.EstimatedTimeRemaining > 0 {
		line += "  eta " + p.EstimatedTimeRemaining.Round(10*time.Millisecond).String()
	}
	return line
}
