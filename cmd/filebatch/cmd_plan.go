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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/filebatch/pkg/logging"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/planner"
)

// planOutput is the --json form of plan.
type planOutput struct {
	Operations []operation.Operation  `json:"operations"`
	Plan       *planner.ExecutionPlan `json:"plan"`
}

func (a *app) planCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Show the stages a batch file would run in",
		Long: `Validate FILE and print its execution plan without touching any file.
Dependency cycles, unknown dependencies and rejected paths are reported
with exit status 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readBatch(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime(a.cfg, a.slog(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ops, plan, err := rt.engine.Prepare(req.Operations)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, planOutput{Operations: ops, Plan: plan})
			}
			renderPlan(out, plan, logging.IsTerminal(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the plan as JSON")
	return cmd
}
