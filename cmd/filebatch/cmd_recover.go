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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/filebatch/services/batch/config"
	"github.com/AleutianAI/filebatch/services/batch/transaction"
)

// recoverOutput is the --json form of recover.
type recoverOutput struct {
	RolledBack []recoveredTx `json:"rolledBack"`
}

type recoveredTx struct {
	ID     string                      `json:"id"`
	AgeMs  int64                       `json:"ageMs"`
	Result *transaction.RollbackResult `json:"result,omitempty"`
	Error  string                      `json:"error,omitempty"`
}

func (a *app) recoverCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Roll back transactions left open by a crashed run",
		Long: `Load transactions that a previous process left active in the badger
snapshot store and restore the files they snapshotted. Requires
transaction.store: badger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Transaction.Store != config.StoreBadger {
				return fmt.Errorf("recover needs the %q snapshot store, configured store is %q",
					config.StoreBadger, a.cfg.Transaction.Store)
			}
			rt, err := newRuntime(a.cfg, a.slog(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			reports, err := rt.recover(cmd.Context())
			if err != nil {
				return err
			}

			out := recoverOutput{RolledBack: make([]recoveredTx, 0, len(reports))}
			failed := false
			for _, r := range reports {
				tx := recoveredTx{ID: r.TransactionID, AgeMs: r.Age.Milliseconds(), Result: r.Result}
				if r.Err != nil {
					tx.Error = r.Err.Error()
					failed = true
				} else if r.Result != nil && !r.Result.Success {
					failed = true
				}
				out.RolledBack = append(out.RolledBack, tx)
			}

			w := cmd.OutOrStdout()
			if jsonOut {
				if err := writeJSON(w, out); err != nil {
					return err
				}
			} else if len(out.RolledBack) == 0 {
				fmt.Fprintln(w, "no interrupted transactions")
			} else {
				for _, tx := range out.RolledBack {
					status := "restored"
					if tx.Error != "" {
						status = "error: " + tx.Error
					} else if tx.Result != nil && !tx.Result.Success {
						status = fmt.Sprintf("partially restored, %d files failed", len(tx.Result.Failures))
					}
					fmt.Fprintf(w, "%s  age %s  %s\n", tx.ID, (time.Duration(tx.AgeMs) * time.Millisecond).Round(time.Second), status)
				}
			}
			if failed {
				return &exitError{code: 2, err: errBatchIncomplete}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	return cmd
}
