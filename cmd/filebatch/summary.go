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
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/fsys"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/planner"
)

// runOutput is the --json form of run.
type runOutput struct {
	Report  *engine.Report `json:"report"`
	Changes []fsys.Change  `json:"changes,omitempty"`
}

func changesOf(rt *runtime) []fsys.Change {
	if rt.overlay == nil {
		return nil
	}
	return rt.overlay.Changes()
}

// palette holds the styles for one output stream. Colors are only used
// when the stream is a terminal.
type palette struct {
	title   lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	skipped lipgloss.Style
	dim     lipgloss.Style
}

func newPalette(w io.Writer, color bool) palette {
	r := lipgloss.NewRenderer(w)
	if !color {
		plain := r.NewStyle()
		return palette{title: plain, ok: plain, failed: plain, skipped: plain, dim: plain}
	}
	return palette{
		title:   r.NewStyle().Bold(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("2")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		skipped: r.NewStyle().Foreground(lipgloss.Color("3")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

func (p palette) status(s operation.Status) string {
	switch s {
	case operation.StatusSuccess:
		return p.ok.Render("ok")
	case operation.StatusFailed:
		return p.failed.Render("FAILED")
	default:
		return p.skipped.Render(string(s))
	}
}

func (p palette) outcome(o engine.Outcome) string {
	switch o {
	case engine.OutcomeCommitted, engine.OutcomeNone:
		return p.ok.Render(string(o))
	case engine.OutcomeRolledBackPartial:
		return p.skipped.Render(string(o))
	default:
		return p.failed.Render(string(o))
	}
}

// renderReport prints one line per operation followed by a summary.
func renderReport(w io.Writer, r *engine.Report, color bool) {
	p := newPalette(w, color)

	width := 0
	for _, res := range r.Results {
		width = max(width, len(res.OperationID))
	}
	for _, res := range r.Results {
		line := fmt.Sprintf("%-*s  %-8s  %s", width, res.OperationID, res.Type, p.status(res.Status))
		if res.Err != nil {
			line += "  " + p.dim.Render(res.Err.Error())
		}
		fmt.Fprintln(w, line)
	}

	c := r.Counts()
	fmt.Fprintf(w, "\n%s %s  %d ok, %d failed, %d cancelled  %s\n",
		p.title.Render("batch "+r.BatchID),
		p.outcome(r.Outcome),
		c[operation.StatusSuccess], c[operation.StatusFailed], c[operation.StatusCancelled],
		p.dim.Render(r.Duration.Round(time.Millisecond).String()))
	if msg := r.AbortMessage(); msg != "" {
		fmt.Fprintf(w, "%s %s\n", p.failed.Render("aborted:"), msg)
	}
	for _, tx := range r.Transactions {
		if tx.Rollback == nil || tx.Rollback.Success {
			continue
		}
		fmt.Fprintf(w, "%s transaction %s could not restore every file\n", p.failed.Render("warning:"), tx.ID)
	}
}

// renderChanges prints what a dry run would have written.
func renderChanges(w io.Writer, changes []fsys.Change, color bool) {
	p := newPalette(w, color)
	fmt.Fprintln(w, p.title.Render("\ndry run, nothing written. Pending changes:"))
	if len(changes) == 0 {
		fmt.Fprintln(w, p.dim.Render("  (none)"))
		return
	}
	for _, ch := range changes {
		switch ch.Kind {
		case fsys.ChangeDelete:
			fmt.Fprintf(w, "  %s %s\n", p.failed.Render("-"), ch.Path)
		default:
			fmt.Fprintf(w, "  %s %s %s\n", p.ok.Render("+"), ch.Path, p.dim.Render(fmt.Sprintf("(%d bytes)", ch.Size)))
		}
	}
}

// renderPlan prints the stages of a plan.
func renderPlan(w io.Writer, plan *planner.ExecutionPlan, color bool) {
	p := newPalette(w, color)
	for _, st := range plan.Stages {
		mode := "serial"
		if st.CanRunInParallel {
			mode = "parallel"
		}
		fmt.Fprintf(w, "%s %s\n",
			p.title.Render(fmt.Sprintf("stage %d", st.Index+1)),
			p.dim.Render(fmt.Sprintf("(%s, ~%s)", mode, st.EstimatedDuration)))
		for _, op := range st.Operations {
			paths := strings.Join(op.TouchedPaths(), ", ")
			line := fmt.Sprintf("  %s  %-8s %s", op.ID, op.Type, paths)
			if len(op.DependsOn) > 0 {
				line += p.dim.Render("  after " + strings.Join(op.DependsOn, ", "))
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "%d operations in %d stages, estimated %s\n",
		plan.OperationCount(), len(plan.Stages), plan.TotalEstimatedDuration)
}
