// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner turns a flat list of operations into ordered execution stages.
//
// # Description
//
// The planner builds a dependency graph from the declared DependsOn edges,
// rejects cycles and unknown IDs, adds implicit ordering between operations
// that touch the same file, and layers the graph into the minimal number of
// stages. Every operation lands in a stage strictly after all of its
// dependencies.
//
// Two operations touching the same path are ordered by declaration unless
// both only read. Readers of one file may share a stage; a writer and any
// other operation on that file never do.
//
// # Thread Safety
//
// A Planner holds only immutable configuration and is safe for concurrent use.
package planner

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

// DefaultWeights are the per-type cost estimates used for progress ETAs.
// They never affect ordering or correctness.
var DefaultWeights = map[operation.Type]time.Duration{
	operation.TypeAnalyze:  50 * time.Millisecond,
	operation.TypeValidate: 100 * time.Millisecond,
	operation.TypeEdit:     20 * time.Millisecond,
	operation.TypeCreate:   10 * time.Millisecond,
	operation.TypeDelete:   5 * time.Millisecond,
}

// Stage is a group of operations whose dependencies all live in earlier stages.
type Stage struct {
	// Index is the zero-based position of the stage in the plan.
	Index int `json:"index"`

	// Operations are ordered by declaration.
	Operations []operation.Operation `json:"operations"`

	// CanRunInParallel is false for single-operation stages and for stages
	// that still hold operations needing serialization.
	CanRunInParallel bool `json:"canRunInParallel"`

	// EstimatedDuration is this stage's share of the plan estimate.
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// ExecutionPlan is the ordered stage sequence produced by Plan.
type ExecutionPlan struct {
	Stages                 []Stage       `json:"stages"`
	TotalEstimatedDuration time.Duration `json:"totalEstimatedDuration"`
}

// OperationCount returns the number of operations across all stages.
func (p *ExecutionPlan) OperationCount() int {
	n := 0
	for _, s := range p.Stages {
		n += len(s.Operations)
	}
	return n
}

// StageOf returns a map from operation ID to stage index.
func (p *ExecutionPlan) StageOf() map[string]int {
	out := make(map[string]int, p.OperationCount())
	for _, s := range p.Stages {
		for _, op := range s.Operations {
			out[op.ID] = s.Index
		}
	}
	return out
}

// Config configures a Planner. A zero Config uses DefaultWeights.
type Config struct {
	// Weights override DefaultWeights per type. Missing types fall back to
	// the default.
	Weights map[operation.Type]time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Planner builds ExecutionPlans.
type Planner struct {
	weights map[operation.Type]time.Duration
	logger  *slog.Logger
}

// New creates a Planner.
func New(cfg Config) *Planner {
	weights := make(map[operation.Type]time.Duration, len(DefaultWeights))
	for t, w := range DefaultWeights {
		weights[t] = w
	}
	for t, w := range cfg.Weights {
		if w >= 0 {
			weights[t] = w
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Planner{
		weights: weights,
		logger:  logger.With("component", "planner"),
	}
}

// Weight returns the estimated cost of one operation of type t.
func (p *Planner) Weight(t operation.Type) time.Duration {
	return p.weights[t]
}

// Plan orders ops into stages.
//
// # Description
//
// Steps, in order:
//
//  1. Index operations by ID, rejecting empty and duplicate IDs.
//  2. Add an edge B -> A for every A.DependsOn(B), rejecting unknown IDs.
//  3. Detect cycles among declared edges with a depth-first search.
//  4. Add implicit edges between operations sharing a path, in declaration
//     order, unless both are read-only or the pair is already ordered.
//  5. Layer the graph: an operation's stage is one past the latest stage of
//     its predecessors.
//
// # Inputs
//
//   - ops: Operations with IDs assigned. Not modified.
//
// # Outputs
//
//   - *ExecutionPlan: Stages in execution order. Never partial.
//   - error: *PlanningError on invalid input.
func (p *Planner) Plan(ops []operation.Operation) (*ExecutionPlan, error) {
	g, err := buildGraph(ops)
	if err != nil {
		return nil, err
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &PlanningError{Cycle: cycle, Err: ErrCyclicDependency}
	}

	g.addImplicitEdges()

	// Implicit edges only go where no reverse path exists, so a cycle here
	// would be a bug in addImplicitEdges.
	if cycle := g.findCycle(); cycle != nil {
		return nil, &PlanningError{Cycle: cycle, Err: ErrCyclicDependency}
	}

	levels := g.levels()
	numStages := 0
	for _, l := range levels {
		if l+1 > numStages {
			numStages = l + 1
		}
	}

	plan := &ExecutionPlan{Stages: make([]Stage, numStages)}
	for i := range plan.Stages {
		plan.Stages[i].Index = i
	}
	for i, op := range g.ops {
		s := &plan.Stages[levels[i]]
		s.Operations = append(s.Operations, op)
	}

	for i := range plan.Stages {
		s := &plan.Stages[i]
		s.CanRunInParallel = len(s.Operations) > 1 && !needsSerialization(s.Operations)
		s.EstimatedDuration = p.estimate(s)
		plan.TotalEstimatedDuration += s.EstimatedDuration
	}

	p.logger.Debug("plan built",
		slog.Int("operations", len(ops)),
		slog.Int("stages", numStages),
		slog.Int("implicit_edges", g.implicitEdges),
		slog.Duration("estimated", plan.TotalEstimatedDuration))

	return plan, nil
}

// estimate costs a stage: the slowest operation when parallel, the sum
// otherwise.
func (p *Planner) estimate(s *Stage) time.Duration {
	var total, longest time.Duration
	for _, op := range s.Operations {
		w := p.weights[op.Type]
		total += w
		if w > longest {
			longest = w
		}
	}
	if s.CanRunInParallel {
		return longest
	}
	return total
}

// needsSerialization reports whether operations that survived planning
// together must still run one at a time. Two deletes in one directory do,
// because a delete that prunes an empty directory depends on whether its
// sibling has already gone.
func needsSerialization(ops []operation.Operation) bool {
	deleteDirs := make(map[string]struct{})
	for _, op := range ops {
		if op.Type != operation.TypeDelete {
			continue
		}
		dir := operation.Dir(op.Path)
		if _, ok := deleteDirs[dir]; ok {
			return true
		}
		deleteDirs[dir] = struct{}{}
	}
	return false
}
