// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

func op(id string, typ operation.Type, path string, deps ...string) operation.Operation {
	return operation.Operation{ID: id, Type: typ, Path: path, DependsOn: deps}
}

func stageIDs(plan *ExecutionPlan) [][]string {
	out := make([][]string, len(plan.Stages))
	for i, s := range plan.Stages {
		out[i] = operation.IDs(s.Operations)
	}
	return out
}

func TestPlan_CreateThenEdit(t *testing.T) {
	p := New(Config{})
	plan, err := p.Plan([]operation.Operation{
		op("a", operation.TypeCreate, "x.txt"),
		op("b", operation.TypeEdit, "x.txt", "a"),
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a"}, {"b"}}, stageIDs(plan))
	assert.False(t, plan.Stages[0].CanRunInParallel)
	assert.False(t, plan.Stages[1].CanRunInParallel)
}

func TestPlan_IndependentAnalyzesShareStage(t *testing.T) {
	p := New(Config{})
	plan, err := p.Plan([]operation.Operation{
		op("a", operation.TypeAnalyze, "a.go"),
		op("b", operation.TypeAnalyze, "b.go"),
		op("c", operation.TypeAnalyze, "c.go"),
	})
	require.NoError(t, err)

	require.Len(t, plan.Stages, 1)
	assert.True(t, plan.Stages[0].CanRunInParallel)
	assert.Equal(t, 50*time.Millisecond, plan.TotalEstimatedDuration)
}

func TestPlan_CycleRejected(t *testing.T) {
	p := New(Config{})
	_, err := p.Plan([]operation.Operation{
		op("a", operation.TypeEdit, "a.txt", "b"),
		op("b", operation.TypeEdit, "b.txt", "a"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))

	var pe *PlanningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"a", "b", "a"}, pe.Cycle)
}

func TestPlan_SelfDependencyIsCycle(t *testing.T) {
	_, err := New(Config{}).Plan([]operation.Operation{op("a", operation.TypeDelete, "a", "a")})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestPlan_UnknownDependency(t *testing.T) {
	_, err := New(Config{}).Plan([]operation.Operation{op("a", operation.TypeDelete, "a", "ghost")})
	require.ErrorIs(t, err, ErrUnknownDependency)
	assert.True(t, IsPlanningError(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestPlan_DuplicateAndMissingIDs(t *testing.T) {
	_, err := New(Config{}).Plan([]operation.Operation{
		op("a", operation.TypeDelete, "a"),
		op("a", operation.TypeDelete, "b"),
	})
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = New(Config{}).Plan([]operation.Operation{op("", operation.TypeDelete, "a")})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestPlan_ImplicitEdges(t *testing.T) {
	tests := []struct {
		name string
		ops  []operation.Operation
		want [][]string
	}{
		{
			name: "writer then writer serialize",
			ops: []operation.Operation{
				op("w1", operation.TypeEdit, "f"),
				op("w2", operation.TypeEdit, "f"),
			},
			want: [][]string{{"w1"}, {"w2"}},
		},
		{
			name: "writer then reader serialize",
			ops: []operation.Operation{
				op("w", operation.TypeEdit, "f"),
				op("r", operation.TypeAnalyze, "f"),
			},
			want: [][]string{{"w"}, {"r"}},
		},
		{
			name: "readers share a stage",
			ops: []operation.Operation{
				op("r1", operation.TypeAnalyze, "f"),
				op("r2", operation.TypeValidate, "f"),
			},
			want: [][]string{{"r1", "r2"}},
		},
		{
			name: "readers before writer",
			ops: []operation.Operation{
				op("r1", operation.TypeAnalyze, "f"),
				op("r2", operation.TypeAnalyze, "f"),
				op("w", operation.TypeDelete, "f"),
			},
			want: [][]string{{"r1", "r2"}, {"w"}},
		},
		{
			name: "declared order wins over declaration order",
			ops: []operation.Operation{
				op("late", operation.TypeEdit, "f", "early"),
				op("early", operation.TypeCreate, "f"),
			},
			want: [][]string{{"early"}, {"late"}},
		},
		{
			name: "transitive declared order is respected",
			ops: []operation.Operation{
				op("c", operation.TypeEdit, "f", "b"),
				op("b", operation.TypeEdit, "g", "a"),
				op("a", operation.TypeCreate, "f"),
			},
			want: [][]string{{"a"}, {"b"}, {"c"}},
		},
		{
			name: "disjoint writers share a stage",
			ops: []operation.Operation{
				op("a", operation.TypeEdit, "a"),
				op("b", operation.TypeEdit, "b"),
			},
			want: [][]string{{"a", "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := New(Config{}).Plan(tt.ops)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stageIDs(plan))
		})
	}
}

func TestPlan_AnalyzeWithManyPaths(t *testing.T) {
	plan, err := New(Config{}).Plan([]operation.Operation{
		{ID: "scan", Type: operation.TypeAnalyze, Paths: []string{"a", "b"}},
		op("edit-b", operation.TypeEdit, "b"),
		op("edit-c", operation.TypeEdit, "c"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"scan", "edit-c"}, {"edit-b"}}, stageIDs(plan))
}

func TestPlan_DeletesInSameDirectorySerialize(t *testing.T) {
	plan, err := New(Config{}).Plan([]operation.Operation{
		op("d1", operation.TypeDelete, "dir/a"),
		op("d2", operation.TypeDelete, "dir/b"),
	})
	require.NoError(t, err)
	require.Len(t, plan.Stages, 1)
	assert.False(t, plan.Stages[0].CanRunInParallel)
	assert.Equal(t, 10*time.Millisecond, plan.TotalEstimatedDuration)

	plan, err = New(Config{}).Plan([]operation.Operation{
		op("d1", operation.TypeDelete, "one/a"),
		op("d2", operation.TypeDelete, "two/b"),
	})
	require.NoError(t, err)
	assert.True(t, plan.Stages[0].CanRunInParallel)
}

func TestPlan_CustomWeights(t *testing.T) {
	p := New(Config{Weights: map[operation.Type]time.Duration{operation.TypeEdit: time.Second}})
	plan, err := p.Plan([]operation.Operation{
		op("a", operation.TypeEdit, "a"),
		op("b", operation.TypeEdit, "b", "a"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, plan.TotalEstimatedDuration)
	assert.Equal(t, 50*time.Millisecond, p.Weight(operation.TypeAnalyze))
}

// TestPlan_StageOrderingProperty checks on random acyclic inputs that every
// operation lands strictly after its dependencies and after earlier writers
// of the same path.
func TestPlan_StageOrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := operation.Types
	paths := []string{"a", "b", "c", "d", "e"}

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(12)
		ops := make([]operation.Operation, n)
		for i := 0; i < n; i++ {
			o := op(fmt.Sprintf("op%d", i), types[rng.Intn(len(types))], paths[rng.Intn(len(paths))])
			// Only depend on earlier operations so the graph stays acyclic.
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					o.DependsOn = append(o.DependsOn, fmt.Sprintf("op%d", j))
				}
			}
			ops[i] = o
		}

		plan, err := New(Config{}).Plan(ops)
		require.NoError(t, err)
		require.Equal(t, n, plan.OperationCount())

		stage := plan.StageOf()
		for i, o := range ops {
			for _, dep := range o.DependsOn {
				assert.Greater(t, stage[o.ID], stage[dep], "iteration %d: %s depends on %s", iter, o.ID, dep)
			}
			for j := 0; j < i; j++ {
				other := ops[j]
				if other.Path != o.Path || (other.ReadOnly() && o.ReadOnly()) {
					continue
				}
				assert.NotEqual(t, stage[o.ID], stage[other.ID], "iteration %d: %s and %s share %s", iter, o.ID, other.ID, o.Path)
			}
		}
	}
}

func TestBoundaries(t *testing.T) {
	groups := Boundaries([]operation.Operation{
		op("a", operation.TypeCreate, "x"),
		op("b", operation.TypeEdit, "y"),
		op("c", operation.TypeEdit, "x"),
		op("d", operation.TypeAnalyze, "z", "b"),
		op("e", operation.TypeDelete, "w"),
	})

	ids := make([][]string, len(groups))
	for i, g := range groups {
		ids[i] = operation.IDs(g)
	}
	assert.Equal(t, [][]string{{"a", "c"}, {"b", "d"}, {"e"}}, ids)
}

func TestBoundaries_Transitive(t *testing.T) {
	groups := Boundaries([]operation.Operation{
		op("a", operation.TypeEdit, "x"),
		{ID: "b", Type: operation.TypeAnalyze, Paths: []string{"x", "y"}},
		op("c", operation.TypeEdit, "y"),
	})
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"a", "b", "c"}, operation.IDs(groups[0]))
}
