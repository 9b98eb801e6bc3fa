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
	"github.com/AleutianAI/filebatch/services/batch/operation"
)

// Boundaries groups operations that must share a transaction.
//
// # Description
//
// Two operations belong to the same group when they touch a common path or
// when one declares a dependency on the other. Grouping is transitive, so a
// rollback of one group never leaves a sibling's mutation half-applied.
// Read-only operations are grouped too: a reader that shares a path with a
// writer must observe the writer's transaction outcome.
//
// # Inputs
//
//   - ops: Operations with IDs assigned. Unknown dependency IDs are ignored
//     here; Plan reports them.
//
// # Outputs
//
//   - [][]operation.Operation: Groups in order of their first member. Members
//     keep declaration order.
func Boundaries(ops []operation.Operation) [][]operation.Operation {
	uf := newUnionFind(len(ops))

	index := make(map[string]int, len(ops))
	for i, op := range ops {
		index[op.ID] = i
	}

	owner := make(map[string]int)
	for i, op := range ops {
		for _, p := range op.TouchedPaths() {
			if j, ok := owner[p]; ok {
				uf.union(i, j)
			} else {
				owner[p] = i
			}
		}
		for _, dep := range op.DependsOn {
			if j, ok := index[dep]; ok {
				uf.union(i, j)
			}
		}
	}

	groupOf := make(map[int]int)
	var groups [][]operation.Operation
	for i, op := range ops {
		root := uf.find(i)
		g, ok := groupOf[root]
		if !ok {
			g = len(groups)
			groupOf[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], op)
	}
	return groups
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
