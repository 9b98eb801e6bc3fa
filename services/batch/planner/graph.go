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

// graph is the dependency graph over operation indices. Edges point from a
// dependency to its dependent.
type graph struct {
	ops           []operation.Operation
	index         map[string]int
	succ          [][]int
	pred          [][]int
	hasEdge       map[[2]int]struct{}
	implicitEdges int
}

// buildGraph indexes ops and adds the declared edges.
func buildGraph(ops []operation.Operation) (*graph, error) {
	g := &graph{
		ops:     ops,
		index:   make(map[string]int, len(ops)),
		succ:    make([][]int, len(ops)),
		pred:    make([][]int, len(ops)),
		hasEdge: make(map[[2]int]struct{}),
	}

	for i, op := range ops {
		if op.ID == "" {
			return nil, &PlanningError{Err: ErrMissingID}
		}
		if _, dup := g.index[op.ID]; dup {
			return nil, &PlanningError{OperationID: op.ID, Err: ErrDuplicateID}
		}
		g.index[op.ID] = i
	}

	for i, op := range ops {
		for _, dep := range op.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, &PlanningError{OperationID: op.ID, Dependency: dep, Err: ErrUnknownDependency}
			}
			g.addEdge(j, i)
		}
	}
	return g, nil
}

func (g *graph) addEdge(from, to int) {
	key := [2]int{from, to}
	if _, ok := g.hasEdge[key]; ok {
		return
	}
	g.hasEdge[key] = struct{}{}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
}

// findCycle returns the IDs along the first cycle found, with the starting
// node repeated at the end, or nil when the graph is acyclic. Nodes are
// visited in declaration order so the reported cycle is deterministic.
func (g *graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.ops))
	path := make([]int, 0, len(g.ops))

	var cycle []string
	var dfs func(n int) bool
	dfs = func(n int) bool {
		color[n] = grey
		path = append(path, n)

		for _, next := range g.succ[n] {
			switch color[next] {
			case white:
				if dfs(next) {
					return true
				}
			case grey:
				start := 0
				for i, v := range path {
					if v == next {
						start = i
						break
					}
				}
				for _, v := range path[start:] {
					cycle = append(cycle, g.ops[v].ID)
				}
				cycle = append(cycle, g.ops[next].ID)
				return true
			}
		}

		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for n := range g.ops {
		if color[n] == white && dfs(n) {
			return cycle
		}
	}
	return nil
}

// addImplicitEdges orders operations that share a path. For each pair in
// declaration order (i before j) where at least one side writes, an edge
// i -> j is added unless j already reaches i, in which case the declared
// dependencies have ordered the pair the other way round.
func (g *graph) addImplicitEdges() {
	byPath := make(map[string][]int)
	var pathOrder []string
	for i, op := range g.ops {
		for _, p := range op.TouchedPaths() {
			if _, ok := byPath[p]; !ok {
				pathOrder = append(pathOrder, p)
			}
			byPath[p] = append(byPath[p], i)
		}
	}

	for _, p := range pathOrder {
		users := byPath[p]
		for a := 0; a < len(users); a++ {
			for b := a + 1; b < len(users); b++ {
				i, j := users[a], users[b]
				if g.ops[i].ReadOnly() && g.ops[j].ReadOnly() {
					continue
				}
				if g.reaches(i, j) || g.reaches(j, i) {
					continue
				}
				g.addEdge(i, j)
				g.implicitEdges++
			}
		}
	}
}

// reaches reports whether there is a path from -> to.
func (g *graph) reaches(from, to int) bool {
	if from == to {
		return true
	}
	seen := make([]bool, len(g.ops))
	stack := []int{from}
	seen[from] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.succ[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// levels assigns each node the length of the longest path reaching it.
// The graph must be acyclic.
func (g *graph) levels() []int {
	n := len(g.ops)
	level := make([]int, n)
	indegree := make([]int, n)
	for i := range g.ops {
		indegree[i] = len(g.pred[i])
	}

	queue := make([]int, 0, n)
	for i := range g.ops {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.succ[cur] {
			if level[cur]+1 > level[next] {
				level[next] = level[cur] + 1
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return level
}
