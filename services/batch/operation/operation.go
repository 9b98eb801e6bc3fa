// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operation

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Type identifies the kind of work an Operation performs.
type Type string

const (
	// TypeAnalyze parses one or more files and reports their structure.
	TypeAnalyze Type = "analyze"

	// TypeEdit modifies an existing file.
	TypeEdit Type = "edit"

	// TypeCreate writes a new file.
	TypeCreate Type = "create"

	// TypeDelete removes a file.
	TypeDelete Type = "delete"

	// TypeValidate checks a file for syntax errors and optionally runs a
	// sandboxed validation script against it.
	TypeValidate Type = "validate"
)

// Types lists every operation type in declaration order.
var Types = []Type{TypeAnalyze, TypeEdit, TypeCreate, TypeDelete, TypeValidate}

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeAnalyze, TypeEdit, TypeCreate, TypeDelete, TypeValidate:
		return true
	}
	return false
}

// ReadOnly reports whether operations of this type never mutate files.
func (t Type) ReadOnly() bool {
	return t == TypeAnalyze || t == TypeValidate
}

// DefaultPriority returns the scheduling priority used when an operation does
// not set one. Readers run first and deletes last so that readers and editors
// see a consistent tree for as long as possible.
func DefaultPriority(t Type) int {
	switch t {
	case TypeAnalyze:
		return 3
	case TypeValidate:
		return 2
	case TypeEdit, TypeCreate:
		return 1
	default:
		return 0
	}
}

// Operation is one unit of requested file work.
type Operation struct {
	// ID is unique within a batch. Normalize fills empty IDs.
	ID string `json:"id,omitempty" yaml:"id,omitempty" validate:"omitempty,max=128"`

	// Type selects which payload fields apply.
	Type Type `json:"type" yaml:"type" validate:"required,optype"`

	// DependsOn lists IDs of operations in the same batch that must finish first.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" validate:"dive,required"`

	// Priority overrides DefaultPriority when set.
	Priority *int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// TimeoutMs overrides the worker timeout for this operation.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" validate:"gte=0"`

	// DelayMs injects an artificial delay before the work starts. Used by
	// simulations and tests.
	DelayMs int `json:"delayMs,omitempty" yaml:"delayMs,omitempty" validate:"gte=0"`

	// Path is the single target of edit, create, delete and validate, and an
	// optional target of analyze.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Paths are additional analyze targets.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" validate:"dive,required"`

	// Content is the body for create, or a full replacement for edit.
	Content *string `json:"content,omitempty" yaml:"content,omitempty"`

	// OldString and NewString drive string-replacement edits.
	OldString string `json:"oldString,omitempty" yaml:"oldString,omitempty"`
	NewString string `json:"newString,omitempty" yaml:"newString,omitempty"`

	// ReplaceAll replaces every occurrence of OldString instead of requiring
	// exactly one.
	ReplaceAll bool `json:"replaceAll,omitempty" yaml:"replaceAll,omitempty"`

	// Patch is a unified diff applied to Path.
	Patch string `json:"patch,omitempty" yaml:"patch,omitempty"`

	// Overwrite lets create replace an existing file.
	Overwrite bool `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`

	// RemoveEmptyDir removes the parent directory of a deleted file when the
	// delete leaves it empty.
	RemoveEmptyDir bool `json:"removeEmptyDir,omitempty" yaml:"removeEmptyDir,omitempty"`

	// Script is validation code executed in the sandbox with a private copy
	// of the target as its first argument.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// ScriptArgs follow the target path on the script command line.
	ScriptArgs []string `json:"scriptArgs,omitempty" yaml:"scriptArgs,omitempty"`
}

// ReadOnly reports whether the operation never mutates files.
func (o Operation) ReadOnly() bool {
	return o.Type.ReadOnly()
}

// EffectivePriority returns Priority when set, otherwise DefaultPriority.
func (o Operation) EffectivePriority() int {
	if o.Priority != nil {
		return *o.Priority
	}
	return DefaultPriority(o.Type)
}

// Timeout returns the per-operation timeout, or zero when unset.
func (o Operation) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Delay returns the artificial start delay, or zero when unset.
func (o Operation) Delay() time.Duration {
	return time.Duration(o.DelayMs) * time.Millisecond
}

// TouchedPaths returns the cleaned, de-duplicated paths this operation reads
// or writes, in declaration order.
func (o Operation) TouchedPaths() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if p == "" {
			return
		}
		c := CleanPath(p)
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	add(o.Path)
	for _, p := range o.Paths {
		add(p)
	}
	return out
}

// Clone returns a deep copy so later mutation of the caller's slices and
// pointers cannot leak into a submitted batch.
func (o Operation) Clone() Operation {
	c := o
	if o.DependsOn != nil {
		c.DependsOn = append([]string(nil), o.DependsOn...)
	}
	if o.Paths != nil {
		c.Paths = append([]string(nil), o.Paths...)
	}
	if o.ScriptArgs != nil {
		c.ScriptArgs = append([]string(nil), o.ScriptArgs...)
	}
	if o.Priority != nil {
		p := *o.Priority
		c.Priority = &p
	}
	if o.Content != nil {
		s := *o.Content
		c.Content = &s
	}
	return c
}

// CleanPath normalizes a path for comparison. Paths are slash-separated and
// relative paths stay relative.
func CleanPath(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimPrefix(p, "./")
}

// Dir returns the cleaned parent directory of a path.
func Dir(p string) string {
	return filepath.ToSlash(filepath.Dir(CleanPath(p)))
}

// IDs returns the IDs of ops in order.
func IDs(ops []Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

// AllTouchedPaths returns the distinct paths referenced by ops, ordered by
// first reference.
func AllTouchedPaths(ops []Operation) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, op := range ops {
		for _, p := range op.TouchedPaths() {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// CountByType tallies ops per type. Used for logging and metrics.
func CountByType(ops []Operation) map[Type]int {
	counts := make(map[Type]int, len(Types))
	for _, op := range ops {
		counts[op.Type]++
	}
	return counts
}

// SortedTypes returns the keys of counts in a stable order.
func SortedTypes(counts map[Type]int) []Type {
	keys := make([]Type, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
