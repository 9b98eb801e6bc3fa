// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers performs the work of each operation type against a
// FileSystem.
//
// Handlers do not know about stages, pools or transactions. They read and
// write through fsys.FileSystem and report what they did in an Output. The
// engine wraps every call in a pool task and turns the Output into an
// operation.Result.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/filebatch/services/batch/analysis"
	"github.com/AleutianAI/filebatch/services/batch/fsys"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/security"
)

var (
	// ErrFileExists is returned by create for an existing file without
	// Overwrite.
	ErrFileExists = errors.New("file already exists")

	// ErrOldStringNotFound is returned when an edit's OldString is absent.
	ErrOldStringNotFound = errors.New("old string not found")

	// ErrAmbiguousEdit is returned when OldString occurs more than once and
	// ReplaceAll is false.
	ErrAmbiguousEdit = errors.New("old string is not unique")

	// ErrInvalidPatch is returned for a patch that cannot be parsed or that
	// does not describe exactly one file.
	ErrInvalidPatch = errors.New("invalid patch")

	// ErrPatchMismatch is returned when a patch's context does not match
	// the file.
	ErrPatchMismatch = errors.New("patch does not apply")

	// ErrValidationFailed is returned by validate when the file has syntax
	// errors or the validation script fails.
	ErrValidationFailed = errors.New("validation failed")

	// ErrUnsupportedType is returned for an operation type without a
	// handler.
	ErrUnsupportedType = errors.New("no handler for operation type")
)

// Output is what a handler reports. Data becomes Result.Data.
type Output struct {
	Data  any
	Bytes int64
}

// Func performs one operation.
type Func func(ctx context.Context, env *Env, op operation.Operation) (Output, error)

// Env holds the collaborators handlers use.
type Env struct {
	FS       fsys.FileSystem
	Security *security.Service
	Analysis *analysis.Registry
	Logger   *slog.Logger
}

// Executor dispatches operations to handlers by type.
//
// # Thread Safety
//
// Safe for concurrent use. Handlers for different paths run in parallel;
// the planner keeps operations on the same path apart.
type Executor struct {
	env      Env
	handlers map[operation.Type]Func
}

// NewExecutor creates an Executor with the built-in handler for every
// operation type. A nil Analysis registry gets DefaultRegistry.
func NewExecutor(env Env) *Executor {
	if env.Analysis == nil {
		env.Analysis = analysis.DefaultRegistry()
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	env.Logger = env.Logger.With("component", "handlers.Executor")
	return &Executor{
		env: env,
		handlers: map[operation.Type]Func{
			operation.TypeAnalyze:  Analyze,
			operation.TypeValidate: Validate,
			operation.TypeCreate:   Create,
			operation.TypeEdit:     Edit,
			operation.TypeDelete:   Delete,
		},
	}
}

// Register replaces the handler for t.
func (e *Executor) Register(t operation.Type, fn Func) {
	e.handlers[t] = fn
}

// FS returns the file system handlers operate on.
func (e *Executor) FS() fsys.FileSystem {
	return e.env.FS
}

// Execute waits out op's artificial delay, then runs its handler. cache,
// when non-nil, memoizes analysis results.
func (e *Executor) Execute(ctx context.Context, op operation.Operation, cache *analysis.Cache) (Output, error) {
	fn, ok := e.handlers[op.Type]
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnsupportedType, op.Type)
	}
	if d := op.Delay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Output{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	env := e.env
	return fn(withCache(ctx, cache), &env, op)
}

type cacheKey struct{}

func withCache(ctx context.Context, c *analysis.Cache) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, cacheKey{}, c)
}

func cacheFrom(ctx context.Context) *analysis.Cache {
	c, _ := ctx.Value(cacheKey{}).(*analysis.Cache)
	return c
}
