// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine executes batches of file operations.
//
// An Engine plans a batch into stages, optionally opens one transaction per
// group of related operations, then runs the stages in order through a
// worker pool. Stage boundaries are where progress is reported and where
// cancellation and resource limits are checked. The Report always holds one
// Result per submitted operation.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/filebatch/services/batch/analysis"
	"github.com/AleutianAI/filebatch/services/batch/fsys"
	"github.com/AleutianAI/filebatch/services/batch/handlers"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/planner"
	"github.com/AleutianAI/filebatch/services/batch/pool"
	"github.com/AleutianAI/filebatch/services/batch/resource"
	"github.com/AleutianAI/filebatch/services/batch/security"
	"github.com/AleutianAI/filebatch/services/batch/transaction"
)

// ErrInvalidOptions is returned for Options that cannot be honored.
var ErrInvalidOptions = errors.New("invalid batch options")

// MonitorFactory creates the resource tracker for one batch.
type MonitorFactory func(resource.Limits) resource.Tracker

// Config wires an Engine. Only FS is required.
type Config struct {
	// FS is where operations read and write.
	FS fsys.FileSystem

	// Security validates every touched path and runs validation scripts.
	// Default: a Service resolving through FS when FS is a
	// security.Resolver, with the default blocked patterns.
	Security *security.Service

	// Planner orders operations. Default: planner.New with default weights.
	Planner *planner.Planner

	// Pool runs operations. Default: a pool owned and closed by the Engine.
	Pool *pool.Pool

	// PoolConfig configures the default Pool.
	PoolConfig pool.Config

	// Transactions snapshots and restores files. Default: a Manager on FS
	// with an in-memory store, owned and closed by the Engine.
	Transactions *transaction.Manager

	// Analysis parses files for analyze and validate. Default:
	// analysis.DefaultRegistry().
	Analysis *analysis.Registry

	// NewMonitor creates per-batch trackers. Default: resource.NewMonitor.
	NewMonitor MonitorFactory

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TracingEnabled turns on OpenTelemetry spans.
	TracingEnabled bool
}

// Engine executes batches.
//
// # Thread Safety
//
// Execute may be called concurrently. Concurrent batches share the pool and
// are kept off each other's files by transaction path claims; without
// transactions callers must keep concurrent batches disjoint.
type Engine struct {
	fs       fsys.FileSystem
	security *security.Service
	planner  *planner.Planner
	pool     *pool.Pool
	txm      *transaction.Manager
	executor *handlers.Executor
	registry *analysis.Registry
	shared   *analysis.Cache
	monitor  MonitorFactory
	logger   *slog.Logger
	spans    spans
	ownsPool bool
	ownsTxm  bool
	closed   atomic.Bool
}

// New creates an Engine.
//
// # Outputs
//
//   - *Engine: Call Close when done.
//   - error: Non-nil if FS is missing or a default component fails.
func New(cfg Config) (*Engine, error) {
	if cfg.FS == nil {
		return nil, errors.New("engine requires a FileSystem")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		fs:       cfg.FS,
		security: cfg.Security,
		planner:  cfg.Planner,
		pool:     cfg.Pool,
		txm:      cfg.Transactions,
		registry: cfg.Analysis,
		shared:   analysis.NewCache(),
		monitor:  cfg.NewMonitor,
		logger:   cfg.Logger.With("component", "engine.Engine"),
		spans:    newSpans(cfg.TracingEnabled),
	}
	if e.security == nil {
		secCfg := security.Config{Logger: cfg.Logger}
		if r, ok := cfg.FS.(security.Resolver); ok {
			secCfg.Resolver = r
		}
		e.security = security.NewService(secCfg)
	}
	if e.planner == nil {
		e.planner = planner.New(planner.Config{Logger: cfg.Logger})
	}
	if e.registry == nil {
		e.registry = analysis.DefaultRegistry()
	}
	if e.monitor == nil {
		e.monitor = func(l resource.Limits) resource.Tracker { return resource.NewMonitor(l) }
	}
	if e.pool == nil {
		pc := cfg.PoolConfig
		if pc.Name == "" {
			pc.Name = "engine"
		}
		if pc.Logger == nil {
			pc.Logger = cfg.Logger
		}
		e.pool = pool.New(pc)
		e.ownsPool = true
	}
	if e.txm == nil {
		txm, err := transaction.NewManager(transaction.Config{
			FS:             cfg.FS,
			Logger:         cfg.Logger,
			TracingEnabled: cfg.TracingEnabled,
		})
		if err != nil {
			e.closeOwned()
			return nil, fmt.Errorf("creating transaction manager: %w", err)
		}
		e.txm = txm
		e.ownsTxm = true
	}
	e.executor = handlers.NewExecutor(handlers.Env{
		FS:       cfg.FS,
		Security: e.security,
		Analysis: e.registry,
		Logger:   cfg.Logger,
	})
	return e, nil
}

// Transactions returns the transaction manager.
func (e *Engine) Transactions() *transaction.Manager {
	return e.txm
}

// Pool returns the worker pool.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Executor returns the handler dispatcher, for registering custom handlers.
func (e *Engine) Executor() *handlers.Executor {
	return e.executor
}

// CacheStats returns counters of the cache shared across batches.
func (e *Engine) CacheStats() analysis.CacheStats {
	return e.shared.Stats()
}

// Prepare normalizes, validates and plans ops without executing anything.
//
// # Outputs
//
//   - []operation.Operation: Copies of ops with IDs assigned.
//   - *planner.ExecutionPlan: The stages Execute would run.
//   - error: *planner.PlanningError, or an error wrapping
//     security.ErrPathRejected.
func (e *Engine) Prepare(ops []operation.Operation) ([]operation.Operation, *planner.ExecutionPlan, error) {
	if len(ops) == 0 {
		return nil, &planner.ExecutionPlan{}, nil
	}
	normalized, err := operation.Normalize(ops)
	if err != nil {
		var idErr *operation.IDError
		if errors.As(err, &idErr) {
			return nil, nil, &planner.PlanningError{OperationID: idErr.OperationID, Err: idErr.Err}
		}
		return nil, nil, &planner.PlanningError{Err: err}
	}
	for _, op := range normalized {
		for _, p := range op.TouchedPaths() {
			if err := e.security.ValidatePath(p).Err(p); err != nil {
				return nil, nil, fmt.Errorf("operation %q: %w", op.ID, err)
			}
		}
	}
	plan, err := e.planner.Plan(normalized)
	if err != nil {
		return nil, nil, err
	}
	return normalized, plan, nil
}

// Close releases the pool and transaction manager when the Engine created
// them. Active transactions are rolled back.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.closeOwned()
}

func (e *Engine) closeOwned() error {
	var err error
	if e.ownsTxm && e.txm != nil {
		err = e.txm.Close()
	}
	if e.ownsPool && e.pool != nil {
		e.pool.Close()
	}
	return err
}

func (o Options) validate() error {
	if !o.CacheStrategy.Valid() {
		return fmt.Errorf("%w: unknown cache strategy %q", ErrInvalidOptions, o.CacheStrategy)
	}
	if err := o.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

func (e *Engine) cacheFor(s CacheStrategy) *analysis.Cache {
	switch s {
	case CacheShared:
		return e.shared
	case CacheBatch:
		return analysis.NewCache()
	default:
		return nil
	}
}
