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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/filebatch/services/batch/config"
	"github.com/AleutianAI/filebatch/services/batch/engine"
	"github.com/AleutianAI/filebatch/services/batch/fsys"
	"github.com/AleutianAI/filebatch/services/batch/lock"
	"github.com/AleutianAI/filebatch/services/batch/planner"
	"github.com/AleutianAI/filebatch/services/batch/security"
	bstore "github.com/AleutianAI/filebatch/services/batch/storage/badger"
	"github.com/AleutianAI/filebatch/services/batch/transaction"
)

// runtime is the engine and everything it was built from.
type runtime struct {
	cfg    *config.Config
	local  *fsys.Local
	logger *slog.Logger

	// overlay is set for dry runs; writes land here instead of on disk.
	overlay *fsys.Memory

	store  transaction.SnapshotStore
	locks  *lock.Manager
	txm    *transaction.Manager
	engine *engine.Engine
}

// newRuntime builds an engine rooted at cfg.Root.
//
// A dry run executes against an in-memory overlay of the root with an
// in-memory snapshot store and process-local claims, so nothing is written
// to disk and no other process is blocked.
func newRuntime(cfg *config.Config, logger *slog.Logger, dryRun bool) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.local, err = fsys.NewLocal(cfg.Root)
	if err != nil {
		return nil, err
	}
	var fs fsys.FileSystem = rt.local
	if dryRun {
		rt.overlay = fsys.NewMemory(rt.local)
		fs = rt.overlay
	}

	sec := security.NewService(security.Config{
		Resolver:        rt.local,
		BlockedPatterns: cfg.Security.BlockedPatterns,
		Sandbox:         cfg.SandboxSettings(),
		Logger:          logger,
	})

	switch {
	case dryRun || cfg.Transaction.Store == config.StoreMemory:
		rt.store = transaction.NewMemoryStore()
	case cfg.Transaction.Store == config.StoreBadger:
		dbCfg := bstore.DefaultConfig(cfg.Transaction.StorePath)
		dbCfg.Logger = logger
		db, err := transaction.OpenBadgerStore(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot store: %w", err)
		}
		rt.store = db
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", cfg.Transaction.Store)
	}

	lockDir := cfg.Transaction.LockDir
	if dryRun {
		lockDir = ""
	}
	rt.locks, err = lock.NewManager(lock.ManagerConfig{
		LockDir:   lockDir,
		Namespace: rt.local.Root(),
		TTL:       cfg.Transaction.MaxAge.D(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	rt.txm, err = transaction.NewManager(transaction.Config{
		FS:                  fs,
		Store:               rt.store,
		Locks:               rt.locks,
		MaxSnapshots:        cfg.Transaction.MaxSnapshots,
		SnapshotConcurrency: cfg.Transaction.SnapshotConcurrency,
		Logger:              logger,
		TracingEnabled:      cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		return nil, err
	}

	poolCfg := cfg.PoolSettings()
	poolCfg.Logger = logger
	rt.engine, err = engine.New(engine.Config{
		FS:             fs,
		Security:       sec,
		Planner:        planner.New(planner.Config{Weights: cfg.PlannerWeights(), Logger: logger}),
		PoolConfig:     poolCfg,
		Transactions:   rt.txm,
		Logger:         logger,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// persistent reports whether snapshots outlive the process.
func (rt *runtime) persistent() bool {
	_, ok := rt.store.(*transaction.BadgerStore)
	return ok
}

// recover reloads transactions a crashed process left open and rolls them
// back. It is a no-op for the in-memory store.
func (rt *runtime) recover(ctx context.Context) ([]transaction.CleanupReport, error) {
	if !rt.persistent() {
		return nil, nil
	}
	n, err := rt.txm.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovering transactions: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	rt.logger.Warn("rolling back transactions left open by a previous run", slog.Int("count", n))
	return rt.txm.CleanupAbandonedTransactions(ctx, 0)
}

// Close shuts everything down in reverse order of construction.
func (rt *runtime) Close() error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Close())
	}
	if rt.txm != nil {
		errs = append(errs, rt.txm.Close())
	}
	if rt.locks != nil {
		errs = append(errs, rt.locks.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}
