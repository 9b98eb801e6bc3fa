// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction makes a batch of file mutations all-or-nothing.
//
// Before any operation runs, the manager snapshots every path the batch
// touches: whether it existed, its mode, and its content in a
// content-addressed SnapshotStore. Commit discards the snapshots. Rollback
// restores them in reverse order, deleting files that did not exist and
// rewriting or recreating the rest.
//
// Every snapshotted path is claimed through the lock package for the life
// of the transaction, so concurrent transactions never snapshot the same
// file.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/filebatch/services/batch/fsys"
	"github.com/AleutianAI/filebatch/services/batch/lock"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/planner"
)

// Rollback reasons recorded on the transaction and in metrics.
const (
	ReasonRequested       = "rollback requested"
	ReasonOperationFailed = "operation failed"
	ReasonAborted         = "batch aborted"
	ReasonSnapshotFailed  = "snapshot failed"
	ReasonAbandoned       = "abandoned transaction cleanup"
	ReasonManagerClosed   = "manager closed"
)

// Config configures a Manager.
type Config struct {
	// FS is the file system snapshots are taken from and restored to.
	// Required.
	FS fsys.FileSystem

	// Store holds snapshot content. Default: NewMemoryStore().
	Store SnapshotStore

	// Locks claims snapshotted paths. Default: an in-process lock.Manager
	// owned and closed by this Manager.
	Locks *lock.Manager

	// MaxSnapshots caps the snapshots held by one transaction. Default: 1000.
	MaxSnapshots int

	// SnapshotConcurrency bounds parallel snapshot capture. Default: 8.
	SnapshotConcurrency int

	// HistorySize is how many finished transactions stay visible to Get and
	// List. Default: 100.
	HistorySize int

	// OnEvent receives lifecycle events synchronously. It must not block or
	// call back into the Manager.
	OnEvent func(Event)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TracingEnabled turns on OpenTelemetry spans.
	TracingEnabled bool

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

type txEntry struct {
	tx *Transaction

	// snapMu serializes CreateSnapshots for one transaction.
	snapMu      sync.Mutex
	snapshotted map[string]struct{}
}

// Manager owns transactions and their snapshots.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Any number of transactions may
// be active at once provided their paths do not overlap.
type Manager struct {
	cfg       Config
	fs        fsys.FileSystem
	store     SnapshotStore
	locks     *lock.Manager
	ownsLocks bool
	logger    *slog.Logger
	tracer    *Tracer
	now       func() time.Time

	mu      sync.Mutex
	txs     map[string]*txEntry
	history []string
	closed  bool

	stop     chan struct{}
	janitors sync.WaitGroup
}

// NewManager creates a Manager.
//
// # Inputs
//
//   - cfg: FS is required. Zero values take the documented defaults.
//
// # Outputs
//
//   - *Manager: Call Close when done.
//   - error: Non-nil if FS is missing or the default lock manager fails.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.FS == nil {
		return nil, errors.New("transaction manager requires a FileSystem")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 1000
	}
	if cfg.SnapshotConcurrency <= 0 {
		cfg.SnapshotConcurrency = 8
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "transaction.Manager")

	m := &Manager{
		cfg:    cfg,
		fs:     cfg.FS,
		store:  cfg.Store,
		locks:  cfg.Locks,
		logger: logger,
		tracer: NewTracer(logger, cfg.TracingEnabled),
		now:    cfg.Now,
		txs:    make(map[string]*txEntry),
		stop:   make(chan struct{}),
	}
	if m.locks == nil {
		locks, err := lock.NewManager(lock.ManagerConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("creating lock manager: %w", err)
		}
		m.locks = locks
		m.ownsLocks = true
	}
	return m, nil
}

// Begin registers a new active transaction for ops.
func (m *Manager) Begin(ctx context.Context, ops []operation.Operation) (tx *Transaction, err error) {
	id := uuid.NewString()
	ctx, span := m.tracer.Start(ctx, "begin", id, attribute.Int("tx.operations", len(ops)))
	defer func() { m.tracer.End(span, err) }()
	defer m.recoverPanic("Begin", &err)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	tx = &Transaction{
		ID:         id,
		Operations: operation.IDs(ops),
		State:      StateActive,
		StartTime:  m.now(),
		CanRevert:  true,
	}
	m.txs[id] = &txEntry{tx: tx, snapshotted: make(map[string]struct{})}
	rec := recordOf(tx, tx.StartTime)
	out := tx.clone()
	m.mu.Unlock()

	m.persist(ctx, rec)
	recordBegin(ctx)
	m.emit(Event{Type: EventStarted, TransactionID: id})

	LoggerWithTrace(ctx, m.logger).Info("transaction started",
		slog.String("tx_id", id),
		slog.Int("operations", len(ops)))
	return out, nil
}

// CreateSnapshots captures the current state of every path ops touch that
// the transaction has not already captured.
//
// # Description
//
// Paths are claimed for the transaction first; a path held by another
// transaction fails the call with an error wrapping lock.ErrPathLocked.
// Capture then runs concurrently. The snapshot list keeps first-reference
// order regardless of capture order. On any failure nothing from this call
// is kept: blobs are released and the new claims dropped.
//
// # Outputs
//
//   - error: *SnapshotError wrapping ErrSnapshotLimit, lock.ErrPathLocked,
//     or the I/O cause. ErrInvalidState if the transaction is not active.
func (m *Manager) CreateSnapshots(ctx context.Context, txID string, ops []operation.Operation) (err error) {
	ctx, span := m.tracer.Start(ctx, "snapshot", txID)
	defer func() { m.tracer.End(span, err) }()
	defer m.recoverPanic("CreateSnapshots", &err)

	e, err := m.entry(txID)
	if err != nil {
		return err
	}
	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	m.mu.Lock()
	state, have := e.tx.State, len(e.tx.Snapshots)
	m.mu.Unlock()
	if state != StateActive {
		return invalidState(txID, state, "snapshot")
	}

	var paths []string
	for _, p := range operation.AllTouchedPaths(ops) {
		if _, done := e.snapshotted[p]; !done {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}
	if have+len(paths) > m.cfg.MaxSnapshots {
		return &SnapshotError{TransactionID: txID, Limit: m.cfg.MaxSnapshots, Err: ErrSnapshotLimit}
	}

	if err := m.locks.AcquireAll(paths, txID); err != nil {
		snapErr := &SnapshotError{TransactionID: txID, Err: err}
		var lockErr *lock.LockError
		if errors.As(err, &lockErr) {
			snapErr.Path = lockErr.Path
		}
		return snapErr
	}

	snaps, bytes, err := m.capture(ctx, txID, paths)
	if err != nil {
		m.releasePaths(txID, paths)
		return err
	}

	m.mu.Lock()
	if e.tx.State != StateActive {
		state := e.tx.State
		m.mu.Unlock()
		m.releaseBlobs(ctx, snaps)
		m.releasePaths(txID, paths)
		return invalidState(txID, state, "snapshot")
	}
	e.tx.Snapshots = append(e.tx.Snapshots, snaps...)
	for _, s := range snaps {
		e.snapshotted[s.Path] = struct{}{}
	}
	rec := recordOf(e.tx, m.now())
	m.mu.Unlock()

	m.persist(ctx, rec)
	recordSnapshots(ctx, len(snaps), bytes)
	m.emit(Event{Type: EventSnapshotted, TransactionID: txID, Files: len(snaps)})

	LoggerWithTrace(ctx, m.logger).Debug("snapshots captured",
		slog.String("tx_id", txID),
		slog.Int("files", len(snaps)),
		slog.Int64("bytes", bytes))
	return nil
}

func (m *Manager) capture(ctx context.Context, txID string, paths []string) ([]FileSnapshot, int64, error) {
	snaps := make([]FileSnapshot, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SnapshotConcurrency)

	for i, p := range paths {
		g.Go(func() error {
			s, err := m.snapshotOne(gctx, p)
			if err != nil {
				return &SnapshotError{TransactionID: txID, Path: p, Err: err}
			}
			snaps[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.releaseBlobs(ctx, snaps)
		return nil, 0, err
	}

	var total int64
	for _, s := range snaps {
		total += s.Size
	}
	return snaps, total, nil
}

func (m *Manager) snapshotOne(ctx context.Context, path string) (FileSnapshot, error) {
	info, err := m.fs.Stat(ctx, path)
	if err != nil {
		if fsys.IsNotFound(err) {
			return FileSnapshot{Path: path, CapturedAt: m.now()}, nil
		}
		return FileSnapshot{}, err
	}
	data, err := m.fs.ReadFile(ctx, path)
	if err != nil {
		return FileSnapshot{}, err
	}
	hash, err := m.store.PutBlob(ctx, data)
	if err != nil {
		return FileSnapshot{}, err
	}
	return FileSnapshot{
		Path:       path,
		Existed:    true,
		Hash:       hash,
		Size:       int64(len(data)),
		Mode:       info.Mode,
		CapturedAt: m.now(),
	}, nil
}

// RecordResult attaches an operation result to an active transaction. It
// has no effect on rollback.
func (m *Manager) RecordResult(txID string, res operation.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("%s: %w", txID, ErrTransactionNotFound)
	}
	if e.tx.State != StateActive {
		return invalidState(txID, e.tx.State, "record result on")
	}
	e.tx.Results = append(e.tx.Results, res)
	return nil
}

// Commit makes the transaction's changes final and discards its snapshots.
//
// # Outputs
//
//   - error: ErrInvalidState unless the transaction is active, so a second
//     Commit or a Commit after Rollback fails.
func (m *Manager) Commit(ctx context.Context, txID string) (err error) {
	ctx, span := m.tracer.Start(ctx, "commit", txID)
	defer func() { m.tracer.End(span, err) }()
	defer m.recoverPanic("Commit", &err)

	m.mu.Lock()
	e, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", txID, ErrTransactionNotFound)
	}
	if e.tx.State != StateActive {
		state := e.tx.State
		m.mu.Unlock()
		return invalidState(txID, state, "commit")
	}
	e.tx.State = StateCommitted
	e.tx.EndTime = m.now()
	e.tx.CanRevert = false
	snaps := append([]FileSnapshot(nil), e.tx.Snapshots...)
	duration := e.tx.EndTime.Sub(e.tx.StartTime)
	m.finishLocked(txID)
	m.mu.Unlock()

	m.tracer.RecordStateTransition(ctx, txID, StateActive, StateCommitted)
	m.discard(ctx, txID, snaps)
	recordCommit(ctx, duration)
	m.emit(Event{Type: EventCommitted, TransactionID: txID, Files: len(snaps)})

	LoggerWithTrace(ctx, m.logger).Info("transaction committed",
		slog.String("tx_id", txID),
		slog.Int("files", len(snaps)),
		slog.Duration("duration", duration))
	return nil
}

// Rollback restores every snapshot of an active transaction.
func (m *Manager) Rollback(ctx context.Context, txID string) (*RollbackResult, error) {
	return m.RollbackWithReason(ctx, txID, ReasonRequested)
}

// RollbackWithReason is Rollback with a reason recorded on the transaction.
//
// # Description
//
// Snapshots are restored newest first. A file that did not exist is
// deleted; an existing file is rewritten unless its content already
// matches; a deleted file is recreated with its original mode. A file that
// cannot be restored is recorded in RollbackResult.Failures and the rest
// continue. The transaction always ends rolled-back.
//
// Caller cancellation is ignored so a rollback started always finishes.
//
// # Outputs
//
//   - *RollbackResult: Restored, unchanged, and failed files.
//   - error: ErrInvalidState unless the transaction is active.
func (m *Manager) RollbackWithReason(ctx context.Context, txID, reason string) (res *RollbackResult, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := m.tracer.Start(ctx, "rollback", txID, attribute.String("tx.reason", reason))
	defer func() {
		var attrs []attribute.KeyValue
		if res != nil {
			attrs = append(attrs,
				attribute.Int("tx.restored", len(res.RestoredFiles)),
				attribute.Int("tx.failures", len(res.Failures)))
		}
		m.tracer.End(span, err, attrs...)
	}()
	defer m.recoverPanic("Rollback", &err)

	m.mu.Lock()
	e, ok := m.txs[txID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", txID, ErrTransactionNotFound)
	}
	if e.tx.State != StateActive {
		state := e.tx.State
		m.mu.Unlock()
		return nil, invalidState(txID, state, "roll back")
	}
	e.tx.State = StateRollingBack
	e.tx.RollbackReason = reason
	snaps := append([]FileSnapshot(nil), e.tx.Snapshots...)
	m.mu.Unlock()
	m.tracer.RecordStateTransition(ctx, txID, StateActive, StateRollingBack)

	res = m.restore(ctx, txID, snaps)

	m.mu.Lock()
	e.tx.State = StateRolledBack
	e.tx.EndTime = m.now()
	e.tx.CanRevert = false
	duration := e.tx.EndTime.Sub(e.tx.StartTime)
	m.finishLocked(txID)
	m.mu.Unlock()
	m.tracer.RecordStateTransition(ctx, txID, StateRollingBack, StateRolledBack)

	m.discard(ctx, txID, snaps)
	recordRollback(ctx, duration, reason, len(res.Failures))
	m.emit(Event{Type: EventRolledBack, TransactionID: txID, Files: len(res.RestoredFiles), Reason: reason})

	logger := LoggerWithTrace(ctx, m.logger)
	if res.Success {
		logger.Info("transaction rolled back",
			slog.String("tx_id", txID),
			slog.String("reason", reason),
			slog.Int("restored", len(res.RestoredFiles)),
			slog.Int("unchanged", len(res.UnchangedFiles)))
	} else {
		for _, f := range res.Failures {
			logger.Error("failed to restore file",
				slog.String("tx_id", txID),
				slog.String("path", f.Path),
				slog.String("action", f.Action),
				slog.String("error", f.Err.Error()))
		}
		logger.Warn("transaction rolled back with failures",
			slog.String("tx_id", txID),
			slog.String("reason", reason),
			slog.Int("restored", len(res.RestoredFiles)),
			slog.Int("failures", len(res.Failures)))
	}
	return res, nil
}

func (m *Manager) restore(ctx context.Context, txID string, snaps []FileSnapshot) *RollbackResult {
	start := m.now()
	res := &RollbackResult{TransactionID: txID, RestoredFiles: []string{}}
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		changed, rbErr := m.restoreOne(ctx, s)
		switch {
		case rbErr != nil:
			res.Failures = append(res.Failures, rbErr)
		case changed:
			res.RestoredFiles = append(res.RestoredFiles, s.Path)
		default:
			res.UnchangedFiles = append(res.UnchangedFiles, s.Path)
		}
	}
	res.Success = len(res.Failures) == 0
	res.Partial = !res.Success && len(res.RestoredFiles) > 0
	res.Duration = m.now().Sub(start)
	return res
}

// restoreOne puts one path back to its snapshot. It reports whether the
// file had to change.
func (m *Manager) restoreOne(ctx context.Context, s FileSnapshot) (bool, *RollbackError) {
	info, err := m.fs.Stat(ctx, s.Path)
	exists := err == nil
	if err != nil && !fsys.IsNotFound(err) {
		return false, &RollbackError{Path: s.Path, Action: "restore", Err: err}
	}

	if !s.Existed {
		if !exists {
			return false, nil
		}
		if err := m.fs.DeleteFile(ctx, s.Path); err != nil && !fsys.IsNotFound(err) {
			return false, &RollbackError{Path: s.Path, Action: "delete", Err: err}
		}
		return true, nil
	}

	if exists && info.Size == s.Size {
		if cur, err := m.fs.ReadFile(ctx, s.Path); err == nil && HashContent(cur) == s.Hash {
			if s.Mode == 0 || info.Mode == s.Mode {
				return false, nil
			}
			if err := m.chmod(ctx, s); err != nil {
				return false, &RollbackError{Path: s.Path, Action: "restore", Err: err}
			}
			return true, nil
		}
	}

	data, err := m.store.GetBlob(ctx, s.Hash)
	if err != nil {
		return false, &RollbackError{Path: s.Path, Action: "restore", Err: err}
	}
	if err := m.fs.WriteFile(ctx, s.Path, data); err != nil {
		return false, &RollbackError{Path: s.Path, Action: "restore", Err: err}
	}
	if s.Mode != 0 && (!exists || info.Mode != s.Mode) {
		if err := m.chmod(ctx, s); err != nil {
			return true, &RollbackError{Path: s.Path, Action: "restore", Err: err}
		}
	}
	return true, nil
}

func (m *Manager) chmod(ctx context.Context, s FileSnapshot) error {
	ms, ok := m.fs.(fsys.ModeSetter)
	if !ok {
		return nil
	}
	return ms.Chmod(ctx, s.Path, s.Mode)
}

// CleanupAbandonedTransactions force-rolls back active transactions whose
// age is at least maxAge. A maxAge of 0 rolls back every active
// transaction.
func (m *Manager) CleanupAbandonedTransactions(ctx context.Context, maxAge time.Duration) ([]CleanupReport, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	now := m.now()
	type candidate struct {
		id    string
		start time.Time
	}
	var stale []candidate
	for id, e := range m.txs {
		if e.tx.State == StateActive && now.Sub(e.tx.StartTime) >= maxAge {
			stale = append(stale, candidate{id, e.tx.StartTime})
		}
	}
	m.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].start.Before(stale[j].start) })

	var reports []CleanupReport
	for _, c := range stale {
		res, err := m.RollbackWithReason(ctx, c.id, ReasonAbandoned)
		if errors.Is(err, ErrInvalidState) {
			// Finished between the scan and the rollback.
			continue
		}
		reports = append(reports, CleanupReport{
			TransactionID: c.id,
			Age:           now.Sub(c.start),
			Result:        res,
			Err:           err,
		})
		m.emit(Event{Type: EventCleanedUp, TransactionID: c.id, Reason: ReasonAbandoned})
		m.logger.Warn("cleaned up abandoned transaction",
			slog.String("tx_id", c.id),
			slog.Duration("age", now.Sub(c.start)))
	}
	recordCleanup(ctx, len(reports))
	return reports, nil
}

// StartJanitor runs CleanupAbandonedTransactions every interval until ctx
// is done or the Manager is closed.
func (m *Manager) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.janitors.Add(1)
	go func() {
		defer m.janitors.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if _, err := m.CleanupAbandonedTransactions(ctx, maxAge); errors.Is(err, ErrManagerClosed) {
					return
				}
			}
		}
	}()
}

// GetTransactionBoundaries groups ops into independent transactions:
// operations sharing a path or a dependency land in the same group.
func (m *Manager) GetTransactionBoundaries(ops []operation.Operation) [][]operation.Operation {
	return planner.Boundaries(ops)
}

// Recover reloads transactions a previous process left in the store as
// active, so they can be rolled back. It returns how many were loaded.
// Records of finished transactions are deleted.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	recs, err := m.store.Records(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		if rec.State.Terminal() {
			if err := m.store.DeleteRecord(ctx, rec.ID); err != nil {
				m.logger.Warn("failed to delete finished record",
					slog.String("tx_id", rec.ID),
					slog.String("error", err.Error()))
			}
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return n, ErrManagerClosed
		}
		if _, ok := m.txs[rec.ID]; ok {
			m.mu.Unlock()
			continue
		}
		tx := &Transaction{
			ID:         rec.ID,
			Operations: rec.Operations,
			Snapshots:  rec.Snapshots,
			State:      StateActive,
			StartTime:  rec.StartTime,
			CanRevert:  true,
		}
		e := &txEntry{tx: tx, snapshotted: make(map[string]struct{}, len(rec.Snapshots))}
		for _, s := range rec.Snapshots {
			e.snapshotted[s.Path] = struct{}{}
		}
		m.txs[rec.ID] = e
		m.mu.Unlock()

		if err := m.locks.AcquireAll(tx.SnapshotPaths(), tx.ID); err != nil {
			m.logger.Warn("recovered transaction paths are claimed elsewhere",
				slog.String("tx_id", tx.ID),
				slog.String("error", err.Error()))
		}
		recordBegin(ctx)
		n++
		m.logger.Info("recovered transaction",
			slog.String("tx_id", tx.ID),
			slog.String("state", string(rec.State)),
			slog.Int("snapshots", len(rec.Snapshots)),
			slog.Time("started_at", rec.StartTime))
	}
	return n, nil
}

// Get returns a copy of the transaction.
func (m *Manager) Get(txID string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.txs[txID]
	if !ok {
		return nil, false
	}
	return e.tx.clone(), true
}

// List returns copies of every known transaction, oldest first.
func (m *Manager) List() []*Transaction {
	return m.filter(func(*Transaction) bool { return true })
}

// Active returns copies of the active transactions, oldest first.
func (m *Manager) Active() []*Transaction {
	return m.filter(func(tx *Transaction) bool { return tx.State == StateActive })
}

func (m *Manager) filter(keep func(*Transaction) bool) []*Transaction {
	m.mu.Lock()
	out := make([]*Transaction, 0, len(m.txs))
	for _, e := range m.txs {
		if keep(e.tx) {
			out = append(out, e.tx.clone())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Close stops janitors and rolls back every active transaction.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var active []string
	for id, e := range m.txs {
		if e.tx.State == StateActive {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	close(m.stop)
	m.janitors.Wait()

	for _, id := range active {
		if _, err := m.RollbackWithReason(context.Background(), id, ReasonManagerClosed); err != nil && !errors.Is(err, ErrInvalidState) {
			m.logger.Warn("failed to roll back on close",
				slog.String("tx_id", id),
				slog.String("error", err.Error()))
		}
	}
	if m.ownsLocks {
		return m.locks.Close()
	}
	return nil
}

func (m *Manager) entry(txID string) (*txEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", txID, ErrTransactionNotFound)
	}
	return e, nil
}

// finishLocked moves txID into the bounded history. Caller holds m.mu.
func (m *Manager) finishLocked(txID string) {
	m.history = append(m.history, txID)
	for len(m.history) > m.cfg.HistorySize {
		delete(m.txs, m.history[0])
		m.history = m.history[1:]
	}
}

// discard drops what a finished transaction held.
func (m *Manager) discard(ctx context.Context, txID string, snaps []FileSnapshot) {
	m.releaseBlobs(ctx, snaps)
	if err := m.store.DeleteRecord(ctx, txID); err != nil {
		m.logger.Warn("failed to delete transaction record",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()))
	}
	m.locks.ReleaseOwner(txID)
}

func (m *Manager) releaseBlobs(ctx context.Context, snaps []FileSnapshot) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range snaps {
		if s.Hash == "" {
			continue
		}
		if err := m.store.ReleaseBlob(ctx, s.Hash); err != nil {
			m.logger.Warn("failed to release snapshot blob",
				slog.String("hash", s.Hash),
				slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) releasePaths(txID string, paths []string) {
	for _, p := range paths {
		_ = m.locks.Release(p, txID)
	}
}

func (m *Manager) persist(ctx context.Context, rec Record) {
	if err := m.store.SaveRecord(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("failed to persist transaction record",
			slog.String("tx_id", rec.ID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) emit(ev Event) {
	if m.cfg.OnEvent == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	m.cfg.OnEvent(ev)
}

func (m *Manager) recoverPanic(op string, errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("panic in %s: %v", op, r)
		m.logger.Error("panic in transaction operation",
			slog.String("operation", op),
			slog.Any("panic", r))
	}
}
