// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/filebatch/services/batch/analysis"
	"github.com/AleutianAI/filebatch/services/batch/handlers"
	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/planner"
	"github.com/AleutianAI/filebatch/services/batch/pool"
	"github.com/AleutianAI/filebatch/services/batch/resource"
	"github.com/AleutianAI/filebatch/services/batch/transaction"
)

// Execute runs a batch.
//
// # Description
//
// Steps, in order:
//
//  1. Normalize and validate ops, check every path, plan. Any failure
//     returns the error before anything is touched.
//  2. With Options.Transaction, open one transaction per boundary group and
//     snapshot its files. A snapshot failure rolls back the groups already
//     opened, cancels every operation and returns the error with the Report.
//  3. Run stages in order. After each stage report progress, then stop if
//     ctx is done, a resource limit is exceeded, or an operation failed and
//     ContinueOnError is false.
//  4. Commit or roll back. Without ContinueOnError any failure or abort
//     rolls back everything. With it, only groups holding a failure roll
//     back, unless the batch was aborted.
//
// # Inputs
//
//   - ctx: Cancels the batch. Operations not yet started are cancelled;
//     running ones see the cancellation through their context.
//   - ops: Not modified. IDs are assigned to copies.
//   - opts: See Options.
//
// # Outputs
//
//   - *Report: Nil only when the batch was rejected before planning
//     finished. Otherwise one Result per operation.
//   - error: *planner.PlanningError, security.ErrPathRejected,
//     ErrInvalidOptions, or a *transaction.SnapshotError. Operation
//     failures and aborts are reported in the Report, not here.
func (e *Engine) Execute(ctx context.Context, ops []operation.Operation, opts Options) (report *Report, err error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	ctx, span := e.spans.start(ctx, "execute",
		attribute.String("batch.id", batchID),
		attribute.Int("batch.operations", len(ops)),
		attribute.Bool("batch.parallel", opts.Parallel),
		attribute.Bool("batch.transaction", opts.Transaction))
	defer func() {
		var attrs []attribute.KeyValue
		if report != nil {
			attrs = append(attrs, attribute.String("batch.outcome", string(report.Outcome)))
		}
		endSpan(span, err, attrs...)
	}()

	start := time.Now()
	normalized, plan, err := e.Prepare(ops)
	if err != nil {
		e.logger.Warn("batch rejected",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()))
		return nil, err
	}

	r := &batchRun{
		e:       e,
		id:      batchID,
		opts:    opts,
		ops:     normalized,
		plan:    plan,
		tracker: e.monitor(opts.Limits),
		cache:   e.cacheFor(opts.CacheStrategy),
		results: make(map[string]operation.Result, len(normalized)),
		txOf:    make(map[string]string),
		start:   start,
		logger:  e.logger.With("batch_id", batchID),
	}
	r.tracker.Start()
	r.logger.Info("batch started",
		slog.Int("operations", len(normalized)),
		slog.Int("stages", len(plan.Stages)),
		slog.Duration("estimated", plan.TotalEstimatedDuration))

	if opts.Transaction && len(normalized) > 0 {
		if err := r.openTransactions(ctx); err != nil {
			outcome := OutcomeRolledBack
			switch {
			case len(r.groups) == 0:
				outcome = OutcomeNone
			case r.restoreFailed:
				outcome = OutcomeRolledBackPartial
			}
			return r.report(outcome), err
		}
	}

	r.runStages(ctx)
	outcome := r.finish(ctx)
	report = r.report(outcome)

	recordBatch(ctx, outcome, report.Duration)
	c := report.Counts()
	r.logger.Info("batch finished",
		slog.String("outcome", string(outcome)),
		slog.Int("succeeded", c[operation.StatusSuccess]),
		slog.Int("failed", c[operation.StatusFailed]),
		slog.Int("cancelled", c[operation.StatusCancelled]),
		slog.Duration("duration", report.Duration),
		slog.String("abort_reason", report.AbortMessage()))
	return report, nil
}

type txGroup struct {
	id  string
	ops []operation.Operation
}

// batchRun is the state of one Execute call. Only the Execute goroutine
// touches it, except results, which workers never write: results are
// recorded after the stage await.
type batchRun struct {
	e       *Engine
	id      string
	opts    Options
	ops     []operation.Operation
	plan    *planner.ExecutionPlan
	tracker resource.Tracker
	cache   *analysis.Cache
	logger  *slog.Logger
	start   time.Time

	results map[string]operation.Result
	pending []<-chan struct{}
	groups  []txGroup
	txOf    map[string]string
	txRep   map[string]*TransactionReport

	failed           bool
	abort            error
	stoppedOnFailure bool
	restoreFailed    bool
}

func (r *batchRun) openTransactions(ctx context.Context) error {
	txm := r.e.txm
	r.txRep = make(map[string]*TransactionReport)

	for _, group := range txm.GetTransactionBoundaries(r.ops) {
		tx, err := txm.Begin(ctx, group)
		if err == nil {
			r.addGroup(tx.ID, group)
			err = txm.CreateSnapshots(ctx, tx.ID, group)
		}
		if err != nil {
			r.logger.Error("snapshot failed, cancelling batch", slog.String("error", err.Error()))
			r.abort = err
			for _, g := range r.groups {
				r.rollback(ctx, g, transaction.ReasonSnapshotFailed)
			}
			r.cancelRemaining(fmt.Errorf("%w: %v", ErrBatchAborted, err))
			return err
		}
	}
	return nil
}

func (r *batchRun) addGroup(txID string, ops []operation.Operation) {
	r.groups = append(r.groups, txGroup{id: txID, ops: ops})
	r.txRep[txID] = &TransactionReport{ID: txID, Operations: operation.IDs(ops), State: transaction.StateActive}
	for _, op := range ops {
		r.txOf[op.ID] = txID
	}
}

func (r *batchRun) runStages(ctx context.Context) {
	for i := range r.plan.Stages {
		r.runStage(ctx, &r.plan.Stages[i])
		r.progress(i)

		last := i == len(r.plan.Stages)-1
		switch {
		case ctx.Err() != nil:
			r.abort = ctx.Err()
		case last:
		default:
			if err := r.tracker.CheckLimits(); err != nil {
				r.abort = err
			} else if r.failed && !r.opts.ContinueOnError {
				r.abort = r.firstFailure()
				r.stoppedOnFailure = true
			}
		}
		if r.abort != nil {
			r.logger.Warn("batch aborted",
				slog.Int("after_stage", i),
				slog.String("reason", r.abort.Error()))
			break
		}
	}
	if r.abort != nil {
		r.cancelRemaining(fmt.Errorf("%w: %v", ErrBatchAborted, r.abort))
	}
}

func (r *batchRun) runStage(ctx context.Context, stage *planner.Stage) {
	ctx, span := r.e.spans.start(ctx, "stage",
		attribute.Int("stage.index", stage.Index),
		attribute.Int("stage.operations", len(stage.Operations)))
	defer endSpan(span, nil)
	defer r.settle()

	runnable := make([]operation.Operation, 0, len(stage.Operations))
	for _, op := range stage.Operations {
		if dep, ok := r.failedDependency(op); ok {
			r.record(ctx, operation.Cancelled(op, fmt.Errorf("%w: %q", ErrDependencyFailed, dep), time.Now()))
			continue
		}
		runnable = append(runnable, op)
	}

	parallel := r.opts.Parallel && stage.CanRunInParallel && len(runnable) > 1
	recordStage(ctx, len(runnable), parallel)

	if parallel {
		r.runParallel(ctx, runnable)
		return
	}

	// Operations in one stage are independent, so serial order is free to
	// follow priority.
	sort.SliceStable(runnable, func(i, j int) bool {
		return runnable[i].EffectivePriority() > runnable[j].EffectivePriority()
	})
	for _, op := range runnable {
		if r.failed && !r.opts.ContinueOnError {
			r.record(ctx, operation.Cancelled(op, fmt.Errorf("%w: %v", ErrBatchAborted, r.firstFailure()), time.Now()))
			continue
		}
		tr := r.e.pool.Execute(ctx, r.task(op))
		r.pending = append(r.pending, tr.Settled)
		r.settle()
		r.record(ctx, r.convert(op, tr))
	}
}

func (r *batchRun) runParallel(ctx context.Context, ops []operation.Operation) {
	tasks := make([]pool.Task, len(ops))
	for i, op := range ops {
		tasks[i] = r.task(op)
	}
	chans, submitErrs := r.e.pool.SubmitAll(ctx, tasks)

	// Wait for every submitted task before recording, so results land in
	// declaration order.
	out := make([]operation.Result, len(ops))
	settled := make([]<-chan struct{}, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		if submitErrs[i] != nil {
			now := time.Now()
			out[i] = r.convert(op, pool.TaskResult{
				TaskID: op.ID, Status: operation.StatusFailed, Err: submitErrs[i],
				StartTime: now, EndTime: now,
			})
			continue
		}
		wg.Add(1)
		go func(i int, op operation.Operation) {
			defer wg.Done()
			tr := <-chans[i]
			settled[i] = tr.Settled
			out[i] = r.convert(op, tr)
		}(i, op)
	}
	wg.Wait()
	r.pending = append(r.pending, settled...)

	for _, res := range out {
		r.record(ctx, res)
	}
}

// task wraps op for the pool. Byte counts go to the tracker from the
// worker goroutine.
func (r *batchRun) task(op operation.Operation) pool.Task {
	return pool.Task{
		ID:       op.ID,
		Priority: op.EffectivePriority(),
		Timeout:  op.Timeout(),
		Run: func(ctx context.Context) (any, error) {
			ctx, span := r.e.spans.start(ctx, "operation",
				attribute.String("operation.id", op.ID),
				attribute.String("operation.type", string(op.Type)),
				attribute.String("operation.path", op.Path))
			out, err := r.e.executor.Execute(ctx, op, r.cache)
			r.tracker.AddBytes(out.Bytes)
			endSpan(span, err, attribute.Int64("operation.bytes", out.Bytes))
			return out, err
		},
	}
}

// settle blocks until every task started so far has returned or used up
// its grace period. A timed-out body may still be writing after its result
// arrives; nothing that depends on the files it touched may run before then.
func (r *batchRun) settle() {
	for _, ch := range r.pending {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		default:
			r.logger.Debug("waiting for timed-out operations to wind down")
			<-ch
		}
	}
	r.pending = r.pending[:0]
}

func (r *batchRun) convert(op operation.Operation, tr pool.TaskResult) operation.Result {
	res := operation.Result{
		OperationID: op.ID,
		Type:        op.Type,
		Status:      tr.Status,
		StartTime:   tr.StartTime,
		EndTime:     tr.EndTime,
		Duration:    tr.Duration,
	}
	if out, ok := tr.Value.(handlers.Output); ok {
		res.Data = out.Data
		res.BytesProcessed = out.Bytes
	}
	switch {
	case tr.Err == nil:
	case tr.Status == operation.StatusFailed:
		res.Err = &OperationError{OperationID: op.ID, Type: op.Type, Path: op.Path, Err: tr.Err}
	default:
		res.Err = tr.Err
	}
	return res
}

func (r *batchRun) record(ctx context.Context, res operation.Result) {
	r.results[res.OperationID] = res
	if res.Status == operation.StatusFailed {
		r.failed = true
		r.logger.Warn("operation failed",
			slog.String("operation_id", res.OperationID),
			slog.String("type", string(res.Type)),
			slog.String("error", res.ErrorMessage()))
	}
	recordOperation(ctx, res)

	if txID, ok := r.txOf[res.OperationID]; ok {
		if err := r.e.txm.RecordResult(txID, res); err != nil {
			r.logger.Debug("result not recorded on transaction",
				slog.String("tx_id", txID),
				slog.String("error", err.Error()))
		}
	}
}

// failedDependency returns the first declared dependency of op that did not
// succeed. Dependencies always sit in earlier stages.
func (r *batchRun) failedDependency(op operation.Operation) (string, bool) {
	for _, dep := range op.DependsOn {
		if res, ok := r.results[dep]; ok && res.Status != operation.StatusSuccess {
			return dep, true
		}
	}
	return "", false
}

func (r *batchRun) firstFailure() error {
	for _, op := range r.ops {
		if res, ok := r.results[op.ID]; ok && res.Status == operation.StatusFailed {
			return res.Err
		}
	}
	return nil
}

func (r *batchRun) cancelRemaining(reason error) {
	now := time.Now()
	for _, op := range r.ops {
		if _, ok := r.results[op.ID]; !ok {
			r.results[op.ID] = operation.Cancelled(op, reason, now)
		}
	}
}

// finish commits or rolls back every transaction and returns the outcome.
func (r *batchRun) finish(ctx context.Context) Outcome {
	if len(r.groups) == 0 {
		return OutcomeNone
	}

	rollbackAll := r.abort != nil || (r.failed && !r.opts.ContinueOnError)
	reason := transaction.ReasonOperationFailed
	if r.abort != nil && !r.stoppedOnFailure {
		reason = transaction.ReasonAborted
	}

	committed, rolledBack := 0, 0
	for _, g := range r.groups {
		switch {
		case rollbackAll:
			r.rollback(ctx, g, reason)
			rolledBack++
		case r.groupFailed(g):
			r.rollback(ctx, g, transaction.ReasonOperationFailed)
			rolledBack++
		default:
			if r.commit(ctx, g) {
				committed++
			} else {
				rolledBack++
			}
		}
	}

	switch {
	case rolledBack == 0:
		return OutcomeCommitted
	case committed == 0 && !r.restoreFailed:
		return OutcomeRolledBack
	default:
		return OutcomeRolledBackPartial
	}
}

func (r *batchRun) groupFailed(g txGroup) bool {
	for _, op := range g.ops {
		if res, ok := r.results[op.ID]; !ok || res.Status != operation.StatusSuccess {
			return true
		}
	}
	return false
}

func (r *batchRun) commit(ctx context.Context, g txGroup) bool {
	rep := r.txRep[g.id]
	if err := r.e.txm.Commit(ctx, g.id); err != nil {
		r.logger.Error("commit failed, rolling back",
			slog.String("tx_id", g.id),
			slog.String("error", err.Error()))
		r.rollback(ctx, g, transaction.ReasonOperationFailed)
		rep.Error = err.Error()
		return false
	}
	rep.State = transaction.StateCommitted
	return true
}

// rollback restores one group. A restore that left any file unrestored
// marks the batch so the outcome cannot read as a clean rollback.
func (r *batchRun) rollback(ctx context.Context, g txGroup, reason string) {
	rep := r.txRep[g.id]
	res, err := r.e.txm.RollbackWithReason(ctx, g.id, reason)
	rep.Rollback = res
	if err != nil {
		r.restoreFailed = true
		rep.Error = err.Error()
		if tx, ok := r.e.txm.Get(g.id); ok {
			rep.State = tx.State
		}
		return
	}
	rep.State = transaction.StateRolledBack
	if res != nil && !res.Success {
		r.restoreFailed = true
		rep.Error = fmt.Sprintf("%d of %d files not restored",
			len(res.Failures), len(res.Failures)+len(res.RestoredFiles)+len(res.UnchangedFiles))
		r.logger.Error("rollback left files unrestored",
			slog.String("tx_id", g.id),
			slog.Int("failures", len(res.Failures)))
	}
}

func (r *batchRun) progress(stage int) {
	if r.opts.OnProgress == nil {
		return
	}
	info := ProgressInfo{
		TotalOperations: len(r.ops),
		CurrentStage:    stage + 1,
		TotalStages:     len(r.plan.Stages),
	}
	for _, res := range r.results {
		switch res.Status {
		case operation.StatusSuccess:
			info.Completed++
		case operation.StatusFailed:
			info.Failed++
		case operation.StatusCancelled:
			info.Cancelled++
		}
	}
	done := info.Completed + info.Failed + info.Cancelled
	if info.TotalOperations > 0 {
		info.PercentComplete = float64(done) * 100 / float64(info.TotalOperations)
	}
	if done > 0 && done < info.TotalOperations {
		perOp := time.Since(r.start) / time.Duration(done)
		info.EstimatedTimeRemaining = perOp * time.Duration(info.TotalOperations-done)
	}
	r.opts.OnProgress(info)
}

func (r *batchRun) report(outcome Outcome) *Report {
	end := time.Now()
	rep := &Report{
		BatchID:     r.id,
		Results:     make([]operation.Result, 0, len(r.ops)),
		Outcome:     outcome,
		Plan:        r.plan,
		StartTime:   r.start,
		EndTime:     end,
		Duration:    end.Sub(r.start),
		Usage:       r.tracker.Usage(),
		AbortReason: r.abort,
	}
	for _, op := range r.ops {
		rep.Results = append(rep.Results, r.results[op.ID])
	}
	for _, g := range r.groups {
		rep.Transactions = append(rep.Transactions, *r.txRep[g.id])
	}
	return rep
}
