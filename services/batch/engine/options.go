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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/filebatch/services/batch/operation"
	"github.com/AleutianAI/filebatch/services/batch/planner"
	"github.com/AleutianAI/filebatch/services/batch/resource"
	"github.com/AleutianAI/filebatch/services/batch/transaction"
)

// CacheStrategy scopes the analysis result cache.
type CacheStrategy string

const (
	// CacheNone parses every file every time.
	CacheNone CacheStrategy = "none"

	// CacheBatch shares parse results within one Execute call.
	CacheBatch CacheStrategy = "batch"

	// CacheShared shares parse results across every Execute call on the
	// Engine.
	CacheShared CacheStrategy = "shared"
)

// Valid reports whether s is a known strategy. The empty value means
// CacheNone.
func (s CacheStrategy) Valid() bool {
	switch s {
	case "", CacheNone, CacheBatch, CacheShared:
		return true
	}
	return false
}

// Options controls one Execute call.
type Options struct {
	// Parallel lets stages marked CanRunInParallel use the pool concurrently.
	Parallel bool `json:"parallel" yaml:"parallel"`

	// Transaction snapshots touched files so failures can be rolled back.
	Transaction bool `json:"transaction" yaml:"transaction"`

	// ContinueOnError keeps running after a failed operation. Only the
	// transaction groups containing a failure are rolled back.
	ContinueOnError bool `json:"continueOnError" yaml:"continueOnError"`

	// CacheStrategy scopes analysis caching.
	CacheStrategy CacheStrategy `json:"cacheStrategy,omitempty" yaml:"cacheStrategy,omitempty"`

	// Limits bound the whole batch. Checked after every stage.
	Limits resource.Limits `json:"limits" yaml:"limits"`

	// OnProgress is called after every stage from the Execute goroutine.
	OnProgress func(ProgressInfo) `json:"-" yaml:"-"`
}

// DefaultOptions runs in parallel inside a transaction and stops at the
// first failure.
func DefaultOptions() Options {
	return Options{Parallel: true, Transaction: true, CacheStrategy: CacheBatch}
}

// ProgressInfo is a snapshot of batch progress.
type ProgressInfo struct {
	TotalOperations        int           `json:"totalOperations"`
	Completed              int           `json:"completed"`
	Failed                 int           `json:"failed"`
	Cancelled              int           `json:"cancelled"`
	CurrentStage           int           `json:"currentStage"`
	TotalStages            int           `json:"totalStages"`
	PercentComplete        float64       `json:"percentComplete"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
}

// Outcome is what happened to a batch's changes.
type Outcome string

const (
	// OutcomeCommitted means every transaction committed.
	OutcomeCommitted Outcome = "committed"

	// OutcomeRolledBack means every transaction rolled back.
	OutcomeRolledBack Outcome = "rolled-back"

	// OutcomeRolledBackPartial means some transactions committed and some
	// rolled back, or a rollback could not restore every file. In the second
	// case Report.RollbackIncomplete is true.
	OutcomeRolledBackPartial Outcome = "rolled-back-partial"

	// OutcomeNone means the batch ran without transactions.
	OutcomeNone Outcome = "none"
)

// TransactionReport is the fate of one transaction.
type TransactionReport struct {
	ID         string                      `json:"id"`
	Operations []string                    `json:"operations"`
	State      transaction.State           `json:"state"`
	Rollback   *transaction.RollbackResult `json:"rollback,omitempty"`
	Error      string                      `json:"error,omitempty"`
}

// Report is the result of Execute.
type Report struct {
	BatchID      string                `json:"batchId"`
	Results      []operation.Result    `json:"results"`
	Outcome      Outcome               `json:"outcome"`
	Transactions []TransactionReport   `json:"transactions,omitempty"`
	Plan         *planner.ExecutionPlan `json:"plan,omitempty"`
	StartTime    time.Time             `json:"startTime"`
	EndTime      time.Time             `json:"endTime"`
	Duration     time.Duration         `json:"duration"`
	Usage        resource.Usage        `json:"usage"`

	// AbortReason is set when the batch stopped before running every stage:
	// a *resource.LimitError, a context error, or the first failure.
	AbortReason error `json:"-"`
}

// Succeeded reports whether every operation succeeded and nothing was
// rolled back.
func (r *Report) Succeeded() bool {
	if r.AbortReason != nil {
		return false
	}
	for _, res := range r.Results {
		if res.Status != operation.StatusSuccess {
			return false
		}
	}
	return r.Outcome == OutcomeCommitted || r.Outcome == OutcomeNone
}

// RollbackIncomplete reports whether any rollback failed to restore a file.
// The files named in the transaction's RollbackResult.Failures may hold
// partial changes.
func (r *Report) RollbackIncomplete() bool {
	for _, tx := range r.Transactions {
		if tx.Rollback != nil && !tx.Rollback.Success {
			return true
		}
		if tx.Rollback == nil && tx.Error != "" && tx.State != transaction.StateCommitted {
			return true
		}
	}
	return false
}

// Counts returns the number of results per status.
func (r *Report) Counts() map[operation.Status]int {
	out := make(map[operation.Status]int, 3)
	for _, res := range r.Results {
		out[res.Status]++
	}
	return out
}

// Result returns the result for an operation ID.
func (r *Report) Result(id string) (operation.Result, bool) {
	for _, res := range r.Results {
		if res.OperationID == id {
			return res, true
		}
	}
	return operation.Result{}, false
}

// AbortMessage returns AbortReason as text, or "".
func (r *Report) AbortMessage() string {
	if r.AbortReason == nil {
		return ""
	}
	return r.AbortReason.Error()
}

// MarshalJSON adds the abort reason as text.
func (r *Report) MarshalJSON() ([]byte, error) {
	type plain Report
	return json.Marshal(struct {
		*plain
		AbortReason        string `json:"abortReason,omitempty"`
		DurationMs         int64  `json:"durationMs"`
		RollbackIncomplete bool   `json:"rollbackIncomplete,omitempty"`
	}{
		plain:              (*plain)(r),
		AbortReason:        r.AbortMessage(),
		DurationMs:         r.Duration.Milliseconds(),
		RollbackIncomplete: r.RollbackIncomplete(),
	})
}

// LimitExceeded reports whether the batch stopped on a resource limit.
func (r *Report) LimitExceeded() bool {
	return errors.Is(r.AbortReason, resource.ErrLimitExceeded)
}

func (r *Report) String() string {
	c := r.Counts()
	return fmt.Sprintf("batch %s: %s, %d succeeded, %d failed, %d cancelled in %s",
		r.BatchID, r.Outcome,
		c[operation.StatusSuccess], c[operation.StatusFailed], c[operation.StatusCancelled],
		r.Duration.Round(time.Millisecond))
}
