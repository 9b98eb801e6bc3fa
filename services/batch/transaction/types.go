// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"os"
	"time"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

// State is the lifecycle state of a Transaction.
//
//	active → committed
//	active → rolling-back → rolled-back
type State string

const (
	StateActive      State = "active"
	StateRollingBack State = "rolling-back"
	StateRolledBack  State = "rolled-back"
	StateCommitted   State = "committed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// FileSnapshot is the pre-mutation state of one path. Content lives in the
// SnapshotStore under Hash.
type FileSnapshot struct {
	Path       string      `json:"path"`
	Existed    bool        `json:"existed"`
	Hash       string      `json:"hash,omitempty"`
	Size       int64       `json:"size"`
	Mode       os.FileMode `json:"mode,omitempty"`
	CapturedAt time.Time   `json:"capturedAt"`
}

// Transaction groups the operations whose effects commit or roll back
// together.
type Transaction struct {
	ID             string             `json:"id"`
	Operations     []string           `json:"operations"`
	Snapshots      []FileSnapshot     `json:"snapshots"`
	State          State              `json:"state"`
	StartTime      time.Time          `json:"startTime"`
	EndTime        time.Time          `json:"endTime,omitempty"`
	CanRevert      bool               `json:"canRevert"`
	Results        []operation.Result `json:"results,omitempty"`
	RollbackReason string             `json:"rollbackReason,omitempty"`
}

// Age is how long the transaction has been open, or was open if finished.
func (t *Transaction) Age(now time.Time) time.Duration {
	if !t.EndTime.IsZero() {
		return t.EndTime.Sub(t.StartTime)
	}
	return now.Sub(t.StartTime)
}

// SnapshotPaths lists the snapshotted paths in capture order.
func (t *Transaction) SnapshotPaths() []string {
	out := make([]string, len(t.Snapshots))
	for i, s := range t.Snapshots {
		out[i] = s.Path
	}
	return out
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.Operations = append([]string(nil), t.Operations...)
	c.Snapshots = append([]FileSnapshot(nil), t.Snapshots...)
	c.Results = append([]operation.Result(nil), t.Results...)
	return &c
}

// RollbackResult summarizes a rollback.
type RollbackResult struct {
	TransactionID string `json:"transactionId"`
	// Success is true when every snapshot was restored or already matched.
	Success bool `json:"success"`
	// Partial is true when some files were restored and others failed.
	Partial bool `json:"partial"`
	// RestoredFiles were rewritten, recreated, or deleted.
	RestoredFiles []string `json:"restoredFiles"`
	// UnchangedFiles already matched their snapshot.
	UnchangedFiles []string         `json:"unchangedFiles,omitempty"`
	Failures       []*RollbackError `json:"failures,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

// CleanupReport is one transaction force-rolled back by cleanup.
type CleanupReport struct {
	TransactionID string          `json:"transactionId"`
	Age           time.Duration   `json:"age"`
	Result        *RollbackResult `json:"result,omitempty"`
	Err           error           `json:"-"`
}

// EventType names a lifecycle event.
type EventType string

const (
	EventStarted     EventType = "started"
	EventSnapshotted EventType = "snapshotted"
	EventCommitted   EventType = "committed"
	EventRolledBack  EventType = "rolled-back"
	EventCleanedUp   EventType = "cleaned-up"
)

// Event is delivered to Config.OnEvent.
type Event struct {
	Type          EventType `json:"type"`
	TransactionID string    `json:"transactionId"`
	Time          time.Time `json:"time"`
	// Files is the number of files involved: snapshotted, or restored.
	Files  int    `json:"files,omitempty"`
	Reason string `json:"reason,omitempty"`
}
