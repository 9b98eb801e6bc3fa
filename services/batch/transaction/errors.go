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
	"errors"
	"fmt"
)

var (
	// ErrTransactionNotFound is returned for an unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidState is returned when an operation is not allowed in the
	// transaction's current state, such as committing twice or rolling back
	// after commit.
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrSnapshotLimit is returned when a transaction would hold more
	// snapshots than MaxSnapshots.
	ErrSnapshotLimit = errors.New("Snapshot limit exceeded")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("transaction manager is closed")

	// ErrBlobNotFound is returned by a SnapshotStore for an unknown hash.
	ErrBlobNotFound = errors.New("snapshot blob not found")
)

// SnapshotError reports a failure to capture pre-mutation state. Nothing has
// been mutated when it is returned.
type SnapshotError struct {
	TransactionID string
	// Path is the file that failed, empty for limit violations.
	Path string
	// Limit is set for ErrSnapshotLimit.
	Limit int
	Err   error
}

// Error implements error.
func (e *SnapshotError) Error() string {
	switch {
	case e.Limit > 0:
		return fmt.Sprintf("transaction %s: %v (limit %d)", e.TransactionID, e.Err, e.Limit)
	case e.Path != "":
		return fmt.Sprintf("transaction %s: snapshot %s: %v", e.TransactionID, e.Path, e.Err)
	default:
		return fmt.Sprintf("transaction %s: snapshot: %v", e.TransactionID, e.Err)
	}
}

// Unwrap returns the cause.
func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// RollbackError is one file that could not be restored. Rollback collects
// these and keeps going.
type RollbackError struct {
	Path string `json:"path"`
	// Action is "restore" or "delete".
	Action string `json:"action"`
	Err    error  `json:"-"`
}

// Error implements error.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback %s %s: %v", e.Action, e.Path, e.Err)
}

// Unwrap returns the cause.
func (e *RollbackError) Unwrap() error {
	return e.Err
}

func invalidState(id string, state State, action string) error {
	return fmt.Errorf("%w: cannot %s transaction %s in state %s", ErrInvalidState, action, id, state)
}
