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
	"errors"
	"fmt"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

var (
	// ErrDependencyFailed is the cause recorded on operations skipped because
	// something they depend on did not succeed.
	ErrDependencyFailed = errors.New("dependency did not succeed")

	// ErrBatchAborted is the cause recorded on operations that never started
	// because the batch stopped early.
	ErrBatchAborted = errors.New("batch aborted")

	// ErrEngineClosed is returned by Execute after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// OperationError is the error on a failed Result.
type OperationError struct {
	OperationID string
	Type        operation.Type
	Path        string
	Err         error
}

// Error implements error.
func (e *OperationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("operation %q (%s %s): %v", e.OperationID, e.Type, e.Path, e.Err)
	}
	return fmt.Sprintf("operation %q (%s): %v", e.OperationID, e.Type, e.Err)
}

// Unwrap returns the handler, pool or timeout cause.
func (e *OperationError) Unwrap() error {
	return e.Err
}
