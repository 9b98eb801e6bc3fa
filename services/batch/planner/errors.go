// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/filebatch/services/batch/operation"
)

var (
	// ErrCyclicDependency is returned when declared dependencies form a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownDependency is returned when an operation depends on an ID that
	// is not part of the batch.
	ErrUnknownDependency = errors.New("unknown dependency id")

	// ErrDuplicateID is returned when two operations share an ID. It is the
	// same value as operation.ErrDuplicateID.
	ErrDuplicateID = operation.ErrDuplicateID

	// ErrInvalidOperation wraps a field validation failure. It is the same
	// value as operation.ErrInvalidOperation.
	ErrInvalidOperation = operation.ErrInvalidOperation

	// ErrMissingID is returned when an operation reaches the planner without an ID.
	ErrMissingID = errors.New("operation id is empty")
)

// PlanningError rejects a whole batch before any file is touched.
//
// Err is one of the sentinel errors above, so callers can branch with
// errors.Is. Cycle holds the offending path (first node repeated at the end)
// for ErrCyclicDependency.
type PlanningError struct {
	OperationID string
	Dependency  string
	Cycle       []string
	Err         error
}

// Error implements error.
func (e *PlanningError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return fmt.Sprintf("planning failed: %v: %s", e.Err, strings.Join(e.Cycle, " -> "))
	case e.Dependency != "":
		return fmt.Sprintf("planning failed: operation %q: %v %q", e.OperationID, e.Err, e.Dependency)
	case e.OperationID != "":
		return fmt.Sprintf("planning failed: operation %q: %v", e.OperationID, e.Err)
	default:
		return fmt.Sprintf("planning failed: %v", e.Err)
	}
}

// Unwrap returns the sentinel cause.
func (e *PlanningError) Unwrap() error {
	return e.Err
}

// IsPlanningError reports whether err is (or wraps) a PlanningError.
func IsPlanningError(err error) bool {
	var pe *PlanningError
	return errors.As(err, &pe)
}
