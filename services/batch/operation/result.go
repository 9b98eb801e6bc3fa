// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operation

import (
	"encoding/json"
	"time"
)

// Status is the terminal state of one operation.
type Status string

const (
	// StatusSuccess means the operation ran to completion.
	StatusSuccess Status = "success"

	// StatusFailed means the operation ran and returned an error, or timed out.
	StatusFailed Status = "failed"

	// StatusCancelled means the operation never started, or was cancelled
	// while running.
	StatusCancelled Status = "cancelled"
)

// Result is produced exactly once per submitted Operation.
type Result struct {
	OperationID    string        `json:"operationId"`
	Type           Type          `json:"type,omitempty"`
	Status         Status        `json:"status"`
	Data           any           `json:"data,omitempty"`
	Err            error         `json:"-"`
	StartTime      time.Time     `json:"startTime"`
	EndTime        time.Time     `json:"endTime"`
	Duration       time.Duration `json:"duration"`
	BytesProcessed int64         `json:"bytesProcessed,omitempty"`
}

// Succeeded reports whether the operation completed successfully.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// ErrorMessage returns the error text, or "" when Err is nil.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// MarshalJSON adds the error message, which the Err field cannot carry.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Error      string `json:"error,omitempty"`
		DurationMs int64  `json:"durationMs"`
	}{
		plain:      plain(r),
		Error:      r.ErrorMessage(),
		DurationMs: r.Duration.Milliseconds(),
	})
}

// Cancelled builds the Result for an operation that never ran.
func Cancelled(op Operation, reason error, at time.Time) Result {
	return Result{
		OperationID: op.ID,
		Type:        op.Type,
		Status:      StatusCancelled,
		Err:         reason,
		StartTime:   at,
		EndTime:     at,
	}
}
