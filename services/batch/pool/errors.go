// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when the pending queue is at capacity.
	ErrQueueFull = errors.New("worker pool queue is full")

	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrNilTask is returned when a task has no Run function.
	ErrNilTask = errors.New("task has no run function")

	// ErrTaskTimeout is the sentinel wrapped by TimeoutError.
	ErrTaskTimeout = errors.New("task exceeded worker timeout")

	// ErrTaskPanic is returned when a task panics.
	ErrTaskPanic = errors.New("task panicked")
)

// TimeoutError reports a task stopped by the watchdog.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q: %v after %s", e.TaskID, ErrTaskTimeout, e.Timeout)
}

// Unwrap returns ErrTaskTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrTaskTimeout
}
