// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPathLocked is returned when another owner holds a path.
	ErrPathLocked = errors.New("path is claimed by another transaction")

	// ErrLockNotHeld is returned when releasing a path the owner does not hold.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("lock manager is closed")
)

// LockInfo describes a held claim. It is also the content of the lock file
// written for cross-process visibility.
type LockInfo struct {
	Path      string    `json:"path"`
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the claim outlived its TTL.
func (i *LockInfo) IsExpired() bool {
	return !i.ExpiresAt.IsZero() && time.Now().After(i.ExpiresAt)
}

// LockError reports a conflicting claim.
type LockError struct {
	Path   string
	Holder *LockInfo
	Err    error
}

// Error implements error.
func (e *LockError) Error() string {
	if e.Holder != nil && e.Holder.Owner != "" {
		return fmt.Sprintf("%s: %v (held by %s, pid %d)", e.Path, e.Err, e.Holder.Owner, e.Holder.PID)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap returns the cause.
func (e *LockError) Unwrap() error {
	return e.Err
}
