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
	"os"
)

// errWouldBlock is returned by FileLocker.Lock when another process holds
// the lock.
var errWouldBlock = errors.New("lock held by another process")

// FileLocker abstracts platform-specific advisory locking.
//
// Locks are non-blocking and exclusive. Implementations must be safe for
// concurrent use on different files.
type FileLocker interface {
	// Lock acquires an exclusive lock, returning errWouldBlock when another
	// process holds it.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}

// newFileLocker returns the locker for the current platform.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
