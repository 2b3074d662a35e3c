// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serialises writers of the shared document across processes.
//
// Locks are advisory: flock(2) on Unix, LockFileEx on Windows. They are
// taken on a sidecar "<document>.lock" file, never on the document itself,
// so the document can be replaced by rename while the lock is held. The
// OS releases the lock when the holder exits, so there is no stale-lock
// cleanup.
package lock

import (
	"errors"
	"os"
)

var (
	// ErrFileLocked is returned by a non-blocking attempt on a held lock.
	ErrFileLocked = errors.New("file is locked by another process")

	// ErrLockTimeout is returned when a blocking acquire gives up.
	ErrLockTimeout = errors.New("timed out waiting for file lock")
)

// FileLocker abstracts platform-specific file locking operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// TryLock attempts an exclusive lock without blocking.
	//
	// # Outputs
	//
	//   - error: nil on success, ErrFileLocked if already locked.
	TryLock(f *os.File) error

	// Unlock releases the lock. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// NewFileLocker returns the locker for the current platform.
func NewFileLocker() FileLocker {
	return newPlatformLocker()
}
