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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultPollInterval is how often a blocking acquire retries.
const DefaultPollInterval = 10 * time.Millisecond

// LockInfo is written into the lock file while the lock is held.
//
// It is informational only; the OS lock is authoritative.
type LockInfo struct {
	PID      int       `json:"pid"`
	Source   string    `json:"source"`
	Reason   string    `json:"reason,omitempty"`
	LockedAt time.Time `json:"locked_at"`
}

// DocumentLock guards one shared document.
//
// # Description
//
// Acquire blocks until the sidecar lock file is locked, the timeout
// elapses or ctx is done. Within one process, callers are also serialised
// by a mutex so two goroutines never race on the same descriptor.
//
// # Thread Safety
//
// Safe for concurrent use.
type DocumentLock struct {
	path         string
	source       string
	timeout      time.Duration
	pollInterval time.Duration
	locker       FileLocker
	logger       *slog.Logger

	mu sync.Mutex
}

// Option configures a DocumentLock.
type Option func(*DocumentLock)

// WithTimeout bounds how long Acquire waits. Zero waits until ctx is done.
func WithTimeout(d time.Duration) Option {
	return func(l *DocumentLock) { l.timeout = d }
}

// WithPollInterval sets the retry interval of Acquire.
func WithPollInterval(d time.Duration) Option {
	return func(l *DocumentLock) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLocker overrides the platform locker.
func WithLocker(fl FileLocker) Option {
	return func(l *DocumentLock) {
		if fl != nil {
			l.locker = fl
		}
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(l *DocumentLock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// ForDocument returns the lock guarding documentPath. The lock file is
// documentPath + ".lock".
func ForDocument(documentPath, source string, opts ...Option) *DocumentLock {
	l := &DocumentLock{
		path:         documentPath + ".lock",
		source:       source,
		pollInterval: DefaultPollInterval,
		locker:       NewFileLocker(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the lock file path.
func (l *DocumentLock) Path() string {
	return l.path
}

// Held is an acquired lock. Release must be called exactly once.
type Held struct {
	owner *DocumentLock
	file  *os.File
	once  sync.Once
}

// Acquire takes the lock.
//
// # Inputs
//
//   - ctx: Cancels the wait.
//   - reason: Recorded in the lock file for debugging.
//
// # Outputs
//
//   - *Held: The held lock.
//   - error: ErrLockTimeout, ctx.Err(), or an I/O error opening the file.
func (l *DocumentLock) Acquire(ctx context.Context, reason string) (*Held, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := l.lockLocal(ctx); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		err := l.locker.TryLock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrFileLocked) {
			f.Close()
			l.mu.Unlock()
			return nil, fmt.Errorf("locking %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			l.mu.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	l.writeInfo(f, reason)
	return &Held{owner: l, file: f}, nil
}

// lockLocal takes the in-process mutex, giving up when ctx is done.
func (l *DocumentLock) lockLocal(ctx context.Context) error {
	for {
		if l.mu.TryLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrLockTimeout, l.path)
			}
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *DocumentLock) writeInfo(f *os.File, reason string) {
	info := LockInfo{
		PID:      os.Getpid(),
		Source:   l.source,
		Reason:   reason,
		LockedAt: time.Now(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := f.Truncate(0); err != nil {
		l.logger.Debug("truncating lock file", slog.String("error", err.Error()))
		return
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		l.logger.Debug("writing lock info", slog.String("error", err.Error()))
	}
}

// ReadInfo returns the info last written to the lock file.
func (l *DocumentLock) ReadInfo() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Release unlocks and closes the lock file. Extra calls are no-ops.
func (h *Held) Release() error {
	var err error
	h.once.Do(func() {
		if uerr := h.owner.locker.Unlock(h.file); uerr != nil {
			h.owner.logger.Warn("failed to unlock document",
				slog.String("path", h.owner.path),
				slog.String("error", uerr.Error()))
			err = uerr
		}
		if cerr := h.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		h.owner.mu.Unlock()
	})
	return err
}
