// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger provides the embedded BadgerDB used by the sync channel.
//
// The database holds the last document each process successfully synced,
// which is the merge base when the two processes diverge. Keeping it in an
// embedded store lets the base survive a restart of either process.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned by Open for an on-disk database without a
// directory.
var ErrPathRequired = errors.New("badger: directory is required unless in-memory")

// Config configures the merge base database.
type Config struct {
	// Dir holds the database files. Ignored when InMemory.
	Dir string

	// InMemory keeps everything in memory; merge bases do not survive a
	// restart.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log space is reclaimed. Zero disables
	// background collection.
	GCInterval time.Duration

	// GCDiscardRatio is the share of stale data a value log file needs
	// before it is rewritten.
	GCDiscardRatio float64
}

// DefaultConfig returns the on-disk configuration for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns the configuration used by tests and by processes
// without an ancestor directory.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf-style logging into slog. Badger is
// chatty at info level, so info is demoted to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) log(level slog.Level, format string, args []any) {
	a.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (a slogAdapter) Errorf(format string, args ...any)   { a.log(slog.LevelError, format, args) }
func (a slogAdapter) Warningf(format string, args ...any) { a.log(slog.LevelWarn, format, args) }
func (a slogAdapter) Infof(format string, args ...any)    { a.log(slog.LevelDebug, format, args) }
func (a slogAdapter) Debugf(format string, args ...any)   { a.log(slog.LevelDebug, format, args) }

// DB is an open merge base database.
//
// Thread Safety: safe for concurrent use.
type DB struct {
	db       *badger.DB
	inMemory bool
	logger   *slog.Logger

	stopGC    context.CancelFunc
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open opens the database described by cfg.
//
// Description:
//
//	Creates Dir if needed and keeps a single version per key; merge bases
//	are overwritten, never read historically. When GCInterval is set on an
//	on-disk database, value log collection runs in the background until
//	Close.
//
// Outputs:
//
//	*DB - The open database. Call Close when done.
//	error - ErrPathRequired, or the badger open failure.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Dir == "":
		return nil, ErrPathRequired
	default:
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(nil)
	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: logger})
	} else {
		logger = slog.Default()
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", cfg.Dir, err)
	}
	d := &DB{db: bdb, inMemory: cfg.InMemory, logger: logger}

	if !cfg.InMemory && cfg.GCInterval > 0 {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		ctx, cancel := context.WithCancel(context.Background())
		d.stopGC = cancel
		d.gcDone = make(chan struct{})
		go d.gcLoop(ctx, cfg.GCInterval, ratio)
	}
	return d, nil
}

// OpenInMemory opens an empty in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// InMemory reports whether the database lives in memory only.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Close stops background collection and closes the database. Calling it
// again returns the first result.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			d.stopGC()
			<-d.gcDone
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// update runs fn in a read-write transaction, committed if fn returns nil.
func (d *DB) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// view runs fn in a read-only transaction.
func (d *DB) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// CollectGarbage rewrites value log files until none qualifies.
//
// Outputs:
//
//	int - Number of files rewritten. Always 0 for in-memory databases.
//	error - Any failure other than "nothing to rewrite".
func (d *DB) CollectGarbage(discardRatio float64) (int, error) {
	if d.inMemory {
		return 0, nil
	}
	rewritten := 0
	for {
		err := d.db.RunValueLogGC(discardRatio)
		switch {
		case err == nil:
			rewritten++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			return rewritten, nil
		default:
			return rewritten, err
		}
	}
}

func (d *DB) gcLoop(ctx context.Context, interval time.Duration, ratio float64) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.CollectGarbage(ratio)
			if err != nil {
				d.logger.Warn("merge base value log GC failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				d.logger.Debug("merge base value log GC", slog.Int("files_rewritten", n))
			}
		}
	}
}
