// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package maintenance runs periodic backups and pruning of the shared
// document. Failures are logged and never stop the runner.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/layergraph/services/layergraph/backup"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/prune"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

// Target is the synchronised state maintenance works on. Satisfied by
// *statesync.Channel.
type Target interface {
	Store() *store.Store
	Commit(ctx context.Context, state *graph.SharedGraphState) error
}

// Backuper takes a backup of the shared document. Satisfied by
// *backup.Service.
type Backuper interface {
	BackupState(ctx context.Context) (backup.Info, error)
}

// Intervals schedules the two jobs. A zero interval disables its job.
type Intervals struct {
	Prune  time.Duration
	Backup time.Duration
}

// Runner runs pruning and backups on tickers.
//
// Thread Safety: PruneNow and BackupNow are safe to call concurrently with
// the background loop; runs of the same job are serialised.
type Runner struct {
	target    Target
	backups   Backuper
	pruner    *prune.Pruner
	intervals Intervals
	logger    *slog.Logger

	pruneMu  sync.Mutex
	backupMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a runner. backups or pruner may be nil to disable that job.
func New(target Target, backups Backuper, pruner *prune.Pruner, intervals Intervals, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		target:    target,
		backups:   backups,
		pruner:    pruner,
		intervals: intervals,
		logger:    logger.With(slog.String("component", "maintenance")),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background loop. It returns immediately; the loop
// exits when ctx is done or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() { go r.run(ctx) })
}

// Stop signals the loop and waits for it to exit. Safe to call without
// Start and more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.startOnce.Do(func() { close(r.doneCh) })
	<-r.doneCh
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	pruneC := tickerChan(r.intervals.Prune, r.pruner != nil)
	backupC := tickerChan(r.intervals.Backup, r.backups != nil)
	defer pruneC.stop()
	defer backupC.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-pruneC.c:
			if _, _, err := r.PruneNow(ctx); err != nil {
				r.logger.Warn("scheduled prune failed", slog.String("error", err.Error()))
			}
		case <-backupC.c:
			if _, err := r.BackupNow(ctx); err != nil {
				r.logger.Warn("scheduled backup failed", slog.String("error", err.Error()))
			}
		}
	}
}

type optionalTicker struct {
	c    <-chan time.Time
	stop func()
}

func tickerChan(interval time.Duration, enabled bool) optionalTicker {
	if !enabled || interval <= 0 {
		return optionalTicker{stop: func() {}}
	}
	t := time.NewTicker(interval)
	return optionalTicker{c: t.C, stop: t.Stop}
}

// PruneNow prunes the current state if it has outgrown the caps.
//
// Description:
//
//	Does nothing unless NeedsPruning reports true. The pruned state is
//	committed through the target so it is persisted like any local edit.
//
// Outputs:
//
//	prune.Stats - What was removed; zero if nothing ran.
//	bool - True if pruning ran.
//	error - Commit failure.
func (r *Runner) PruneNow(ctx context.Context) (prune.Stats, bool, error) {
	if r.pruner == nil {
		return prune.Stats{}, false, nil
	}
	r.pruneMu.Lock()
	defer r.pruneMu.Unlock()

	state := r.target.Store().Snapshot()
	if !r.pruner.NeedsPruning(state) {
		return prune.Stats{}, false, nil
	}
	pruned, stats := r.pruner.PruneState(state)
	if err := r.target.Commit(ctx, pruned); err != nil {
		return stats, true, err
	}
	telemetry.RecordPrune(stats.HistoryEventsPruned(), stats.DeletedNodesPruned())
	r.logger.Debug("committed pruned state",
		slog.Int("history_events", stats.HistoryEventsPruned()),
		slog.Int("deleted_nodes", stats.DeletedNodesPruned()))
	return stats, true, nil
}

// BackupNow takes a backup. A missing document is not an error.
func (r *Runner) BackupNow(ctx context.Context) (backup.Info, error) {
	if r.backups == nil {
		return backup.Info{}, errors.New("backups disabled")
	}
	r.backupMu.Lock()
	defer r.backupMu.Unlock()
	return r.backups.BackupState(ctx)
}
