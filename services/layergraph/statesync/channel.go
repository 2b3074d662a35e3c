// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statesync keeps a process's store in step with the shared
// document.
//
// # States
//
//	Idle → Writing (local mutation) → Idle
//	Idle → ApplyingExternal (document changed by the other process) → Idle
//
// While ApplyingExternal, store mutations do not produce outgoing writes.
// Entry is decided causally: every write this process makes is remembered
// by the fingerprint of the bytes written, and a change observed on disk
// whose fingerprint matches one of them is our own echo and is ignored.
// There is no cooldown timer.
//
// # Divergence
//
// Local writes overwrite the document wholesale. If the process has local
// mutations that were never persisted when an external change arrives, and
// the two documents look divergent, the channel runs a three-way merge
// against the last document both sides agreed on and writes the result.
// With OptimisticWrites every write is a compare-and-swap on the document
// version and a mismatch is merged the same way.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/layergraph/services/layergraph/changes"
	"github.com/AleutianAI/layergraph/services/layergraph/document"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/merge"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

// maxCASAttempts bounds the merge-and-retry loops of optimistic writes and
// reloads.
const maxCASAttempts = 3

// ErrReloadContended is returned when local mutations keep landing between
// a reload's snapshot and its apply. The mutations are kept; the next
// document event retries the reload.
var ErrReloadContended = errors.New("reload contended by local mutations")

// Config configures a Channel.
type Config struct {
	// FullRefreshDebounce coalesces full-refresh notifications.
	FullRefreshDebounce time.Duration `yaml:"full_refresh_debounce" validate:"gte=0"`

	// WatchDebounce coalesces filesystem events on the document.
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"`

	// ConflictSkew is the timestamp difference treated as divergence.
	ConflictSkew time.Duration `yaml:"conflict_skew" validate:"gte=0"`

	// OptimisticWrites turns every write into a version compare-and-swap.
	OptimisticWrites bool `yaml:"optimistic_writes"`

	// AncestorDir holds one badger directory per source for merge bases.
	// Empty keeps them in memory.
	AncestorDir string `yaml:"ancestor_dir"`

	// RecentWrites is how many of this process's writes are remembered
	// for echo suppression.
	RecentWrites int `yaml:"recent_writes" validate:"gte=0"`
}

// DefaultConfig returns the standard sync settings.
func DefaultConfig() Config {
	return Config{
		FullRefreshDebounce: 300 * time.Millisecond,
		WatchDebounce:       DefaultWatchDebounce,
		ConflictSkew:        merge.DefaultConflictSkew,
		RecentWrites:        64,
	}
}

// AncestorStore persists the last document both processes agreed on.
type AncestorStore interface {
	Save(ctx context.Context, source string, state *graph.SharedGraphState) error
	Load(ctx context.Context, source string) (*graph.SharedGraphState, bool, error)
}

// Status is a point-in-time view of the channel.
type Status struct {
	Source           string `json:"source"`
	Version          int64  `json:"version"`
	Dirty            bool   `json:"dirty"`
	Writes           int64  `json:"writes"`
	ExternalApplied  int64  `json:"externalApplied"`
	Merges           int64  `json:"merges"`
	EchoesSuppressed int64  `json:"echoesSuppressed"`
	Watching         bool   `json:"watching"`
}

// Channel synchronises one store with the shared document.
//
// Thread Safety: safe for concurrent use. Document writes and external
// applies are serialised by an internal lock.
type Channel struct {
	cfg       Config
	source    string
	store     *store.Store
	doc       *document.Document
	resolver  *merge.Resolver
	ancestors AncestorStore
	logger    *slog.Logger
	now       func() time.Time

	notifierMu sync.RWMutex
	notifier   Notifier

	// syncMu serialises writes and applies.
	syncMu      sync.Mutex
	dirty       bool
	base        *graph.SharedGraphState
	lastApplied document.Fingerprint

	// pending is set by every local mutation and cleared by whoever holds
	// syncMu when it persists.
	pending atomic.Bool
	closed  atomic.Bool
	written *writeLog[document.Fingerprint]
	reloads singleflight.Group
	refresh *refresher
	watcher *DocumentWatcher

	writes, applied, merges, echoes atomic.Int64
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithNotifier sets the consumer notified of external changes.
func WithNotifier(n Notifier) Option {
	return func(c *Channel) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithAncestorStore persists merge bases across restarts.
func WithAncestorStore(a AncestorStore) Option {
	return func(c *Channel) { c.ancestors = a }
}

// New creates a channel between st and doc.
//
// Description:
//
//	The channel does nothing until Start. The store's source tag is used
//	as the channel's source.
//
// Inputs:
//
//	cfg - Sync settings. Zero durations fall back to DefaultConfig.
//	st - The process's store.
//	doc - The shared document.
//
// Outputs:
//
//	*Channel - The channel.
func New(cfg Config, st *store.Store, doc *document.Document, opts ...Option) *Channel {
	defaults := DefaultConfig()
	if cfg.FullRefreshDebounce <= 0 {
		cfg.FullRefreshDebounce = defaults.FullRefreshDebounce
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = defaults.WatchDebounce
	}
	if cfg.ConflictSkew <= 0 {
		cfg.ConflictSkew = defaults.ConflictSkew
	}
	if cfg.RecentWrites <= 0 {
		cfg.RecentWrites = defaults.RecentWrites
	}

	c := &Channel{
		cfg:      cfg,
		source:   st.Source(),
		store:    st,
		doc:      doc,
		logger:   slog.Default(),
		now:      time.Now,
		notifier: nopNotifier{},
		written:  newWriteLog[document.Fingerprint](cfg.RecentWrites),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resolver = merge.NewResolver(c.source,
		merge.WithLogger(c.logger),
		merge.WithClock(c.now),
		merge.WithConflictSkew(cfg.ConflictSkew))
	c.refresh = newRefresher(cfg.FullRefreshDebounce, c.buildRefresh, c.currentNotifier)
	return c
}

// SetNotifier replaces the consumer. Nil restores the no-op consumer.
func (c *Channel) SetNotifier(n Notifier) {
	c.notifierMu.Lock()
	defer c.notifierMu.Unlock()
	if n == nil {
		n = nopNotifier{}
	}
	c.notifier = n
}

func (c *Channel) currentNotifier() Notifier {
	c.notifierMu.RLock()
	defer c.notifierMu.RUnlock()
	return c.notifier
}

// Store returns the synchronised store.
func (c *Channel) Store() *store.Store {
	return c.store
}

// Document returns the shared document.
func (c *Channel) Document() *document.Document {
	return c.doc
}

// Start loads the document, begins persisting local mutations and starts
// watching for external changes.
//
// Description:
//
//	If the document exists it is applied to the store; local content
//	already in the store is merged with it when the two look divergent.
//	If it does not exist the store's state is written as the first
//	version.
//
// Outputs:
//
//	error - Watcher setup or the initial write failed.
func (c *Channel) Start(ctx context.Context) error {
	if c.ancestors != nil {
		base, ok, err := c.ancestors.Load(ctx, c.source)
		if err != nil {
			c.logger.Warn("merge base unavailable", slog.String("error", err.Error()))
		} else if ok {
			c.base = base
		}
	}

	c.syncMu.Lock()
	c.dirty = c.store.Snapshot().CountNodes() > 0
	if c.doc.Exists() {
		if err := c.reloadLocked(ctx); err != nil {
			c.unlockSync()
			return err
		}
	} else if err := c.persistLocked(ctx); err != nil {
		c.unlockSync()
		return fmt.Errorf("writing initial document: %w", err)
	}
	c.unlockSync()

	c.store.OnMutation(c.onMutation)

	w, err := NewDocumentWatcher(c.doc.Path(), c.cfg.WatchDebounce, c.onDocumentEvent, c.logger)
	if err != nil {
		return fmt.Errorf("creating document watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting document watcher: %w", err)
	}
	c.watcher = w
	c.logger.Info("state sync started",
		slog.String("source", c.source),
		slog.String("document", c.doc.Path()),
		slog.Int64("version", c.store.Version()))
	return nil
}

// Close stops watching and drops pending refreshes. Local mutations after
// Close are no longer persisted.
func (c *Channel) Close() {
	c.closed.Store(true)
	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.refresh.stop()
}

// Status returns counters and the sync state.
func (c *Channel) Status() Status {
	c.syncMu.Lock()
	dirty := c.dirty || c.pending.Load()
	c.unlockSync()
	return Status{
		Source:           c.source,
		Version:          c.store.Version(),
		Dirty:            dirty,
		Writes:           c.writes.Load(),
		ExternalApplied:  c.applied.Load(),
		Merges:           c.merges.Load(),
		EchoesSuppressed: c.echoes.Load(),
		Watching:         c.watcher != nil && !c.closed.Load(),
	}
}

// onMutation persists a local mutation.
//
// Description:
//
//	Never blocks on syncMu. If a write, reload or apply holds it, the
//	mutation stays pending and the holder persists it on unlock, so a
//	mutation made by a notifier during an apply is neither lost nor
//	deadlocked.
func (c *Channel) onMutation(m store.Mutation) {
	if c.closed.Load() {
		return
	}
	c.logger.Debug("local mutation",
		slog.String("mutation", string(m.Kind)),
		slog.String("layer", string(m.Layer)),
		slog.String("id", m.ID))
	c.pending.Store(true)
	c.drainPending()
}

// drainPending persists pending local mutations if syncMu is free.
func (c *Channel) drainPending() {
	for c.pending.Load() && !c.closed.Load() {
		if !c.syncMu.TryLock() {
			// The holder drains after unlocking.
			return
		}
		if c.pending.CompareAndSwap(true, false) {
			c.dirty = true
			if err := c.persistLocked(context.Background()); err != nil {
				c.logger.Error("persisting local mutations failed",
					slog.String("source", c.source),
					slog.String("error", err.Error()))
			}
		}
		c.syncMu.Unlock()
	}
}

// unlockSync releases syncMu and persists anything that arrived while it
// was held.
func (c *Channel) unlockSync() {
	c.syncMu.Unlock()
	c.drainPending()
}

// Persist writes the store's current state. Mostly useful after a failed
// automatic write.
func (c *Channel) Persist(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.unlockSync()
	c.pending.Store(false)
	return c.persistLocked(ctx)
}

// Commit adopts state as the local state and writes it.
//
// Description:
//
//	Used for whole-document local edits such as pruning. The store is
//	replaced without notifying mutation listeners, consumers are notified
//	of any visible difference, and the result is persisted.
func (c *Channel) Commit(ctx context.Context, state *graph.SharedGraphState) error {
	c.syncMu.Lock()
	defer c.unlockSync()
	if err := c.applyLocked(ctx, state, c.store.Snapshot()); err != nil {
		return err
	}
	c.dirty = true
	return c.persistLocked(ctx)
}

func (c *Channel) persistLocked(ctx context.Context) error {
	start := time.Now()
	seq := c.store.Sequence()
	snap := c.store.Snapshot()
	snap.Version++
	snap.Timestamp = c.now().UnixMilli()
	snap.Source = c.source

	var err error
	if c.cfg.OptimisticWrites {
		err = c.writeOptimisticLocked(ctx, snap, seq)
	} else {
		err = c.writeLocked(ctx, snap)
	}
	telemetry.RecordSyncWrite(c.source, time.Since(start), err)
	return err
}

// writeLocked overwrites the document with state and adopts it as the
// new base.
func (c *Channel) writeLocked(ctx context.Context, state *graph.SharedGraphState) error {
	fp, err := c.doc.Write(ctx, state)
	if err != nil {
		return err
	}
	c.markWrittenLocked(ctx, state, fp)
	return nil
}

func (c *Channel) markWrittenLocked(ctx context.Context, state *graph.SharedGraphState, fp document.Fingerprint) {
	c.written.record(fp)
	c.lastApplied = fp
	c.store.MarkPersisted(state.Version, state.Timestamp)
	c.dirty = false
	c.writes.Add(1)
	c.saveBaseLocked(ctx, state)
}

func (c *Channel) writeOptimisticLocked(ctx context.Context, snap *graph.SharedGraphState, seq uint64) error {
	expected := c.store.Version()
	local := snap
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		fp, current, err := c.doc.CompareAndWrite(ctx, expected, local)
		if err == nil {
			if local != snap {
				ok, err := c.tryApplyLocked(ctx, local, snap, seq)
				if err != nil {
					return err
				}
				if !ok {
					// A local mutation landed after snap. Keep the old
					// version so the pending write merges against this one.
					c.written.record(fp)
					c.dirty = true
					return nil
				}
			}
			c.markWrittenLocked(ctx, local, fp)
			return nil
		}
		if !errors.Is(err, document.ErrVersionMismatch) {
			return err
		}

		c.logger.Info("document moved underneath local write, merging",
			slog.Int64("expected_version", expected),
			slog.Int64("found_version", current.Version),
			slog.Int("attempt", attempt))
		res := c.resolver.MergeStates(c.base, local, current)
		c.recordMerge(res)
		local = res.MergedState
		expected = current.Version
	}
	return fmt.Errorf("%w: gave up after %d attempts", document.ErrVersionMismatch, maxCASAttempts)
}

// onDocumentEvent is the watcher callback.
func (c *Channel) onDocumentEvent(ev DocumentEvent) {
	if c.closed.Load() {
		return
	}
	if err := c.Reload(context.Background()); err != nil {
		c.logger.Warn("reloading shared document failed",
			slog.String("op", ev.Op.String()),
			slog.String("error", err.Error()))
	}
}

// Reload reads the document and applies it if it changed and was not
// written by this process. Concurrent calls share one reload.
func (c *Channel) Reload(ctx context.Context) error {
	_, err, _ := c.reloads.Do("reload", func() (any, error) {
		c.syncMu.Lock()
		defer c.unlockSync()
		return nil, c.reloadLocked(ctx)
	})
	return err
}

func (c *Channel) reloadLocked(ctx context.Context) error {
	remote, fp, err := c.doc.Read()
	if err != nil {
		return err
	}
	switch {
	case fp.IsZero():
		c.logger.Debug("shared document missing, keeping local state")
		return nil
	case fp == c.lastApplied:
		telemetry.RecordSuppressed("unchanged")
		return nil
	case c.written.wrote(fp):
		c.echoes.Add(1)
		telemetry.RecordSuppressed("own-write")
		return nil
	}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		seq := c.store.Sequence()
		local := c.store.Snapshot()
		if c.pending.Load() {
			c.dirty = true
		}
		// After a lost race the store holds a local write the remote
		// document has never seen, so always merge.
		raced := attempt > 1
		if raced || (c.dirty && c.resolver.HasConflicts(local, remote)) {
			res := c.resolver.MergeStates(c.base, local, remote)
			ok, err := c.tryApplyLocked(ctx, res.MergedState, local, seq)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			c.recordMerge(res)
			if err := c.writeLocked(ctx, res.MergedState); err != nil {
				c.dirty = true
				return fmt.Errorf("writing merged document: %w", err)
			}
			return nil
		}

		ok, err := c.tryApplyLocked(ctx, remote, local, seq)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		c.lastApplied = fp
		c.dirty = false
		c.applied.Add(1)
		c.saveBaseLocked(ctx, remote)
		return nil
	}
	return fmt.Errorf("%w: after %d attempts", ErrReloadContended, maxCASAttempts)
}

func (c *Channel) recordMerge(res merge.Result) {
	c.merges.Add(1)
	telemetry.RecordMerge(len(res.Conflicts), nil)
	for _, conflict := range res.Conflicts {
		c.logger.Info("merge conflict resolved",
			slog.String("layer", string(conflict.Layer)),
			slog.String("node_id", conflict.NodeID),
			slog.String("property", conflict.Property),
			slog.String("resolution", conflict.Resolution))
	}
}

// applyLocked replaces the store with next and notifies consumers of the
// difference from prev.
func (c *Channel) applyLocked(ctx context.Context, next, prev *graph.SharedGraphState) error {
	c.store.Replace(next)
	return c.announceLocked(ctx, prev)
}

// tryApplyLocked is applyLocked that backs off when the store was mutated
// after seq was read. prev must be the snapshot taken at seq.
func (c *Channel) tryApplyLocked(ctx context.Context, next, prev *graph.SharedGraphState, seq uint64) (bool, error) {
	if !c.store.ReplaceIf(next, seq) {
		telemetry.RecordSuppressed("local-race")
		c.logger.Debug("local mutation raced an apply, retrying",
			slog.String("source", c.source))
		return false, nil
	}
	return true, c.announceLocked(ctx, prev)
}

// announceLocked tells consumers what changed between prev and the store.
func (c *Channel) announceLocked(ctx context.Context, prev *graph.SharedGraphState) error {
	applied := c.store.Snapshot()

	detected, err := changes.DetectAll(ctx, prev, applied)
	if err != nil {
		return fmt.Errorf("classifying external change: %w", err)
	}

	notifier := c.currentNotifier()
	var refresh []graph.Layer
	for _, l := range graph.AllLayers() {
		change := detected[l]
		if change.Kind != changes.KindNoOp {
			telemetry.RecordExternalUpdate(string(l), string(change.Kind))
		}
		switch change.Kind {
		case changes.KindPropertyOnly:
			notifier.PropertyUpdate(PropertyUpdate{
				Layer:       l,
				NodeUpdates: change.NodeUpdates,
				EdgeUpdates: change.EdgeUpdates,
			})
		case changes.KindInitial:
			g := applied.Graphs[l]
			notifier.IncrementalUpdate(IncrementalUpdate{
				Layer:          l,
				AddedNodes:     g.Nodes,
				AddedEdges:     g.Edges,
				RemovedNodeIDs: []string{},
				RemovedEdgeIDs: []string{},
				FullGraph:      g,
			})
			refresh = append(refresh, l)
		case changes.KindStructural:
			notifier.IncrementalUpdate(IncrementalUpdate{
				Layer:          l,
				AddedNodes:     nonNil(change.AddedNodes),
				AddedEdges:     nonNil(change.AddedEdges),
				RemovedNodeIDs: nonNil(change.RemovedNodeIDs),
				RemovedEdgeIDs: nonNil(change.RemovedEdgeIDs),
				FullGraph:      applied.Graphs[l],
			})
			refresh = append(refresh, l)
		}
	}
	if prev.CurrentLayer != applied.CurrentLayer || prev.AgentOnlyMode != applied.AgentOnlyMode {
		refresh = append(refresh, applied.CurrentLayer)
	}
	if len(refresh) > 0 {
		c.refresh.schedule(refresh...)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (c *Channel) saveBaseLocked(ctx context.Context, state *graph.SharedGraphState) {
	c.base = state.Clone()
	if c.ancestors == nil {
		return
	}
	if err := c.ancestors.Save(ctx, c.source, state); err != nil {
		c.logger.Warn("saving merge base failed", slog.String("error", err.Error()))
	}
}

func (c *Channel) buildRefresh(layers []graph.Layer) FullRefresh {
	snap := c.store.Snapshot()
	graphs := make(map[graph.Layer]graph.LayerGraph, len(layers))
	for _, l := range layers {
		graphs[l] = snap.Graphs[l]
	}
	return FullRefresh{
		Layers:        layers,
		Graphs:        graphs,
		CurrentLayer:  snap.CurrentLayer,
		AgentOnlyMode: snap.AgentOnlyMode,
		Version:       snap.Version,
	}
}

// FlushRefresh emits any pending full refresh immediately.
func (c *Channel) FlushRefresh() {
	c.refresh.flush()
}
