// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prune bounds the bookkeeping carried by the shared document.
//
// Node history and deleted-node lists grow on every mutation. PruneState
// trims them by age and by count; NeedsPruning decides whether trimming is
// due so it does not run on every write.
package prune

import (
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// Config holds the pruning limits.
type Config struct {
	// MaxHistoryPerNode caps the events kept per node.
	MaxHistoryPerNode int `yaml:"max_history_per_node" validate:"gte=1"`

	// MaxDeletedNodesPerLayer caps the deleted ids kept per layer.
	MaxDeletedNodesPerLayer int `yaml:"max_deleted_nodes_per_layer" validate:"gte=1"`

	// HistoryAgeThreshold drops events older than this. Zero disables.
	HistoryAgeThreshold time.Duration `yaml:"history_age_threshold" validate:"gte=0"`

	// DeletedNodesAgeThreshold drops deleted ids whose removal is older
	// than this. The removal time comes from the node's "removed" history
	// event; ids without one are only subject to the count cap. Zero
	// disables. Because the age pass runs before the cap, a list holding
	// old removals can end up shorter than MaxDeletedNodesPerLayer; the
	// "keep exactly the last N" result only holds when every removal is
	// recent or has no event.
	DeletedNodesAgeThreshold time.Duration `yaml:"deleted_nodes_age_threshold" validate:"gte=0"`

	// TriggerFactor is the multiple of the caps at which NeedsPruning
	// reports true.
	TriggerFactor float64 `yaml:"trigger_factor" validate:"gte=1"`
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxHistoryPerNode:        50,
		MaxDeletedNodesPerLayer:  100,
		HistoryAgeThreshold:      30 * 24 * time.Hour,
		DeletedNodesAgeThreshold: 7 * 24 * time.Hour,
		TriggerFactor:            1.5,
	}
}

// LayerStats counts what pruning removed from one layer.
type LayerStats struct {
	HistoryEventsPruned int `json:"historyEventsPruned"`
	NodesHistoryDropped int `json:"nodesHistoryDropped"`
	DeletedNodesPruned  int `json:"deletedNodesPruned"`
}

// Stats is the per-layer result of PruneState.
type Stats struct {
	Layers map[graph.Layer]LayerStats `json:"layers"`
}

// HistoryEventsPruned sums history events removed over all layers.
func (s Stats) HistoryEventsPruned() int {
	total := 0
	for _, l := range s.Layers {
		total += l.HistoryEventsPruned
	}
	return total
}

// DeletedNodesPruned sums deleted ids removed over all layers.
func (s Stats) DeletedNodesPruned() int {
	total := 0
	for _, l := range s.Layers {
		total += l.DeletedNodesPruned
	}
	return total
}

// Pruner applies a Config.
//
// Thread Safety: safe for concurrent use.
type Pruner struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pruner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides time.Now for age thresholds.
func WithClock(now func() time.Time) Option {
	return func(p *Pruner) { p.now = now }
}

// New returns a Pruner for cfg.
func New(cfg Config, opts ...Option) *Pruner {
	p := &Pruner{cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the pruner's limits.
func (p *Pruner) Config() Config {
	return p.cfg
}

// PruneState returns a trimmed copy of state.
//
// Description:
//
//	Works on a deep copy; state is never modified. Per layer:
//	  1. Deleted ids whose "removed" history event is older than
//	     DeletedNodesAgeThreshold are dropped, then only the last
//	     MaxDeletedNodesPerLayer entries of the list are kept, in order.
//	  2. History events older than HistoryAgeThreshold are dropped, then
//	     the MaxHistoryPerNode most recent events are kept in their
//	     original order. Nodes left with no events are removed from the map.
//	Deleted ids are pruned first so their removal time is still available.
//	With the default 7-day threshold, ids removed longer ago are dropped
//	even when the list is under the cap.
//
// Outputs:
//
//	*graph.SharedGraphState - The pruned copy. Version and timestamp are
//	                          unchanged; the caller persists it.
//	Stats - What was removed, per layer.
func (p *Pruner) PruneState(state *graph.SharedGraphState) (*graph.SharedGraphState, Stats) {
	out := state.Clone()
	out.EnsureLayers()
	now := p.now().UnixMilli()
	stats := Stats{Layers: make(map[graph.Layer]LayerStats, len(out.Graphs))}

	for _, l := range graph.AllLayers() {
		var ls LayerStats
		history := out.NodeHistory[l]

		deleted, dropped := p.pruneDeleted(out.DeletedNodes[l], history, now)
		out.DeletedNodes[l] = deleted
		ls.DeletedNodesPruned = dropped

		for id, events := range history {
			kept := p.pruneHistory(events, now)
			ls.HistoryEventsPruned += len(events) - len(kept)
			if len(kept) == 0 {
				delete(history, id)
				ls.NodesHistoryDropped++
				continue
			}
			history[id] = kept
		}
		stats.Layers[l] = ls
	}

	if total := stats.HistoryEventsPruned() + stats.DeletedNodesPruned(); total > 0 {
		p.logger.Info("pruned shared document",
			slog.Int("history_events", stats.HistoryEventsPruned()),
			slog.Int("deleted_nodes", stats.DeletedNodesPruned()))
	}
	return out, stats
}

func (p *Pruner) pruneDeleted(ids []string, history map[string][]graph.NodeHistoryEvent, now int64) ([]string, int) {
	kept := ids
	if p.cfg.DeletedNodesAgeThreshold > 0 {
		cutoff := now - p.cfg.DeletedNodesAgeThreshold.Milliseconds()
		kept = make([]string, 0, len(ids))
		for _, id := range ids {
			if at, ok := removedAt(history[id]); ok && at < cutoff {
				continue
			}
			kept = append(kept, id)
		}
	}
	if limit := p.cfg.MaxDeletedNodesPerLayer; limit > 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	out := make([]string, len(kept))
	copy(out, kept)
	return out, len(ids) - len(out)
}

// removedAt returns the time of the latest "removed" event.
func removedAt(events []graph.NodeHistoryEvent) (int64, bool) {
	var at int64
	found := false
	for _, e := range events {
		if e.Action == graph.HistoryRemoved && (!found || e.Timestamp > at) {
			at = e.Timestamp
			found = true
		}
	}
	return at, found
}

func (p *Pruner) pruneHistory(events []graph.NodeHistoryEvent, now int64) []graph.NodeHistoryEvent {
	type indexed struct {
		pos int
		ev  graph.NodeHistoryEvent
	}
	fresh := make([]indexed, 0, len(events))
	cutoff := int64(0)
	if p.cfg.HistoryAgeThreshold > 0 {
		cutoff = now - p.cfg.HistoryAgeThreshold.Milliseconds()
	}
	for i, e := range events {
		if cutoff > 0 && e.Timestamp < cutoff {
			continue
		}
		fresh = append(fresh, indexed{pos: i, ev: e})
	}

	if limit := p.cfg.MaxHistoryPerNode; limit > 0 && len(fresh) > limit {
		sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].ev.Timestamp > fresh[j].ev.Timestamp })
		fresh = fresh[:limit]
		sort.Slice(fresh, func(i, j int) bool { return fresh[i].pos < fresh[j].pos })
	}

	out := make([]graph.NodeHistoryEvent, len(fresh))
	for i, f := range fresh {
		out[i] = f.ev
	}
	return out
}

// Counts summarises the bookkeeping size of a document.
type Counts struct {
	HistoryEvents      int `json:"historyEvents"`
	MaxHistoryPerNode  int `json:"maxHistoryPerNode"`
	DeletedNodes       int `json:"deletedNodes"`
	MaxDeletedPerLayer int `json:"maxDeletedPerLayer"`
}

// CountState measures state.
func CountState(state *graph.SharedGraphState) Counts {
	var c Counts
	for _, byNode := range state.NodeHistory {
		for _, events := range byNode {
			c.HistoryEvents += len(events)
			c.MaxHistoryPerNode = max(c.MaxHistoryPerNode, len(events))
		}
	}
	for _, ids := range state.DeletedNodes {
		c.DeletedNodes += len(ids)
		c.MaxDeletedPerLayer = max(c.MaxDeletedPerLayer, len(ids))
	}
	return c
}

// NeedsPruning reports whether any node's history or any layer's deleted
// list exceeds TriggerFactor times its cap.
func (p *Pruner) NeedsPruning(state *graph.SharedGraphState) bool {
	if state == nil {
		return false
	}
	c := CountState(state)
	factor := p.cfg.TriggerFactor
	if factor < 1 {
		factor = 1
	}
	if float64(c.MaxHistoryPerNode) > factor*float64(p.cfg.MaxHistoryPerNode) {
		return true
	}
	return float64(c.MaxDeletedPerLayer) > factor*float64(p.cfg.MaxDeletedNodesPerLayer)
}
