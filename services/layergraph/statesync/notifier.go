// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statesync

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// FullRefresh asks the consumer to re-layout the listed layers.
type FullRefresh struct {
	Layers        []graph.Layer                    `json:"layers"`
	Graphs        map[graph.Layer]graph.LayerGraph `json:"graphs"`
	CurrentLayer  graph.Layer                      `json:"currentLayer"`
	AgentOnlyMode bool                             `json:"agentOnlyMode"`
	Version       int64                            `json:"version"`
}

// IncrementalUpdate is a structural patch for one layer.
type IncrementalUpdate struct {
	Layer          graph.Layer       `json:"layer"`
	AddedNodes     []graph.GraphNode `json:"addedNodes"`
	AddedEdges     []graph.GraphEdge `json:"addedEdges"`
	RemovedNodeIDs []string          `json:"removedNodeIds"`
	RemovedEdgeIDs []string          `json:"removedEdgeIds"`
	FullGraph      graph.LayerGraph  `json:"fullGraph"`
}

// PropertyUpdate patches fields of existing nodes and edges in one layer.
type PropertyUpdate struct {
	Layer       graph.Layer                 `json:"layer"`
	NodeUpdates map[string]graph.Properties `json:"nodeUpdates,omitempty"`
	EdgeUpdates map[string]graph.Properties `json:"edgeUpdates,omitempty"`
}

// Notifier receives change notifications for the visualisation client.
//
// Implementations must not block; they are called while the channel holds
// its sync lock.
type Notifier interface {
	FullGraph(FullRefresh)
	IncrementalUpdate(IncrementalUpdate)
	PropertyUpdate(PropertyUpdate)
}

type nopNotifier struct{}

func (nopNotifier) FullGraph(FullRefresh)               {}
func (nopNotifier) IncrementalUpdate(IncrementalUpdate) {}
func (nopNotifier) PropertyUpdate(PropertyUpdate)       {}

// refresher coalesces full-refresh requests.
//
// Requests within the debounce window of each other produce one
// FullRefresh covering every requested layer. Concurrent flushes share a
// single build through singleflight.
type refresher struct {
	window time.Duration
	build  func(layers []graph.Layer) FullRefresh
	notify func() Notifier

	mu      sync.Mutex
	pending map[graph.Layer]struct{}
	timer   *time.Timer
	stopped bool
	group   singleflight.Group
}

func newRefresher(window time.Duration, build func([]graph.Layer) FullRefresh, notify func() Notifier) *refresher {
	return &refresher{
		window:  window,
		build:   build,
		notify:  notify,
		pending: make(map[graph.Layer]struct{}),
	}
}

// schedule adds layers to the pending refresh and restarts the window.
func (r *refresher) schedule(layers ...graph.Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	for _, l := range layers {
		r.pending[l] = struct{}{}
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.window, r.flush)
		return
	}
	r.timer.Reset(r.window)
}

// flush emits the pending refresh now.
func (r *refresher) flush() {
	_, _, _ = r.group.Do("full-refresh", func() (any, error) {
		r.mu.Lock()
		if len(r.pending) == 0 || r.stopped {
			r.mu.Unlock()
			return nil, nil
		}
		layers := make([]graph.Layer, 0, len(r.pending))
		for l := range r.pending {
			layers = append(layers, l)
		}
		r.pending = make(map[graph.Layer]struct{})
		r.mu.Unlock()

		sort.Slice(layers, func(i, j int) bool { return layerRank(layers[i]) < layerRank(layers[j]) })
		r.notify().FullGraph(r.build(layers))
		return nil, nil
	})
}

func (r *refresher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

func layerRank(l graph.Layer) int {
	for i, known := range graph.AllLayers() {
		if known == l {
			return i
		}
	}
	return len(graph.AllLayers())
}
