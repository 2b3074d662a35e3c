// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "time"

// SharedGraphState is the persisted document both processes coordinate
// through.
//
// Lifecycle:
//
//  1. Created empty on first run with NewSharedGraphState
//  2. Read at process start
//  3. Overwritten wholesale on every local mutation (Version+1)
//  4. Replaced by a merge result (Version = max(local, remote)+1) when both
//     sides diverged
type SharedGraphState struct {
	// Version increases on every write.
	Version int64 `json:"version"`

	// Timestamp is the write time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Source tags the process that last wrote the document.
	Source string `json:"source"`

	// CurrentLayer is the layer the user is looking at.
	CurrentLayer Layer `json:"currentLayer"`

	// AgentOnlyMode hides nodes not added by the agent in the client.
	AgentOnlyMode bool `json:"agentOnlyMode"`

	Graphs          map[Layer]LayerGraph                    `json:"graphs"`
	ProposedChanges map[Layer][]ProposedChange              `json:"proposedChanges"`
	NodeHistory     map[Layer]map[string][]NodeHistoryEvent `json:"nodeHistory"`
	DeletedNodes    map[Layer][]string                      `json:"deletedNodes"`
}

// NewSharedGraphState returns an empty document stamped with source.
//
// Every layer has an entry in every per-layer map so readers never need to
// nil-check a layer.
func NewSharedGraphState(source string) *SharedGraphState {
	s := &SharedGraphState{
		Version:      0,
		Timestamp:    time.Now().UnixMilli(),
		Source:       source,
		CurrentLayer: LayerArchitecture,
	}
	s.EnsureLayers()
	return s
}

// EnsureLayers fills in missing per-layer entries.
//
// Documents written by older processes may lack a layer; this normalises
// them after decoding.
func (s *SharedGraphState) EnsureLayers() {
	if s.Graphs == nil {
		s.Graphs = make(map[Layer]LayerGraph)
	}
	if s.ProposedChanges == nil {
		s.ProposedChanges = make(map[Layer][]ProposedChange)
	}
	if s.NodeHistory == nil {
		s.NodeHistory = make(map[Layer]map[string][]NodeHistoryEvent)
	}
	if s.DeletedNodes == nil {
		s.DeletedNodes = make(map[Layer][]string)
	}
	for _, l := range allLayers {
		g := s.Graphs[l]
		if g.Nodes == nil {
			g.Nodes = []GraphNode{}
		}
		if g.Edges == nil {
			g.Edges = []GraphEdge{}
		}
		s.Graphs[l] = g
		if s.ProposedChanges[l] == nil {
			s.ProposedChanges[l] = []ProposedChange{}
		}
		if s.NodeHistory[l] == nil {
			s.NodeHistory[l] = make(map[string][]NodeHistoryEvent)
		}
		if s.DeletedNodes[l] == nil {
			s.DeletedNodes[l] = []string{}
		}
	}
	if s.CurrentLayer == "" {
		s.CurrentLayer = LayerArchitecture
	}
}

// Clone returns a deep copy of the document.
func (s *SharedGraphState) Clone() *SharedGraphState {
	if s == nil {
		return nil
	}
	out := &SharedGraphState{
		Version:         s.Version,
		Timestamp:       s.Timestamp,
		Source:          s.Source,
		CurrentLayer:    s.CurrentLayer,
		AgentOnlyMode:   s.AgentOnlyMode,
		Graphs:          make(map[Layer]LayerGraph, len(s.Graphs)),
		ProposedChanges: make(map[Layer][]ProposedChange, len(s.ProposedChanges)),
		NodeHistory:     make(map[Layer]map[string][]NodeHistoryEvent, len(s.NodeHistory)),
		DeletedNodes:    make(map[Layer][]string, len(s.DeletedNodes)),
	}
	for l, g := range s.Graphs {
		out.Graphs[l] = g.Clone()
	}
	for l, changes := range s.ProposedChanges {
		cp := make([]ProposedChange, len(changes))
		copy(cp, changes)
		out.ProposedChanges[l] = cp
	}
	for l, byNode := range s.NodeHistory {
		m := make(map[string][]NodeHistoryEvent, len(byNode))
		for id, events := range byNode {
			cp := make([]NodeHistoryEvent, len(events))
			copy(cp, events)
			m[id] = cp
		}
		out.NodeHistory[l] = m
	}
	for l, ids := range s.DeletedNodes {
		out.DeletedNodes[l] = cloneStrings(ids)
	}
	return out
}

// CountNodes returns the total node count over all layers.
func (s *SharedGraphState) CountNodes() int {
	total := 0
	for _, g := range s.Graphs {
		total += len(g.Nodes)
	}
	return total
}

// CountEdges returns the total edge count over all layers.
func (s *SharedGraphState) CountEdges() int {
	total := 0
	for _, g := range s.Graphs {
		total += len(g.Edges)
	}
	return total
}
