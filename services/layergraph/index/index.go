// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index maintains the derived lookup structures of one graph layer.
//
// The indexes are never authoritative. They are patched incrementally on
// every add/update/remove and rebuilt from scratch after any wholesale state
// replacement (document load, merge). A stale index after a replacement is a
// correctness bug.
//
// # Ownership Model
//
// The Manager stores the node and edge pointers handed to it by the owning
// store. Callers MUST NOT mutate a node or edge returned by a lookup; the
// store replaces pointers on update instead of mutating in place.
//
// # Thread Safety
//
// Manager is NOT safe for concurrent use. The owning store serialises
// writers and allows concurrent readers under its RWMutex.
package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// LabelPrefixLength is the longest label prefix stored in the prefix index.
// Longer query prefixes use the bucket of their first LabelPrefixLength
// characters and filter the candidates.
const LabelPrefixLength = 3

// Adjacency lists the ids of edges incident to a node.
type Adjacency struct {
	// Outgoing holds edges whose source is the node.
	Outgoing []string

	// Incoming holds edges whose target is the node.
	Incoming []string
}

type idSet map[string]struct{}

// Manager holds the per-layer indexes.
type Manager struct {
	nodes map[string]*graph.GraphNode
	edges map[string]*graph.GraphEdge

	// seq records insertion order so materialised sets are deterministic.
	nodeSeq map[string]uint64
	edgeSeq map[string]uint64
	nextSeq uint64

	// adjacency is keyed by endpoint id, including endpoints of dangling
	// edges whose node has not arrived yet.
	adjacency map[string]*Adjacency

	byType        map[graph.NodeType]idSet
	byFeature     map[string]idSet
	byLabelPrefix map[string]idSet
	byEdgeType    map[graph.EdgeType]idSet
}

// New creates an empty index manager.
func New() *Manager {
	m := &Manager{}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.nodes = make(map[string]*graph.GraphNode)
	m.edges = make(map[string]*graph.GraphEdge)
	m.nodeSeq = make(map[string]uint64)
	m.edgeSeq = make(map[string]uint64)
	m.nextSeq = 0
	m.adjacency = make(map[string]*Adjacency)
	m.byType = make(map[graph.NodeType]idSet)
	m.byFeature = make(map[string]idSet)
	m.byLabelPrefix = make(map[string]idSet)
	m.byEdgeType = make(map[graph.EdgeType]idSet)
}

// Rebuild discards every index and re-indexes the given collection.
//
// Description:
//
//	Nodes and edges are indexed in slice order, which becomes the order of
//	every materialised result. Must be called after any wholesale state
//	replacement.
//
// Inputs:
//
//	nodes - Node pointers owned by the store.
//	edges - Edge pointers owned by the store.
func (m *Manager) Rebuild(nodes []*graph.GraphNode, edges []*graph.GraphEdge) {
	m.reset()
	for _, n := range nodes {
		m.AddNode(n)
	}
	for _, e := range edges {
		m.AddEdge(e)
	}
}

// NodeCount returns the number of indexed nodes.
func (m *Manager) NodeCount() int {
	return len(m.nodes)
}

// EdgeCount returns the number of indexed edges.
func (m *Manager) EdgeCount() int {
	return len(m.edges)
}

// AddNode indexes n. An existing node with the same id is replaced and
// keeps its position.
func (m *Manager) AddNode(n *graph.GraphNode) {
	if n == nil {
		return
	}
	if old, ok := m.nodes[n.ID]; ok {
		m.unindexNode(old)
	} else {
		m.nextSeq++
		m.nodeSeq[n.ID] = m.nextSeq
	}
	m.nodes[n.ID] = n
	m.indexNode(n)
}

// UpdateNode swaps the stored pointer for n.ID, re-deriving the type,
// feature and label indexes from the new value.
func (m *Manager) UpdateNode(n *graph.GraphNode) {
	m.AddNode(n)
}

// RemoveNode drops a node from every node index.
//
// Edges are not touched; the store removes incident edges first. The
// adjacency entry is dropped only once no edge references the id.
func (m *Manager) RemoveNode(id string) {
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	m.unindexNode(n)
	delete(m.nodes, id)
	delete(m.nodeSeq, id)
	if adj, ok := m.adjacency[id]; ok && len(adj.Outgoing) == 0 && len(adj.Incoming) == 0 {
		delete(m.adjacency, id)
	}
}

// AddEdge indexes e, including its adjacency entries.
func (m *Manager) AddEdge(e *graph.GraphEdge) {
	if e == nil {
		return
	}
	if old, ok := m.edges[e.ID]; ok {
		m.unindexEdge(old)
	} else {
		m.nextSeq++
		m.edgeSeq[e.ID] = m.nextSeq
	}
	m.edges[e.ID] = e
	m.indexEdge(e)
}

// UpdateEdge swaps the stored pointer for e.ID.
func (m *Manager) UpdateEdge(e *graph.GraphEdge) {
	m.AddEdge(e)
}

// RemoveEdge drops an edge from every edge index.
func (m *Manager) RemoveEdge(id string) {
	e, ok := m.edges[id]
	if !ok {
		return
	}
	m.unindexEdge(e)
	delete(m.edges, id)
	delete(m.edgeSeq, id)
}

// NodeByID returns the node with the given id in O(1).
func (m *Manager) NodeByID(id string) (*graph.GraphNode, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

// EdgeByID returns the edge with the given id in O(1).
func (m *Manager) EdgeByID(id string) (*graph.GraphEdge, bool) {
	e, ok := m.edges[id]
	return e, ok
}

// HasNode reports whether id is indexed.
func (m *Manager) HasNode(id string) bool {
	_, ok := m.nodes[id]
	return ok
}

// Adjacency returns the incident edge ids of a node.
//
// Outputs:
//
//	Adjacency - Copies of the outgoing/incoming id lists.
//	bool - False if the node is unknown to this index.
func (m *Manager) Adjacency(nodeID string) (Adjacency, bool) {
	if _, ok := m.nodes[nodeID]; !ok {
		return Adjacency{}, false
	}
	adj, ok := m.adjacency[nodeID]
	if !ok {
		return Adjacency{Outgoing: []string{}, Incoming: []string{}}, true
	}
	return Adjacency{
		Outgoing: append([]string{}, adj.Outgoing...),
		Incoming: append([]string{}, adj.Incoming...),
	}, true
}

// AllNodes returns every node in insertion order.
func (m *Manager) AllNodes() []*graph.GraphNode {
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	return m.materializeNodes(ids)
}

// AllEdges returns every edge in insertion order.
func (m *Manager) AllEdges() []*graph.GraphEdge {
	ids := make([]string, 0, len(m.edges))
	for id := range m.edges {
		ids = append(ids, id)
	}
	return m.materializeEdges(ids)
}

// NodesByType returns the nodes of one type in insertion order.
func (m *Manager) NodesByType(t graph.NodeType) []*graph.GraphNode {
	return m.materializeNodes(setKeys(m.byType[t]))
}

// NodesByTypes returns the union of several type sets in insertion order.
func (m *Manager) NodesByTypes(types []graph.NodeType) []*graph.GraphNode {
	var ids []string
	for _, t := range types {
		ids = append(ids, setKeys(m.byType[t])...)
	}
	return m.materializeNodes(ids)
}

// NodesByFeature returns the nodes that list featureID in SupportsFeatures.
func (m *Manager) NodesByFeature(featureID string) []*graph.GraphNode {
	return m.materializeNodes(setKeys(m.byFeature[featureID]))
}

// NodesByFeatures returns the union of several feature sets in insertion
// order.
func (m *Manager) NodesByFeatures(featureIDs []string) []*graph.GraphNode {
	var ids []string
	for _, f := range featureIDs {
		ids = append(ids, setKeys(m.byFeature[f])...)
	}
	return m.materializeNodes(ids)
}

// FindNodesByLabelPrefix returns nodes whose label starts with prefix,
// compared case-insensitively. An empty prefix matches every node.
func (m *Manager) FindNodesByLabelPrefix(prefix string) []*graph.GraphNode {
	p := strings.ToLower(prefix)
	if p == "" {
		return m.AllNodes()
	}
	runes := []rune(p)
	if len(runes) <= LabelPrefixLength {
		return m.materializeNodes(setKeys(m.byLabelPrefix[p]))
	}
	bucket := m.byLabelPrefix[string(runes[:LabelPrefixLength])]
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		if strings.HasPrefix(strings.ToLower(m.nodes[id].Label), p) {
			ids = append(ids, id)
		}
	}
	return m.materializeNodes(ids)
}

// EdgesByType returns the edges of one type in insertion order.
func (m *Manager) EdgesByType(t graph.EdgeType) []*graph.GraphEdge {
	return m.materializeEdges(setKeys(m.byEdgeType[t]))
}

// EdgesByTypes returns the union of several edge type sets in insertion
// order.
func (m *Manager) EdgesByTypes(types []graph.EdgeType) []*graph.GraphEdge {
	var ids []string
	for _, t := range types {
		ids = append(ids, setKeys(m.byEdgeType[t])...)
	}
	return m.materializeEdges(ids)
}

// Validate checks that every secondary index agrees with the primary maps.
//
// Description:
//
//	Walks all indexes and reports the first inconsistency. O(V + E).
//	Intended for tests and debug builds after a rebuild.
func (m *Manager) Validate() error {
	for t, set := range m.byType {
		for id := range set {
			n, ok := m.nodes[id]
			if !ok {
				return fmt.Errorf("type index %q references missing node %q", t, id)
			}
			if n.Type != t {
				return fmt.Errorf("type index %q holds node %q of type %q", t, id, n.Type)
			}
		}
	}
	for f, set := range m.byFeature {
		for id := range set {
			if _, ok := m.nodes[id]; !ok {
				return fmt.Errorf("feature index %q references missing node %q", f, id)
			}
		}
	}
	for p, set := range m.byLabelPrefix {
		for id := range set {
			if _, ok := m.nodes[id]; !ok {
				return fmt.Errorf("label index %q references missing node %q", p, id)
			}
		}
	}
	total := 0
	for _, adj := range m.adjacency {
		for _, id := range adj.Outgoing {
			if _, ok := m.edges[id]; !ok {
				return fmt.Errorf("adjacency references missing edge %q", id)
			}
		}
		total += len(adj.Outgoing)
	}
	if total != len(m.edges) {
		return fmt.Errorf("adjacency holds %d outgoing entries for %d edges", total, len(m.edges))
	}
	return nil
}

func (m *Manager) indexNode(n *graph.GraphNode) {
	addTo(m.byType, n.Type, n.ID)
	for _, f := range n.SupportsFeatures {
		addTo(m.byFeature, f, n.ID)
	}
	for _, p := range labelPrefixes(n.Label) {
		addTo(m.byLabelPrefix, p, n.ID)
	}
}

func (m *Manager) unindexNode(n *graph.GraphNode) {
	removeFrom(m.byType, n.Type, n.ID)
	for _, f := range n.SupportsFeatures {
		removeFrom(m.byFeature, f, n.ID)
	}
	for _, p := range labelPrefixes(n.Label) {
		removeFrom(m.byLabelPrefix, p, n.ID)
	}
}

func (m *Manager) indexEdge(e *graph.GraphEdge) {
	addTo(m.byEdgeType, e.EdgeType, e.ID)
	m.adjacencyFor(e.Source).Outgoing = append(m.adjacencyFor(e.Source).Outgoing, e.ID)
	m.adjacencyFor(e.Target).Incoming = append(m.adjacencyFor(e.Target).Incoming, e.ID)
}

func (m *Manager) unindexEdge(e *graph.GraphEdge) {
	removeFrom(m.byEdgeType, e.EdgeType, e.ID)
	if adj, ok := m.adjacency[e.Source]; ok {
		adj.Outgoing = removeID(adj.Outgoing, e.ID)
		m.dropEmptyAdjacency(e.Source)
	}
	if adj, ok := m.adjacency[e.Target]; ok {
		adj.Incoming = removeID(adj.Incoming, e.ID)
		m.dropEmptyAdjacency(e.Target)
	}
}

func (m *Manager) adjacencyFor(id string) *Adjacency {
	adj, ok := m.adjacency[id]
	if !ok {
		adj = &Adjacency{Outgoing: []string{}, Incoming: []string{}}
		m.adjacency[id] = adj
	}
	return adj
}

func (m *Manager) dropEmptyAdjacency(id string) {
	adj := m.adjacency[id]
	if len(adj.Outgoing) == 0 && len(adj.Incoming) == 0 {
		if _, known := m.nodes[id]; !known {
			delete(m.adjacency, id)
		}
	}
}

func (m *Manager) materializeNodes(ids []string) []*graph.GraphNode {
	out := make([]*graph.GraphNode, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if n, ok := m.nodes[id]; ok {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return m.nodeSeq[out[i].ID] < m.nodeSeq[out[j].ID]
	})
	return out
}

func (m *Manager) materializeEdges(ids []string) []*graph.GraphEdge {
	out := make([]*graph.GraphEdge, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if e, ok := m.edges[id]; ok {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return m.edgeSeq[out[i].ID] < m.edgeSeq[out[j].ID]
	})
	return out
}

// labelPrefixes returns the lower-cased prefixes of label of length
// 1..LabelPrefixLength.
func labelPrefixes(label string) []string {
	runes := []rune(strings.ToLower(label))
	n := len(runes)
	if n > LabelPrefixLength {
		n = LabelPrefixLength
	}
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, string(runes[:i]))
	}
	return out
}

func addTo[K comparable](idx map[K]idSet, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(idSet)
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](idx map[K]idSet, key K, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func setKeys(set idSet) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
