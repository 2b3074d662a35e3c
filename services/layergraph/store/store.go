// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store holds the in-memory layered graph.
//
// A Store owns one node/edge collection per layer, the per-layer indexes
// derived from it, and the document-level state that is persisted alongside
// the graphs (proposed changes, node history, deleted ids). Query and
// traversal code read through the indexes via Read; they never see the raw
// collections.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Mutations take the write lock,
// Read and Snapshot take the read lock. Mutation listeners run after the
// lock is released.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/index"
)

// MutationKind names the local write that triggered a listener call.
type MutationKind string

const (
	MutationNodeAdded       MutationKind = "node-added"
	MutationNodeUpdated     MutationKind = "node-updated"
	MutationNodeRemoved     MutationKind = "node-removed"
	MutationEdgeAdded       MutationKind = "edge-added"
	MutationEdgeUpdated     MutationKind = "edge-updated"
	MutationEdgeRemoved     MutationKind = "edge-removed"
	MutationBatch           MutationKind = "batch"
	MutationChangeProposed  MutationKind = "change-proposed"
	MutationChangeApplied   MutationKind = "change-applied"
	MutationChangesCleared  MutationKind = "changes-cleared"
	MutationLayerSelected   MutationKind = "layer-selected"
	MutationAgentOnlyToggle MutationKind = "agent-only-toggled"
)

// Mutation describes one completed local write.
type Mutation struct {
	Kind  MutationKind
	Layer graph.Layer
	ID    string
}

// MutationListener is called after every successful local write.
type MutationListener func(Mutation)

type layerData struct {
	nodes   []*graph.GraphNode
	nodePos map[string]int
	edges   []*graph.GraphEdge
	edgePos map[string]int
	ix      *index.Manager

	proposed []graph.ProposedChange
	history  map[string][]graph.NodeHistoryEvent
	deleted  []string
}

func newLayerData() *layerData {
	return &layerData{
		nodePos: make(map[string]int),
		edgePos: make(map[string]int),
		ix:      index.New(),
		history: make(map[string][]graph.NodeHistoryEvent),
	}
}

// Store is the layered graph store.
type Store struct {
	mu     sync.RWMutex
	layers map[graph.Layer]*layerData

	version       int64
	timestamp     int64
	source        string
	currentLayer  graph.Layer
	agentOnlyMode bool
	// seq counts local mutations; Replace does not advance it.
	seq uint64

	listenerMu sync.RWMutex
	listeners  []MutationListener

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for history events.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store tagged with source.
//
// Inputs:
//
//	source - The process tag stamped on snapshots ("extension" or "mcp").
//	opts - Optional configuration.
//
// Outputs:
//
//	*Store - A store with every layer present and empty.
func New(source string, opts ...Option) *Store {
	s := &Store{
		layers:       make(map[graph.Layer]*layerData),
		source:       source,
		currentLayer: graph.LayerArchitecture,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, l := range graph.AllLayers() {
		s.layers[l] = newLayerData()
	}
	return s
}

// Source returns the process tag of this store.
func (s *Store) Source() string {
	return s.source
}

// OnMutation registers a listener for local writes.
func (s *Store) OnMutation(fn MutationListener) {
	if fn == nil {
		return
	}
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Store) notify(m Mutation) {
	s.listenerMu.RLock()
	listeners := make([]MutationListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(m)
	}
}

func (s *Store) layer(l graph.Layer) (*layerData, error) {
	ld, ok := s.layers[l]
	if !ok {
		return nil, fmt.Errorf("%w: %q", graph.ErrInvalidLayer, l)
	}
	return ld, nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *Store) record(ld *layerData, nodeID string, action graph.HistoryAction, details string) {
	ld.history[nodeID] = append(ld.history[nodeID], graph.NodeHistoryEvent{
		Timestamp: s.nowMillis(),
		Action:    action,
		Details:   details,
	})
}

// Read runs fn with read access to a layer's indexes.
//
// Description:
//
//	The index is only valid inside fn. Nodes and edges obtained from it
//	must not be mutated or retained past fn without cloning.
//
// Outputs:
//
//	error - ErrInvalidLayer, or whatever fn returns.
func (s *Store) Read(l graph.Layer, fn func(ix *index.Manager) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return err
	}
	return fn(ld.ix)
}

// GetNode returns a copy of one node.
func (s *Store) GetNode(l graph.Layer, id string) (graph.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return graph.GraphNode{}, err
	}
	n, ok := ld.ix.NodeByID(id)
	if !ok {
		return graph.GraphNode{}, fmt.Errorf("%w: %q in layer %s", graph.ErrNodeNotFound, id, l)
	}
	return n.Clone(), nil
}

// GetEdge returns a copy of one edge.
func (s *Store) GetEdge(l graph.Layer, id string) (graph.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return graph.GraphEdge{}, err
	}
	e, ok := ld.ix.EdgeByID(id)
	if !ok {
		return graph.GraphEdge{}, fmt.Errorf("%w: %q in layer %s", graph.ErrEdgeNotFound, id, l)
	}
	return e.Clone(), nil
}

// AddNode inserts a node.
//
// Outputs:
//
//	error - ErrInvalidLayer, ErrInvalidNode (empty id) or ErrDuplicateNode.
func (s *Store) AddNode(l graph.Layer, n graph.GraphNode) error {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err == nil {
		err = s.addNodeLocked(ld, n)
	}
	if err == nil {
		s.seq++
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Mutation{Kind: MutationNodeAdded, Layer: l, ID: n.ID})
	return nil
}

// AddNodes inserts a producer batch and notifies listeners once.
//
// Description:
//
//	Nodes are added in order. On the first failure the batch stops; nodes
//	added before the failure stay in the store and listeners are still
//	notified so they can be persisted.
//
// Outputs:
//
//	int - Number of nodes added.
//	error - The first failure, if any.
func (s *Store) AddNodes(l graph.Layer, nodes []graph.GraphNode) (int, error) {
	s.mu.Lock()
	ld, err := s.layer(l)
	added := 0
	if err == nil {
		for _, n := range nodes {
			if err = s.addNodeLocked(ld, n); err != nil {
				break
			}
			added++
		}
	}
	if added > 0 {
		s.seq++
	}
	s.mu.Unlock()
	if added > 0 {
		s.notify(Mutation{Kind: MutationBatch, Layer: l})
	}
	return added, err
}

func (s *Store) addNodeLocked(ld *layerData, n graph.GraphNode) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", graph.ErrInvalidNode)
	}
	if ld.ix.HasNode(n.ID) {
		return fmt.Errorf("%w: %q", graph.ErrDuplicateNode, n.ID)
	}
	ptr := new(graph.GraphNode)
	*ptr = n.Clone()
	ld.nodePos[ptr.ID] = len(ld.nodes)
	ld.nodes = append(ld.nodes, ptr)
	ld.ix.AddNode(ptr)
	s.record(ld, ptr.ID, graph.HistoryAdded, string(ptr.Type))
	return nil
}

// UpdateNode overlays partial field values onto an existing node.
//
// Description:
//
//	A nil value clears the field. The id can not be changed. When no field
//	actually changes nothing is recorded and listeners are not notified.
//
// Outputs:
//
//	graph.GraphNode - The node after the update.
//	[]string - Sorted names of the fields that changed.
//	error - ErrNodeNotFound, ErrInvalidLayer or ErrValidation.
func (s *Store) UpdateNode(l graph.Layer, id string, updates graph.Properties) (graph.GraphNode, []string, error) {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err != nil {
		s.mu.Unlock()
		return graph.GraphNode{}, nil, err
	}
	old, ok := ld.ix.NodeByID(id)
	if !ok {
		s.mu.Unlock()
		return graph.GraphNode{}, nil, fmt.Errorf("%w: %q in layer %s", graph.ErrNodeNotFound, id, l)
	}
	updated, changed, err := graph.ApplyNodeUpdate(*old, updates)
	if err != nil || len(changed) == 0 {
		out := old.Clone()
		s.mu.Unlock()
		return out, nil, err
	}
	sort.Strings(changed)
	s.replaceNodeLocked(ld, &updated)
	s.record(ld, id, graph.HistoryChanged, strings.Join(changed, ","))
	out := updated.Clone()
	s.seq++
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationNodeUpdated, Layer: l, ID: id})
	return out, changed, nil
}

func (s *Store) replaceNodeLocked(ld *layerData, n *graph.GraphNode) {
	ld.nodes[ld.nodePos[n.ID]] = n
	ld.ix.UpdateNode(n)
}

// RemoveNode deletes a node and every edge incident to it.
//
// Description:
//
//	The id is appended to the layer's deleted-node list and a "removed"
//	history event is recorded. Removed edges record "edge-removed" on the
//	surviving endpoint.
//
// Outputs:
//
//	int - Number of incident edges removed.
//	error - ErrNodeNotFound or ErrInvalidLayer.
func (s *Store) RemoveNode(l graph.Layer, id string) (int, error) {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if !ld.ix.HasNode(id) {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %q in layer %s", graph.ErrNodeNotFound, id, l)
	}

	adj, _ := ld.ix.Adjacency(id)
	incident := append(adj.Outgoing, adj.Incoming...)
	removedEdges := 0
	for _, edgeID := range incident {
		e, ok := ld.ix.EdgeByID(edgeID)
		if !ok {
			continue
		}
		other := e.Target
		if other == id {
			other = e.Source
		}
		s.removeEdgeLocked(ld, edgeID)
		if other != id && ld.ix.HasNode(other) {
			s.record(ld, other, graph.HistoryEdgeRemoved, edgeID)
		}
		removedEdges++
	}

	pos := ld.nodePos[id]
	ld.nodes = append(ld.nodes[:pos], ld.nodes[pos+1:]...)
	delete(ld.nodePos, id)
	for i := pos; i < len(ld.nodes); i++ {
		ld.nodePos[ld.nodes[i].ID] = i
	}
	ld.ix.RemoveNode(id)
	ld.deleted = append(ld.deleted, id)
	s.record(ld, id, graph.HistoryRemoved, "")
	s.seq++
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationNodeRemoved, Layer: l, ID: id})
	return removedEdges, nil
}

// AddEdge inserts an edge. Endpoints that do not exist yet are tolerated.
//
// Outputs:
//
//	error - ErrInvalidLayer, ErrInvalidEdge (missing id/source/target) or
//	        ErrDuplicateEdge.
func (s *Store) AddEdge(l graph.Layer, e graph.GraphEdge) error {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err == nil {
		err = s.addEdgeLocked(ld, e)
	}
	if err == nil {
		s.seq++
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Mutation{Kind: MutationEdgeAdded, Layer: l, ID: e.ID})
	return nil
}

// AddEdges inserts a producer batch and notifies listeners once.
// See AddNodes for the failure behaviour.
func (s *Store) AddEdges(l graph.Layer, edges []graph.GraphEdge) (int, error) {
	s.mu.Lock()
	ld, err := s.layer(l)
	added := 0
	if err == nil {
		for _, e := range edges {
			if err = s.addEdgeLocked(ld, e); err != nil {
				break
			}
			added++
		}
	}
	if added > 0 {
		s.seq++
	}
	s.mu.Unlock()
	if added > 0 {
		s.notify(Mutation{Kind: MutationBatch, Layer: l})
	}
	return added, err
}

func (s *Store) addEdgeLocked(ld *layerData, e graph.GraphEdge) error {
	if e.ID == "" || e.Source == "" || e.Target == "" {
		return fmt.Errorf("%w: id, source and target are required", graph.ErrInvalidEdge)
	}
	if _, exists := ld.ix.EdgeByID(e.ID); exists {
		return fmt.Errorf("%w: %q", graph.ErrDuplicateEdge, e.ID)
	}
	ptr := new(graph.GraphEdge)
	*ptr = e.Clone()
	ld.edgePos[ptr.ID] = len(ld.edges)
	ld.edges = append(ld.edges, ptr)
	ld.ix.AddEdge(ptr)
	if ld.ix.HasNode(ptr.Source) {
		s.record(ld, ptr.Source, graph.HistoryEdgeAdded, ptr.ID)
	}
	if ptr.Target != ptr.Source && ld.ix.HasNode(ptr.Target) {
		s.record(ld, ptr.Target, graph.HistoryEdgeAdded, ptr.ID)
	}
	return nil
}

// UpdateEdge overlays partial field values onto an existing edge.
//
// Changing source or target re-derives the adjacency entries.
func (s *Store) UpdateEdge(l graph.Layer, id string, updates graph.Properties) (graph.GraphEdge, []string, error) {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err != nil {
		s.mu.Unlock()
		return graph.GraphEdge{}, nil, err
	}
	old, ok := ld.ix.EdgeByID(id)
	if !ok {
		s.mu.Unlock()
		return graph.GraphEdge{}, nil, fmt.Errorf("%w: %q in layer %s", graph.ErrEdgeNotFound, id, l)
	}
	updated, changed, err := graph.ApplyEdgeUpdate(*old, updates)
	if err != nil || len(changed) == 0 {
		out := old.Clone()
		s.mu.Unlock()
		return out, nil, err
	}
	if updated.Source == "" || updated.Target == "" {
		s.mu.Unlock()
		return graph.GraphEdge{}, nil, fmt.Errorf("%w: source and target are required", graph.ErrInvalidEdge)
	}
	sort.Strings(changed)
	ptr := &updated
	ld.edges[ld.edgePos[id]] = ptr
	ld.ix.UpdateEdge(ptr)
	out := updated.Clone()
	s.seq++
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationEdgeUpdated, Layer: l, ID: id})
	return out, changed, nil
}

// RemoveEdge deletes one edge.
func (s *Store) RemoveEdge(l graph.Layer, id string) error {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	e, ok := ld.ix.EdgeByID(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q in layer %s", graph.ErrEdgeNotFound, id, l)
	}
	source, target := e.Source, e.Target
	s.removeEdgeLocked(ld, id)
	if ld.ix.HasNode(source) {
		s.record(ld, source, graph.HistoryEdgeRemoved, id)
	}
	if target != source && ld.ix.HasNode(target) {
		s.record(ld, target, graph.HistoryEdgeRemoved, id)
	}
	s.seq++
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationEdgeRemoved, Layer: l, ID: id})
	return nil
}

func (s *Store) removeEdgeLocked(ld *layerData, id string) {
	pos, ok := ld.edgePos[id]
	if !ok {
		return
	}
	ld.edges = append(ld.edges[:pos], ld.edges[pos+1:]...)
	delete(ld.edgePos, id)
	for i := pos; i < len(ld.edges); i++ {
		ld.edgePos[ld.edges[i].ID] = i
	}
	ld.ix.RemoveEdge(id)
}

// CurrentLayer returns the layer the user is looking at.
func (s *Store) CurrentLayer() graph.Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLayer
}

// SetCurrentLayer changes the current layer.
func (s *Store) SetCurrentLayer(l graph.Layer) error {
	if !l.IsValid() {
		return fmt.Errorf("%w: %q", graph.ErrInvalidLayer, l)
	}
	s.mu.Lock()
	changed := s.currentLayer != l
	s.currentLayer = l
	if changed {
		s.seq++
	}
	s.mu.Unlock()
	if changed {
		s.notify(Mutation{Kind: MutationLayerSelected, Layer: l})
	}
	return nil
}

// AgentOnlyMode reports whether the client hides non-agent nodes.
func (s *Store) AgentOnlyMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentOnlyMode
}

// SetAgentOnlyMode toggles agent-only display.
func (s *Store) SetAgentOnlyMode(on bool) {
	s.mu.Lock()
	changed := s.agentOnlyMode != on
	s.agentOnlyMode = on
	if changed {
		s.seq++
	}
	s.mu.Unlock()
	if changed {
		s.notify(Mutation{Kind: MutationAgentOnlyToggle})
	}
}

// Version returns the document version the store was last synced to.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// MarkPersisted records the header of a document just written from this
// store's state.
func (s *Store) MarkPersisted(version, timestamp int64) {
	s.mu.Lock()
	s.version = version
	s.timestamp = timestamp
	s.mu.Unlock()
}

// LayerGraph returns a deep copy of one layer's nodes and edges in
// collection order.
func (s *Store) LayerGraph(l graph.Layer) (graph.LayerGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return graph.LayerGraph{}, err
	}
	return ld.graph(), nil
}

func (ld *layerData) graph() graph.LayerGraph {
	g := graph.LayerGraph{
		Nodes: make([]graph.GraphNode, len(ld.nodes)),
		Edges: make([]graph.GraphEdge, len(ld.edges)),
	}
	for i, n := range ld.nodes {
		g.Nodes[i] = n.Clone()
	}
	for i, e := range ld.edges {
		g.Edges[i] = e.Clone()
	}
	return g
}

// Snapshot returns a deep copy of the full state as a document.
//
// The header carries the last synced version; writers bump it themselves.
func (s *Store) Snapshot() *graph.SharedGraphState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &graph.SharedGraphState{
		Version:       s.version,
		Timestamp:     s.timestamp,
		Source:        s.source,
		CurrentLayer:  s.currentLayer,
		AgentOnlyMode: s.agentOnlyMode,
	}
	state.EnsureLayers()
	for l, ld := range s.layers {
		state.Graphs[l] = ld.graph()
		proposed := make([]graph.ProposedChange, len(ld.proposed))
		copy(proposed, ld.proposed)
		state.ProposedChanges[l] = proposed
		history := make(map[string][]graph.NodeHistoryEvent, len(ld.history))
		for id, events := range ld.history {
			cp := make([]graph.NodeHistoryEvent, len(events))
			copy(cp, events)
			history[id] = cp
		}
		state.NodeHistory[l] = history
		deleted := make([]string, len(ld.deleted))
		copy(deleted, ld.deleted)
		state.DeletedNodes[l] = deleted
	}
	return state
}

// Replace swaps in a whole document and rebuilds every index.
//
// Description:
//
//	Used after a document load or a merge. Listeners are NOT notified;
//	the caller is applying external state, not making a local write.
//	Duplicate ids inside one layer keep the first occurrence.
func (s *Store) Replace(state *graph.SharedGraphState) {
	st := s.prepareReplace(state)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(st)
}

// ReplaceIf swaps in a whole document only if no local mutation happened
// since Sequence returned seq.
//
// Description:
//
//	Lets a caller merge external state against a snapshot without
//	discarding a local write that raced the merge. On false the store is
//	untouched and the caller should snapshot again and redo the merge.
func (s *Store) ReplaceIf(state *graph.SharedGraphState, seq uint64) bool {
	st := s.prepareReplace(state)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq != seq {
		return false
	}
	s.replaceLocked(st)
	return true
}

// Sequence returns the local mutation counter.
func (s *Store) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Store) prepareReplace(state *graph.SharedGraphState) *graph.SharedGraphState {
	st := state.Clone()
	if st == nil {
		st = graph.NewSharedGraphState(s.source)
	}
	st.EnsureLayers()
	return st
}

func (s *Store) replaceLocked(st *graph.SharedGraphState) {
	s.version = st.Version
	s.timestamp = st.Timestamp
	s.currentLayer = st.CurrentLayer
	if !s.currentLayer.IsValid() {
		s.currentLayer = graph.LayerArchitecture
	}
	s.agentOnlyMode = st.AgentOnlyMode

	for _, l := range graph.AllLayers() {
		ld := newLayerData()
		g := st.Graphs[l]
		for i := range g.Nodes {
			n := &g.Nodes[i]
			if _, dup := ld.nodePos[n.ID]; dup || n.ID == "" {
				s.logger.Warn("skipping node while loading document",
					slog.String("layer", string(l)),
					slog.String("node_id", n.ID))
				continue
			}
			ld.nodePos[n.ID] = len(ld.nodes)
			ld.nodes = append(ld.nodes, n)
		}
		for i := range g.Edges {
			e := &g.Edges[i]
			if _, dup := ld.edgePos[e.ID]; dup || e.ID == "" {
				s.logger.Warn("skipping edge while loading document",
					slog.String("layer", string(l)),
					slog.String("edge_id", e.ID))
				continue
			}
			ld.edgePos[e.ID] = len(ld.edges)
			ld.edges = append(ld.edges, e)
		}
		ld.ix.Rebuild(ld.nodes, ld.edges)
		ld.proposed = st.ProposedChanges[l]
		ld.history = st.NodeHistory[l]
		ld.deleted = st.DeletedNodes[l]
		s.layers[l] = ld
	}
}

// LayerStats is a count summary for one layer.
type LayerStats struct {
	Nodes           int `json:"nodes"`
	Edges           int `json:"edges"`
	ProposedChanges int `json:"proposedChanges"`
	HistoryEvents   int `json:"historyEvents"`
	DeletedNodes    int `json:"deletedNodes"`
}

// Stats returns per-layer counts.
func (s *Store) Stats() map[graph.Layer]LayerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[graph.Layer]LayerStats, len(s.layers))
	for l, ld := range s.layers {
		events := 0
		for _, h := range ld.history {
			events += len(h)
		}
		out[l] = LayerStats{
			Nodes:           len(ld.nodes),
			Edges:           len(ld.edges),
			ProposedChanges: len(ld.proposed),
			HistoryEvents:   events,
			DeletedNodes:    len(ld.deleted),
		}
	}
	return out
}

// NodeHistory returns a copy of one node's audit log.
func (s *Store) NodeHistory(l graph.Layer, id string) ([]graph.NodeHistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return nil, err
	}
	events := ld.history[id]
	out := make([]graph.NodeHistoryEvent, len(events))
	copy(out, events)
	return out, nil
}

// DeletedNodes returns a copy of one layer's deleted-id list.
func (s *Store) DeletedNodes(l graph.Layer) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ld.deleted))
	copy(out, ld.deleted)
	return out, nil
}
