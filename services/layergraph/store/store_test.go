// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/index"
)

const impl = graph.LayerImplementation

func fixedClock() func() time.Time {
	t0 := time.UnixMilli(1_700_000_000_000)
	return func() time.Time { return t0 }
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(graph.SourceExtension, WithClock(fixedClock()))
	require.NoError(t, s.AddNode(impl, graph.GraphNode{ID: "a", Label: "A", Type: graph.NodeTypeFile}))
	require.NoError(t, s.AddNode(impl, graph.GraphNode{ID: "b", Label: "B", Type: graph.NodeTypeFile}))
	require.NoError(t, s.AddNode(impl, graph.GraphNode{ID: "c", Label: "C", Type: graph.NodeTypeClass}))
	require.NoError(t, s.AddEdge(impl, graph.GraphEdge{ID: "ab", Source: "a", Target: "b", EdgeType: graph.EdgeTypeImports}))
	require.NoError(t, s.AddEdge(impl, graph.GraphEdge{ID: "bc", Source: "b", Target: "c", EdgeType: graph.EdgeTypeCalls}))
	return s
}

func TestStore_AddNodeValidation(t *testing.T) {
	s := newTestStore(t)

	err := s.AddNode(impl, graph.GraphNode{ID: "a"})
	assert.True(t, errors.Is(err, graph.ErrDuplicateNode))

	err = s.AddNode(impl, graph.GraphNode{})
	assert.True(t, errors.Is(err, graph.ErrInvalidNode))

	err = s.AddNode("nope", graph.GraphNode{ID: "x"})
	assert.True(t, errors.Is(err, graph.ErrInvalidLayer))

	err = s.AddEdge(impl, graph.GraphEdge{ID: "ab", Source: "a", Target: "b"})
	assert.True(t, errors.Is(err, graph.ErrDuplicateEdge))

	err = s.AddEdge(impl, graph.GraphEdge{ID: "x", Source: "a"})
	assert.True(t, errors.Is(err, graph.ErrInvalidEdge))
}

func TestStore_LayersAreIsolated(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(graph.LayerBlueprint, graph.GraphNode{ID: "a", Label: "Feature"}))

	_, err := s.GetNode(graph.LayerArchitecture, "a")
	assert.True(t, errors.Is(err, graph.ErrNodeNotFound))

	n, err := s.GetNode(graph.LayerBlueprint, "a")
	require.NoError(t, err)
	assert.Equal(t, "Feature", n.Label)
}

func TestStore_UpdateNode(t *testing.T) {
	s := newTestStore(t)

	updated, changed, err := s.UpdateNode(impl, "a", graph.Properties{"label": "Renamed", "linesOfCode": 42})
	require.NoError(t, err)
	assert.Equal(t, []string{"label", "linesOfCode"}, changed)
	assert.Equal(t, 42, updated.LinesOfCode)

	err = s.Read(impl, func(ix *index.Manager) error {
		assert.Len(t, ix.FindNodesByLabelPrefix("ren"), 1)
		assert.Empty(t, ix.FindNodesByLabelPrefix("a"))
		return ix.Validate()
	})
	require.NoError(t, err)

	history, err := s.NodeHistory(impl, "a")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, graph.HistoryChanged, history[2].Action)
	assert.Equal(t, "label,linesOfCode", history[2].Details)

	_, _, err = s.UpdateNode(impl, "missing", graph.Properties{"label": "x"})
	assert.True(t, errors.Is(err, graph.ErrNodeNotFound))
}

func TestStore_UpdateNodeWithoutChangeIsSilent(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	s.OnMutation(func(Mutation) { calls++ })

	_, changed, err := s.UpdateNode(impl, "a", graph.Properties{"label": "A"})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 0, calls)
}

func TestStore_RemoveNodeRemovesIncidentEdges(t *testing.T) {
	s := newTestStore(t)

	removed, err := s.RemoveNode(impl, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	g, err := s.LayerGraph(impl)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	assert.Empty(t, g.Edges)

	deleted, err := s.DeletedNodes(impl)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, deleted)

	history, err := s.NodeHistory(impl, "b")
	require.NoError(t, err)
	assert.Equal(t, graph.HistoryRemoved, history[len(history)-1].Action)

	aHistory, _ := s.NodeHistory(impl, "a")
	assert.Equal(t, graph.HistoryEdgeRemoved, aHistory[len(aHistory)-1].Action)

	require.NoError(t, s.Read(impl, func(ix *index.Manager) error { return ix.Validate() }))

	_, err = s.RemoveNode(impl, "b")
	assert.True(t, errors.Is(err, graph.ErrNodeNotFound))
}

func TestStore_UpdateEdgeRewiresAdjacency(t *testing.T) {
	s := newTestStore(t)

	_, changed, err := s.UpdateEdge(impl, "ab", graph.Properties{"target": "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"target"}, changed)

	err = s.Read(impl, func(ix *index.Manager) error {
		adj, ok := ix.Adjacency("c")
		require.True(t, ok)
		assert.ElementsMatch(t, []string{"ab", "bc"}, adj.Incoming)
		b, _ := ix.Adjacency("b")
		assert.Empty(t, b.Incoming)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ProposedChanges(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AddNode(impl, graph.GraphNode{ID: "f", Label: "main.go", Type: graph.NodeTypeFile, FilePath: "cmd/main.go"}))

	for _, bad := range []graph.ProposedChange{
		{Name: "x"},
		{NodeID: "a"},
		{FilePath: "cmd/main.go", Name: "x", Timestamp: -1},
	} {
		_, err := s.ProposeChange(impl, bad)
		assert.True(t, errors.Is(err, graph.ErrValidation), "%+v", bad)
	}
	assert.Equal(t, 0, s.Stats()[impl].ProposedChanges)

	_, err := s.ProposeChange(impl, graph.ProposedChange{NodeID: "a", Name: "first", Summary: "s"})
	require.NoError(t, err)

	_, err = s.ProposeChange(impl, graph.ProposedChange{NodeID: "a", Name: "second", Summary: "s2", Intention: "why"})
	require.NoError(t, err)
	_, err = s.ProposeChange(impl, graph.ProposedChange{FilePath: "cmd/main.go", Name: "entry", Timestamp: 99})
	require.NoError(t, err)

	list, err := s.ListProposedChanges(impl)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Name)

	t.Run("apply by node id", func(t *testing.T) {
		n, err := s.ApplyProposedChange(impl, "a")
		require.NoError(t, err)
		assert.Equal(t, "second", n.ChangeName)
		assert.Equal(t, "why", n.ChangeIntention)
		assert.Equal(t, int64(1_700_000_000_000), n.ChangeTimestamp)

		history, _ := s.NodeHistory(impl, "a")
		assert.Equal(t, graph.HistoryChangeApplied, history[len(history)-1].Action)
	})

	t.Run("apply by file path", func(t *testing.T) {
		n, err := s.ApplyProposedChange(impl, "cmd/main.go")
		require.NoError(t, err)
		assert.Equal(t, "f", n.ID)
		assert.Equal(t, int64(99), n.ChangeTimestamp)
	})

	t.Run("missing proposal", func(t *testing.T) {
		_, err := s.ApplyProposedChange(impl, "a")
		assert.True(t, errors.Is(err, graph.ErrProposedChangeNotFound))
	})

	_, err = s.ProposeChange(impl, graph.ProposedChange{NodeID: "b", Name: "later"})
	require.NoError(t, err)
	cleared, err := s.ClearProposedChanges(impl)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
}

func TestStore_SnapshotAndReplace(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetCurrentLayer(impl))
	s.SetAgentOnlyMode(true)

	snap := s.Snapshot()
	assert.Equal(t, graph.SourceExtension, snap.Source)
	assert.Equal(t, impl, snap.CurrentLayer)
	assert.True(t, snap.AgentOnlyMode)
	assert.Len(t, snap.Graphs[impl].Nodes, 3)

	// Snapshot is detached from the store.
	snap.Graphs[impl].Nodes[0].Label = "mutated"
	n, _ := s.GetNode(impl, "a")
	assert.Equal(t, "A", n.Label)

	other := New(graph.SourceMCP)
	snap.Version = 7
	other.Replace(snap)
	assert.Equal(t, int64(7), other.Version())
	assert.Equal(t, impl, other.CurrentLayer())

	err := other.Read(impl, func(ix *index.Manager) error {
		assert.Equal(t, 3, ix.NodeCount())
		assert.Equal(t, 2, ix.EdgeCount())
		adj, ok := ix.Adjacency("b")
		require.True(t, ok)
		assert.Equal(t, []string{"bc"}, adj.Outgoing)
		return ix.Validate()
	})
	require.NoError(t, err)
}

func TestStore_ReplaceSkipsDuplicateIDs(t *testing.T) {
	state := graph.NewSharedGraphState(graph.SourceMCP)
	state.Graphs[impl] = graph.LayerGraph{
		Nodes: []graph.GraphNode{{ID: "x", Label: "first"}, {ID: "x", Label: "second"}},
	}
	s := New(graph.SourceExtension)
	s.Replace(state)

	n, err := s.GetNode(impl, "x")
	require.NoError(t, err)
	assert.Equal(t, "first", n.Label)
	assert.Equal(t, 1, s.Stats()[impl].Nodes)
}

func TestStore_MutationListener(t *testing.T) {
	s := New(graph.SourceExtension)
	var mu sync.Mutex
	var got []Mutation
	s.OnMutation(func(m Mutation) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	n, err := s.AddNodes(impl, []graph.GraphNode{{ID: "a"}, {ID: "b"}, {ID: "a"}})
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, graph.ErrDuplicateNode))

	err = s.RemoveEdge(impl, "nope")
	assert.True(t, errors.Is(err, graph.ErrEdgeNotFound))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, MutationBatch, got[0].Kind)
}

func TestStore_ReplaceIfRejectsRacedMutation(t *testing.T) {
	s := newTestStore(t)
	seq := s.Sequence()
	snap := s.Snapshot()

	require.NoError(t, s.AddNode(impl, graph.GraphNode{ID: "late"}))
	assert.Greater(t, s.Sequence(), seq)

	assert.False(t, s.ReplaceIf(snap, seq))
	_, err := s.GetNode(impl, "late")
	assert.NoError(t, err, "rejected replace must leave the store untouched")

	seq = s.Sequence()
	snap.Version = 9
	assert.True(t, s.ReplaceIf(snap, seq))
	assert.Equal(t, int64(9), s.Version())
	assert.Equal(t, seq, s.Sequence(), "replace does not count as a local mutation")
}

func TestStore_FailedMutationDoesNotAdvanceSequence(t *testing.T) {
	s := newTestStore(t)
	seq := s.Sequence()
	require.Error(t, s.AddNode(impl, graph.GraphNode{ID: "a"}))
	require.Error(t, s.RemoveEdge(impl, "missing"))
	assert.Equal(t, seq, s.Sequence())
}
