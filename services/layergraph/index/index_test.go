// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

func ids(nodes []*graph.GraphNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func buildIndex(t *testing.T) *Manager {
	t.Helper()
	nodes := []*graph.GraphNode{
		{ID: "a", Label: "Alpha", Type: graph.NodeTypeFile, SupportsFeatures: []string{"f1"}},
		{ID: "b", Label: "alphabet", Type: graph.NodeTypeFile},
		{ID: "c", Label: "Charlie", Type: graph.NodeTypeClass, SupportsFeatures: []string{"f1", "f2"}},
	}
	edges := []*graph.GraphEdge{
		{ID: "e1", Source: "a", Target: "b", EdgeType: graph.EdgeTypeImports},
		{ID: "e2", Source: "b", Target: "c", EdgeType: graph.EdgeTypeCalls},
	}
	m := New()
	m.Rebuild(nodes, edges)
	require.NoError(t, m.Validate())
	return m
}

func TestManager_Lookups(t *testing.T) {
	m := buildIndex(t)

	n, ok := m.NodeByID("c")
	require.True(t, ok)
	assert.Equal(t, "Charlie", n.Label)

	_, ok = m.NodeByID("missing")
	assert.False(t, ok)

	e, ok := m.EdgeByID("e2")
	require.True(t, ok)
	assert.Equal(t, "b", e.Source)

	assert.Equal(t, []string{"a", "b"}, ids(m.NodesByType(graph.NodeTypeFile)))
	assert.Equal(t, []string{"a", "c"}, ids(m.NodesByFeature("f1")))
	assert.Empty(t, m.NodesByFeature("nope"))
	assert.Len(t, m.EdgesByType(graph.EdgeTypeCalls), 1)
}

func TestManager_UnionLookupsIgnoreRepeatedKeys(t *testing.T) {
	m := buildIndex(t)

	edges := m.EdgesByTypes([]graph.EdgeType{graph.EdgeTypeCalls, graph.EdgeTypeImports, graph.EdgeTypeCalls})
	got := make([]string, 0, len(edges))
	for _, e := range edges {
		got = append(got, e.ID)
	}
	assert.Equal(t, []string{"e1", "e2"}, got)

	assert.Equal(t, []string{"a", "b"}, ids(m.NodesByTypes([]graph.NodeType{graph.NodeTypeFile, graph.NodeTypeFile})))
	assert.Equal(t, []string{"a", "c"}, ids(m.NodesByFeatures([]string{"f1", "f2", "f1"})))
}

func TestManager_FindNodesByLabelPrefix(t *testing.T) {
	m := buildIndex(t)

	tests := []struct {
		prefix string
		want   []string
	}{
		{"a", []string{"a", "b"}},
		{"AL", []string{"a", "b"}},
		{"alp", []string{"a", "b"}},
		{"alpha", []string{"a", "b"}},
		{"alphab", []string{"b"}},
		{"ch", []string{"c"}},
		{"z", []string{}},
		{"", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(m.FindNodesByLabelPrefix(tt.prefix)))
		})
	}
}

func TestManager_Adjacency(t *testing.T) {
	m := buildIndex(t)

	adj, ok := m.Adjacency("b")
	require.True(t, ok)
	assert.Equal(t, []string{"e2"}, adj.Outgoing)
	assert.Equal(t, []string{"e1"}, adj.Incoming)

	_, ok = m.Adjacency("unknown")
	assert.False(t, ok)

	// Returned lists are copies.
	adj.Outgoing[0] = "x"
	again, _ := m.Adjacency("b")
	assert.Equal(t, []string{"e2"}, again.Outgoing)
}

func TestManager_IncrementalUpdates(t *testing.T) {
	m := buildIndex(t)

	t.Run("update moves node between type and label buckets", func(t *testing.T) {
		m.UpdateNode(&graph.GraphNode{ID: "a", Label: "Zulu", Type: graph.NodeTypeClass})
		assert.Equal(t, []string{"b"}, ids(m.NodesByType(graph.NodeTypeFile)))
		assert.Equal(t, []string{"a", "c"}, ids(m.NodesByType(graph.NodeTypeClass)))
		assert.Equal(t, []string{"a"}, ids(m.FindNodesByLabelPrefix("zu")))
		assert.Equal(t, []string{"c"}, ids(m.NodesByFeature("f1")))
		require.NoError(t, m.Validate())
	})

	t.Run("remove edge updates adjacency", func(t *testing.T) {
		m.RemoveEdge("e1")
		adj, ok := m.Adjacency("a")
		require.True(t, ok)
		assert.Empty(t, adj.Outgoing)
		require.NoError(t, m.Validate())
	})

	t.Run("remove node drops all node indexes", func(t *testing.T) {
		m.RemoveNode("a")
		assert.False(t, m.HasNode("a"))
		assert.Empty(t, m.FindNodesByLabelPrefix("zulu"))
		assert.Equal(t, 2, m.NodeCount())
		require.NoError(t, m.Validate())
	})
}

func TestManager_DanglingEdgeBecomesReachable(t *testing.T) {
	m := New()
	m.AddNode(&graph.GraphNode{ID: "a", Type: graph.NodeTypeFile})
	m.AddEdge(&graph.GraphEdge{ID: "e", Source: "a", Target: "later"})

	_, ok := m.Adjacency("later")
	assert.False(t, ok)

	m.AddNode(&graph.GraphNode{ID: "later", Type: graph.NodeTypeFile})
	adj, ok := m.Adjacency("later")
	require.True(t, ok)
	assert.Equal(t, []string{"e"}, adj.Incoming)
}

func TestManager_RebuildReplacesEverything(t *testing.T) {
	m := buildIndex(t)
	m.Rebuild([]*graph.GraphNode{{ID: "z", Label: "Zed", Type: graph.NodeTypeModule}}, nil)

	assert.Equal(t, 1, m.NodeCount())
	assert.Equal(t, 0, m.EdgeCount())
	assert.False(t, m.HasNode("a"))
	assert.Empty(t, m.NodesByFeature("f1"))
	require.NoError(t, m.Validate())
}
