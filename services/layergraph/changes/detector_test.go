// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package changes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

func layer(nodes []graph.GraphNode, edges []graph.GraphEdge) graph.LayerGraph {
	return graph.LayerGraph{Nodes: nodes, Edges: edges}
}

func TestDetect_Classification(t *testing.T) {
	base := layer(
		[]graph.GraphNode{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}},
		[]graph.GraphEdge{{ID: "ab", Source: "a", Target: "b"}},
	)

	tests := []struct {
		name string
		old  graph.LayerGraph
		new  graph.LayerGraph
		want Kind
	}{
		{"both empty", graph.LayerGraph{}, graph.LayerGraph{}, KindNoOp},
		{"first load", graph.LayerGraph{}, base, KindInitial},
		{"identical", base, base.Clone(), KindNoOp},
		{"everything removed", base, graph.LayerGraph{}, KindStructural},
		{"node added", base, layer(append(base.Clone().Nodes, graph.GraphNode{ID: "c"}), base.Edges), KindStructural},
		{"label changed", base, layer([]graph.GraphNode{{ID: "a", Label: "A2"}, {ID: "b", Label: "B"}}, base.Edges), KindPropertyOnly},
		{"reordered only", base, layer([]graph.GraphNode{{ID: "b", Label: "B"}, {ID: "a", Label: "A"}}, base.Edges), KindNoOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.old, tt.new)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
}

func TestDetect_StructuralPayload(t *testing.T) {
	old := layer(
		[]graph.GraphNode{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		[]graph.GraphEdge{{ID: "ab", Source: "a", Target: "b"}, {ID: "bc", Source: "b", Target: "c"}},
	)
	updated := layer(
		// b is also relabelled; structural wins and no property diff is reported.
		[]graph.GraphNode{{ID: "a"}, {ID: "b", Label: "changed"}, {ID: "d"}, {ID: "e"}},
		[]graph.GraphEdge{{ID: "ab", Source: "a", Target: "b"}, {ID: "bd", Source: "b", Target: "d"}},
	)

	got, err := Detect(old, updated)
	require.NoError(t, err)
	assert.Equal(t, KindStructural, got.Kind)
	require.Len(t, got.AddedNodes, 2)
	assert.Equal(t, "d", got.AddedNodes[0].ID)
	assert.Equal(t, "e", got.AddedNodes[1].ID)
	require.Len(t, got.AddedEdges, 1)
	assert.Equal(t, "bd", got.AddedEdges[0].ID)
	assert.Equal(t, []string{"c"}, got.RemovedNodeIDs)
	assert.Equal(t, []string{"bc"}, got.RemovedEdgeIDs)
	assert.Nil(t, got.NodeUpdates)
	assert.True(t, got.NeedsFullRefresh())
}

func TestDetect_PropertyPayload(t *testing.T) {
	old := layer(
		[]graph.GraphNode{
			{ID: "a", Label: "A", LinesOfCode: 10, SupportsFeatures: []string{"f1", "f2"}},
			{ID: "b", Label: "B", Technology: "Go"},
		},
		[]graph.GraphEdge{{ID: "ab", Source: "a", Target: "b", Label: "x"}},
	)
	updated := layer(
		[]graph.GraphNode{
			// Feature order differs only: not a change.
			{ID: "a", Label: "A", LinesOfCode: 12, SupportsFeatures: []string{"f2", "f1"}},
			// Technology removed.
			{ID: "b", Label: "B", Extra: map[string]any{"color": "red"}},
		},
		[]graph.GraphEdge{{ID: "ab", Source: "a", Target: "b", Label: "y"}},
	)

	got, err := Detect(old, updated)
	require.NoError(t, err)
	require.Equal(t, KindPropertyOnly, got.Kind)
	assert.False(t, got.NeedsFullRefresh())

	assert.Equal(t, map[string]graph.Properties{
		"a": {"linesOfCode": float64(12)},
		"b": {"technology": nil, "color": "red"},
	}, got.NodeUpdates)
	assert.Equal(t, map[string]graph.Properties{
		"ab": {"label": "y"},
	}, got.EdgeUpdates)
	assert.Empty(t, got.AddedNodes)
}

func TestDiffProperties_StructuralEquality(t *testing.T) {
	tests := []struct {
		name   string
		before graph.Properties
		after  graph.Properties
		want   graph.Properties
	}{
		{"both undefined", graph.Properties{}, graph.Properties{}, graph.Properties{}},
		{"both null", graph.Properties{"x": nil}, graph.Properties{"x": nil}, graph.Properties{}},
		{"undefined vs null", graph.Properties{}, graph.Properties{"x": nil}, graph.Properties{}},
		{"one side undefined", graph.Properties{"x": 1.0}, graph.Properties{}, graph.Properties{"x": nil}},
		{"map key order", graph.Properties{"m": map[string]any{"a": 1.0, "b": 2.0}}, graph.Properties{"m": map[string]any{"b": 2.0, "a": 1.0}}, graph.Properties{}},
		{"nested change", graph.Properties{"m": map[string]any{"a": 1.0}}, graph.Properties{"m": map[string]any{"a": 2.0}}, graph.Properties{"m": map[string]any{"a": 2.0}}},
		{"ordinary list order matters", graph.Properties{"l": []any{"a", "b"}}, graph.Properties{"l": []any{"b", "a"}}, graph.Properties{"l": []any{"b", "a"}}},
		{"empty list equals empty", graph.Properties{"l": []any{}}, graph.Properties{"l": []any(nil)}, graph.Properties{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffProperties(tt.before, tt.after))
		})
	}
}

func TestDetectAll_RunsEveryLayer(t *testing.T) {
	old := graph.NewSharedGraphState(graph.SourceExtension)
	updated := old.Clone()

	updated.Graphs[graph.LayerBlueprint] = layer([]graph.GraphNode{{ID: "f"}}, nil)
	old.Graphs[graph.LayerImplementation] = layer([]graph.GraphNode{{ID: "a", Label: "A"}}, nil)
	updated.Graphs[graph.LayerImplementation] = layer([]graph.GraphNode{{ID: "a", Label: "B"}}, nil)

	got, err := DetectAll(context.Background(), old, updated)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, KindInitial, got[graph.LayerBlueprint].Kind)
	assert.Equal(t, KindNoOp, got[graph.LayerArchitecture].Kind)
	assert.Equal(t, KindPropertyOnly, got[graph.LayerImplementation].Kind)
	assert.Equal(t, KindNoOp, got[graph.LayerDependencies].Kind)
}
