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

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLayer(t *testing.T) {
	tests := []struct {
		in      string
		want    Layer
		wantErr bool
	}{
		{"blueprint", LayerBlueprint, false},
		{"architecture", LayerArchitecture, false},
		{"implementation", LayerImplementation, false},
		{"dependencies", LayerDependencies, false},
		{"Implementation", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLayer(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidLayer))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllLayers_ReturnsCopy(t *testing.T) {
	layers := AllLayers()
	require.Len(t, layers, 4)
	layers[0] = "mutated"
	assert.Equal(t, LayerBlueprint, AllLayers()[0])
}

func TestGraphNode_JSONPreservesUnknownKeys(t *testing.T) {
	in := `{"id":"n1","label":"A","type":"file","linesOfCode":12,"futureField":{"x":1},"color":"red"}`

	var n GraphNode
	require.NoError(t, json.Unmarshal([]byte(in), &n))
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, 12, n.LinesOfCode)
	assert.Equal(t, "red", n.Extra["color"])
	assert.Equal(t, map[string]any{"x": float64(1)}, n.Extra["futureField"])

	out, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestGraphEdge_JSONRoundTrip(t *testing.T) {
	in := `{"id":"e1","source":"a","target":"b","edgeType":"imports","weight":3}`

	var e GraphEdge
	require.NoError(t, json.Unmarshal([]byte(in), &e))
	assert.Equal(t, EdgeTypeImports, e.EdgeType)
	assert.Equal(t, float64(3), e.Extra["weight"])

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestNodeProperties_OmitsUndefinedFields(t *testing.T) {
	props, err := NodeProperties(GraphNode{ID: "n1", Label: "A", Type: NodeTypeClass})
	require.NoError(t, err)

	assert.Equal(t, Properties{"id": "n1", "label": "A", "type": "class"}, props)
}

func TestApplyNodeUpdate(t *testing.T) {
	n := GraphNode{ID: "n1", Label: "A", Type: NodeTypeFile, LinesOfCode: 10}

	t.Run("changes and clears fields", func(t *testing.T) {
		updated, changed, err := ApplyNodeUpdate(n, Properties{
			"label":       "B",
			"linesOfCode": nil,
			"technology":  "go",
		})
		require.NoError(t, err)
		assert.Equal(t, "B", updated.Label)
		assert.Equal(t, 0, updated.LinesOfCode)
		assert.Equal(t, "go", updated.Technology)
		assert.ElementsMatch(t, []string{"label", "linesOfCode", "technology"}, changed)
	})

	t.Run("same value is not a change", func(t *testing.T) {
		_, changed, err := ApplyNodeUpdate(n, Properties{"linesOfCode": 10})
		require.NoError(t, err)
		assert.Empty(t, changed)
	})

	t.Run("id is immutable", func(t *testing.T) {
		updated, _, err := ApplyNodeUpdate(n, Properties{"id": "other"})
		require.NoError(t, err)
		assert.Equal(t, "n1", updated.ID)
	})

	t.Run("wrong type is a validation error", func(t *testing.T) {
		_, _, err := ApplyNodeUpdate(n, Properties{"linesOfCode": "many"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
	})
}

func TestSharedGraphState_EnsureLayersAndClone(t *testing.T) {
	s := &SharedGraphState{}
	s.EnsureLayers()

	for _, l := range AllLayers() {
		assert.NotNil(t, s.Graphs[l].Nodes)
		assert.NotNil(t, s.NodeHistory[l])
		assert.NotNil(t, s.DeletedNodes[l])
	}
	assert.Equal(t, LayerArchitecture, s.CurrentLayer)

	g := s.Graphs[LayerImplementation]
	g.Nodes = append(g.Nodes, GraphNode{ID: "a", SupportsFeatures: []string{"f1"}})
	s.Graphs[LayerImplementation] = g
	s.DeletedNodes[LayerImplementation] = []string{"x"}

	c := s.Clone()
	c.Graphs[LayerImplementation].Nodes[0].SupportsFeatures[0] = "changed"
	c.DeletedNodes[LayerImplementation][0] = "y"

	assert.Equal(t, "f1", s.Graphs[LayerImplementation].Nodes[0].SupportsFeatures[0])
	assert.Equal(t, "x", s.DeletedNodes[LayerImplementation][0])
}
