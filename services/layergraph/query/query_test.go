// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
)

const impl = graph.LayerImplementation

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func nodeIDs(nodes []graph.GraphNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func newFixture(t *testing.T) *Engine {
	t.Helper()
	s := store.New(graph.SourceMCP)
	_, err := s.AddNodes(impl, []graph.GraphNode{
		{ID: "f1", Label: "server.go", Type: graph.NodeTypeFile, Technology: "Go", ProgressStatus: "done"},
		{ID: "f2", Label: "client.go", Type: graph.NodeTypeFile, Technology: "golang", SupportedBy: []string{"req-1"}},
		{ID: "C", Label: "Server", Type: graph.NodeTypeClass, IsAgentAdded: true, SupportsFeatures: []string{"feat-a"}},
		{ID: "fn", Label: "serve", Type: graph.NodeTypeFunction, Technology: "Python", SupportsFeatures: []string{"feat-a", "feat-b"}},
	})
	require.NoError(t, err)
	_, err = s.AddEdges(impl, []graph.GraphEdge{
		{ID: "e1", Source: "f1", Target: "C", EdgeType: graph.EdgeTypeImports, Label: "uses server"},
		{ID: "e2", Source: "C", Target: "fn", EdgeType: graph.EdgeTypeCalls},
		{ID: "e3", Source: "f2", Target: "f1", EdgeType: graph.EdgeTypeImports},
	})
	require.NoError(t, err)
	return NewEngine(s)
}

func TestQueryNodes_ScenarioB(t *testing.T) {
	e := newFixture(t)

	res, err := e.QueryNodes(context.Background(), impl, Filter{NodeTypes: []graph.NodeType{graph.NodeTypeClass}}, false)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []string{"C"}, nodeIDs(res.Nodes))
	assert.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, 1, res.ReturnedCount)
	assert.False(t, res.HasMore)
	assert.Nil(t, res.Edges)
}

func TestQueryNodes_PrimaryFilterPrecedence(t *testing.T) {
	e := newFixture(t)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{
			name:   "node ids win over types",
			filter: Filter{NodeIDs: []string{"fn", "missing", "fn"}, NodeTypes: []graph.NodeType{graph.NodeTypeClass}},
			want:   []string{"fn"},
		},
		{
			name:   "types win over features",
			filter: Filter{NodeTypes: []graph.NodeType{graph.NodeTypeFile, graph.NodeTypeClass}, SupportsFeatures: []string{"feat-b"}},
			want:   []string{"f1", "f2", "C"},
		},
		{
			name:   "feature union",
			filter: Filter{SupportsFeatures: []string{"feat-a", "feat-b"}},
			want:   []string{"C", "fn"},
		},
		{
			name:   "label prefix",
			filter: Filter{LabelPrefix: "SER"},
			want:   []string{"f1", "C", "fn"},
		},
		{
			name:   "full scan",
			filter: Filter{},
			want:   []string{"f1", "f2", "C", "fn"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.QueryNodes(context.Background(), impl, tt.filter, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, nodeIDs(res.Nodes))
		})
	}
}

func TestQueryNodes_PostFilters(t *testing.T) {
	e := newFixture(t)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"label pattern is case-insensitive", Filter{LabelPattern: "^serv"}, []string{"f1", "C", "fn"}},
		{"technology substring", Filter{Technology: "GO"}, []string{"f1", "f2"}},
		{"progress status exact", Filter{ProgressStatus: "done"}, []string{"f1"}},
		{"agent added", Filter{IsAgentAdded: boolPtr(true)}, []string{"C"}},
		{"agent added false", Filter{IsAgentAdded: boolPtr(false)}, []string{"f1", "f2", "fn"}},
		{"supported by", Filter{SupportedBy: []string{"req-1", "req-9"}}, []string{"f2"}},
		{"combined", Filter{NodeTypes: []graph.NodeType{graph.NodeTypeFile}, LabelPattern: "go$", Technology: "lang"}, []string{"f2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.QueryNodes(context.Background(), impl, tt.filter, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, nodeIDs(res.Nodes))
		})
	}
}

func TestQueryNodes_Pagination(t *testing.T) {
	e := newFixture(t)
	const total = 4

	for offset := 0; offset <= total+1; offset++ {
		for limit := 0; limit <= total+1; limit++ {
			t.Run(fmt.Sprintf("offset=%d/limit=%d", offset, limit), func(t *testing.T) {
				res, err := e.QueryNodes(context.Background(), impl, Filter{Offset: intPtr(offset), Limit: intPtr(limit)}, false)
				require.NoError(t, err)

				want := 0
				if offset < total {
					want = min(limit, total-offset)
				}
				assert.Equal(t, want, res.ReturnedCount)
				assert.Len(t, res.Nodes, want)
				assert.Equal(t, total, res.TotalMatches)
				assert.Equal(t, total > offset+limit, res.HasMore)
			})
		}
	}
}

func TestQueryNodes_HugeLimit(t *testing.T) {
	e := newFixture(t)

	res, err := e.QueryNodes(context.Background(), impl, Filter{Offset: intPtr(1), Limit: intPtr(math.MaxInt)}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ReturnedCount)
	assert.Equal(t, 4, res.TotalMatches)
	assert.False(t, res.HasMore)

	edges, err := e.QueryEdges(context.Background(), impl, Filter{Offset: intPtr(1), Limit: intPtr(math.MaxInt)})
	require.NoError(t, err)
	assert.Len(t, edges.Edges, 2)
	assert.False(t, edges.HasMore)

	edges, err = e.QueryEdges(context.Background(), impl, Filter{Offset: intPtr(math.MaxInt), Limit: intPtr(math.MaxInt)})
	require.NoError(t, err)
	assert.Empty(t, edges.Edges)
	assert.False(t, edges.HasMore)
}

func TestQueryNodes_DefaultLimit(t *testing.T) {
	s := store.New(graph.SourceMCP)
	nodes := make([]graph.GraphNode, 0, 150)
	for i := 0; i < 150; i++ {
		nodes = append(nodes, graph.GraphNode{ID: fmt.Sprintf("n%03d", i), Type: graph.NodeTypeFile})
	}
	_, err := s.AddNodes(impl, nodes)
	require.NoError(t, err)

	res, err := NewEngine(s).QueryNodes(context.Background(), impl, Filter{}, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, res.ReturnedCount)
	assert.True(t, res.HasMore)
	assert.Equal(t, "n000", res.Nodes[0].ID)
}

func TestQueryNodes_IncludeEdges(t *testing.T) {
	e := newFixture(t)

	res, err := e.QueryNodes(context.Background(), impl, Filter{NodeIDs: []string{"f1", "C", "f2"}}, true)
	require.NoError(t, err)
	require.Len(t, res.Edges, 2)
	assert.Equal(t, "e1", res.Edges[0].ID)
	assert.Equal(t, "e3", res.Edges[1].ID)

	res, err = e.QueryNodes(context.Background(), impl, Filter{
		NodeIDs:   []string{"f1", "C", "fn"},
		EdgeTypes: []graph.EdgeType{graph.EdgeTypeCalls},
	}, true)
	require.NoError(t, err)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "e2", res.Edges[0].ID)
}

func TestQueryNodes_Validation(t *testing.T) {
	e := newFixture(t)

	tests := []struct {
		name   string
		layer  graph.Layer
		filter Filter
	}{
		{"bad regex", impl, Filter{LabelPattern: "([a-"}},
		{"negative limit", impl, Filter{Limit: intPtr(-1)}},
		{"negative offset", impl, Filter{Offset: intPtr(-5)}},
		{"unknown layer", "frontend", Filter{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.QueryNodes(context.Background(), tt.layer, tt.filter, false)
			require.Error(t, err)
			assert.True(t, errors.Is(err, graph.ErrValidation))
		})
	}
}

func TestQueryEdges(t *testing.T) {
	e := newFixture(t)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"e1", "e2", "e3"}},
		{"by type", Filter{EdgeTypes: []graph.EdgeType{graph.EdgeTypeImports}}, []string{"e1", "e3"}},
		{"by source", Filter{SourceIDs: []string{"C"}}, []string{"e2"}},
		{"by target", Filter{EdgeTypes: []graph.EdgeType{graph.EdgeTypeImports}, TargetIDs: []string{"f1"}}, []string{"e3"}},
		{"by label", Filter{LabelPattern: "SERVER"}, []string{"e1"}},
		{"paged", Filter{Offset: intPtr(1), Limit: intPtr(1)}, []string{"e2"}},
		{"repeated types", Filter{EdgeTypes: []graph.EdgeType{graph.EdgeTypeImports, graph.EdgeTypeImports}}, []string{"e1", "e3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.QueryEdges(context.Background(), impl, tt.filter)
			require.NoError(t, err)
			got := make([]string, 0, len(res.Edges))
			for _, edge := range res.Edges {
				got = append(got, edge.ID)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want), res.TotalMatches)
			assert.Empty(t, res.Nodes)
		})
	}
}
