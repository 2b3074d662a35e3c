// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package changes classifies the transition between two snapshots of a
// layer.
//
// Consumers use the classification to pick a refresh strategy: Initial and
// Structural justify a full re-layout, PropertyOnly is patched in place so
// the viewport is preserved. A layer is never reported as both structural
// and property-only in one cycle.
package changes

import (
	"context"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// Kind is the classification of a layer transition.
type Kind string

const (
	KindInitial      Kind = "initial"
	KindNoOp         Kind = "noop"
	KindStructural   Kind = "structural"
	KindPropertyOnly Kind = "property-only"
)

// Change is the result of comparing two snapshots of one layer.
//
// Only the fields matching Kind are populated.
type Change struct {
	Kind Kind `json:"kind"`

	// Structural.
	AddedNodes     []graph.GraphNode `json:"addedNodes,omitempty"`
	AddedEdges     []graph.GraphEdge `json:"addedEdges,omitempty"`
	RemovedNodeIDs []string          `json:"removedNodeIds,omitempty"`
	RemovedEdgeIDs []string          `json:"removedEdgeIds,omitempty"`

	// PropertyOnly. A nil value means the field was removed.
	NodeUpdates map[string]graph.Properties `json:"nodeUpdates,omitempty"`
	EdgeUpdates map[string]graph.Properties `json:"edgeUpdates,omitempty"`
}

// NeedsFullRefresh reports whether consumers should re-layout.
func (c Change) NeedsFullRefresh() bool {
	return c.Kind == KindInitial || c.Kind == KindStructural
}

// setFields are list-valued fields whose order carries no meaning.
var setFields = map[string]struct{}{
	"supportsFeatures": {},
	"supportedBy":      {},
}

var equalOpts = []cmp.Option{cmpopts.EquateEmpty()}

// Detect classifies the transition from old to updated.
//
// Description:
//
//	Initial if old is empty and updated is not; NoOp if both are empty.
//	Otherwise any node or edge id added or removed makes it Structural,
//	with added objects taken from updated (in its order) and removed ids
//	from old (in its order). With identical id sets, fields are compared
//	per id over the union of keys; ids with at least one differing field
//	get a partial update holding the new values. No differing field means
//	NoOp.
//
// Outputs:
//
//	Change - The classification.
//	error - Non-nil only if a node's preserved fields cannot be encoded.
func Detect(old, updated graph.LayerGraph) (Change, error) {
	switch {
	case old.IsEmpty() && updated.IsEmpty():
		return Change{Kind: KindNoOp}, nil
	case old.IsEmpty():
		return Change{Kind: KindInitial}, nil
	}

	oldNodes := make(map[string]graph.GraphNode, len(old.Nodes))
	for _, n := range old.Nodes {
		oldNodes[n.ID] = n
	}
	oldEdges := make(map[string]graph.GraphEdge, len(old.Edges))
	for _, e := range old.Edges {
		oldEdges[e.ID] = e
	}
	newNodeIDs := make(map[string]struct{}, len(updated.Nodes))
	newEdgeIDs := make(map[string]struct{}, len(updated.Edges))

	var structural Change
	for _, n := range updated.Nodes {
		newNodeIDs[n.ID] = struct{}{}
		if _, ok := oldNodes[n.ID]; !ok {
			structural.AddedNodes = append(structural.AddedNodes, n.Clone())
		}
	}
	for _, e := range updated.Edges {
		newEdgeIDs[e.ID] = struct{}{}
		if _, ok := oldEdges[e.ID]; !ok {
			structural.AddedEdges = append(structural.AddedEdges, e.Clone())
		}
	}
	for _, n := range old.Nodes {
		if _, ok := newNodeIDs[n.ID]; !ok {
			structural.RemovedNodeIDs = append(structural.RemovedNodeIDs, n.ID)
		}
	}
	for _, e := range old.Edges {
		if _, ok := newEdgeIDs[e.ID]; !ok {
			structural.RemovedEdgeIDs = append(structural.RemovedEdgeIDs, e.ID)
		}
	}
	if len(structural.AddedNodes)+len(structural.AddedEdges)+
		len(structural.RemovedNodeIDs)+len(structural.RemovedEdgeIDs) > 0 {
		structural.Kind = KindStructural
		return structural, nil
	}

	nodeUpdates := make(map[string]graph.Properties)
	for _, n := range updated.Nodes {
		before, err := graph.NodeProperties(oldNodes[n.ID])
		if err != nil {
			return Change{}, err
		}
		after, err := graph.NodeProperties(n)
		if err != nil {
			return Change{}, err
		}
		if diff := DiffProperties(before, after); len(diff) > 0 {
			nodeUpdates[n.ID] = diff
		}
	}
	edgeUpdates := make(map[string]graph.Properties)
	for _, e := range updated.Edges {
		before, err := graph.EdgeProperties(oldEdges[e.ID])
		if err != nil {
			return Change{}, err
		}
		after, err := graph.EdgeProperties(e)
		if err != nil {
			return Change{}, err
		}
		if diff := DiffProperties(before, after); len(diff) > 0 {
			edgeUpdates[e.ID] = diff
		}
	}

	if len(nodeUpdates) == 0 && len(edgeUpdates) == 0 {
		return Change{Kind: KindNoOp}, nil
	}
	out := Change{Kind: KindPropertyOnly}
	if len(nodeUpdates) > 0 {
		out.NodeUpdates = nodeUpdates
	}
	if len(edgeUpdates) > 0 {
		out.EdgeUpdates = edgeUpdates
	}
	return out, nil
}

// DiffProperties returns the fields of after that differ from before.
//
// Description:
//
//	Compares over the union of keys. A key defined on one side only is a
//	difference; a key removed in after maps to nil. Values are compared
//	structurally with go-cmp: maps are order-independent, empty and nil
//	collections are equal, and set-valued fields ignore element order.
func DiffProperties(before, after graph.Properties) graph.Properties {
	diff := make(graph.Properties)
	for k, b := range before {
		a, ok := after[k]
		if !ok {
			if b != nil {
				diff[k] = nil
			}
			continue
		}
		if !valuesEqual(k, b, a) {
			diff[k] = a
		}
	}
	for k, a := range after {
		if _, ok := before[k]; ok {
			continue
		}
		if a != nil {
			diff[k] = a
		}
	}
	return diff
}

// FieldsEqual reports whether two values of the named field are equal
// under the same rules as DiffProperties.
func FieldsEqual(field string, a, b any) bool {
	return valuesEqual(field, a, b)
}

func valuesEqual(field string, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if _, isSet := setFields[field]; isSet {
		a, b = sortedList(a), sortedList(b)
	}
	return cmp.Equal(a, b, equalOpts...)
}

// sortedList returns a sorted copy of a decoded string list. Other values
// are returned unchanged.
func sortedList(v any) any {
	switch list := v.(type) {
	case []any:
		strs := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return v
			}
			strs = append(strs, s)
		}
		sort.Strings(strs)
		return strs
	case []string:
		out := append([]string(nil), list...)
		sort.Strings(out)
		return out
	default:
		return v
	}
}

// DetectAll classifies every layer concurrently.
//
// Description:
//
//	Runs Detect once per layer in its own goroutine. Layers missing from a
//	document are treated as empty.
//
// Outputs:
//
//	map[graph.Layer]Change - One entry per layer.
//	error - The first Detect error; ctx cancellation.
func DetectAll(ctx context.Context, old, updated *graph.SharedGraphState) (map[graph.Layer]Change, error) {
	layers := graph.AllLayers()
	results := make([]Change, len(layers))

	g, ctx := errgroup.WithContext(ctx)
	for i, l := range layers {
		var before, after graph.LayerGraph
		if old != nil {
			before = old.Graphs[l]
		}
		if updated != nil {
			after = updated.Graphs[l]
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := Detect(before, after)
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[graph.Layer]Change, len(layers))
	for i, l := range layers {
		out[l] = results[i]
	}
	return out, nil
}
