// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query filters and paginates nodes and edges of one layer.
//
// Every query picks exactly one index-backed primary filter, applies the
// remaining post-filters to that candidate set, then paginates. Queries
// only read through the layer's index.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/index"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

const (
	// DefaultLimit is the page size when the filter does not set one.
	DefaultLimit = 100

	// DefaultOffset is the page start when the filter does not set one.
	DefaultOffset = 0
)

var filterValidate = validator.New()

// Filter selects nodes or edges.
//
// Nil or empty fields do not filter. Limit and Offset are pointers so that
// an explicit zero can be told apart from "use the default".
type Filter struct {
	NodeIDs          []string         `json:"nodeIds,omitempty"`
	NodeTypes        []graph.NodeType `json:"nodeTypes,omitempty"`
	SupportsFeatures []string         `json:"supportsFeatures,omitempty"`
	LabelPrefix      string           `json:"labelPrefix,omitempty"`

	// LabelPattern is a regular expression matched case-insensitively.
	LabelPattern   string   `json:"labelPattern,omitempty"`
	Technology     string   `json:"technology,omitempty"`
	ProgressStatus string   `json:"progressStatus,omitempty"`
	IsAgentAdded   *bool    `json:"isAgentAdded,omitempty"`
	SupportedBy    []string `json:"supportedBy,omitempty"`

	EdgeTypes []graph.EdgeType `json:"edgeTypes,omitempty"`
	SourceIDs []string         `json:"sourceIds,omitempty"`
	TargetIDs []string         `json:"targetIds,omitempty"`

	Limit  *int `json:"limit,omitempty" validate:"omitempty,gte=0"`
	Offset *int `json:"offset,omitempty" validate:"omitempty,gte=0"`
}

// Result is the response shape of both query operations.
type Result struct {
	Success         bool              `json:"success"`
	Layer           graph.Layer       `json:"layer"`
	TotalMatches    int               `json:"totalMatches"`
	ReturnedCount   int               `json:"returnedCount"`
	HasMore         bool              `json:"hasMore"`
	Nodes           []graph.GraphNode `json:"nodes"`
	Edges           []graph.GraphEdge `json:"edges,omitempty"`
	ExecutionTimeMs float64           `json:"executionTimeMs"`
}

// Engine runs queries against a store.
//
// Thread Safety: safe for concurrent use; each query holds the store's
// read lock for its duration.
type Engine struct {
	store *store.Store
}

// NewEngine creates a query engine over s.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

type validatedFilter struct {
	Filter
	pattern *regexp.Regexp
	limit   int
	offset  int
}

// validate rejects malformed input before any index access.
func validate(layer graph.Layer, f Filter) (*validatedFilter, error) {
	if !layer.IsValid() {
		return nil, fmt.Errorf("%w: %w: %q", graph.ErrValidation, graph.ErrInvalidLayer, layer)
	}
	if err := filterValidate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrValidation, err)
	}
	vf := &validatedFilter{Filter: f, limit: DefaultLimit, offset: DefaultOffset}
	if f.Limit != nil {
		vf.limit = *f.Limit
	}
	if f.Offset != nil {
		vf.offset = *f.Offset
	}
	if f.LabelPattern != "" {
		re, err := regexp.Compile("(?i)" + f.LabelPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: labelPattern: %v", graph.ErrValidation, err)
		}
		vf.pattern = re
	}
	return vf, nil
}

// QueryNodes returns the nodes of a layer matching filter.
//
// Description:
//
//	Primary filter, first one set wins: NodeIDs, NodeTypes,
//	SupportsFeatures, LabelPrefix, else a full scan. Lower-priority
//	primary fields are ignored once a higher one is chosen. Post-filters
//	then apply in order: LabelPattern, Technology (case-insensitive
//	substring), ProgressStatus, IsAgentAdded, SupportedBy (any overlap).
//	The match list is paginated with Offset/Limit.
//
// Inputs:
//
//	ctx - Context for tracing. Queries are not cancellable.
//	layer - The layer to query.
//	filter - Selection and pagination.
//	includeEdges - Also return edges whose source AND target are in the
//	               returned page, filtered by EdgeTypes if set.
//
// Outputs:
//
//	*Result - The page. Nodes are copies.
//	error - ErrValidation for a bad layer, regex or negative pagination.
func (e *Engine) QueryNodes(ctx context.Context, layer graph.Layer, filter Filter, includeEdges bool) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "query.QueryNodes",
		attribute.String("layergraph.layer", string(layer)),
		attribute.Bool("layergraph.include_edges", includeEdges),
	)

	vf, err := validate(layer, filter)
	if err != nil {
		telemetry.EndSpan(span, err)
		telemetry.RecordQuery(ctx, "QueryNodes", string(layer), time.Since(start), 0, false)
		return nil, err
	}

	result := &Result{Success: true, Layer: layer}
	err = e.store.Read(layer, func(ix *index.Manager) error {
		matches := filterNodes(primaryNodes(ix, vf), vf)
		result.TotalMatches = len(matches)

		page := paginate(len(matches), vf.offset, vf.limit)
		result.Nodes = make([]graph.GraphNode, 0, page.end-page.start)
		for _, n := range matches[page.start:page.end] {
			result.Nodes = append(result.Nodes, n.Clone())
		}
		result.ReturnedCount = len(result.Nodes)
		result.HasMore = page.hasMore

		if includeEdges {
			result.Edges = edgesWithin(ix, result.Nodes, vf.EdgeTypes)
		}
		return nil
	})

	result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000
	span.SetAttributes(attribute.Int("layergraph.total_matches", result.TotalMatches))
	telemetry.EndSpan(span, err)
	telemetry.RecordQuery(ctx, "QueryNodes", string(layer), time.Since(start), result.TotalMatches, err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// QueryEdges returns the edges of a layer matching filter.
//
// Description:
//
//	EdgeTypes is the index-backed primary filter; without it every edge is
//	a candidate. SourceIDs and TargetIDs then restrict by endpoint, and
//	LabelPattern matches the edge label. Pagination as for QueryNodes.
//	The result's Nodes is always empty.
func (e *Engine) QueryEdges(ctx context.Context, layer graph.Layer, filter Filter) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "query.QueryEdges",
		attribute.String("layergraph.layer", string(layer)),
	)

	vf, err := validate(layer, filter)
	if err != nil {
		telemetry.EndSpan(span, err)
		telemetry.RecordQuery(ctx, "QueryEdges", string(layer), time.Since(start), 0, false)
		return nil, err
	}

	result := &Result{Success: true, Layer: layer, Nodes: []graph.GraphNode{}}
	err = e.store.Read(layer, func(ix *index.Manager) error {
		var candidates []*graph.GraphEdge
		if len(vf.EdgeTypes) > 0 {
			candidates = ix.EdgesByTypes(vf.EdgeTypes)
		} else {
			candidates = ix.AllEdges()
		}

		sources := toSet(vf.SourceIDs)
		targets := toSet(vf.TargetIDs)
		matches := make([]*graph.GraphEdge, 0, len(candidates))
		for _, edge := range candidates {
			if sources != nil {
				if _, ok := sources[edge.Source]; !ok {
					continue
				}
			}
			if targets != nil {
				if _, ok := targets[edge.Target]; !ok {
					continue
				}
			}
			if vf.pattern != nil && !vf.pattern.MatchString(edge.Label) {
				continue
			}
			matches = append(matches, edge)
		}
		result.TotalMatches = len(matches)

		page := paginate(len(matches), vf.offset, vf.limit)
		result.Edges = make([]graph.GraphEdge, 0, page.end-page.start)
		for _, edge := range matches[page.start:page.end] {
			result.Edges = append(result.Edges, edge.Clone())
		}
		result.ReturnedCount = len(result.Edges)
		result.HasMore = page.hasMore
		return nil
	})

	result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000
	telemetry.EndSpan(span, err)
	telemetry.RecordQuery(ctx, "QueryEdges", string(layer), time.Since(start), result.TotalMatches, err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func primaryNodes(ix *index.Manager, f *validatedFilter) []*graph.GraphNode {
	switch {
	case len(f.NodeIDs) > 0:
		out := make([]*graph.GraphNode, 0, len(f.NodeIDs))
		seen := make(map[string]struct{}, len(f.NodeIDs))
		for _, id := range f.NodeIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if n, ok := ix.NodeByID(id); ok {
				out = append(out, n)
			}
		}
		return out
	case len(f.NodeTypes) > 0:
		return ix.NodesByTypes(f.NodeTypes)
	case len(f.SupportsFeatures) > 0:
		return ix.NodesByFeatures(f.SupportsFeatures)
	case f.LabelPrefix != "":
		return ix.FindNodesByLabelPrefix(f.LabelPrefix)
	default:
		return ix.AllNodes()
	}
}

func filterNodes(candidates []*graph.GraphNode, f *validatedFilter) []*graph.GraphNode {
	technology := strings.ToLower(f.Technology)
	supportedBy := toSet(f.SupportedBy)

	out := make([]*graph.GraphNode, 0, len(candidates))
	for _, n := range candidates {
		if f.pattern != nil && !f.pattern.MatchString(n.Label) {
			continue
		}
		if technology != "" && !strings.Contains(strings.ToLower(n.Technology), technology) {
			continue
		}
		if f.ProgressStatus != "" && n.ProgressStatus != f.ProgressStatus {
			continue
		}
		if f.IsAgentAdded != nil && n.IsAgentAdded != *f.IsAgentAdded {
			continue
		}
		if supportedBy != nil && !anyIn(n.SupportedBy, supportedBy) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// edgesWithin returns edges with both endpoints in nodes, in the order of
// the nodes' outgoing adjacency.
func edgesWithin(ix *index.Manager, nodes []graph.GraphNode, edgeTypes []graph.EdgeType) []graph.GraphEdge {
	inPage := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		inPage[n.ID] = struct{}{}
	}
	types := make(map[graph.EdgeType]struct{}, len(edgeTypes))
	for _, t := range edgeTypes {
		types[t] = struct{}{}
	}

	out := make([]graph.GraphEdge, 0)
	for _, n := range nodes {
		adj, ok := ix.Adjacency(n.ID)
		if !ok {
			continue
		}
		for _, edgeID := range adj.Outgoing {
			edge, ok := ix.EdgeByID(edgeID)
			if !ok {
				continue
			}
			if _, ok := inPage[edge.Target]; !ok {
				continue
			}
			if len(types) > 0 {
				if _, ok := types[edge.EdgeType]; !ok {
					continue
				}
			}
			out = append(out, edge.Clone())
		}
	}
	return out
}

type pageBounds struct {
	start, end int
	hasMore    bool
}

// paginate never computes offset+limit, so math.MaxInt is a valid limit.
func paginate(total, offset, limit int) pageBounds {
	if offset >= total {
		return pageBounds{start: total, end: total}
	}
	remaining := total - offset
	if limit >= remaining {
		return pageBounds{start: offset, end: total}
	}
	return pageBounds{start: offset, end: offset + limit, hasMore: true}
}

// toSet returns nil for an empty list so callers can tell "no filter"
// from "filter matching nothing".
func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func anyIn(values []string, set map[string]struct{}) bool {
	for _, v := range values {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
