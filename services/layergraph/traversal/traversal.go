// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traversal implements neighbour expansion, shortest path, subgraph
// extraction and depth/breadth-first walks over one layer.
//
// All operations read through the layer index, keep visited-node and
// visited-edge sets so cycles terminate, and bound cost through depth and
// filter.MaxDepth. They are synchronous and CPU-bound.
package traversal

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/index"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

// Operation names reported in Result.Operation.
const (
	OpFindNeighbors      = "findNeighbors"
	OpFindPath           = "findPath"
	OpExtractSubgraph    = "extractSubgraph"
	OpDepthFirstSearch   = "depthFirstSearch"
	OpBreadthFirstSearch = "breadthFirstSearch"
)

// Direction selects which adjacency lists neighbour expansion follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// ParseDirection converts s to a Direction. Empty means both.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return d, nil
	case "":
		return DirectionBoth, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", graph.ErrValidation, s)
	}
}

// Filter restricts a traversal. Empty fields match everything.
type Filter struct {
	EdgeTypes []graph.EdgeType `json:"edgeTypes,omitempty"`
	NodeTypes []graph.NodeType `json:"nodeTypes,omitempty"`

	// MaxDepth, when set, caps the depth argument of an operation.
	MaxDepth *int `json:"maxDepth,omitempty"`
}

// Metadata summarises a traversal result.
type Metadata struct {
	NodeCount  int  `json:"nodeCount"`
	EdgeCount  int  `json:"edgeCount"`
	Depth      *int `json:"depth,omitempty"`
	PathLength *int `json:"pathLength,omitempty"`
}

// Result is the response shape of every traversal operation.
type Result struct {
	Success         bool              `json:"success"`
	Operation       string            `json:"operation"`
	StartNodeID     string            `json:"startNodeId"`
	EndNodeID       string            `json:"endNodeId,omitempty"`
	Layer           graph.Layer       `json:"layer"`
	Nodes           []graph.GraphNode `json:"nodes"`
	Edges           []graph.GraphEdge `json:"edges"`
	Metadata        Metadata          `json:"metadata"`
	ExecutionTimeMs float64           `json:"executionTimeMs"`
}

// Engine runs traversals against a store.
//
// Thread Safety: safe for concurrent use; each traversal holds the store's
// read lock for its duration.
type Engine struct {
	store *store.Store
}

// NewEngine creates a traversal engine over s.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// compiledFilter holds the filter as lookup sets.
type compiledFilter struct {
	edgeTypes map[graph.EdgeType]struct{}
	nodeTypes map[graph.NodeType]struct{}
	maxDepth  *int
}

func compile(f Filter) compiledFilter {
	cf := compiledFilter{maxDepth: f.MaxDepth}
	if len(f.EdgeTypes) > 0 {
		cf.edgeTypes = make(map[graph.EdgeType]struct{}, len(f.EdgeTypes))
		for _, t := range f.EdgeTypes {
			cf.edgeTypes[t] = struct{}{}
		}
	}
	if len(f.NodeTypes) > 0 {
		cf.nodeTypes = make(map[graph.NodeType]struct{}, len(f.NodeTypes))
		for _, t := range f.NodeTypes {
			cf.nodeTypes[t] = struct{}{}
		}
	}
	return cf
}

func (cf compiledFilter) edgeOK(e *graph.GraphEdge) bool {
	if cf.edgeTypes == nil {
		return true
	}
	_, ok := cf.edgeTypes[e.EdgeType]
	return ok
}

func (cf compiledFilter) nodeOK(n *graph.GraphNode) bool {
	if cf.nodeTypes == nil {
		return true
	}
	_, ok := cf.nodeTypes[n.Type]
	return ok
}

// depth returns the effective depth: requested, capped by MaxDepth, never
// negative.
func (cf compiledFilter) depth(requested int) int {
	d := requested
	if cf.maxDepth != nil && *cf.maxDepth < d {
		d = *cf.maxDepth
	}
	if d < 0 {
		d = 0
	}
	return d
}

// collector accumulates visited nodes and edges in visit order.
type collector struct {
	nodeSeen  map[string]struct{}
	edgeSeen  map[string]struct{}
	nodes     []graph.GraphNode
	edges     []graph.GraphEdge
	edgeAdded map[string]struct{}
}

func newCollector() *collector {
	return &collector{
		nodeSeen:  make(map[string]struct{}),
		edgeSeen:  make(map[string]struct{}),
		edgeAdded: make(map[string]struct{}),
		nodes:     make([]graph.GraphNode, 0),
		edges:     make([]graph.GraphEdge, 0),
	}
}

func (c *collector) visitNode(n *graph.GraphNode) {
	c.nodeSeen[n.ID] = struct{}{}
	c.nodes = append(c.nodes, n.Clone())
}

func (c *collector) hasNode(id string) bool {
	_, ok := c.nodeSeen[id]
	return ok
}

func (c *collector) addEdge(e *graph.GraphEdge) {
	if _, ok := c.edgeAdded[e.ID]; ok {
		return
	}
	c.edgeAdded[e.ID] = struct{}{}
	c.edges = append(c.edges, e.Clone())
}

func candidates(adj index.Adjacency, dir Direction) []string {
	switch dir {
	case DirectionOutgoing:
		return adj.Outgoing
	case DirectionIncoming:
		return adj.Incoming
	default:
		out := make([]string, 0, len(adj.Outgoing)+len(adj.Incoming))
		out = append(out, adj.Outgoing...)
		return append(out, adj.Incoming...)
	}
}

// otherEnd returns the endpoint of e that is not current. A self-loop
// returns current.
func otherEnd(e *graph.GraphEdge, current string) string {
	if e.Source == current {
		return e.Target
	}
	return e.Source
}

// run wraps one operation with layer validation, the store read lock,
// tracing and timing.
func (e *Engine) run(ctx context.Context, op string, layer graph.Layer, startID string,
	fn func(ix *index.Manager, res *Result) error) (*Result, error) {

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "traversal."+op,
		attribute.String("layergraph.layer", string(layer)),
		attribute.String("layergraph.start_node", startID),
	)

	res := &Result{
		Success:     true,
		Operation:   op,
		StartNodeID: startID,
		Layer:       layer,
	}

	var err error
	if !layer.IsValid() {
		err = fmt.Errorf("%w: %w: %q", graph.ErrValidation, graph.ErrInvalidLayer, layer)
	} else {
		err = e.store.Read(layer, func(ix *index.Manager) error {
			if !ix.HasNode(startID) {
				return fmt.Errorf("%w: start node %q not found in layer %s", graph.ErrNodeNotFound, startID, layer)
			}
			return fn(ix, res)
		})
	}

	res.Metadata.NodeCount = len(res.Nodes)
	res.Metadata.EdgeCount = len(res.Edges)
	res.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000

	span.SetAttributes(attribute.Int("layergraph.node_count", res.Metadata.NodeCount))
	telemetry.EndSpan(span, err)
	telemetry.RecordTraversal(ctx, op, string(layer), time.Since(start), res.Metadata.NodeCount, err == nil)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FindNeighbors expands level by level from a start node.
//
// Description:
//
//	Level-synchronous BFS for depth levels. At each level every frontier
//	node's adjacency is read according to direction. Edges already seen
//	or failing EdgeTypes are skipped. The node-type filter applies only to
//	newly discovered neighbours, never to the start node. An edge is
//	returned when its far end is accepted or already visited.
//
// Inputs:
//
//	ctx - Context for tracing.
//	startID - The start node. Always included in the result.
//	layer - The layer to traverse.
//	direction - Which adjacency lists to follow.
//	depth - Number of levels, capped by filter.MaxDepth.
//	filter - Edge and node type restrictions.
//
// Outputs:
//
//	*Result - Nodes in discovery order; Metadata.Depth is the number of
//	          levels actually executed, which is less than depth when the
//	          frontier empties early.
//	error - ErrNodeNotFound if startID is missing.
func (e *Engine) FindNeighbors(ctx context.Context, startID string, layer graph.Layer, direction Direction, depth int, filter Filter) (*Result, error) {
	cf := compile(filter)
	maxLevels := cf.depth(depth)

	return e.run(ctx, OpFindNeighbors, layer, startID, func(ix *index.Manager, res *Result) error {
		c := newCollector()
		startNode, _ := ix.NodeByID(startID)
		c.visitNode(startNode)

		frontier := []string{startID}
		levels := 0
		for levels < maxLevels && len(frontier) > 0 {
			levels++
			var next []string
			for _, current := range frontier {
				adj, _ := ix.Adjacency(current)
				for _, edgeID := range candidates(adj, direction) {
					if _, seen := c.edgeSeen[edgeID]; seen {
						continue
					}
					edge, ok := ix.EdgeByID(edgeID)
					if !ok || !cf.edgeOK(edge) {
						continue
					}
					c.edgeSeen[edgeID] = struct{}{}

					neighborID := otherEnd(edge, current)
					if c.hasNode(neighborID) {
						c.addEdge(edge)
						continue
					}
					neighbor, ok := ix.NodeByID(neighborID)
					if !ok || !cf.nodeOK(neighbor) {
						continue
					}
					c.visitNode(neighbor)
					c.addEdge(edge)
					next = append(next, neighborID)
				}
			}
			frontier = next
		}

		res.Nodes, res.Edges = c.nodes, c.edges
		res.Metadata.Depth = &levels
		return nil
	})
}

type pathEntry struct {
	nodeID string
	nodes  []string
	edges  []string
}

// FindPath returns an unweighted shortest path along outgoing edges.
//
// Description:
//
//	BFS over a FIFO queue of partial paths. The filter applies to edges
//	only; node types of intermediate nodes are not checked. MaxDepth, if
//	set, bounds the hop count. The first time the end node is dequeued
//	the path is returned, which is minimal in hop count. A path from a
//	node to itself has length 0.
//
// Outputs:
//
//	*Result - On success, the path's nodes and edges in order and
//	          Metadata.PathLength = hops. With no path, Success is false,
//	          Nodes/Edges are empty and PathLength is -1.
//	error - ErrNodeNotFound if either endpoint is missing.
func (e *Engine) FindPath(ctx context.Context, startID, endID string, layer graph.Layer, filter Filter) (*Result, error) {
	cf := compile(filter)

	res, err := e.run(ctx, OpFindPath, layer, startID, func(ix *index.Manager, res *Result) error {
		res.EndNodeID = endID
		if !ix.HasNode(endID) {
			return fmt.Errorf("%w: end node %q not found in layer %s", graph.ErrNodeNotFound, endID, layer)
		}

		visited := map[string]struct{}{startID: {}}
		queue := []pathEntry{{nodeID: startID, nodes: []string{startID}}}
		for len(queue) > 0 {
			entry := queue[0]
			queue = queue[1:]

			if entry.nodeID == endID {
				res.Nodes = make([]graph.GraphNode, 0, len(entry.nodes))
				for _, id := range entry.nodes {
					n, _ := ix.NodeByID(id)
					res.Nodes = append(res.Nodes, n.Clone())
				}
				res.Edges = make([]graph.GraphEdge, 0, len(entry.edges))
				for _, id := range entry.edges {
					edge, _ := ix.EdgeByID(id)
					res.Edges = append(res.Edges, edge.Clone())
				}
				hops := len(entry.edges)
				res.Metadata.PathLength = &hops
				return nil
			}
			if cf.maxDepth != nil && len(entry.edges) >= *cf.maxDepth {
				continue
			}

			adj, _ := ix.Adjacency(entry.nodeID)
			for _, edgeID := range adj.Outgoing {
				edge, ok := ix.EdgeByID(edgeID)
				if !ok || !cf.edgeOK(edge) {
					continue
				}
				if _, seen := visited[edge.Target]; seen || !ix.HasNode(edge.Target) {
					continue
				}
				visited[edge.Target] = struct{}{}
				queue = append(queue, pathEntry{
					nodeID: edge.Target,
					nodes:  appendCopy(entry.nodes, edge.Target),
					edges:  appendCopy(entry.edges, edgeID),
				})
			}
		}

		res.Success = false
		res.Nodes = []graph.GraphNode{}
		res.Edges = []graph.GraphEdge{}
		noPath := -1
		res.Metadata.PathLength = &noPath
		return nil
	})
	return res, err
}

func appendCopy(in []string, v string) []string {
	out := make([]string, len(in), len(in)+1)
	copy(out, in)
	return append(out, v)
}

// ExtractSubgraph collects the neighbourhood of a start node.
//
// Description:
//
//	Level-synchronous BFS over both directions. Unlike FindNeighbors, both
//	endpoints of every accepted edge are candidates for inclusion, subject
//	to the node-type filter on newly discovered endpoints. Edges are
//	returned when both endpoints are in the result.
func (e *Engine) ExtractSubgraph(ctx context.Context, startID string, layer graph.Layer, depth int, filter Filter) (*Result, error) {
	cf := compile(filter)
	maxLevels := cf.depth(depth)

	return e.run(ctx, OpExtractSubgraph, layer, startID, func(ix *index.Manager, res *Result) error {
		c := newCollector()
		startNode, _ := ix.NodeByID(startID)
		c.visitNode(startNode)

		frontier := []string{startID}
		levels := 0
		for levels < maxLevels && len(frontier) > 0 {
			levels++
			var next []string
			for _, current := range frontier {
				adj, _ := ix.Adjacency(current)
				for _, edgeID := range candidates(adj, DirectionBoth) {
					if _, seen := c.edgeSeen[edgeID]; seen {
						continue
					}
					edge, ok := ix.EdgeByID(edgeID)
					if !ok || !cf.edgeOK(edge) {
						continue
					}
					c.edgeSeen[edgeID] = struct{}{}

					for _, endpoint := range [2]string{edge.Source, edge.Target} {
						if c.hasNode(endpoint) {
							continue
						}
						n, ok := ix.NodeByID(endpoint)
						if !ok || !cf.nodeOK(n) {
							continue
						}
						c.visitNode(n)
						next = append(next, endpoint)
					}
					if c.hasNode(edge.Source) && c.hasNode(edge.Target) {
						c.addEdge(edge)
					}
				}
			}
			frontier = next
		}

		res.Nodes, res.Edges = c.nodes, c.edges
		res.Metadata.Depth = &levels
		return nil
	})
}

type dfsFrame struct {
	nodeID  string
	depth   int
	viaEdge string
	hasEdge bool
}

// DepthFirstSearch walks outgoing edges depth-first from a start node.
//
// Description:
//
//	Uses an explicit stack and produces the same preorder as the recursive
//	walk. The node-type filter applies to every node including the start
//	node: a node failing it is neither recorded nor used as a waypoint.
//	Descent stops at a node whose depth is >= depth. The edge used to reach
//	a node is recorded only when that node is accepted.
//
// Outputs:
//
//	*Result - Nodes in preorder; Metadata.Depth is the deepest level
//	          reached.
//	error - ErrNodeNotFound if startID is missing.
func (e *Engine) DepthFirstSearch(ctx context.Context, startID string, layer graph.Layer, depth int, filter Filter) (*Result, error) {
	cf := compile(filter)
	maxDepth := cf.depth(depth)

	return e.run(ctx, OpDepthFirstSearch, layer, startID, func(ix *index.Manager, res *Result) error {
		c := newCollector()
		deepest := 0

		stack := []dfsFrame{{nodeID: startID}}
		for len(stack) > 0 {
			frame := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if c.hasNode(frame.nodeID) {
				continue
			}
			n, ok := ix.NodeByID(frame.nodeID)
			if !ok || !cf.nodeOK(n) {
				continue
			}
			c.visitNode(n)
			if frame.hasEdge {
				edge, _ := ix.EdgeByID(frame.viaEdge)
				c.addEdge(edge)
			}
			if frame.depth > deepest {
				deepest = frame.depth
			}
			if frame.depth >= maxDepth {
				continue
			}

			adj, _ := ix.Adjacency(frame.nodeID)
			// Push in reverse so the first outgoing edge is explored first.
			for i := len(adj.Outgoing) - 1; i >= 0; i-- {
				edgeID := adj.Outgoing[i]
				edge, ok := ix.EdgeByID(edgeID)
				if !ok || !cf.edgeOK(edge) {
					continue
				}
				if c.hasNode(edge.Target) {
					continue
				}
				stack = append(stack, dfsFrame{
					nodeID:  edge.Target,
					depth:   frame.depth + 1,
					viaEdge: edgeID,
					hasEdge: true,
				})
			}
		}

		res.Nodes, res.Edges = c.nodes, c.edges
		res.Metadata.Depth = &deepest
		return nil
	})
}

// BreadthFirstSearch visits nodes in level order over both directions.
//
// Description:
//
//	A true BFS: nodes are returned in visitation order and each node's
//	discovery edge is returned with it. The node-type filter applies to
//	newly discovered nodes, not the start node. For the neighbourhood
//	including every edge between discovered nodes, use ExtractSubgraph.
func (e *Engine) BreadthFirstSearch(ctx context.Context, startID string, layer graph.Layer, depth int, filter Filter) (*Result, error) {
	cf := compile(filter)
	maxLevels := cf.depth(depth)

	return e.run(ctx, OpBreadthFirstSearch, layer, startID, func(ix *index.Manager, res *Result) error {
		c := newCollector()
		startNode, _ := ix.NodeByID(startID)
		c.visitNode(startNode)

		type queued struct {
			id    string
			level int
		}
		queue := []queued{{id: startID}}
		reached := 0
		for len(queue) > 0 {
			item := queue[0]
			queue = queue[1:]
			if item.level > reached {
				reached = item.level
			}
			if item.level >= maxLevels {
				continue
			}

			adj, _ := ix.Adjacency(item.id)
			for _, edgeID := range candidates(adj, DirectionBoth) {
				if _, seen := c.edgeSeen[edgeID]; seen {
					continue
				}
				edge, ok := ix.EdgeByID(edgeID)
				if !ok || !cf.edgeOK(edge) {
					continue
				}
				c.edgeSeen[edgeID] = struct{}{}

				neighborID := otherEnd(edge, item.id)
				if c.hasNode(neighborID) {
					continue
				}
				neighbor, ok := ix.NodeByID(neighborID)
				if !ok || !cf.nodeOK(neighbor) {
					continue
				}
				c.visitNode(neighbor)
				c.addEdge(edge)
				queue = append(queue, queued{id: neighborID, level: item.level + 1})
			}
		}

		res.Nodes, res.Edges = c.nodes, c.edges
		res.Metadata.Depth = &reached
		return nil
	})
}
