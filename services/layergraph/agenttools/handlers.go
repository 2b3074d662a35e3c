// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agenttools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AleutianAI/layergraph/services/layergraph/changes"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/query"
	"github.com/AleutianAI/layergraph/services/layergraph/traversal"
)

// Handler signatures are dictated by mcp-go's ToolHandlerFunc type.

type queryArgs struct {
	Layer        string       `json:"layer"`
	Filter       query.Filter `json:"filter"`
	IncludeEdges bool         `json:"includeEdges"`
}

func (t *Toolset) queryNodes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args queryArgs
	if err := bind(req, &args); err != nil {
		return t.errorResult("query_nodes", err), nil
	}
	res, err := t.query.QueryNodes(ctx, graph.Layer(args.Layer), args.Filter, args.IncludeEdges)
	return t.respond("query_nodes", res, err)
}

func (t *Toolset) queryEdges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args queryArgs
	if err := bind(req, &args); err != nil {
		return t.errorResult("query_edges", err), nil
	}
	res, err := t.query.QueryEdges(ctx, graph.Layer(args.Layer), args.Filter)
	return t.respond("query_edges", res, err)
}

type traversalArgs struct {
	Layer       string           `json:"layer"`
	StartNodeID string           `json:"startNodeId"`
	EndNodeID   string           `json:"endNodeId"`
	Depth       *int             `json:"depth"`
	Direction   string           `json:"direction"`
	Filter      traversal.Filter `json:"filter"`
}

func (t *Toolset) bindTraversal(req mcp.CallToolRequest, needEnd bool) (traversalArgs, graph.Layer, error) {
	var args traversalArgs
	if err := bind(req, &args); err != nil {
		return args, "", err
	}
	layer, err := graph.ParseLayer(args.Layer)
	if err != nil {
		return args, "", err
	}
	if args.StartNodeID == "" {
		return args, "", fmt.Errorf("%w: startNodeId is required", graph.ErrValidation)
	}
	if needEnd && args.EndNodeID == "" {
		return args, "", fmt.Errorf("%w: endNodeId is required", graph.ErrValidation)
	}
	return args, layer, nil
}

func (t *Toolset) findNeighbors(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindTraversal(req, false)
	if err != nil {
		return t.errorResult("find_neighbors", err), nil
	}
	dir, err := traversal.ParseDirection(args.Direction)
	if err != nil {
		return t.errorResult("find_neighbors", err), nil
	}
	res, err := t.traversal.FindNeighbors(ctx, args.StartNodeID, layer, dir, resolveDepth(args.Depth), args.Filter)
	return t.respond("find_neighbors", res, err)
}

func (t *Toolset) findPath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindTraversal(req, true)
	if err != nil {
		return t.errorResult("find_path", err), nil
	}
	res, err := t.traversal.FindPath(ctx, args.StartNodeID, args.EndNodeID, layer, args.Filter)
	return t.respond("find_path", res, err)
}

func (t *Toolset) extractSubgraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindTraversal(req, false)
	if err != nil {
		return t.errorResult("extract_subgraph", err), nil
	}
	res, err := t.traversal.ExtractSubgraph(ctx, args.StartNodeID, layer, resolveDepth(args.Depth), args.Filter)
	return t.respond("extract_subgraph", res, err)
}

func (t *Toolset) depthFirstSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindTraversal(req, false)
	if err != nil {
		return t.errorResult("depth_first_search", err), nil
	}
	res, err := t.traversal.DepthFirstSearch(ctx, args.StartNodeID, layer, resolveDepth(args.Depth), args.Filter)
	return t.respond("depth_first_search", res, err)
}

func (t *Toolset) breadthFirstSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindTraversal(req, false)
	if err != nil {
		return t.errorResult("breadth_first_search", err), nil
	}
	res, err := t.traversal.BreadthFirstSearch(ctx, args.StartNodeID, layer, resolveDepth(args.Depth), args.Filter)
	return t.respond("breadth_first_search", res, err)
}

type mutationArgs struct {
	Layer   string           `json:"layer"`
	Node    *graph.GraphNode `json:"node"`
	NodeID  string           `json:"nodeId"`
	Updates graph.Properties `json:"updates"`
	Edge    *graph.GraphEdge `json:"edge"`
	EdgeID  string           `json:"edgeId"`
}

func (t *Toolset) bindMutation(req mcp.CallToolRequest) (mutationArgs, graph.Layer, error) {
	var args mutationArgs
	if err := bind(req, &args); err != nil {
		return args, "", err
	}
	layer, err := graph.ParseLayer(args.Layer)
	return args, layer, err
}

func (t *Toolset) addNode(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindMutation(req)
	if err == nil && args.Node == nil {
		err = fmt.Errorf("%w: node is required", graph.ErrValidation)
	}
	if err != nil {
		return t.errorResult("add_node", err), nil
	}
	node := *args.Node
	node.IsAgentAdded = true
	if err := t.store.AddNode(layer, node); err != nil {
		return t.errorResult("add_node", err), nil
	}
	added, err := t.store.GetNode(layer, node.ID)
	return t.respond("add_node", map[string]any{"success": true, "node": added}, err)
}

func (t *Toolset) updateNode(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindMutation(req)
	if err == nil && len(args.Updates) == 0 {
		err = fmt.Errorf("%w: updates are required", graph.ErrValidation)
	}
	if err != nil {
		return t.errorResult("update_node", err), nil
	}
	node, changed, err := t.store.UpdateNode(layer, args.NodeID, args.Updates)
	return t.respond("update_node", map[string]any{
		"success":       true,
		"node":          node,
		"changedFields": nonNil(changed),
	}, err)
}

func (t *Toolset) removeNode(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindMutation(req)
	if err != nil {
		return t.errorResult("remove_node", err), nil
	}
	removed, err := t.store.RemoveNode(layer, args.NodeID)
	return t.respond("remove_node", map[string]any{
		"success":      true,
		"nodeId":       args.NodeID,
		"removedEdges": removed,
	}, err)
}

func (t *Toolset) addEdge(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindMutation(req)
	if err == nil && args.Edge == nil {
		err = fmt.Errorf("%w: edge is required", graph.ErrValidation)
	}
	if err != nil {
		return t.errorResult("add_edge", err), nil
	}
	if err := t.store.AddEdge(layer, *args.Edge); err != nil {
		return t.errorResult("add_edge", err), nil
	}
	added, err := t.store.GetEdge(layer, args.Edge.ID)
	return t.respond("add_edge", map[string]any{"success": true, "edge": added}, err)
}

func (t *Toolset) removeEdge(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindMutation(req)
	if err != nil {
		return t.errorResult("remove_edge", err), nil
	}
	err = t.store.RemoveEdge(layer, args.EdgeID)
	return t.respond("remove_edge", map[string]any{"success": true, "edgeId": args.EdgeID}, err)
}

type proposeArgs struct {
	Layer string `json:"layer"`
	graph.ProposedChange
}

func (t *Toolset) proposeChange(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args proposeArgs
	if err := bind(req, &args); err != nil {
		return t.errorResult("propose_change", err), nil
	}
	layer, err := graph.ParseLayer(args.Layer)
	if err != nil {
		return t.errorResult("propose_change", err), nil
	}
	staged, err := t.store.ProposeChange(layer, args.ProposedChange)
	return t.respond("propose_change", map[string]any{"success": true, "proposedChange": staged}, err)
}

func (t *Toolset) listProposedChanges(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, layer, err := t.bindMutation(req)
	if err != nil {
		return t.errorResult("list_proposed_changes", err), nil
	}
	list, err := t.store.ListProposedChanges(layer)
	return t.respond("list_proposed_changes", map[string]any{
		"success":         true,
		"layer":           args.Layer,
		"proposedChanges": nonNil(list),
	}, err)
}

type previewArgs struct {
	Layer  string `json:"layer"`
	Target string `json:"target"`
}

func (t *Toolset) previewProposedChange(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args previewArgs
	err := bind(req, &args)
	var layer graph.Layer
	if err == nil {
		layer, err = graph.ParseLayer(args.Layer)
	}
	if err == nil && args.Target == "" {
		err = fmt.Errorf("%w: target is required", graph.ErrValidation)
	}
	if err != nil {
		return t.errorResult("preview_proposed_change", err), nil
	}
	change, node, err := t.store.ProposalWithNode(layer, args.Target)
	if err != nil {
		return t.errorResult("preview_proposed_change", err), nil
	}
	preview, err := changes.PreviewProposal(node, change)
	return t.respond("preview_proposed_change", map[string]any{
		"success": true,
		"layer":   args.Layer,
		"preview": preview,
	}, err)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
