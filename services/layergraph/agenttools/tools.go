// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agenttools exposes the layered graph to agents as MCP tools.
//
// Read tools run the query and traversal engines; write tools mutate the
// local store, from where the sync channel persists them to the shared
// document. Every result is JSON text. Bad input and missing nodes are
// tool-level errors the agent can read, not protocol errors.
package agenttools

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/query"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
	"github.com/AleutianAI/layergraph/services/layergraph/traversal"
)

const (
	// DefaultDepth is the traversal depth when the agent does not set one.
	DefaultDepth = 2

	// MaxDepth bounds every traversal requested through a tool.
	MaxDepth = 10
)

// Toolset binds the graph tools to one store.
type Toolset struct {
	store     *store.Store
	query     *query.Engine
	traversal *traversal.Engine
	logger    *slog.Logger
}

// New creates the toolset over st.
func New(st *store.Store, logger *slog.Logger) *Toolset {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolset{
		store:     st,
		query:     query.NewEngine(st),
		traversal: traversal.NewEngine(st),
		logger:    logger.With(slog.String("component", "agenttools")),
	}
}

// Register adds every tool to s.
func (t *Toolset) Register(s *server.MCPServer) {
	for _, tool := range t.Tools() {
		s.AddTool(tool.Tool, tool.Handler)
	}
}

// Tools returns the tool definitions with their handlers.
func (t *Toolset) Tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: queryNodesTool(), Handler: t.queryNodes},
		{Tool: queryEdgesTool(), Handler: t.queryEdges},
		{Tool: traversalTool("find_neighbors",
			"Breadth-first expansion from a start node. Returns every node within depth hops and the edges followed.",
			true), Handler: t.findNeighbors},
		{Tool: findPathTool(), Handler: t.findPath},
		{Tool: traversalTool("extract_subgraph",
			"Extract the neighbourhood of a node, including both endpoints of every accepted edge.",
			false), Handler: t.extractSubgraph},
		{Tool: traversalTool("depth_first_search",
			"Depth-first walk along outgoing edges. Nodes failing the nodeTypes filter are never visited.",
			false), Handler: t.depthFirstSearch},
		{Tool: traversalTool("breadth_first_search",
			"Level-order walk over outgoing and incoming edges, returning nodes in visit order.",
			false), Handler: t.breadthFirstSearch},
		{Tool: addNodeTool(), Handler: t.addNode},
		{Tool: updateNodeTool(), Handler: t.updateNode},
		{Tool: removeNodeTool(), Handler: t.removeNode},
		{Tool: addEdgeTool(), Handler: t.addEdge},
		{Tool: removeEdgeTool(), Handler: t.removeEdge},
		{Tool: proposeChangeTool(), Handler: t.proposeChange},
		{Tool: listProposedChangesTool(), Handler: t.listProposedChanges},
		{Tool: previewProposedChangeTool(), Handler: t.previewProposedChange},
	}
}

// Tool definitions.

func layerOption() mcp.ToolOption {
	return mcp.WithString("layer",
		mcp.Required(),
		mcp.Description("Graph layer"),
		mcp.Enum(layerNames()...),
	)
}

func layerNames() []string {
	layers := graph.AllLayers()
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = string(l)
	}
	return out
}

func traversalFilterOption() mcp.ToolOption {
	return mcp.WithObject("filter",
		mcp.Description("Optional {edgeTypes?, nodeTypes?, maxDepth?}. maxDepth caps depth."),
	)
}

func queryNodesTool() mcp.Tool {
	return mcp.NewTool("query_nodes",
		mcp.WithDescription(
			"Find nodes in a layer. One primary filter is used, first set wins: "+
				"nodeIds, nodeTypes, supportsFeatures, labelPrefix. labelPattern (regex), "+
				"technology, progressStatus, isAgentAdded and supportedBy then narrow the set. "+
				"Results are paginated with limit (default 100) and offset.",
		),
		layerOption(),
		mcp.WithObject("filter", mcp.Description("Query filter")),
		mcp.WithBoolean("includeEdges",
			mcp.Description("Also return edges between the returned nodes"),
		),
	)
}

func queryEdgesTool() mcp.Tool {
	return mcp.NewTool("query_edges",
		mcp.WithDescription(
			"Find edges in a layer by edgeTypes, sourceIds, targetIds and labelPattern. "+
				"Paginated like query_nodes.",
		),
		layerOption(),
		mcp.WithObject("filter", mcp.Description("Query filter")),
	)
}

func traversalTool(name, description string, withDirection bool) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(description),
		layerOption(),
		mcp.WithString("startNodeId", mcp.Required(), mcp.Description("Node to start from")),
		mcp.WithNumber("depth",
			mcp.Description(fmt.Sprintf("Levels to expand (default %d, max %d)", DefaultDepth, MaxDepth)),
		),
		traversalFilterOption(),
	}
	if withDirection {
		opts = append(opts, mcp.WithString("direction",
			mcp.Description("Edges to follow (default both)"),
			mcp.Enum(string(traversal.DirectionOutgoing), string(traversal.DirectionIncoming), string(traversal.DirectionBoth)),
		))
	}
	return mcp.NewTool(name, opts...)
}

func findPathTool() mcp.Tool {
	return mcp.NewTool("find_path",
		mcp.WithDescription(
			"Shortest path along outgoing edges between two nodes. "+
				"metadata.pathLength is the hop count, or -1 when no path exists.",
		),
		layerOption(),
		mcp.WithString("startNodeId", mcp.Required(), mcp.Description("Path start")),
		mcp.WithString("endNodeId", mcp.Required(), mcp.Description("Path end")),
		traversalFilterOption(),
	)
}

func addNodeTool() mcp.Tool {
	return mcp.NewTool("add_node",
		mcp.WithDescription("Add a node to a layer. The node is marked as agent-added."),
		layerOption(),
		mcp.WithObject("node", mcp.Required(),
			mcp.Description("Node fields: id and label are required; type, parent, description, technology and the rest are optional"),
		),
	)
}

func updateNodeTool() mcp.Tool {
	return mcp.NewTool("update_node",
		mcp.WithDescription("Set fields on an existing node. A null value removes the field."),
		layerOption(),
		mcp.WithString("nodeId", mcp.Required(), mcp.Description("Node to update")),
		mcp.WithObject("updates", mcp.Required(), mcp.Description("Field name to new value")),
	)
}

func removeNodeTool() mcp.Tool {
	return mcp.NewTool("remove_node",
		mcp.WithDescription("Remove a node and every edge touching it."),
		layerOption(),
		mcp.WithString("nodeId", mcp.Required(), mcp.Description("Node to remove")),
	)
}

func addEdgeTool() mcp.Tool {
	return mcp.NewTool("add_edge",
		mcp.WithDescription("Add an edge between two nodes of a layer."),
		layerOption(),
		mcp.WithObject("edge", mcp.Required(),
			mcp.Description("Edge fields: id, source, target and edgeType; label and description optional"),
		),
	)
}

func removeEdgeTool() mcp.Tool {
	return mcp.NewTool("remove_edge",
		mcp.WithDescription("Remove an edge."),
		layerOption(),
		mcp.WithString("edgeId", mcp.Required(), mcp.Description("Edge to remove")),
	)
}

func proposeChangeTool() mcp.Tool {
	return mcp.NewTool("propose_change",
		mcp.WithDescription(
			"Stage a proposed change for a node, addressed by nodeId or filePath. "+
				"A later proposal for the same target replaces the earlier one. "+
				"The editor applies it to the node when accepted.",
		),
		layerOption(),
		mcp.WithString("nodeId", mcp.Description("Target node id")),
		mcp.WithString("filePath", mcp.Description("Target file path, used when nodeId is empty")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short change name")),
		mcp.WithString("summary", mcp.Description("What changes")),
		mcp.WithString("intention", mcp.Description("Why it changes")),
		mcp.WithString("additionalInfo", mcp.Description("Anything else the reviewer needs")),
	)
}

func listProposedChangesTool() mcp.Tool {
	return mcp.NewTool("list_proposed_changes",
		mcp.WithDescription("List proposed changes staged for a layer."),
		layerOption(),
	)
}

func previewProposedChangeTool() mcp.Tool {
	return mcp.NewTool("preview_proposed_change",
		mcp.WithDescription(
			"Show a unified diff of what accepting a proposed change would write to its node. "+
				"If additionalInfo carries a unified diff, its files and line counts are summarised too.",
		),
		layerOption(),
		mcp.WithString("target", mcp.Required(), mcp.Description("nodeId the proposal targets, or its filePath")),
	)
}

// Argument handling.

// bind decodes the tool arguments into dst through JSON so typed fields
// (filters, nodes, edges) get the same decoding as the shared document.
func bind(req mcp.CallToolRequest, dst any) error {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return fmt.Errorf("%w: arguments: %v", graph.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: arguments: %v", graph.ErrValidation, err)
	}
	return nil
}

func resolveDepth(depth *int) int {
	if depth == nil {
		return DefaultDepth
	}
	return max(0, min(*depth, MaxDepth))
}

// jsonResult renders v as the tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult reports err to the agent with its classification.
func (t *Toolset) errorResult(tool string, err error) *mcp.CallToolResult {
	code := graph.ErrorCode(err)
	if code == graph.CodeInternal {
		t.logger.Warn("tool failed", slog.String("tool", tool), slog.String("error", err.Error()))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", code, err))
}

func (t *Toolset) respond(tool string, v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return t.errorResult(tool, err), nil
	}
	return jsonResult(v)
}
