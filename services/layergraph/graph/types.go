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
	"fmt"
)

// Layer identifies one of the fixed graph views over a codebase.
type Layer string

const (
	// LayerBlueprint holds high-level feature and intent nodes.
	LayerBlueprint Layer = "blueprint"

	// LayerArchitecture holds module/component level nodes.
	LayerArchitecture Layer = "architecture"

	// LayerImplementation holds file, class and function nodes.
	LayerImplementation Layer = "implementation"

	// LayerDependencies holds external and internal package dependencies.
	LayerDependencies Layer = "dependencies"
)

// allLayers is the canonical layer order.
var allLayers = []Layer{
	LayerBlueprint,
	LayerArchitecture,
	LayerImplementation,
	LayerDependencies,
}

// AllLayers returns every layer in canonical order.
//
// The returned slice is a copy and may be modified by the caller.
func AllLayers() []Layer {
	out := make([]Layer, len(allLayers))
	copy(out, allLayers)
	return out
}

// IsValid reports whether l is one of the fixed layers.
func (l Layer) IsValid() bool {
	for _, known := range allLayers {
		if l == known {
			return true
		}
	}
	return false
}

// String returns the layer name.
func (l Layer) String() string {
	return string(l)
}

// ParseLayer converts a string to a Layer.
//
// Description:
//
//	Accepts only the four fixed layer names. Matching is exact.
//
// Outputs:
//
//	Layer - The parsed layer.
//	error - ErrInvalidLayer if s is not a known layer.
func ParseLayer(s string) (Layer, error) {
	l := Layer(s)
	if !l.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLayer, s)
	}
	return l, nil
}

// NodeType classifies a graph node.
type NodeType string

const (
	NodeTypeFile      NodeType = "file"
	NodeTypeDirectory NodeType = "directory"
	NodeTypeModule    NodeType = "module"
	NodeTypeClass     NodeType = "class"
	NodeTypeFunction  NodeType = "function"
	NodeTypeCluster   NodeType = "cluster"
)

// EdgeType classifies the relationship an edge represents.
type EdgeType string

const (
	EdgeTypeImports    EdgeType = "imports"
	EdgeTypeCalls      EdgeType = "calls"
	EdgeTypeExtends    EdgeType = "extends"
	EdgeTypeImplements EdgeType = "implements"
	EdgeTypeDependsOn  EdgeType = "depends-on"
	EdgeTypeUses       EdgeType = "uses"
)

// Source tags identify which process last wrote the shared document.
const (
	// SourceExtension is the editor-side process.
	SourceExtension = "extension"

	// SourceMCP is the agent-tool-side process.
	SourceMCP = "mcp"
)

// HistoryAction is the kind of event recorded in a node's audit log.
type HistoryAction string

const (
	HistoryAdded         HistoryAction = "added"
	HistoryChanged       HistoryAction = "changed"
	HistoryRemoved       HistoryAction = "removed"
	HistoryEdgeAdded     HistoryAction = "edge-added"
	HistoryEdgeRemoved   HistoryAction = "edge-removed"
	HistoryChangeApplied HistoryAction = "change-applied"
)

// GraphNode is a single node in a layer.
//
// Optional fields use omitempty so that a zero value means "not defined".
// The merge resolver and the change detector rely on that: a field absent
// from the serialized form is treated as undefined.
//
// Keys found in a document that this type does not know about are kept in
// Extra and written back unchanged.
type GraphNode struct {
	ID         string   `json:"id"`
	Label      string   `json:"label"`
	Type       NodeType `json:"type"`
	Parent     string   `json:"parent,omitempty"`
	IsCompound bool     `json:"isCompound,omitempty"`

	FilePath       string `json:"filePath,omitempty"`
	Language       string `json:"language,omitempty"`
	Technology     string `json:"technology,omitempty"`
	Description    string `json:"description,omitempty"`
	ProgressStatus string `json:"progressStatus,omitempty"`

	// Metrics computed by the analyzers on the editor side.
	LinesOfCode  int   `json:"linesOfCode,omitempty"`
	Complexity   int   `json:"complexity,omitempty"`
	LastModified int64 `json:"lastModified,omitempty"`

	// IsAgentAdded is set when the agent-tool side created the node.
	IsAgentAdded bool `json:"isAgentAdded,omitempty"`

	// Change-proposal fields, folded in by ApplyProposedChange.
	ChangeName           string `json:"changeName,omitempty"`
	ChangeSummary        string `json:"changeSummary,omitempty"`
	ChangeIntention      string `json:"changeIntention,omitempty"`
	ChangeAdditionalInfo string `json:"changeAdditionalInfo,omitempty"`
	ChangeTimestamp      int64  `json:"changeTimestamp,omitempty"`

	// Feature tracing.
	SupportsFeatures []string `json:"supportsFeatures,omitempty"`
	SupportedBy      []string `json:"supportedBy,omitempty"`

	// Extra holds unrecognised document keys.
	Extra map[string]any `json:"-"`
}

// Clone returns a deep copy of the node.
func (n GraphNode) Clone() GraphNode {
	out := n
	out.SupportsFeatures = cloneStrings(n.SupportsFeatures)
	out.SupportedBy = cloneStrings(n.SupportedBy)
	out.Extra = cloneMap(n.Extra)
	return out
}

// GraphEdge is a directed relationship between two nodes of the same layer.
//
// Source and Target SHOULD reference existing nodes, but a dangling
// endpoint is tolerated while the two processes converge.
type GraphEdge struct {
	ID          string   `json:"id"`
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	EdgeType    EdgeType `json:"edgeType"`
	Label       string   `json:"label,omitempty"`
	Description string   `json:"description,omitempty"`

	// Extra holds unrecognised document keys.
	Extra map[string]any `json:"-"`
}

// Clone returns a deep copy of the edge.
func (e GraphEdge) Clone() GraphEdge {
	out := e
	out.Extra = cloneMap(e.Extra)
	return out
}

// LayerGraph is the node/edge collection of one layer.
type LayerGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// IsEmpty reports whether the layer has neither nodes nor edges.
func (g LayerGraph) IsEmpty() bool {
	return len(g.Nodes) == 0 && len(g.Edges) == 0
}

// Clone returns a deep copy of the layer graph.
func (g LayerGraph) Clone() LayerGraph {
	out := LayerGraph{
		Nodes: make([]GraphNode, len(g.Nodes)),
		Edges: make([]GraphEdge, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = n.Clone()
	}
	for i, e := range g.Edges {
		out.Edges[i] = e.Clone()
	}
	return out
}

// ProposedChange is an overlay staged against a node or file, waiting for
// an explicit apply step.
type ProposedChange struct {
	NodeID         string `json:"nodeId,omitempty" validate:"required_without=FilePath"`
	FilePath       string `json:"filePath,omitempty"`
	Name           string `json:"name" validate:"required"`
	Summary        string `json:"summary"`
	Intention      string `json:"intention"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
	Timestamp      int64  `json:"timestamp" validate:"gte=0"`
}

// NodeHistoryEvent is one entry of a node's append-only audit log.
type NodeHistoryEvent struct {
	Timestamp int64         `json:"timestamp"`
	Action    HistoryAction `json:"action"`
	Details   string        `json:"details,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
