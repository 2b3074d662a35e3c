// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge reconciles two divergent copies of the shared document.
//
// # Property Ownership
//
// Every node field is statically owned by one side:
//
//	extension  metrics and layout facts computed by the editor-side analyzers
//	mcp        annotations written by the agent-tool side
//	shared     identity fields either side may set
//	unknown    everything else, including keys this build does not recognise
//
// Ownership decides which value survives when both sides changed a node.
// Unknown fields take the remote value and are reported as conflicts.
package merge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/layergraph/services/layergraph/changes"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// Ownership is the side that owns a field.
type Ownership string

const (
	OwnerExtension Ownership = "extension"
	OwnerMCP       Ownership = "mcp"
	OwnerShared    Ownership = "shared"
	OwnerUnknown   Ownership = "unknown"
)

var ownership = map[string]Ownership{
	"linesOfCode":  OwnerExtension,
	"complexity":   OwnerExtension,
	"lastModified": OwnerExtension,
	"filePath":     OwnerExtension,
	"language":     OwnerExtension,
	"parent":       OwnerExtension,
	"isCompound":   OwnerExtension,

	"isAgentAdded":         OwnerMCP,
	"progressStatus":       OwnerMCP,
	"technology":           OwnerMCP,
	"description":          OwnerMCP,
	"changeName":           OwnerMCP,
	"changeSummary":        OwnerMCP,
	"changeIntention":      OwnerMCP,
	"changeAdditionalInfo": OwnerMCP,
	"changeTimestamp":      OwnerMCP,
	"supportsFeatures":     OwnerMCP,
	"supportedBy":          OwnerMCP,

	"id":   OwnerShared,
	"type": OwnerShared,
}

// OwnershipOf returns the owner of a node field.
func OwnershipOf(field string) Ownership {
	if o, ok := ownership[field]; ok {
		return o
	}
	return OwnerUnknown
}

// ResolutionRemote marks a conflict resolved by taking the remote value.
const ResolutionRemote = "remote"

// ConflictInfo records one field resolved without an ownership rule.
type ConflictInfo struct {
	Layer       graph.Layer `json:"layer"`
	NodeID      string      `json:"nodeId"`
	Property    string      `json:"property"`
	BaseValue   any         `json:"baseValue,omitempty"`
	LocalValue  any         `json:"localValue"`
	RemoteValue any         `json:"remoteValue"`
	Resolution  string      `json:"resolution"`
	Reason      string      `json:"reason"`
}

// Stats counts what a merge did.
type Stats struct {
	NodesMerged       int `json:"nodesMerged"`
	NodesLocalOnly    int `json:"nodesLocalOnly"`
	NodesRemoteOnly   int `json:"nodesRemoteOnly"`
	NodesSkipped      int `json:"nodesSkipped"`
	EdgesMerged       int `json:"edgesMerged"`
	PropertiesUpdated int `json:"propertiesUpdated"`
	ConflictsDetected int `json:"conflictsDetected"`
	ConflictsResolved int `json:"conflictsResolved"`
}

// Result is the output of MergeStates.
type Result struct {
	MergedState *graph.SharedGraphState `json:"mergedState"`
	Conflicts   []ConflictInfo          `json:"conflicts"`
	Stats       Stats                   `json:"stats"`
}

// DefaultConflictSkew is the timestamp difference beyond which HasConflicts
// reports divergence regardless of source and version.
const DefaultConflictSkew = 5 * time.Second

// Resolver merges documents on behalf of one process.
//
// Thread Safety: safe for concurrent use; MergeStates does not mutate its
// inputs.
type Resolver struct {
	source string
	skew   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now for the merged timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithConflictSkew sets the HasConflicts timestamp threshold.
func WithConflictSkew(d time.Duration) Option {
	return func(r *Resolver) { r.skew = d }
}

// NewResolver returns a resolver that tags merged documents with source.
func NewResolver(source string, opts ...Option) *Resolver {
	r := &Resolver{
		source: source,
		skew:   DefaultConflictSkew,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasConflicts is a cheap divergence check used to decide whether a full
// merge is worth running.
//
// Description:
//
//	True if the documents carry different source tags and different
//	versions, or if their timestamps are further apart than the configured
//	skew. It is a heuristic; a false result does not prove the documents
//	agree.
func (r *Resolver) HasConflicts(local, remote *graph.SharedGraphState) bool {
	if local == nil || remote == nil {
		return false
	}
	if local.Source != remote.Source && local.Version != remote.Version {
		return true
	}
	delta := local.Timestamp - remote.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Millisecond > r.skew
}

// MergeStates performs the three-way merge.
//
// Description:
//
//	Per layer and node id over the union of local and remote:
//	  - present on one side only: kept unchanged
//	  - present on both: local's copy with remote fields applied by owner
//	    (extension keeps local, mcp and shared adopt remote, unknown adopts
//	    remote and records a ConflictInfo)
//	Edges are unioned by id; on collision remote fields overlay local.
//	Proposed changes come from remote. Node history and deleted ids come
//	from local. currentLayer and agentOnlyMode come from the side with the
//	newer timestamp. A node that cannot be merged is logged, left as local
//	has it and counted in Stats.NodesSkipped.
//
// Inputs:
//
//	base - Last common ancestor. Used for conflict reporting only; may be nil.
//	local - This process's document. Nil is treated as empty.
//	remote - The other process's document. Nil is treated as empty.
//
// Outputs:
//
//	Result - Merged document with version max(local, remote)+1.
func (r *Resolver) MergeStates(base, local, remote *graph.SharedGraphState) Result {
	if local == nil {
		local = graph.NewSharedGraphState(r.source)
		local.Timestamp = 0
	}
	if remote == nil {
		remote = graph.NewSharedGraphState(r.source)
		remote.Timestamp = 0
	}
	local = local.Clone()
	local.EnsureLayers()
	remote = remote.Clone()
	remote.EnsureLayers()
	if base != nil {
		base = base.Clone()
		base.EnsureLayers()
	}

	merged := graph.NewSharedGraphState(r.source)
	merged.Version = max(local.Version, remote.Version) + 1
	merged.Timestamp = r.now().UnixMilli()
	if remote.Timestamp > local.Timestamp {
		merged.CurrentLayer = remote.CurrentLayer
		merged.AgentOnlyMode = remote.AgentOnlyMode
	} else {
		merged.CurrentLayer = local.CurrentLayer
		merged.AgentOnlyMode = local.AgentOnlyMode
	}

	res := Result{MergedState: merged, Conflicts: []ConflictInfo{}}
	for _, l := range layersOf(local, remote) {
		var baseGraph graph.LayerGraph
		if base != nil {
			baseGraph = base.Graphs[l]
		}
		merged.Graphs[l] = r.mergeLayer(l, baseGraph, local.Graphs[l], remote.Graphs[l], &res)
	}

	merged.ProposedChanges = remote.ProposedChanges
	merged.NodeHistory = local.NodeHistory
	merged.DeletedNodes = local.DeletedNodes
	merged.EnsureLayers()

	r.logger.Info("merged shared document",
		slog.Int64("local_version", local.Version),
		slog.Int64("remote_version", remote.Version),
		slog.Int64("merged_version", merged.Version),
		slog.Int("nodes_merged", res.Stats.NodesMerged),
		slog.Int("conflicts", res.Stats.ConflictsDetected))
	return res
}

// layersOf returns the fixed layers followed by any other layer key found
// in either document.
func layersOf(docs ...*graph.SharedGraphState) []graph.Layer {
	out := graph.AllLayers()
	seen := make(map[graph.Layer]struct{}, len(out))
	for _, l := range out {
		seen[l] = struct{}{}
	}
	for _, d := range docs {
		for l := range d.Graphs {
			if _, ok := seen[l]; !ok {
				seen[l] = struct{}{}
				out = append(out, l)
			}
		}
	}
	return out
}

func (r *Resolver) mergeLayer(l graph.Layer, base, local, remote graph.LayerGraph, res *Result) graph.LayerGraph {
	baseNodes := make(map[string]graph.GraphNode, len(base.Nodes))
	for _, n := range base.Nodes {
		baseNodes[n.ID] = n
	}
	remoteNodes := make(map[string]graph.GraphNode, len(remote.Nodes))
	for _, n := range remote.Nodes {
		if n.ID == "" {
			r.logger.Warn("skipping remote node without id", slog.String("layer", string(l)))
			res.Stats.NodesSkipped++
			continue
		}
		remoteNodes[n.ID] = n
	}

	out := graph.LayerGraph{Nodes: []graph.GraphNode{}, Edges: []graph.GraphEdge{}}
	placed := make(map[string]struct{}, len(local.Nodes)+len(remote.Nodes))
	for _, ln := range local.Nodes {
		if ln.ID == "" {
			r.logger.Warn("skipping local node without id", slog.String("layer", string(l)))
			res.Stats.NodesSkipped++
			continue
		}
		if _, dup := placed[ln.ID]; dup {
			continue
		}
		placed[ln.ID] = struct{}{}

		rn, both := remoteNodes[ln.ID]
		if !both {
			res.Stats.NodesLocalOnly++
			out.Nodes = append(out.Nodes, ln)
			continue
		}
		bn, hasBase := baseNodes[ln.ID]
		merged, err := r.mergeNode(l, ln, rn, bn, hasBase, res)
		if err != nil {
			r.logger.Warn("skipping node that could not be merged",
				slog.String("layer", string(l)),
				slog.String("node_id", ln.ID),
				slog.String("error", err.Error()))
			res.Stats.NodesSkipped++
			out.Nodes = append(out.Nodes, ln)
			continue
		}
		res.Stats.NodesMerged++
		out.Nodes = append(out.Nodes, merged)
	}
	for _, rn := range remote.Nodes {
		if rn.ID == "" {
			continue
		}
		if _, ok := placed[rn.ID]; ok {
			continue
		}
		placed[rn.ID] = struct{}{}
		res.Stats.NodesRemoteOnly++
		out.Nodes = append(out.Nodes, rn)
	}

	out.Edges = r.mergeEdges(l, local.Edges, remote.Edges, res)
	return out
}

// mergeNode applies remote's fields onto local's copy by ownership.
func (r *Resolver) mergeNode(l graph.Layer, local, remote, base graph.GraphNode, hasBase bool, res *Result) (graph.GraphNode, error) {
	localProps, err := graph.NodeProperties(local)
	if err != nil {
		return graph.GraphNode{}, fmt.Errorf("local node: %w", err)
	}
	remoteProps, err := graph.NodeProperties(remote)
	if err != nil {
		return graph.GraphNode{}, fmt.Errorf("remote node: %w", err)
	}
	var baseProps graph.Properties
	if hasBase {
		if baseProps, err = graph.NodeProperties(base); err != nil {
			baseProps = nil
		}
	}

	out := localProps
	var conflicts []ConflictInfo
	updated := 0
	for field, rv := range remoteProps {
		lv := localProps[field]
		if changes.FieldsEqual(field, lv, rv) {
			continue
		}
		switch OwnershipOf(field) {
		case OwnerExtension:
			// Local wins.
		case OwnerMCP, OwnerShared:
			if rv != nil {
				out[field] = rv
				updated++
			}
		default:
			out[field] = rv
			conflicts = append(conflicts, ConflictInfo{
				Layer:       l,
				NodeID:      local.ID,
				Property:    field,
				BaseValue:   baseProps[field],
				LocalValue:  lv,
				RemoteValue: rv,
				Resolution:  ResolutionRemote,
				Reason:      fmt.Sprintf("property %q has no owner; remote value kept", field),
			})
		}
	}

	node, err := graph.NodeFromProperties(out)
	if err != nil {
		return graph.GraphNode{}, err
	}
	res.Stats.PropertiesUpdated += updated
	res.Stats.ConflictsDetected += len(conflicts)
	res.Stats.ConflictsResolved += len(conflicts)
	res.Conflicts = append(res.Conflicts, conflicts...)
	return node, nil
}

// mergeEdges unions edges by id. Remote fields overlay local ones on
// collision.
func (r *Resolver) mergeEdges(l graph.Layer, local, remote []graph.GraphEdge, res *Result) []graph.GraphEdge {
	remoteByID := make(map[string]graph.GraphEdge, len(remote))
	for _, e := range remote {
		remoteByID[e.ID] = e
	}
	out := make([]graph.GraphEdge, 0, len(local)+len(remote))
	placed := make(map[string]struct{}, len(local)+len(remote))
	for _, le := range local {
		if _, dup := placed[le.ID]; dup {
			continue
		}
		placed[le.ID] = struct{}{}
		re, both := remoteByID[le.ID]
		if !both {
			out = append(out, le)
			continue
		}
		merged, err := overlayEdge(le, re)
		if err != nil {
			r.logger.Warn("edge merge failed, keeping local",
				slog.String("layer", string(l)),
				slog.String("edge_id", le.ID),
				slog.String("error", err.Error()))
			out = append(out, le)
			continue
		}
		res.Stats.EdgesMerged++
		out = append(out, merged)
	}
	for _, re := range remote {
		if _, ok := placed[re.ID]; ok {
			continue
		}
		placed[re.ID] = struct{}{}
		out = append(out, re)
	}
	return out
}

func overlayEdge(local, remote graph.GraphEdge) (graph.GraphEdge, error) {
	props, err := graph.EdgeProperties(local)
	if err != nil {
		return graph.GraphEdge{}, err
	}
	remoteProps, err := graph.EdgeProperties(remote)
	if err != nil {
		return graph.GraphEdge{}, err
	}
	for k, v := range remoteProps {
		props[k] = v
	}
	return graph.EdgeFromProperties(props)
}
