// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the layered code graph data model.
//
// The graph is partitioned into a fixed set of layers (blueprint,
// architecture, implementation, dependencies). Node and edge ids are scoped
// per layer. The whole graph plus its bookkeeping (proposed changes, node
// history, deleted ids) is persisted as a single SharedGraphState document
// that two processes read and write.
//
// # Ownership Model
//
// Values in this package are plain data. Callers that hand a node or state to
// another component and keep mutating it must Clone() first; the store and
// the sync layer always clone at their boundaries.
//
// # Thread Safety
//
// Types in this package are NOT safe for concurrent mutation. Synchronisation
// is the responsibility of the owning store.
package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrNodeNotFound is returned when a node id does not exist in the
	// requested layer (traversal start/end, update, remove).
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound is returned when an edge id does not exist in the
	// requested layer.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrDuplicateNode is returned when adding a node whose id already
	// exists in the layer.
	ErrDuplicateNode = errors.New("duplicate node ID")

	// ErrDuplicateEdge is returned when adding an edge whose id already
	// exists in the layer.
	ErrDuplicateEdge = errors.New("duplicate edge ID")

	// ErrInvalidLayer is returned for a layer name outside the fixed set.
	ErrInvalidLayer = errors.New("invalid layer")

	// ErrValidation is returned when a filter or mutation payload is
	// malformed. It is raised before any index is touched.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidNode is returned when a node has no id.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge is returned when an edge has no id, source or target.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrProposedChangeNotFound is returned when applying a proposed change
	// that does not exist for the node.
	ErrProposedChangeNotFound = errors.New("proposed change not found")

	// ErrDocumentUnreadable marks a shared document that is missing or
	// cannot be parsed. Readers treat it as "no shared state yet".
	ErrDocumentUnreadable = errors.New("shared document unreadable")
)

// Error codes reported to remote clients.
const (
	CodeNotFound   = "not_found"
	CodeValidation = "validation"
	CodeConflict   = "conflict"
	CodeInternal   = "internal"
)

// ErrorCode classifies err for a remote client.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrEdgeNotFound),
		errors.Is(err, ErrProposedChangeNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidLayer),
		errors.Is(err, ErrInvalidNode), errors.Is(err, ErrInvalidEdge):
		return CodeValidation
	case errors.Is(err, ErrDuplicateNode), errors.Is(err, ErrDuplicateEdge):
		return CodeConflict
	default:
		return CodeInternal
	}
}
