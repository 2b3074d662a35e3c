// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

var proposalValidate = validator.New()

// target returns the key a proposal is staged against.
func proposalTarget(c graph.ProposedChange) string {
	if c.NodeID != "" {
		return c.NodeID
	}
	return c.FilePath
}

// ProposeChange stages a change against a node or file path.
//
// Description:
//
//	A proposal replaces any earlier proposal staged against the same
//	target. A zero Timestamp is filled with the current time.
//
// Outputs:
//
//	graph.ProposedChange - The stored proposal.
//	error - ErrValidation if neither NodeID nor FilePath is set, Name is
//	        empty or Timestamp is negative; ErrInvalidLayer.
func (s *Store) ProposeChange(l graph.Layer, c graph.ProposedChange) (graph.ProposedChange, error) {
	if err := proposalValidate.Struct(c); err != nil {
		return graph.ProposedChange{}, fmt.Errorf("%w: proposal: %v", graph.ErrValidation, err)
	}

	s.mu.Lock()
	ld, err := s.layer(l)
	if err != nil {
		s.mu.Unlock()
		return graph.ProposedChange{}, err
	}
	if c.Timestamp == 0 {
		c.Timestamp = s.nowMillis()
	}
	replaced := false
	for i, existing := range ld.proposed {
		if proposalTarget(existing) == proposalTarget(c) {
			ld.proposed[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		ld.proposed = append(ld.proposed, c)
	}
	s.seq++
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationChangeProposed, Layer: l, ID: proposalTarget(c)})
	return c, nil
}

// ListProposedChanges returns a copy of the layer's staged proposals.
func (s *Store) ListProposedChanges(l graph.Layer) ([]graph.ProposedChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return nil, err
	}
	out := make([]graph.ProposedChange, len(ld.proposed))
	copy(out, ld.proposed)
	return out, nil
}

// ApplyProposedChange folds a staged proposal into its node.
//
// Description:
//
//	target is matched against the proposal's NodeID, then its FilePath.
//	The node is resolved by id, or for file-path proposals by the first
//	node whose FilePath matches. The proposal's name, summary, intention,
//	additional info and timestamp are copied into the node's change
//	fields, a "change-applied" history event is recorded and the proposal
//	is removed.
//
// Outputs:
//
//	graph.GraphNode - The updated node.
//	error - ErrProposedChangeNotFound, ErrNodeNotFound or ErrInvalidLayer.
func (s *Store) ApplyProposedChange(l graph.Layer, target string) (graph.GraphNode, error) {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err != nil {
		s.mu.Unlock()
		return graph.GraphNode{}, err
	}

	idx, node, err := findProposalLocked(ld, l, target)
	if err != nil {
		s.mu.Unlock()
		return graph.GraphNode{}, err
	}
	change := ld.proposed[idx]

	updated := node.Clone()
	updated.ChangeName = change.Name
	updated.ChangeSummary = change.Summary
	updated.ChangeIntention = change.Intention
	updated.ChangeAdditionalInfo = change.AdditionalInfo
	updated.ChangeTimestamp = change.Timestamp
	s.replaceNodeLocked(ld, &updated)
	ld.proposed = append(ld.proposed[:idx], ld.proposed[idx+1:]...)
	s.record(ld, updated.ID, graph.HistoryChangeApplied, change.Name)
	out := updated.Clone()
	s.seq++
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationChangeApplied, Layer: l, ID: out.ID})
	return out, nil
}

// ProposalWithNode returns a staged proposal and a copy of the node it
// targets, for previewing before ApplyProposedChange.
//
// Outputs:
//
//	graph.ProposedChange - The proposal.
//	graph.GraphNode - The node it would be applied to.
//	error - ErrProposedChangeNotFound, ErrNodeNotFound or ErrInvalidLayer.
func (s *Store) ProposalWithNode(l graph.Layer, target string) (graph.ProposedChange, graph.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, err := s.layer(l)
	if err != nil {
		return graph.ProposedChange{}, graph.GraphNode{}, err
	}
	idx, node, err := findProposalLocked(ld, l, target)
	if err != nil {
		return graph.ProposedChange{}, graph.GraphNode{}, err
	}
	return ld.proposed[idx], node.Clone(), nil
}

// findProposalLocked locates the proposal staged against target (a node
// id, or a file path for path-only proposals) and the node it applies to.
func findProposalLocked(ld *layerData, l graph.Layer, target string) (int, *graph.GraphNode, error) {
	idx := -1
	for i, c := range ld.proposed {
		if c.NodeID == target || (c.NodeID == "" && c.FilePath == target) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, nil, fmt.Errorf("%w: %q in layer %s", graph.ErrProposedChangeNotFound, target, l)
	}
	change := ld.proposed[idx]

	var node *graph.GraphNode
	if change.NodeID != "" {
		node, _ = ld.ix.NodeByID(change.NodeID)
	} else {
		for _, n := range ld.nodes {
			if n.FilePath == change.FilePath {
				node = n
				break
			}
		}
	}
	if node == nil {
		return -1, nil, fmt.Errorf("%w: no node for proposal %q in layer %s", graph.ErrNodeNotFound, target, l)
	}
	return idx, node, nil
}

// ClearProposedChanges drops every staged proposal of a layer.
//
// Outputs:
//
//	int - Number of proposals dropped.
func (s *Store) ClearProposedChanges(l graph.Layer) (int, error) {
	s.mu.Lock()
	ld, err := s.layer(l)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	n := len(ld.proposed)
	ld.proposed = nil
	s.seq++
	s.mu.Unlock()

	if n > 0 {
		s.notify(Mutation{Kind: MutationChangesCleared, Layer: l})
	}
	return n, nil
}
