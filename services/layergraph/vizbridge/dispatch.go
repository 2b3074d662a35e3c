// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vizbridge

import (
	"fmt"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// Dispatch applies one client request to the store.
//
// Description:
//
//	Mutations go through the store's normal write path, so the sync
//	channel persists them like any other local edit. Errors are reported
//	in the Response, never returned.
//
// Inputs:
//
//	req - The request. An empty Layer means the store's current layer.
//
// Outputs:
//
//	Response - Success with optional Data, or an error and its code.
func (s *Server) Dispatch(req Request) Response {
	data, err := s.dispatch(req)
	if err != nil {
		return Response{
			RequestID: req.RequestID,
			Error:     err.Error(),
			ErrorCode: graph.ErrorCode(err),
		}
	}
	return Response{RequestID: req.RequestID, Success: true, Data: data}
}

func (s *Server) dispatch(req Request) (any, error) {
	layer := s.store.CurrentLayer()
	if req.Layer != "" {
		l, err := graph.ParseLayer(req.Layer)
		if err != nil {
			return nil, err
		}
		layer = l
	}

	switch req.Type {
	case RequestAddNode:
		if req.Node == nil {
			return nil, fmt.Errorf("%w: node is required", graph.ErrValidation)
		}
		if err := s.store.AddNode(layer, *req.Node); err != nil {
			return nil, err
		}
		return s.store.GetNode(layer, req.Node.ID)

	case RequestUpdateNode:
		if len(req.Updates) == 0 {
			return nil, fmt.Errorf("%w: updates are required", graph.ErrValidation)
		}
		node, changed, err := s.store.UpdateNode(layer, req.NodeID, req.Updates)
		if err != nil {
			return nil, err
		}
		return map[string]any{"node": node, "changedFields": changed}, nil

	case RequestRemoveNode:
		removed, err := s.store.RemoveNode(layer, req.NodeID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removedEdges": removed}, nil

	case RequestAddEdge:
		if req.Edge == nil {
			return nil, fmt.Errorf("%w: edge is required", graph.ErrValidation)
		}
		if err := s.store.AddEdge(layer, *req.Edge); err != nil {
			return nil, err
		}
		return s.store.GetEdge(layer, req.Edge.ID)

	case RequestRemoveEdge:
		return nil, s.store.RemoveEdge(layer, req.EdgeID)

	case RequestApplyProposedChange:
		target := req.Target
		if target == "" {
			target = req.NodeID
		}
		return s.store.ApplyProposedChange(layer, target)

	case RequestListProposedChanges:
		return s.store.ListProposedChanges(layer)

	case RequestClearProposedChanges:
		n, err := s.store.ClearProposedChanges(layer)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cleared": n}, nil

	case RequestSetLayer:
		if req.Layer == "" {
			return nil, fmt.Errorf("%w: layer is required", graph.ErrValidation)
		}
		return map[string]any{"currentLayer": layer}, s.store.SetCurrentLayer(layer)

	case RequestSetAgentOnlyMode:
		if req.Enabled == nil {
			return nil, fmt.Errorf("%w: enabled is required", graph.ErrValidation)
		}
		s.store.SetAgentOnlyMode(*req.Enabled)
		return map[string]any{"agentOnlyMode": *req.Enabled}, nil

	default:
		return nil, fmt.Errorf("%w: unknown request type %q", graph.ErrValidation, req.Type)
	}
}
