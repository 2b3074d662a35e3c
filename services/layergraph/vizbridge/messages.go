// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vizbridge connects the visualisation client to the store.
//
// Clients connect over a WebSocket. The bridge pushes the sync channel's
// change notifications to every client and applies client mutation
// requests to the local store, from where the sync channel persists them.
package vizbridge

import (
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// Outbound message types.
const (
	TypeHello             = "hello"
	TypeFullGraph         = "fullGraph"
	TypeIncrementalUpdate = "incrementalUpdate"
	TypePropertyUpdate    = "propertyUpdate"
	TypeResponse          = "response"
)

// Inbound request types.
const (
	RequestAddNode              = "addNode"
	RequestUpdateNode           = "updateNode"
	RequestRemoveNode           = "removeNode"
	RequestAddEdge              = "addEdge"
	RequestRemoveEdge           = "removeEdge"
	RequestApplyProposedChange  = "applyProposedChange"
	RequestListProposedChanges  = "listProposedChanges"
	RequestClearProposedChanges = "clearProposedChanges"
	RequestSetLayer             = "setLayer"
	RequestSetAgentOnlyMode     = "setAgentOnlyMode"
)

// Envelope wraps every message sent to a client.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hello is the first message on a new connection.
type Hello struct {
	ClientID string `json:"clientId"`
	Snapshot any    `json:"snapshot"`
}

// Request is a client mutation or query.
//
// Layer defaults to the store's current layer. Target names the node id or
// file path of a proposed change.
type Request struct {
	RequestID string           `json:"requestId"`
	Type      string           `json:"type"`
	Layer     string           `json:"layer,omitempty"`
	Node      *graph.GraphNode `json:"node,omitempty"`
	NodeID    string           `json:"nodeId,omitempty"`
	Edge      *graph.GraphEdge `json:"edge,omitempty"`
	EdgeID    string           `json:"edgeId,omitempty"`
	Updates   graph.Properties `json:"updates,omitempty"`
	Target    string           `json:"target,omitempty"`
	Enabled   *bool            `json:"enabled,omitempty"`
}

// Response answers one Request.
type Response struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Data      any    `json:"data,omitempty"`
}
