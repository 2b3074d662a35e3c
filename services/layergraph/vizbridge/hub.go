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
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/AleutianAI/layergraph/services/layergraph/statesync"
)

// DefaultSendBuffer is the number of messages queued per client before the
// client is considered too slow and dropped.
const DefaultSendBuffer = 64

// Hub fans messages out to connected clients.
//
// Hub implements statesync.Notifier. Broadcasts never block: a client
// whose queue is full is disconnected.
//
// Thread Safety: safe for concurrent use.
type Hub struct {
	logger     *slog.Logger
	sendBuffer int

	mu      sync.RWMutex
	clients map[string]*client
}

var _ statesync.Notifier = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		sendBuffer: DefaultSendBuffer,
		clients:    make(map[string]*client),
	}
}

type client struct {
	id        string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue reports false if the client's queue is full or it is closed.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) register(id string) *client {
	c := &client{
		id:   id,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client.
func (h *Hub) Broadcast(msg Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	var slow []*client
	for _, c := range h.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow visualisation client", slog.String("client_id", c.id))
		h.unregister(c)
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// FullGraph implements statesync.Notifier.
func (h *Hub) FullGraph(r statesync.FullRefresh) {
	h.Broadcast(Envelope{Type: TypeFullGraph, Payload: r})
}

// IncrementalUpdate implements statesync.Notifier.
func (h *Hub) IncrementalUpdate(u statesync.IncrementalUpdate) {
	h.Broadcast(Envelope{Type: TypeIncrementalUpdate, Payload: u})
}

// PropertyUpdate implements statesync.Notifier.
func (h *Hub) PropertyUpdate(u statesync.PropertyUpdate) {
	h.Broadcast(Envelope{Type: TypePropertyUpdate, Payload: u})
}
