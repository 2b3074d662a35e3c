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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/statesync"
)

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	h := NewHub(nil)
	c1 := h.register("one")
	c2 := h.register("two")

	h.IncrementalUpdate(statesync.IncrementalUpdate{Layer: graph.LayerBlueprint})

	for _, c := range []*client{c1, c2} {
		select {
		case msg := <-c.send:
			var env rawEnvelope
			require.NoError(t, json.Unmarshal(msg, &env))
			assert.Equal(t, TypeIncrementalUpdate, env.Type)
		default:
			t.Fatalf("client %s received nothing", c.id)
		}
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := NewHub(nil)
	h.sendBuffer = 1
	slow := h.register("slow")

	h.FullGraph(statesync.FullRefresh{})
	assert.Equal(t, 1, h.ClientCount())

	h.FullGraph(statesync.FullRefresh{})
	assert.Equal(t, 0, h.ClientCount())
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client not closed")
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub(nil)
	c := h.register("x")
	h.CloseAll()
	assert.Equal(t, 0, h.ClientCount())
	assert.False(t, c.enqueue([]byte("{}")))
}
