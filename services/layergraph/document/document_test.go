// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package document

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

func sampleState(version int64) *graph.SharedGraphState {
	s := graph.NewSharedGraphState(graph.SourceExtension)
	s.Version = version
	s.Graphs[graph.LayerImplementation] = graph.LayerGraph{
		Nodes: []graph.GraphNode{{ID: "a", Label: "A", Type: graph.NodeTypeFile, Extra: map[string]any{"future": true}}},
		Edges: []graph.GraphEdge{},
	}
	return s
}

func TestDocument_ReadMissingReturnsEmpty(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "graph-state.json"), graph.SourceMCP)

	state, fp, err := d.Read()
	require.NoError(t, err)
	assert.True(t, fp.IsZero())
	assert.Equal(t, int64(0), state.Version)
	assert.Equal(t, graph.SourceMCP, state.Source)
	assert.Len(t, state.Graphs, 4)
	assert.False(t, d.Exists())
}

func TestDocument_ReadGarbageReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	state, fp, err := New(path, graph.SourceMCP).Read()
	require.NoError(t, err)
	assert.False(t, fp.IsZero())
	assert.Equal(t, 0, state.CountNodes())
}

func TestDocument_WriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "graph-state.json")
	d := New(path, graph.SourceExtension)

	written, err := d.Write(context.Background(), sampleState(3))
	require.NoError(t, err)
	assert.False(t, written.IsZero())

	state, read, err := d.Read()
	require.NoError(t, err)
	assert.Equal(t, written, read)
	assert.Equal(t, int64(3), state.Version)
	require.Len(t, state.Graphs[graph.LayerImplementation].Nodes, 1)
	assert.Equal(t, true, state.Graphs[graph.LayerImplementation].Nodes[0].Extra["future"])

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestDocument_CompareAndWrite(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "graph-state.json"), graph.SourceExtension)

	_, _, err := d.CompareAndWrite(context.Background(), 0, sampleState(1))
	require.NoError(t, err)

	_, current, err := d.CompareAndWrite(context.Background(), 0, sampleState(2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionMismatch))
	require.NotNil(t, current)
	assert.Equal(t, int64(1), current.Version)

	_, _, err = d.CompareAndWrite(context.Background(), 1, sampleState(2))
	require.NoError(t, err)
}

func TestDocument_Update(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "graph-state.json"), graph.SourceExtension)
	_, err := d.Write(context.Background(), sampleState(4))
	require.NoError(t, err)

	next, fp, err := d.Update(context.Background(), func(cur *graph.SharedGraphState) (*graph.SharedGraphState, error) {
		cur.Version++
		return cur, nil
	})
	require.NoError(t, err)
	assert.False(t, fp.IsZero())
	assert.Equal(t, int64(5), next.Version)

	_, fp, err = d.Update(context.Background(), func(*graph.SharedGraphState) (*graph.SharedGraphState, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, fp.IsZero())

	boom := errors.New("boom")
	_, _, err = d.Update(context.Background(), func(*graph.SharedGraphState) (*graph.SharedGraphState, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestFingerprintOf_IsContentAddressed(t *testing.T) {
	a := FingerprintOf([]byte("same"))
	b := FingerprintOf([]byte("same"))
	c := FingerprintOf([]byte("different"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.String(), 64)
}

func TestDecode_WrapsUnreadable(t *testing.T) {
	_, err := Decode([]byte("[]"))
	assert.True(t, errors.Is(err, graph.ErrDocumentUnreadable))
}

func TestDocument_WriteBytes(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "graph-state.json"), graph.SourceExtension)

	_, err := d.WriteBytes(context.Background(), []byte("nope"))
	assert.True(t, errors.Is(err, graph.ErrDocumentUnreadable))
	assert.False(t, d.Exists())

	raw := []byte(`{"version":12,"source":"mcp","graphs":{}}`)
	fp, err := d.WriteBytes(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, FingerprintOf(raw), fp)

	onDisk, err := os.ReadFile(d.Path())
	require.NoError(t, err)
	assert.Equal(t, raw, onDisk)
}
