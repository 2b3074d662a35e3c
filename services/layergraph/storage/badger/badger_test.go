// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestOpen_OnDiskWithGC(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "ancestors"))
	cfg.GCInterval = 10 * time.Millisecond
	db, err := Open(cfg)
	require.NoError(t, err)
	assert.False(t, db.InMemory())
	assert.DirExists(t, cfg.Dir)

	n, err := db.CollectGarbage(0.5)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")
}

func TestDB_InMemorySkipsGC(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
	n, err := db.CollectGarbage(0.5)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDB_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewAncestorStore(db).Save(ctx, graph.SourceMCP, graph.NewSharedGraphState(graph.SourceMCP))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAncestorStore_SaveLoadClear(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	s := NewAncestorStore(db)

	_, ok, err := s.Load(ctx, graph.SourceExtension)
	require.NoError(t, err)
	assert.False(t, ok)

	state := graph.NewSharedGraphState(graph.SourceExtension)
	state.Version = 9
	state.Graphs[graph.LayerImplementation] = graph.LayerGraph{
		Nodes: []graph.GraphNode{{ID: "n1", Label: "N1", LinesOfCode: 10}},
	}
	require.NoError(t, s.Save(ctx, graph.SourceExtension, state))

	got, ok, err := s.Load(ctx, graph.SourceExtension)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), got.Version)
	assert.Equal(t, 10, got.Graphs[graph.LayerImplementation].Nodes[0].LinesOfCode)
	assert.Len(t, got.Graphs, 4)

	// Sources are independent.
	_, ok, err = s.Load(ctx, graph.SourceMCP)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Clear(ctx, graph.SourceExtension))
	_, ok, err = s.Load(ctx, graph.SourceExtension)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAncestorStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0
	db, err := Open(cfg)
	require.NoError(t, err)
	state := graph.NewSharedGraphState(graph.SourceMCP)
	state.Version = 3
	require.NoError(t, NewAncestorStore(db).Save(ctx, graph.SourceMCP, state))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	got, ok, err := NewAncestorStore(db).Load(ctx, graph.SourceMCP)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Version)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewAncestorStore(db).Save(ctx, graph.SourceMCP, graph.NewSharedGraphState(graph.SourceMCP))
	assert.ErrorIs(t, err, context.Canceled)
}
