// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/backup"
	"github.com/AleutianAI/layergraph/services/layergraph/config"
	"github.com/AleutianAI/layergraph/services/layergraph/document"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

const testConfig = `
pruning:
  max_history_per_node: 2
  max_deleted_nodes_per_layer: 10
backup:
  max_backups: 3
log:
  level: error
`

// runCLI executes the root command against a config in dir.
func runCLI(t *testing.T, dir string, args ...string) string {
	t.Helper()
	pruneDryRun, statsJSONOutput, backupJSONOutput, logLevel = false, false, false, ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, config.FileName)}, args...))
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func seedDocument(t *testing.T, dir string) *document.Document {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(testConfig), 0o644))

	now := time.Now().UnixMilli()
	state := graph.NewSharedGraphState(graph.SourceMCP)
	state.Version = 4
	state.Graphs[graph.LayerImplementation] = graph.LayerGraph{
		Nodes: []graph.GraphNode{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}},
		Edges: []graph.GraphEdge{{ID: "ab", Source: "a", Target: "b"}},
	}
	var events []graph.NodeHistoryEvent
	for i := range 5 {
		events = append(events, graph.NodeHistoryEvent{Timestamp: now + int64(i), Action: graph.HistoryChanged})
	}
	state.NodeHistory[graph.LayerImplementation] = map[string][]graph.NodeHistoryEvent{"a": events}

	doc := document.New(filepath.Join(dir, "graph-state.json"), graph.SourceMCP)
	_, err := doc.Write(context.Background(), state)
	require.NoError(t, err)
	return doc
}

func TestStats_MissingDocument(t *testing.T) {
	dir := t.TempDir()
	out := runCLI(t, dir, "stats")
	assert.Contains(t, out, "No shared document")

	_, err := os.Stat(filepath.Join(dir, config.FileName))
	assert.NoError(t, err, "default config is created")
}

func TestStats_JSON(t *testing.T) {
	dir := t.TempDir()
	seedDocument(t, dir)

	out := runCLI(t, dir, "stats", "--json")
	var s Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.True(t, s.Exists)
	assert.Equal(t, int64(4), s.Version)
	assert.Equal(t, graph.SourceMCP, s.Source)
	assert.Equal(t, 2, s.Layers[graph.LayerImplementation].Nodes)
	assert.Equal(t, 1, s.Layers[graph.LayerImplementation].Edges)
	assert.Equal(t, 5, s.Layers[graph.LayerImplementation].HistoryEvents)
	assert.True(t, s.NeedsPruning)
}

func TestPrune_DryRunThenWrite(t *testing.T) {
	dir := t.TempDir()
	doc := seedDocument(t, dir)

	out := runCLI(t, dir, "prune", "--dry-run")
	assert.Contains(t, out, "Would prune 3 history events")
	state, _, _ := doc.Read()
	assert.Equal(t, int64(4), state.Version)
	assert.Len(t, state.NodeHistory[graph.LayerImplementation]["a"], 5)

	out = runCLI(t, dir, "prune")
	assert.Contains(t, out, "Pruned 3 history events")
	state, _, _ = doc.Read()
	assert.Equal(t, int64(5), state.Version)
	assert.Equal(t, graph.SourceExtension, state.Source)
	assert.Len(t, state.NodeHistory[graph.LayerImplementation]["a"], 2)
	assert.Len(t, state.Graphs[graph.LayerImplementation].Nodes, 2)

	out = runCLI(t, dir, "prune")
	assert.Contains(t, out, "Nothing to prune.")
}

func TestBackup_CreateListRestore(t *testing.T) {
	dir := t.TempDir()
	doc := seedDocument(t, dir)

	out := runCLI(t, dir, "backup", "create")
	assert.Contains(t, out, "Created ")

	out = runCLI(t, dir, "backup", "list", "--json")
	var backups []struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &backups))
	require.Len(t, backups, 1)

	state, _, _ := doc.Read()
	state.Version = 9
	state.Graphs[graph.LayerImplementation] = graph.LayerGraph{}
	_, err := doc.Write(context.Background(), state)
	require.NoError(t, err)

	out = runCLI(t, dir, "backup", "restore-latest")
	assert.Contains(t, out, "Restored "+backups[0].Path)

	restored, _, _ := doc.Read()
	assert.Equal(t, int64(4), restored.Version)
	assert.Len(t, restored.Graphs[graph.LayerImplementation].Nodes, 2)

	_, err = os.Stat(doc.Path() + backup.BeforeRestoreSuffix)
	assert.NoError(t, err)
}
