// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/config"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig(t.TempDir())
	cfg.Sync.FullRefreshDebounce = 20 * time.Millisecond
	cfg.Sync.WatchDebounce = 20 * time.Millisecond
	cfg.Maintenance = config.MaintenanceConfig{}
	cfg.Viz.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestService_TwoProcessesConverge(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ext, err := Open(cfg, Options{Source: graph.SourceExtension, Maintenance: true}, nil)
	require.NoError(t, err)
	defer ext.Close()
	require.NoError(t, ext.Start(ctx))

	agent, err := Open(cfg, Options{Source: graph.SourceMCP}, nil)
	require.NoError(t, err)
	defer agent.Close()
	require.NoError(t, agent.Start(ctx))

	assert.Equal(t, graph.SourceMCP, agent.Source())
	assert.Nil(t, agent.Maintenance())
	assert.NotNil(t, ext.Maintenance())

	require.NoError(t, ext.Store().AddNode(graph.LayerImplementation,
		graph.GraphNode{ID: "main.go", Label: "main.go", Type: graph.NodeTypeFile}))

	assert.Eventually(t, func() bool {
		_, err := agent.Store().GetNode(graph.LayerImplementation, "main.go")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	_, _, err = agent.Store().UpdateNode(graph.LayerImplementation, "main.go",
		graph.Properties{"progressStatus": "in-progress"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := ext.Store().GetNode(graph.LayerImplementation, "main.go")
		return err == nil && n.ProgressStatus == "in-progress"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestService_AncestorDirPerSource(t *testing.T) {
	cfg := testConfig(t)

	ext, err := Open(cfg, Options{Source: graph.SourceExtension}, nil)
	require.NoError(t, err)
	defer ext.Close()

	agent, err := Open(cfg, Options{Source: graph.SourceMCP}, nil)
	require.NoError(t, err)
	defer agent.Close()

	assert.DirExists(t, filepath.Join(cfg.Sync.AncestorDir, graph.SourceExtension))
	assert.DirExists(t, filepath.Join(cfg.Sync.AncestorDir, graph.SourceMCP))
	assert.False(t, ext.ancestors.InMemory())
}

func TestService_VizRequiresConfigAndOption(t *testing.T) {
	cfg := testConfig(t)

	s, err := Open(cfg, Options{Viz: true}, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.Viz())

	cfg.Viz.Enabled = true
	cfg.Viz.Addr = "127.0.0.1:0"
	cfg.Sync.AncestorDir = ""
	v, err := Open(cfg, Options{Viz: true}, nil)
	require.NoError(t, err)
	defer v.Close()
	require.NotNil(t, v.Viz())
	assert.Equal(t, graph.SourceExtension, v.Source())
}
