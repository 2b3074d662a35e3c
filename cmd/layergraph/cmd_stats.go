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
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/prune"
)

var statsJSONOutput bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise the shared document",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSONOutput, "json", false, "output as JSON")
}

// LayerSummary counts the contents of one layer.
type LayerSummary struct {
	Nodes           int `json:"nodes"`
	Edges           int `json:"edges"`
	ProposedChanges int `json:"proposedChanges"`
	HistoryEvents   int `json:"historyEvents"`
	DeletedNodes    int `json:"deletedNodes"`
}

// Summary is the output of the stats command.
type Summary struct {
	Path          string                       `json:"path"`
	Exists        bool                         `json:"exists"`
	Version       int64                        `json:"version"`
	Timestamp     int64                        `json:"timestamp"`
	Source        string                       `json:"source"`
	CurrentLayer  graph.Layer                  `json:"currentLayer"`
	AgentOnlyMode bool                         `json:"agentOnlyMode"`
	Layers        map[graph.Layer]LayerSummary `json:"layers"`
	NeedsPruning  bool                         `json:"needsPruning"`
	Backups       int                          `json:"backups"`
}

func summarize(state *graph.SharedGraphState) map[graph.Layer]LayerSummary {
	out := make(map[graph.Layer]LayerSummary, len(graph.AllLayers()))
	for _, l := range graph.AllLayers() {
		ls := LayerSummary{
			Nodes:           len(state.Graphs[l].Nodes),
			Edges:           len(state.Graphs[l].Edges),
			ProposedChanges: len(state.ProposedChanges[l]),
			DeletedNodes:    len(state.DeletedNodes[l]),
		}
		for _, events := range state.NodeHistory[l] {
			ls.HistoryEvents += len(events)
		}
		out[l] = ls
	}
	return out
}

func runStats(cmd *cobra.Command, _ []string) error {
	doc := openDocument()
	state, _, _ := doc.Read()

	backups, err := newBackupService().ListBackups()
	if err != nil {
		logger.Warn("listing backups failed", "error", err)
	}

	summary := Summary{
		Path:          doc.Path(),
		Exists:        doc.Exists(),
		Version:       state.Version,
		Timestamp:     state.Timestamp,
		Source:        state.Source,
		CurrentLayer:  state.CurrentLayer,
		AgentOnlyMode: state.AgentOnlyMode,
		Layers:        summarize(state),
		NeedsPruning:  prune.New(appConfig.Pruning).NeedsPruning(state),
		Backups:       len(backups),
	}
	return printSummary(cmd.OutOrStdout(), summary, statsJSONOutput)
}

func printSummary(w io.Writer, s Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	if !s.Exists {
		fmt.Fprintf(w, "No shared document at %s yet.\n", s.Path)
		return nil
	}
	fmt.Fprintf(w, "Document: %s\n", s.Path)
	fmt.Fprintf(w, "Version:  %d (written by %s)\n", s.Version, s.Source)
	fmt.Fprintf(w, "Layer:    %s", s.CurrentLayer)
	if s.AgentOnlyMode {
		fmt.Fprint(w, " (agent-only)")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-15s %7s %7s %9s %8s %8s\n", "LAYER", "NODES", "EDGES", "PROPOSED", "HISTORY", "DELETED")
	for _, l := range graph.AllLayers() {
		ls := s.Layers[l]
		fmt.Fprintf(w, "%-15s %7d %7d %9d %8d %8d\n", l, ls.Nodes, ls.Edges, ls.ProposedChanges, ls.HistoryEvents, ls.DeletedNodes)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Backups: %d\n", s.Backups)
	if s.NeedsPruning {
		fmt.Fprintln(w, "Pruning recommended: run 'layergraph prune'.")
	}
	return nil
}
