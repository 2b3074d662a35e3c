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
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/prune"
)

var pruneDryRun bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Trim node history and deleted-node bookkeeping",
	Long: `Prune the shared document now, regardless of the trigger threshold.

History events and deleted-node ids older than the configured age
thresholds are dropped, then each list is cut to its configured cap.
Nodes and edges are never touched.

With --dry-run, nothing is written and the output shows what would be
removed.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "report what would be pruned without writing")
}

func runPrune(cmd *cobra.Command, _ []string) error {
	pruner := prune.New(appConfig.Pruning, prune.WithLogger(logger.Slog()))

	var (
		stats       prune.Stats
		wasRequired bool
	)
	_, _, err := openDocument().Update(cmd.Context(), func(current *graph.SharedGraphState) (*graph.SharedGraphState, error) {
		wasRequired = pruner.NeedsPruning(current)
		var pruned *graph.SharedGraphState
		pruned, stats = pruner.PruneState(current)
		if pruneDryRun || stats.HistoryEventsPruned()+stats.DeletedNodesPruned() == 0 {
			return nil, nil
		}
		pruned.Version = current.Version + 1
		pruned.Timestamp = time.Now().UnixMilli()
		pruned.Source = graph.SourceExtension
		return pruned, nil
	})
	if err != nil {
		return err
	}

	printPruneStats(cmd.OutOrStdout(), stats, wasRequired, pruneDryRun)
	return nil
}

func printPruneStats(w io.Writer, stats prune.Stats, wasRequired, dryRun bool) {
	verb := "Pruned"
	if dryRun {
		verb = "Would prune"
	}
	for _, l := range graph.AllLayers() {
		ls := stats.Layers[l]
		if ls.HistoryEventsPruned+ls.DeletedNodesPruned == 0 {
			continue
		}
		fmt.Fprintf(w, "%-15s %d history events (%d nodes emptied), %d deleted ids\n",
			l, ls.HistoryEventsPruned, ls.NodesHistoryDropped, ls.DeletedNodesPruned)
	}
	total := stats.HistoryEventsPruned() + stats.DeletedNodesPruned()
	if total == 0 {
		fmt.Fprintln(w, "Nothing to prune.")
	} else {
		fmt.Fprintf(w, "%s %d history events and %d deleted ids.\n",
			verb, stats.HistoryEventsPruned(), stats.DeletedNodesPruned())
	}
	if !wasRequired {
		fmt.Fprintln(w, "(below the automatic pruning threshold)")
	}
}
