// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layergraph_sync_writes_total",
		Help: "Shared document writes by source and result",
	}, []string{"source", "result"})

	syncWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "layergraph_sync_write_duration_seconds",
		Help:    "Duration of shared document writes including lock wait",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	syncSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layergraph_sync_suppressed_total",
		Help: "Writes or reloads suppressed by feedback-loop protection",
	}, []string{"reason"})

	externalUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layergraph_external_updates_total",
		Help: "Externally observed layer transitions by classification",
	}, []string{"layer", "kind"})

	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layergraph_merges_total",
		Help: "Three-way merges by result",
	}, []string{"result"})

	mergeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layergraph_merge_conflicts_total",
		Help: "Ownership-unknown conflicts resolved toward remote",
	})

	prunedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layergraph_pruned_entries_total",
		Help: "History events and deleted-node ids dropped by pruning",
	}, []string{"kind"})

	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layergraph_backups_total",
		Help: "Backup and restore operations by result",
	}, []string{"operation", "result"})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSyncWrite counts one shared document write.
func RecordSyncWrite(source string, duration time.Duration, err error) {
	syncWrites.WithLabelValues(source, resultLabel(err)).Inc()
	if err == nil {
		syncWriteDuration.Observe(duration.Seconds())
	}
}

// RecordSuppressed counts a write or reload skipped by echo protection.
func RecordSuppressed(reason string) {
	syncSuppressed.WithLabelValues(reason).Inc()
}

// RecordExternalUpdate counts one classified layer transition.
func RecordExternalUpdate(layer, kind string) {
	externalUpdates.WithLabelValues(layer, kind).Inc()
}

// RecordMerge counts one merge and its conflicts.
func RecordMerge(conflicts int, err error) {
	mergesTotal.WithLabelValues(resultLabel(err)).Inc()
	mergeConflicts.Add(float64(conflicts))
}

// RecordPrune counts entries dropped by one prune pass.
func RecordPrune(historyPruned, deletedPruned int) {
	prunedEntries.WithLabelValues("history").Add(float64(historyPruned))
	prunedEntries.WithLabelValues("deleted_nodes").Add(float64(deletedPruned))
}

// RecordBackup counts one backup or restore.
func RecordBackup(operation string, err error) {
	backupsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
