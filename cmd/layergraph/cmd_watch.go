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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/service"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

var watchNoViz bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync the shared document and serve the visualisation bridge",
	Long: `Run the editor-side process until interrupted.

Loads the shared document, persists local changes, applies changes made
by the agent process, merges when both sides diverged, and runs scheduled
backups and pruning. With viz enabled in the config, the visualisation
client connects to ws://<viz.addr>/ws.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoViz, "no-viz", false, "do not serve the visualisation bridge")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, appConfig.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	svc, err := service.Open(appConfig, service.Options{
		Source:      graph.SourceExtension,
		Viz:         !watchNoViz,
		Maintenance: true,
	}, logger.Slog())
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutting down", "status", svc.Channel().Status())
	return nil
}
