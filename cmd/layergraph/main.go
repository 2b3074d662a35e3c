// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command layergraph is the editor-side process of the layered code graph.
//
// It keeps the shared graph document in sync with the agent-side process,
// serves the visualisation bridge and manages backups and pruning.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layergraph/pkg/logging"
	"github.com/AleutianAI/layergraph/services/layergraph/config"
)

var (
	configPath string
	logLevel   string

	appConfig config.Config
	logger    *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "layergraph",
	Short: "Layered code graph shared between the editor and agent tools",
	Long: `layergraph keeps a layered knowledge graph of a codebase consistent
between the editor-side process and the agent-tool process.

Both processes read and write one shared JSON document. Run 'layergraph
watch' alongside the editor; the agent side runs 'layergraph-mcp'.`,
	SilenceUsage:       true,
	PersistentPreRunE:  loadConfig,
	PersistentPostRunE: closeLogger,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		filepath.Join(config.DefaultDir(), config.FileName), "path to layergraph.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(watchCmd, backupCmd, pruneCmd, statsCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, created, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	appConfig = cfg
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "layergraph",
		Format:  logging.Format(cfg.Log.Format),
	})
	if created {
		logger.Info("created default config", "path", configPath)
	}
	return nil
}

func closeLogger(*cobra.Command, []string) error {
	if logger != nil {
		return logger.Close()
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
