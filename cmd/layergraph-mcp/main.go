// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command layergraph-mcp is the agent-side process of the layered code
// graph. It serves the graph tools over MCP on stdin/stdout.
//
// Stdout carries the protocol only; all logging goes to stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/layergraph/pkg/logging"
	"github.com/AleutianAI/layergraph/services/layergraph/agenttools"
	"github.com/AleutianAI/layergraph/services/layergraph/config"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/service"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "layergraph-mcp",
	Short: "Serve the layered code graph to agents over MCP (stdio)",
	Long: `layergraph-mcp exposes query, traversal and edit tools over the layered
code graph to an agent, using the Model Context Protocol on stdin/stdout.

It shares one document with 'layergraph watch'; edits made here show up
in the editor and the other way round.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config",
		filepath.Join(config.DefaultDir(), config.FileName), "path to layergraph.yaml")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, _, err := config.Load(configPath)
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
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "layergraph-mcp",
		Format:  logging.Format(cfg.Log.Format),
		Output:  os.Stderr,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := cfg.Telemetry
	tcfg.ServiceName = "layergraph-mcp"
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	svc, err := service.Open(cfg, service.Options{Source: graph.SourceMCP}, logger.Slog())
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	s := server.NewMCPServer("layergraph", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	agenttools.New(svc.Store(), logger.Slog()).Register(s)

	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Slog().Handler(), slog.LevelError))

	logger.Info("serving MCP on stdio", "document", cfg.Document.Path, "version", version)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutting down", "status", svc.Channel().Status())
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
