// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package service assembles one layergraph process from its config.
//
// Both binaries run the same stack: a store, the shared document and the
// sync channel with its badger-backed merge bases. The editor side adds
// the maintenance runner and the visualisation bridge.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/layergraph/services/layergraph/backup"
	"github.com/AleutianAI/layergraph/services/layergraph/config"
	"github.com/AleutianAI/layergraph/services/layergraph/document"
	"github.com/AleutianAI/layergraph/services/layergraph/maintenance"
	"github.com/AleutianAI/layergraph/services/layergraph/prune"
	"github.com/AleutianAI/layergraph/services/layergraph/statesync"
	badgerstore "github.com/AleutianAI/layergraph/services/layergraph/storage/badger"
	"github.com/AleutianAI/layergraph/services/layergraph/store"
	"github.com/AleutianAI/layergraph/services/layergraph/vizbridge"
)

// Options selects the optional parts of a process.
type Options struct {
	// Source tags this process's writes. Empty means cfg.Sync.Source.
	Source string

	// Viz serves the visualisation bridge when cfg.Viz.Enabled is also set.
	Viz bool

	// Maintenance runs scheduled backups and pruning.
	Maintenance bool
}

// Service is one running layergraph process.
type Service struct {
	cfg    config.Config
	source string
	logger *slog.Logger

	store       *store.Store
	doc         *document.Document
	channel     *statesync.Channel
	backups     *backup.Service
	pruner      *prune.Pruner
	maintenance *maintenance.Runner
	viz         *vizbridge.Server
	ancestors   *badgerstore.DB
}

// Open builds the process stack. Nothing runs until Start or Run.
//
// Description:
//
//	Merge bases live in a badger directory per source under
//	cfg.Sync.AncestorDir, so the two processes never contend for one
//	database; an empty AncestorDir keeps them in memory.
//
// Outputs:
//
//	*Service - The assembled process. Call Close when done.
//	error - The ancestor database could not be opened.
func Open(cfg config.Config, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	source := opts.Source
	if source == "" {
		source = cfg.Sync.Source
	}
	logger = logger.With(slog.String("source", source))

	var bcfg badgerstore.Config
	if cfg.Sync.AncestorDir == "" {
		bcfg = badgerstore.InMemoryConfig()
	} else {
		bcfg = badgerstore.DefaultConfig(filepath.Join(cfg.Sync.AncestorDir, source))
	}
	bcfg.Logger = logger.With(slog.String("component", "badger"))
	db, err := badgerstore.Open(bcfg)
	if err != nil {
		return nil, fmt.Errorf("opening merge base store: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		ancestors: db,
	}
	s.store = store.New(source, store.WithLogger(logger))
	s.doc = document.New(cfg.Document.Path, source,
		document.WithLogger(logger),
		document.WithLockTimeout(cfg.Document.LockTimeout))
	s.channel = statesync.New(cfg.Sync.Config, s.store, s.doc,
		statesync.WithLogger(logger),
		statesync.WithAncestorStore(badgerstore.NewAncestorStore(db)))
	s.backups = backup.NewService(s.doc, cfg.Backup, backup.WithLogger(logger))
	s.pruner = prune.New(cfg.Pruning, prune.WithLogger(logger))

	if opts.Maintenance {
		s.maintenance = maintenance.New(s.channel, s.backups, s.pruner, maintenance.Intervals{
			Prune:  cfg.Maintenance.PruneInterval,
			Backup: cfg.Maintenance.BackupInterval,
		}, logger)
	}
	if opts.Viz && cfg.Viz.Enabled {
		s.viz = vizbridge.NewServer(vizbridge.Config{
			Addr:              cfg.Viz.Addr,
			MessagesPerSecond: cfg.Viz.MessagesPerSecond,
			Burst:             cfg.Viz.Burst,
		}, s.store, logger)
		s.channel.SetNotifier(s.viz.Hub())
	}
	return s, nil
}

// Source returns the source tag of this process.
func (s *Service) Source() string { return s.source }

// Store returns the process-local graph store.
func (s *Service) Store() *store.Store { return s.store }

// Channel returns the sync channel.
func (s *Service) Channel() *statesync.Channel { return s.channel }

// Backups returns the backup service.
func (s *Service) Backups() *backup.Service { return s.backups }

// Pruner returns the pruner.
func (s *Service) Pruner() *prune.Pruner { return s.pruner }

// Maintenance returns the maintenance runner, or nil if disabled.
func (s *Service) Maintenance() *maintenance.Runner { return s.maintenance }

// Viz returns the visualisation bridge, or nil if disabled.
func (s *Service) Viz() *vizbridge.Server { return s.viz }

// Start loads the shared document, starts syncing and starts maintenance.
func (s *Service) Start(ctx context.Context) error {
	if err := s.channel.Start(ctx); err != nil {
		return fmt.Errorf("starting sync channel: %w", err)
	}
	if s.maintenance != nil {
		s.maintenance.Start(ctx)
	}
	s.logger.Info("layergraph service started",
		slog.String("document", s.doc.Path()),
		slog.Int64("version", s.store.Version()))
	return nil
}

// Run starts the service and blocks until ctx is done. With the
// visualisation bridge enabled, Run also serves it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if s.viz != nil {
		return s.viz.Run(ctx)
	}
	<-ctx.Done()
	return nil
}

// Close stops maintenance and syncing, then closes the merge base store.
func (s *Service) Close() error {
	if s.maintenance != nil {
		s.maintenance.Stop()
	}
	s.channel.Close()
	return s.ancestors.Close()
}
