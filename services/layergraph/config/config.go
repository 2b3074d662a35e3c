// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads layergraph.yaml.
//
// The loaded Config is returned to the caller and passed down explicitly;
// there is no package-level instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/layergraph/services/layergraph/backup"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/prune"
	"github.com/AleutianAI/layergraph/services/layergraph/statesync"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

// FileName is the config file name.
const FileName = "layergraph.yaml"

var configValidate = validator.New()

// Config is the full layergraph configuration.
type Config struct {
	Document    DocumentConfig    `yaml:"document"`
	Sync        SyncConfig        `yaml:"sync"`
	Pruning     prune.Config      `yaml:"pruning"`
	Backup      backup.Config     `yaml:"backup"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Viz         VizConfig         `yaml:"viz"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// DocumentConfig locates the shared document.
type DocumentConfig struct {
	Path        string        `yaml:"path" validate:"required"`
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"gt=0"`
}

// SyncConfig configures the sync channel.
type SyncConfig struct {
	// Source tags this process's writes.
	Source string `yaml:"source" validate:"oneof=extension mcp"`

	statesync.Config `yaml:",inline"`
}

// MaintenanceConfig schedules background pruning and backups.
type MaintenanceConfig struct {
	PruneInterval  time.Duration `yaml:"prune_interval" validate:"gte=0"`
	BackupInterval time.Duration `yaml:"backup_interval" validate:"gte=0"`
}

// VizConfig configures the visualisation bridge.
type VizConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`

	// MessagesPerSecond limits inbound client mutations per connection.
	MessagesPerSecond float64 `yaml:"messages_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

// DefaultDir returns ~/.layergraph, or .layergraph when the home directory
// is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".layergraph"
	}
	return filepath.Join(home, ".layergraph")
}

// DefaultConfig returns the configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Document: DocumentConfig{
			Path:        filepath.Join(dir, "graph-state.json"),
			LockTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			Source: graph.SourceExtension,
			Config: syncDefaults(dir),
		},
		Pruning: prune.DefaultConfig(),
		Backup: backup.Config{
			Dir:        filepath.Join(dir, "backups"),
			MaxBackups: 5,
		},
		Maintenance: MaintenanceConfig{
			PruneInterval:  10 * time.Minute,
			BackupInterval: 30 * time.Minute,
		},
		Viz: VizConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:7777",
			MessagesPerSecond: 50,
			Burst:             100,
		},
		Log:       LogConfig{Level: "info", Format: "auto"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

func syncDefaults(dir string) statesync.Config {
	cfg := statesync.DefaultConfig()
	cfg.AncestorDir = filepath.Join(dir, "ancestors")
	return cfg
}

// Load reads the config at path, creating it with defaults on first run.
//
// Description:
//
//	Keys missing from the file keep their default values. The result is
//	validated before it is returned.
//
// Inputs:
//
//	path - Config file. Its directory roots the default document and
//	       backup locations.
//
// Outputs:
//
//	Config - The loaded configuration.
//	bool - True if the file was created by this call.
//	error - I/O, parse or validation failure.
func Load(path string) (Config, bool, error) {
	defaults := DefaultConfig(filepath.Dir(path))
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path, defaults); err != nil {
			return Config{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, created, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := defaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, created, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, created, err
	}
	return cfg, created, nil
}

// Validate checks the config against its struct tags.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: config: %v", graph.ErrValidation, err)
	}
	return nil
}

func createDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
