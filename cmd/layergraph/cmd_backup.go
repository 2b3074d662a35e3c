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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/layergraph/services/layergraph/backup"
	"github.com/AleutianAI/layergraph/services/layergraph/document"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

var backupJSONOutput bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list and restore backups of the shared document",
	Long: `Backups are timestamped copies of the shared document kept in the
configured backup directory. Only the newest backup.max_backups are kept.

Restoring writes the backup over the shared document; a running agent
process picks it up like any other external change. The document being
replaced is first saved next to it with a .before-restore suffix.

Examples:
  layergraph backup create
  layergraph backup list --json
  layergraph backup restore ~/.layergraph/backups/graph-state-2026-01-02_150405.000-1a2b3c4d.json
  layergraph backup restore-latest`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up the shared document now",
	Args:  cobra.NoArgs,
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupList,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore PATH",
	Short: "Restore the shared document from a backup file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupRestoreLatestCmd = &cobra.Command{
	Use:   "restore-latest",
	Short: "Restore the shared document from the newest backup",
	Args:  cobra.NoArgs,
	RunE:  runBackupRestoreLatest,
}

func init() {
	backupListCmd.Flags().BoolVar(&backupJSONOutput, "json", false, "output as JSON")
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd, backupRestoreLatestCmd)
}

// openDocument returns the configured shared document, written as the
// editor side.
func openDocument() *document.Document {
	return document.New(appConfig.Document.Path, graph.SourceExtension,
		document.WithLogger(logger.Slog()),
		document.WithLockTimeout(appConfig.Document.LockTimeout))
}

func newBackupService() *backup.Service {
	return backup.NewService(openDocument(), appConfig.Backup, backup.WithLogger(logger.Slog()))
}

func runBackupCreate(cmd *cobra.Command, _ []string) error {
	info, err := newBackupService().BackupState(cmd.Context())
	if err != nil {
		return err
	}
	if info.Path == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "No shared document yet; nothing to back up.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%d bytes)\n", info.Path, info.Size)
	return nil
}

func runBackupList(cmd *cobra.Command, _ []string) error {
	backups, err := newBackupService().ListBackups()
	if err != nil {
		return err
	}
	return printBackups(cmd.OutOrStdout(), backups, backupJSONOutput)
}

func printBackups(w io.Writer, backups []backup.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if backups == nil {
			backups = []backup.Info{}
		}
		return enc.Encode(backups)
	}
	if len(backups) == 0 {
		fmt.Fprintln(w, "No backups.")
		return nil
	}
	for _, b := range backups {
		compressed := ""
		if b.Compressed {
			compressed = " (zstd)"
		}
		fmt.Fprintf(w, "%s  %8d bytes%s  %s\n",
			b.CreatedAt.Local().Format(time.DateTime), b.Size, compressed, b.Path)
	}
	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	if err := newBackupService().RestoreBackup(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", args[0])
	return nil
}

func runBackupRestoreLatest(cmd *cobra.Command, _ []string) error {
	info, err := newBackupService().RestoreLatestBackup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", info.Path)
	return nil
}
