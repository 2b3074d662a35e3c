// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/layergraph/services/layergraph/document"
	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

// steppingClock advances one second per call.
func steppingClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func setup(t *testing.T, cfg Config) (*document.Document, *Service) {
	t.Helper()
	doc := document.New(filepath.Join(t.TempDir(), "graph-state.json"), graph.SourceExtension)
	return doc, NewService(doc, cfg, WithClock(steppingClock()))
}

func writeVersion(t *testing.T, doc *document.Document, v int64) {
	t.Helper()
	s := graph.NewSharedGraphState(graph.SourceExtension)
	s.Version = v
	_, err := doc.Write(context.Background(), s)
	require.NoError(t, err)
}

func readVersion(t *testing.T, doc *document.Document) int64 {
	t.Helper()
	s, _, err := doc.Read()
	require.NoError(t, err)
	return s.Version
}

func TestBackupState_NoDocumentIsNoOp(t *testing.T) {
	_, svc := setup(t, Config{})

	info, err := svc.BackupState(context.Background())
	require.NoError(t, err)
	assert.Empty(t, info.Path)

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestBackupState_RotatesNewestKept(t *testing.T) {
	doc, svc := setup(t, Config{MaxBackups: 3})

	var paths []string
	for v := int64(1); v <= 5; v++ {
		writeVersion(t, doc, v)
		info, err := svc.BackupState(context.Background())
		require.NoError(t, err)
		paths = append(paths, info.Path)
	}

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, paths[4], backups[0].Path)
	assert.Equal(t, paths[2], backups[2].Path)
	assert.True(t, backups[0].CreatedAt.After(backups[1].CreatedAt))

	_, err = os.Stat(paths[0])
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestBackupState_SameMillisecondDoesNotCollide(t *testing.T) {
	doc := document.New(filepath.Join(t.TempDir(), "graph-state.json"), graph.SourceExtension)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(doc, Config{MaxBackups: 5}, WithClock(func() time.Time { return fixed }))

	writeVersion(t, doc, 1)
	first, err := svc.BackupState(context.Background())
	require.NoError(t, err)
	writeVersion(t, doc, 2)
	second, err := svc.BackupState(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.Path, second.Path)

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	for _, b := range backups {
		assert.True(t, b.CreatedAt.Equal(fixed))
	}

	// Both copies survive with their own content.
	_, err = os.Stat(first.Path)
	require.NoError(t, err)
	require.NoError(t, svc.RestoreBackup(context.Background(), first.Path))
	assert.Equal(t, int64(1), readVersion(t, doc))
	require.NoError(t, svc.RestoreBackup(context.Background(), second.Path))
	assert.Equal(t, int64(2), readVersion(t, doc))
}

func TestListBackups_IgnoresForeignFiles(t *testing.T) {
	doc, svc := setup(t, Config{})
	writeVersion(t, doc, 1)
	_, err := svc.BackupState(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(svc.Dir(), "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(svc.Dir(), "graph-state-garbage.json"), []byte("x"), 0o644))

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestRestoreBackup_WritesSafetyCopy(t *testing.T) {
	doc, svc := setup(t, Config{})
	writeVersion(t, doc, 1)
	first, err := svc.BackupState(context.Background())
	require.NoError(t, err)
	writeVersion(t, doc, 2)

	require.NoError(t, svc.RestoreBackup(context.Background(), first.Path))
	assert.Equal(t, int64(1), readVersion(t, doc))

	safety, err := os.ReadFile(doc.Path() + BeforeRestoreSuffix)
	require.NoError(t, err)
	state, err := document.Decode(safety)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
}

func TestRestoreBackup_RejectsCorruptBackup(t *testing.T) {
	doc, svc := setup(t, Config{})
	writeVersion(t, doc, 7)

	bad := filepath.Join(svc.Dir(), "graph-state-2026-01-01_000000.000.json")
	require.NoError(t, os.MkdirAll(svc.Dir(), 0o755))
	require.NoError(t, os.WriteFile(bad, []byte("{broken"), 0o644))

	err := svc.RestoreBackup(context.Background(), bad)
	assert.True(t, errors.Is(err, graph.ErrDocumentUnreadable))
	assert.Equal(t, int64(7), readVersion(t, doc))
	_, err = os.Stat(doc.Path() + BeforeRestoreSuffix)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRestoreLatestBackup(t *testing.T) {
	doc, svc := setup(t, Config{Compress: true})

	_, err := svc.RestoreLatestBackup(context.Background())
	assert.True(t, errors.Is(err, ErrNoBackups))

	writeVersion(t, doc, 1)
	_, err = svc.BackupState(context.Background())
	require.NoError(t, err)
	writeVersion(t, doc, 2)
	latest, err := svc.BackupState(context.Background())
	require.NoError(t, err)
	assert.True(t, latest.Compressed)
	assert.True(t, strings.HasSuffix(latest.Path, ".json.zst"))
	writeVersion(t, doc, 3)

	restored, err := svc.RestoreLatestBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, latest.Path, restored.Path)
	assert.Equal(t, int64(2), readVersion(t, doc))
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name       string
		ok         bool
		compressed bool
	}{
		{"graph-state-2026-03-01_120001.000.json", true, false},
		{"graph-state-2026-03-01_120001.250.json.zst", true, true},
		{"graph-state-2026-03-01.json", false, false},
		{"other-2026-03-01_120001.000.json", false, false},
		{"graph-state-2026-03-01_120001.000.txt", false, false},
		{"graph-state-2026-03-01_120001.000-9f86d081.json", true, false},
		{"graph-state-2026-03-01_120001.000-9f86d081.json.zst", true, true},
		{"graph-state-2026-03-01_120001.000-XYZ86d08.json", false, false},
		{"graph-state-2026-03-01_120001.000-9f86.json", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, compressed, ok := parseName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.compressed, compressed)
		})
	}
}
