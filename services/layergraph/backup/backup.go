// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup keeps timestamped copies of the shared document.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/AleutianAI/layergraph/services/layergraph/document"
	"github.com/AleutianAI/layergraph/services/layergraph/telemetry"
)

// ErrNoBackups is returned by RestoreLatestBackup when the backup
// directory holds no backups.
var ErrNoBackups = errors.New("no backups found")

const (
	filePrefix       = "graph-state-"
	plainSuffix      = ".json"
	compressedSuffix = ".json.zst"
	timeFormat       = "2006-01-02_150405.000"
	// tagLength is the length of the random tag after the timestamp that
	// keeps two backups taken in the same millisecond apart.
	tagLength = 8

	// BeforeRestoreSuffix is appended to the document path for the copy
	// taken before a restore overwrites it.
	BeforeRestoreSuffix = ".before-restore"
)

// Config configures backup behavior.
//
// # Description
//
// Controls where backups go, how many are kept and whether they are
// compressed.
type Config struct {
	// Dir is the backup directory. Default: "backups" next to the document.
	Dir string `yaml:"dir"`

	// MaxBackups is the number of backups kept, newest first. Default: 5.
	MaxBackups int `yaml:"max_backups" validate:"gte=0"`

	// Compress writes zstd-compressed backups.
	Compress bool `yaml:"compress"`
}

// Info describes one backup file.
type Info struct {
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`

	// modTime orders backups created in the same millisecond.
	modTime time.Time
}

// Service backs up and restores one shared document.
//
// # Thread Safety
//
// Service is safe for concurrent use. Backups and restores are serialised
// within the process; the document lock serialises the restore write
// against the other process.
type Service struct {
	doc    *document.Document
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	mu     sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now for backup names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a backup service for doc.
//
// # Description
//
// Fills in defaults: Dir becomes "backups" beside the document and
// MaxBackups becomes 5 when not positive.
func NewService(doc *document.Document, cfg Config, opts ...Option) *Service {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(doc.Dir(), "backups")
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	s := &Service{doc: doc, cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the backup directory.
func (s *Service) Dir() string {
	return s.cfg.Dir
}

// BackupState copies the current document into the backup directory.
//
// # Description
//
// Does nothing if the document does not exist yet. After writing, backups
// beyond MaxBackups are removed, oldest first. A rotation failure is
// logged and does not fail the backup.
//
// # Outputs
//
//   - Info: The backup written; zero when there was nothing to back up.
//   - error: Non-nil if reading the document or writing the backup failed.
func (s *Service) BackupState(ctx context.Context) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.backupLocked(ctx)
	telemetry.RecordBackup("backup", err)
	return info, err
}

func (s *Service) backupLocked(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	data, err := os.ReadFile(s.doc.Path())
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("reading document: %w", err)
	}

	created := s.now()
	suffix := plainSuffix
	if s.cfg.Compress {
		suffix = compressedSuffix
		if data, err = compress(data); err != nil {
			return Info{}, err
		}
	}
	name := backupName(created, suffix)
	path := filepath.Join(s.cfg.Dir, name)
	if err := document.WriteFileAtomic(path, data); err != nil {
		return Info{}, fmt.Errorf("writing backup: %w", err)
	}

	if err := s.rotate(); err != nil {
		s.logger.Warn("backup rotation failed",
			slog.String("dir", s.cfg.Dir),
			slog.String("error", err.Error()))
	}
	s.logger.Info("shared document backed up", slog.String("path", path))
	return Info{
		Path:       path,
		CreatedAt:  created.UTC().Truncate(time.Millisecond),
		Size:       int64(len(data)),
		Compressed: s.cfg.Compress,
	}, nil
}

// ListBackups returns the backups in the backup directory, newest first.
//
// # Outputs
//
//   - []Info: The backups. Empty if the directory does not exist.
//   - error: Non-nil if the directory cannot be read.
func (s *Service) ListBackups() ([]Info, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	backups := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		created, compressed, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:       filepath.Join(s.cfg.Dir, entry.Name()),
			CreatedAt:  created,
			Size:       fi.Size(),
			Compressed: compressed,
			modTime:    fi.ModTime(),
		})
	}
	sort.SliceStable(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return backups[i].modTime.After(backups[j].modTime)
	})
	return backups, nil
}

// backupName is "graph-state-<utc millis>-<tag><suffix>".
func backupName(created time.Time, suffix string) string {
	tag := strings.ReplaceAll(uuid.NewString(), "-", "")[:tagLength]
	return filePrefix + created.UTC().Format(timeFormat) + "-" + tag + suffix
}

// parseName accepts names with or without the random tag.
func parseName(name string) (time.Time, bool, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return time.Time{}, false, false
	}
	stamp := strings.TrimPrefix(name, filePrefix)
	compressed := false
	switch {
	case strings.HasSuffix(stamp, compressedSuffix):
		stamp = strings.TrimSuffix(stamp, compressedSuffix)
		compressed = true
	case strings.HasSuffix(stamp, plainSuffix):
		stamp = strings.TrimSuffix(stamp, plainSuffix)
	default:
		return time.Time{}, false, false
	}
	if n := len(timeFormat); len(stamp) == n+1+tagLength && stamp[n] == '-' {
		if !isHex(stamp[n+1:]) {
			return time.Time{}, false, false
		}
		stamp = stamp[:n]
	}
	created, err := time.Parse(timeFormat, stamp)
	if err != nil {
		return time.Time{}, false, false
	}
	return created, compressed, true
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// rotate removes backups beyond MaxBackups.
func (s *Service) rotate() error {
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	var errs []error
	for i := s.cfg.MaxBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestoreBackup overwrites the document with the backup at path.
//
// # Description
//
// The backup is decompressed if needed and must decode as a document.
// The live document, if any, is first copied to "<document>.before-restore".
// The restored bytes are written under the document lock, so the other
// process observes the restore as an external change.
//
// # Outputs
//
//   - error: Non-nil if the backup is unreadable, the safety copy fails or
//     the write fails. The live document is untouched on error.
func (s *Service) RestoreBackup(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.restoreLocked(ctx, path)
	telemetry.RecordBackup("restore", err)
	return err
}

func (s *Service) restoreLocked(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	if strings.HasSuffix(path, compressedSuffix) {
		if data, err = decompress(data); err != nil {
			return err
		}
	}
	if _, err := document.Decode(data); err != nil {
		return fmt.Errorf("backup %s: %w", filepath.Base(path), err)
	}

	current, err := os.ReadFile(s.doc.Path())
	switch {
	case err == nil:
		if err := document.WriteFileAtomic(s.doc.Path()+BeforeRestoreSuffix, current); err != nil {
			return fmt.Errorf("writing safety copy: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("reading document: %w", err)
	}

	if _, err := s.doc.WriteBytes(ctx, data); err != nil {
		return fmt.Errorf("restoring document: %w", err)
	}
	s.logger.Info("shared document restored", slog.String("backup", path))
	return nil
}

// RestoreLatestBackup restores the newest backup.
//
// # Outputs
//
//   - Info: The backup restored.
//   - error: ErrNoBackups if there are none; otherwise as RestoreBackup.
func (s *Service) RestoreLatestBackup(ctx context.Context) (Info, error) {
	backups, err := s.ListBackups()
	if err != nil {
		return Info{}, err
	}
	if len(backups) == 0 {
		return Info{}, ErrNoBackups
	}
	return backups[0], s.RestoreBackup(ctx, backups[0].Path)
}

func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing backup: %w", err)
	}
	return out, nil
}
