// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package document reads and writes the shared graph document.
//
// The document is always read and written as one JSON blob. Writes go to a
// temporary file in the same directory and are renamed over the document,
// so a reader never observes a partial write. Writers in different
// processes are serialised by an advisory lock on a sidecar file.
//
// Every read and write reports the BLAKE3 fingerprint of the exact bytes
// involved. The sync channel uses fingerprints to recognise its own
// writes when they come back through the file watcher.
package document

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"lukechampine.com/blake3"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
	"github.com/AleutianAI/layergraph/services/layergraph/lock"
)

// ErrVersionMismatch is returned by CompareAndWrite when the document on
// disk is not at the expected version.
var ErrVersionMismatch = errors.New("document version mismatch")

// Fingerprint identifies the bytes of one document revision.
type Fingerprint [32]byte

// String returns the hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// FingerprintOf hashes data.
func FingerprintOf(data []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(data))
}

// Document is the shared document at one path.
//
// Thread Safety: safe for concurrent use.
type Document struct {
	path   string
	source string
	lock   *lock.DocumentLock
	logger *slog.Logger
}

// Option configures a Document.
type Option func(*documentOptions)

type documentOptions struct {
	logger      *slog.Logger
	lockTimeout time.Duration
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *documentOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLockTimeout bounds how long a write waits for the other process.
func WithLockTimeout(d time.Duration) Option {
	return func(o *documentOptions) { o.lockTimeout = d }
}

// New returns the document at path, written on behalf of source.
func New(path, source string, opts ...Option) *Document {
	o := documentOptions{logger: slog.Default(), lockTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Document{
		path:   path,
		source: source,
		lock: lock.ForDocument(path, source,
			lock.WithTimeout(o.lockTimeout),
			lock.WithLogger(o.logger)),
		logger: o.logger,
	}
}

// Path returns the document path.
func (d *Document) Path() string {
	return d.path
}

// Dir returns the directory holding the document.
func (d *Document) Dir() string {
	return filepath.Dir(d.path)
}

// Exists reports whether the document file exists.
func (d *Document) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// Read loads the document.
//
// Description:
//
//	A missing or unparseable document is treated as "no shared state yet":
//	an empty document is returned and, for the unparseable case, a warning
//	is logged. The returned error is always nil; the signature keeps room
//	for callers that wrap Read.
//
// Outputs:
//
//	*graph.SharedGraphState - The document, every layer present.
//	Fingerprint - Fingerprint of the bytes read; zero when missing.
//	error - Always nil.
func (d *Document) Read() (*graph.SharedGraphState, Fingerprint, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("shared document unreadable, starting empty",
				slog.String("path", d.path),
				slog.String("error", err.Error()))
		}
		return graph.NewSharedGraphState(d.source), Fingerprint{}, nil
	}
	state, err := Decode(data)
	if err != nil {
		d.logger.Warn("shared document unparseable, starting empty",
			slog.String("path", d.path),
			slog.String("error", err.Error()))
		return graph.NewSharedGraphState(d.source), FingerprintOf(data), nil
	}
	return state, FingerprintOf(data), nil
}

// Decode parses document bytes.
//
// Outputs:
//
//	error - ErrDocumentUnreadable wrapped around the parse error.
func Decode(data []byte) (*graph.SharedGraphState, error) {
	var state graph.SharedGraphState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrDocumentUnreadable, err)
	}
	state.EnsureLayers()
	return &state, nil
}

// Encode serialises a document the way Write stores it.
func Encode(state *graph.SharedGraphState) ([]byte, error) {
	return json.MarshalIndent(state, "", "  ")
}

// Write replaces the document with state.
//
// Description:
//
//	state is written verbatim; callers set Version, Timestamp and Source.
//	The write takes the cross-process lock, writes a temp file, fsyncs it
//	and renames it over the document.
//
// Outputs:
//
//	Fingerprint - Fingerprint of the bytes written.
//	error - Lock timeout, encode or I/O failure.
func (d *Document) Write(ctx context.Context, state *graph.SharedGraphState) (Fingerprint, error) {
	held, err := d.lock.Acquire(ctx, "write")
	if err != nil {
		return Fingerprint{}, err
	}
	defer held.Release()
	return d.writeLocked(state)
}

// CompareAndWrite writes state only if the document on disk is at
// expectedVersion.
//
// Description:
//
//	Read, compare and write happen under the cross-process lock. A missing
//	document counts as version 0.
//
// Outputs:
//
//	Fingerprint - Fingerprint of the bytes written.
//	*graph.SharedGraphState - On ErrVersionMismatch, the document found on
//	                          disk; otherwise nil.
//	error - ErrVersionMismatch, lock timeout or I/O failure.
func (d *Document) CompareAndWrite(ctx context.Context, expectedVersion int64, state *graph.SharedGraphState) (Fingerprint, *graph.SharedGraphState, error) {
	held, err := d.lock.Acquire(ctx, "compare-and-write")
	if err != nil {
		return Fingerprint{}, nil, err
	}
	defer held.Release()

	current, _, _ := d.Read()
	if current.Version != expectedVersion {
		return Fingerprint{}, current, fmt.Errorf("%w: expected %d, found %d",
			ErrVersionMismatch, expectedVersion, current.Version)
	}
	fp, err := d.writeLocked(state)
	return fp, nil, err
}

// Update runs a read-modify-write cycle under the cross-process lock.
//
// Description:
//
//	fn receives the current document and returns the replacement. If fn
//	returns nil state and nil error nothing is written.
//
// Outputs:
//
//	*graph.SharedGraphState - The document written, or the unchanged one.
//	Fingerprint - Fingerprint of the bytes written; zero if nothing was.
//	error - From fn, lock or I/O.
func (d *Document) Update(ctx context.Context, fn func(current *graph.SharedGraphState) (*graph.SharedGraphState, error)) (*graph.SharedGraphState, Fingerprint, error) {
	held, err := d.lock.Acquire(ctx, "update")
	if err != nil {
		return nil, Fingerprint{}, err
	}
	defer held.Release()

	current, _, _ := d.Read()
	next, err := fn(current)
	if err != nil {
		return nil, Fingerprint{}, err
	}
	if next == nil {
		return current, Fingerprint{}, nil
	}
	fp, err := d.writeLocked(next)
	if err != nil {
		return nil, Fingerprint{}, err
	}
	return next, fp, nil
}

// WriteBytes replaces the document with data verbatim.
//
// Description:
//
//	data must decode as a document; it is written byte for byte under the
//	cross-process lock. Used by restore so a backup comes back exactly as
//	it was taken.
//
// Outputs:
//
//	Fingerprint - Fingerprint of data.
//	error - ErrDocumentUnreadable if data does not decode; lock or I/O.
func (d *Document) WriteBytes(ctx context.Context, data []byte) (Fingerprint, error) {
	if _, err := Decode(data); err != nil {
		return Fingerprint{}, err
	}
	held, err := d.lock.Acquire(ctx, "write-bytes")
	if err != nil {
		return Fingerprint{}, err
	}
	defer held.Release()
	if err := WriteFileAtomic(d.path, data); err != nil {
		return Fingerprint{}, err
	}
	return FingerprintOf(data), nil
}

func (d *Document) writeLocked(state *graph.SharedGraphState) (Fingerprint, error) {
	data, err := Encode(state)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("encoding document: %w", err)
	}
	if err := WriteFileAtomic(d.path, data); err != nil {
		return Fingerprint{}, err
	}
	return FingerprintOf(data), nil
}

// WriteFileAtomic writes data to path through a temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating document directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
