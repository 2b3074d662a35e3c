// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statesync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce is used when the configured debounce is not
// positive.
const DefaultWatchDebounce = 100 * time.Millisecond

// DocumentOp is the kind of filesystem event seen on the document.
type DocumentOp int

const (
	DocumentOpCreate DocumentOp = iota
	DocumentOpWrite
	DocumentOpRemove
	DocumentOpRename
)

var documentOpNames = [...]string{"create", "write", "remove", "rename"}

func (op DocumentOp) String() string {
	if op < 0 || int(op) >= len(documentOpNames) {
		return "unknown"
	}
	return documentOpNames[op]
}

// documentOp maps an fsnotify event to the op it means for the document.
// An atomic rename onto the document arrives as Create.
func documentOp(op fsnotify.Op) DocumentOp {
	switch {
	case op.Has(fsnotify.Create):
		return DocumentOpCreate
	case op.Has(fsnotify.Remove):
		return DocumentOpRemove
	case op.Has(fsnotify.Rename):
		return DocumentOpRename
	default:
		return DocumentOpWrite
	}
}

// DocumentEvent summarises one quiet-period window of activity on the
// document.
type DocumentEvent struct {
	Path string

	// Op is the last op seen in the window.
	Op DocumentOp

	// Coalesced counts the raw events folded into this one.
	Coalesced int

	First time.Time
	Last  time.Time
}

// DocumentEventHandler is called once per debounce window.
type DocumentEventHandler func(DocumentEvent)

// DocumentWatcher reports changes to one document file.
//
// Description:
//
//	Watches the parent directory, since every atomic write swaps the
//	document's inode. Only events on the document's own name count; temp
//	files and the lock sidecar are ignored, as are pure chmods. The
//	handler runs once the document has been quiet for the debounce
//	window, on the watcher goroutine, so calls never overlap.
//
// Thread Safety: Start and Stop are safe for concurrent use.
type DocumentWatcher struct {
	path     string
	name     string
	debounce time.Duration
	handler  DocumentEventHandler
	logger   *slog.Logger
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewDocumentWatcher creates a watcher for path. Call Start to begin.
func NewDocumentWatcher(path string, debounce time.Duration, handler DocumentEventHandler, logger *slog.Logger) (*DocumentWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DocumentWatcher{
		path:     path,
		name:     filepath.Base(path),
		debounce: debounce,
		handler:  handler,
		logger:   logger,
		fs:       fs,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching, creating the document directory if needed.
// Starting twice is a no-op.
func (w *DocumentWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.started = true
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop stops watching and waits for an in-flight handler call to return.
// Safe to call more than once. The handler must not call Stop.
func (w *DocumentWatcher) Stop() {
	w.stopped.Do(func() {
		close(w.stop)
		if err := w.fs.Close(); err != nil {
			w.logger.Debug("closing document watcher", slog.String("error", err.Error()))
		}
	})
	w.wg.Wait()
}

func (w *DocumentWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		pending *DocumentEvent
		quiet   = time.NewTimer(w.debounce)
	)
	if !quiet.Stop() {
		<-quiet.C
	}
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != w.name {
				continue
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			now := time.Now()
			if pending == nil {
				pending = &DocumentEvent{Path: w.path, First: now}
			}
			pending.Op = documentOp(ev.Op)
			pending.Coalesced++
			pending.Last = now
			quiet.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; reread to be safe.
				now := time.Now()
				if pending == nil {
					pending = &DocumentEvent{Path: w.path, Op: DocumentOpWrite, First: now}
				}
				pending.Last = now
				quiet.Reset(w.debounce)
				continue
			}
			w.logger.Warn("document watcher error", slog.String("error", err.Error()))

		case <-quiet.C:
			if pending == nil {
				continue
			}
			ev := *pending
			pending = nil
			if w.handler != nil {
				w.handler(ev)
			}
		}
	}
}
