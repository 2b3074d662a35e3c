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

import "sync"

// ringBuffer is a fixed-capacity FIFO that overwrites its oldest entry.
//
// Thread Safety: NOT safe for concurrent use.
type ringBuffer[T comparable] struct {
	data  []T
	head  int
	count int
}

func newRingBuffer[T comparable](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = 64
	}
	return &ringBuffer[T]{data: make([]T, capacity)}
}

func (r *ringBuffer[T]) push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

func (r *ringBuffer[T]) contains(item T) bool {
	for i := 0; i < r.count; i++ {
		idx := r.head - 1 - i
		if idx < 0 {
			idx += len(r.data)
		}
		if r.data[idx] == item {
			return true
		}
	}
	return false
}

func (r *ringBuffer[T]) len() int {
	return r.count
}

// writeLog remembers the generations this process wrote.
//
// A generation is identified by the fingerprint of the document bytes, so
// a change observed on disk can be matched to the exact write that
// produced it.
type writeLog[T comparable] struct {
	mu  sync.Mutex
	buf *ringBuffer[T]
}

func newWriteLog[T comparable](capacity int) *writeLog[T] {
	return &writeLog[T]{buf: newRingBuffer[T](capacity)}
}

func (l *writeLog[T]) record(gen T) {
	l.mu.Lock()
	l.buf.push(gen)
	l.mu.Unlock()
}

func (l *writeLog[T]) wrote(gen T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.contains(gen)
}
