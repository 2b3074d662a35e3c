// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/layergraph/services/layergraph/graph"
)

const ancestorKeyPrefix = "layergraph:ancestor:"

// AncestorStore keeps the last document a process agreed on with the
// shared document, keyed by the process's source tag.
//
// Thread Safety: safe for concurrent use.
type AncestorStore struct {
	db *DB
}

// NewAncestorStore wraps an open database.
func NewAncestorStore(db *DB) *AncestorStore {
	return &AncestorStore{db: db}
}

func ancestorKey(source string) []byte {
	return []byte(ancestorKeyPrefix + source)
}

// Save records state as the last synced document for source.
func (s *AncestorStore) Save(ctx context.Context, source string, state *graph.SharedGraphState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding ancestor: %w", err)
	}
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(ancestorKey(source), data)
	})
}

// Load returns the last synced document for source.
//
// Outputs:
//
//	*graph.SharedGraphState - The stored document, or nil.
//	bool - False if nothing has been saved for source.
//	error - Storage or decode failure.
func (s *AncestorStore) Load(ctx context.Context, source string) (*graph.SharedGraphState, bool, error) {
	var data []byte
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(ancestorKey(source))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading ancestor: %w", err)
	}

	var state graph.SharedGraphState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("%w: ancestor: %v", graph.ErrDocumentUnreadable, err)
	}
	state.EnsureLayers()
	return &state, true, nil
}

// Clear forgets the ancestor for source.
func (s *AncestorStore) Clear(ctx context.Context, source string) error {
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(ancestorKey(source))
	})
}
