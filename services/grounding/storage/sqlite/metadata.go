// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

// MetadataStore keeps the single kb_metadata row.
type MetadataStore struct {
	store *Store
}

// NewMetadataStore returns a MetadataStore over store.
func NewMetadataStore(store *Store) *MetadataStore {
	return &MetadataStore{store: store}
}

// Get returns the stored metadata. ok is false before the first ingestion.
func (m *MetadataStore) Get(ctx context.Context) (datatypes.KBMetadata, bool, error) {
	var (
		md                 datatypes.KBMetadata
		categories         string
		created, updatedAt int64
	)
	err := m.store.sqlDB.QueryRowContext(ctx, `
SELECT version, total_documents, total_chunks, embedding_model, categories, created_at, updated_at
FROM kb_metadata WHERE id = 1`).
		Scan(&md.Version, &md.TotalDocuments, &md.TotalChunks, &md.EmbeddingModel, &categories, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.KBMetadata{}, false, nil
	}
	if err != nil {
		return datatypes.KBMetadata{}, false, fmt.Errorf("select kb metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &md.Categories); err != nil {
		return datatypes.KBMetadata{}, false, fmt.Errorf("decode kb categories: %w", err)
	}
	md.CreatedAt = fromMillis(created)
	md.UpdatedAt = fromMillis(updatedAt)
	return md, true, nil
}

// Put replaces the stored metadata. CreatedAt of an existing row is kept.
func (m *MetadataStore) Put(ctx context.Context, md datatypes.KBMetadata) error {
	categories, err := json.Marshal(md.Categories)
	if err != nil {
		return fmt.Errorf("encode kb categories: %w", err)
	}
	if md.Categories == nil {
		categories = []byte("[]")
	}
	_, err = m.store.sqlDB.ExecContext(ctx, `
INSERT INTO kb_metadata (id, version, total_documents, total_chunks, embedding_model, categories, created_at, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    version = excluded.version,
    total_documents = excluded.total_documents,
    total_chunks = excluded.total_chunks,
    embedding_model = excluded.embedding_model,
    categories = excluded.categories,
    updated_at = excluded.updated_at`,
		md.Version, md.TotalDocuments, md.TotalChunks, md.EmbeddingModel, string(categories),
		toMillis(md.CreatedAt), toMillis(md.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert kb metadata: %w", err)
	}
	return nil
}
