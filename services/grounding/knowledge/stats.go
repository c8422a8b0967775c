// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

// Stats describes the loaded knowledge base.
type Stats struct {
	Metadata      *datatypes.KBMetadata `json:"metadata,omitempty"`
	IndexedChunks int                   `json:"indexed_chunks"`
	// Stale is set when the index holds a different number of chunks than
	// the last ingestion recorded.
	Stale bool `json:"stale"`
}

// CollectStats reads kb_metadata and the live index count. Either source
// may be nil.
func CollectStats(ctx context.Context, metadata MetadataStore, index VectorIndex) (Stats, error) {
	var st Stats
	if metadata != nil {
		md, ok, err := metadata.Get(ctx)
		if err != nil {
			return st, err
		}
		if ok {
			st.Metadata = &md
		}
	}
	if index != nil {
		n, err := index.Count(ctx)
		if err != nil {
			return st, err
		}
		st.IndexedChunks = n
		st.Stale = st.Metadata != nil && st.Metadata.TotalChunks != n
	}
	return st, nil
}

// snapshotLine is one JSONL record of an export.
type snapshotLine struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	ChunkIndex int      `json:"chunk_index"`
	Title      string   `json:"title"`
	Category   string   `json:"category"`
	Source     string   `json:"source,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	Content    string   `json:"content"`
}

// WriteSnapshot writes the plan's chunks to w as JSON lines and returns the
// number written.
func WriteSnapshot(w io.Writer, plan Plan) (int, error) {
	enc := json.NewEncoder(w)
	for i, c := range plan.Chunks {
		line := snapshotLine{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Title:      c.Title,
			Category:   c.Category,
			Source:     c.Source,
			Entities:   c.Entities,
			Content:    c.Content,
		}
		if err := enc.Encode(line); err != nil {
			return i, fmt.Errorf("write snapshot line %d: %w", i, err)
		}
	}
	return len(plan.Chunks), nil
}
