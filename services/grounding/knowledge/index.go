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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

// Candidate is one nearest-neighbour hit with its raw distance.
type Candidate struct {
	Chunk    datatypes.Chunk
	Distance float64
}

// Filter narrows a search. Empty fields do not filter.
type Filter struct {
	Category string
}

// VectorIndex stores and searches chunk vectors.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Candidate, error)
	Upsert(ctx context.Context, chunks []datatypes.Chunk, vectors [][]float32) (int, error)
	Count(ctx context.Context) (int, error)
}

// WeaviateIndex is a VectorIndex over the CryptoKnowledge class.
//
// # Thread Safety
//
// Safe for concurrent use. The Weaviate client pools connections.
type WeaviateIndex struct {
	client *weaviate.Client
}

// NewWeaviateIndex wraps client.
func NewWeaviateIndex(client *weaviate.Client) *WeaviateIndex {
	return &WeaviateIndex{client: client}
}

// ObjectID derives the stable Weaviate UUID for a chunk id, so re-ingesting
// a document overwrites its chunks instead of duplicating them.
func ObjectID(chunkID string) strfmt.UUID {
	sum := sha256.Sum256([]byte(chunkID))
	id, _ := uuid.FromBytes(sum[:16])
	return strfmt.UUID(id.String())
}

// Search implements VectorIndex.
func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Candidate, error) {
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "title"},
		{Name: "category"},
		{Name: "document_id"},
		{Name: "chunk_index"},
		{Name: "source"},
		{Name: "entities"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}
	q := w.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(k)
	if filter != nil && filter.Category != "" {
		q = q.WithWhere(filters.Where().
			WithPath([]string{"category"}).
			WithOperator(filters.Equal).
			WithValueString(filter.Category))
	}

	resp, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	return parseSearchResponse(resp)
}

type searchResponse struct {
	Get map[string][]struct {
		Content    string   `json:"content"`
		Title      string   `json:"title"`
		Category   string   `json:"category"`
		DocumentID string   `json:"document_id"`
		ChunkIndex int      `json:"chunk_index"`
		Source     string   `json:"source"`
		Entities   []string `json:"entities"`
		Additional struct {
			ID       string  `json:"id"`
			Distance float64 `json:"distance"`
		} `json:"_additional"`
	} `json:"Get"`
}

// parseSearchResponse decodes a GraphQL Get response for ClassName.
func parseSearchResponse(resp *models.GraphQLResponse) ([]Candidate, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode GraphQL data: %w", err)
	}

	hits := parsed.Get[ClassName]
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			Chunk: datatypes.Chunk{
				ID:         ChunkID(h.DocumentID, h.ChunkIndex),
				DocumentID: h.DocumentID,
				Title:      h.Title,
				Category:   h.Category,
				Source:     h.Source,
				Content:    h.Content,
				ChunkIndex: h.ChunkIndex,
				Entities:   h.Entities,
			},
			Distance: h.Additional.Distance,
		})
	}
	return out, nil
}

// Upsert implements VectorIndex. It returns how many objects Weaviate
// accepted; per-object failures are logged.
func (w *WeaviateIndex) Upsert(ctx context.Context, chunks []datatypes.Chunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("have %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:      ClassName,
			ID:         ObjectID(c.ID),
			Vector:     vectors[i],
			Properties: chunkProperties(c),
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}
	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "id", item.ID, "error", e.Message)
			}
		}
	}
	return stored, nil
}

func chunkProperties(c datatypes.Chunk) map[string]interface{} {
	entities := c.Entities
	if entities == nil {
		entities = []string{}
	}
	return map[string]interface{}{
		"content":     c.Content,
		"title":       c.Title,
		"category":    c.Category,
		"document_id": c.DocumentID,
		"chunk_index": c.ChunkIndex,
		"source":      c.Source,
		"entities":    entities,
	}
}

// Count implements VectorIndex.
func (w *WeaviateIndex) Count(ctx context.Context) (int, error) {
	resp, err := w.client.GraphQL().Aggregate().
		WithClassName(ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate aggregate failed: %w", err)
	}
	return parseCountResponse(resp)
}

func parseCountResponse(resp *models.GraphQLResponse) (int, error) {
	if resp == nil {
		return 0, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return 0, fmt.Errorf("weaviate aggregate error: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var parsed struct {
		Aggregate map[string][]struct {
			Meta struct {
				Count int `json:"count"`
			} `json:"meta"`
		} `json:"Aggregate"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("decode GraphQL data: %w", err)
	}
	groups := parsed.Aggregate[ClassName]
	if len(groups) == 0 {
		return 0, nil
	}
	return groups[0].Meta.Count, nil
}
