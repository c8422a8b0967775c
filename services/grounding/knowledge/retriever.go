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
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

var tracer = otel.Tracer("groundedcrypto.knowledge")

// Similarity converts a cosine distance in [0, 2] to a similarity in [0, 1].
func Similarity(distance float64) float64 {
	s := 1 - distance/2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Retriever embeds a question and returns the nearest chunks.
//
// # Thread Safety
//
// Safe for concurrent use when the embedder and index are.
type Retriever struct {
	embedder llm.Embedder
	index    VectorIndex
	filter   *Filter
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithFilter restricts every search to filter.
func WithFilter(f Filter) RetrieverOption {
	return func(r *Retriever) { r.filter = &f }
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder llm.Embedder, index VectorIndex, opts ...RetrieverOption) *Retriever {
	r := &Retriever{embedder: embedder, index: index}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to k chunks ordered by descending similarity.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]datatypes.Chunk, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieve.k", k))

	if k <= 0 {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, fmt.Errorf("embed query: %w", err)
	}
	cands, err := r.index.Search(ctx, vec, k, r.filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("search knowledge base: %w", err)
	}

	out := make([]datatypes.Chunk, 0, len(cands))
	for _, c := range cands {
		ch := c.Chunk
		ch.Similarity = Similarity(c.Distance)
		out = append(out, ch)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	span.SetAttributes(attribute.Int("retrieve.hits", len(out)))
	return out, nil
}
