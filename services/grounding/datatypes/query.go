// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the values that flow between the grounding
// pipeline stages: query analysis, evidence, validation results, turns and
// the final response.
package datatypes

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Query Analysis
// =============================================================================

// QueryType is the routing class assigned to a user question.
type QueryType string

const (
	QueryConceptual QueryType = "conceptual"
	QueryRealTime   QueryType = "real-time"
	QueryTechnical  QueryType = "technical"
	QueryHistorical QueryType = "historical"
	QueryGeneral    QueryType = "general"
)

// NeedsKB reports whether this query type is answered from the knowledge base.
func (t QueryType) NeedsKB() bool {
	switch t {
	case QueryConceptual, QueryGeneral, QueryTechnical:
		return true
	}
	return false
}

// NeedsAPI reports whether this query type needs live market data.
// Technical and historical questions need both sources.
func (t QueryType) NeedsAPI() bool {
	switch t {
	case QueryRealTime, QueryTechnical, QueryHistorical:
		return true
	}
	return false
}

// QueryAnalysis is produced once per question by the query processor and is
// read-only afterwards.
type QueryAnalysis struct {
	Original string    `json:"original_query"`
	Resolved string    `json:"resolved_query"`
	Type     QueryType `json:"query_type"`
	Symbols  []string  `json:"symbols"`
	Entities []string  `json:"entities"`
	NeedsKB  bool      `json:"needs_kb"`
	NeedsAPI bool      `json:"needs_api"`
}

// HasSymbols reports whether at least one ticker was extracted.
func (a QueryAnalysis) HasSymbols() bool { return len(a.Symbols) > 0 }

// =============================================================================
// Evidence
// =============================================================================

// Chunk is one knowledge-base passage returned by retrieval.
//
// Similarity is the embedding similarity in [0, 1] and is what the retrieval
// quality gate compares against the threshold. RerankScore only reorders
// candidates; cross-encoder scores are not calibrated to [0, 1].
type Chunk struct {
	ID          string   `json:"id"`
	DocumentID  string   `json:"document_id"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Source      string   `json:"source,omitempty"`
	Content     string   `json:"content"`
	ChunkIndex  int      `json:"chunk_index"`
	Entities    []string `json:"entities,omitempty"`
	Similarity  float64  `json:"similarity"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// APIResponse is one successful market-data call.
type APIResponse struct {
	Endpoint  string            `json:"endpoint"`
	Params    map[string]string `json:"params,omitempty"`
	Data      json.RawMessage   `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
	Cached    bool              `json:"cached"`
}

// FailureKind classifies a failed market-data call.
type FailureKind string

const (
	FailureExternal    FailureKind = "external"
	FailureRateLimited FailureKind = "rate_limited"
	FailureInvalid     FailureKind = "invalid_request"
	FailureSkipped     FailureKind = "skipped"
)

// APIFailure records a planned call that produced no data. Partial results
// keep these next to the successful responses instead of dropping them.
type APIFailure struct {
	Endpoint string      `json:"endpoint"`
	Kind     FailureKind `json:"kind"`
	Reason   string      `json:"reason"`
	Err      error       `json:"-"`
}

// Evidence is everything the tool orchestrator gathered for one question.
type Evidence struct {
	KBUsed   bool          `json:"kb_used"`
	APIUsed  bool          `json:"api_used"`
	Chunks   []Chunk       `json:"chunks"`
	API      []APIResponse `json:"api_responses"`
	Failures []APIFailure  `json:"api_failures,omitempty"`
}

// MaxSimilarity returns the highest chunk similarity, or 0 with no chunks.
func (e Evidence) MaxSimilarity() float64 {
	var best float64
	for _, c := range e.Chunks {
		if c.Similarity > best {
			best = c.Similarity
		}
	}
	return best
}

// RateLimited reports whether any planned call was refused by the quota.
func (e Evidence) RateLimited() bool {
	for _, f := range e.Failures {
		if f.Kind == FailureRateLimited {
			return true
		}
	}
	return false
}
