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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

// HTTPReranker scores chunks with a cross-encoder served over HTTP.
//
// The service receives {"query": q, "documents": [...]} on POST /rerank and
// answers {"scores": [...]} in input order.
type HTTPReranker struct {
	url    string
	client *http.Client
}

// NewHTTPReranker creates a reranker for the service at baseURL.
func NewHTTPReranker(baseURL string, timeout time.Duration) *HTTPReranker {
	return &HTTPReranker{
		url:    strings.TrimSuffix(baseURL, "/") + "/rerank",
		client: &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank returns chunks sorted by descending cross-encoder score with
// RerankScore set. Similarity is left untouched.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, chunks []datatypes.Chunk) ([]datatypes.Chunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}
	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Content
	}
	payload, err := json.Marshal(rerankRequest{Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(body))
	}
	var out rerankResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	if len(out.Scores) != len(chunks) {
		return nil, fmt.Errorf("reranker returned %d scores for %d chunks", len(out.Scores), len(chunks))
	}

	ranked := make([]datatypes.Chunk, len(chunks))
	copy(ranked, chunks)
	for i := range ranked {
		s := out.Scores[i]
		ranked[i].RerankScore = &s
	}
	sort.SliceStable(ranked, func(i, j int) bool { return *ranked[i].RerankScore > *ranked[j].RerankScore })
	return ranked, nil
}
