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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

type fakeEmbedder struct {
	batches int
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeIndex struct {
	mu       sync.Mutex
	hits     []Candidate
	stored   []datatypes.Chunk
	filter   *Filter
	searchK  int
	err      error
	countErr error
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, k int, filter *Filter) ([]Candidate, error) {
	f.searchK = k
	f.filter = filter
	return f.hits, f.err
}

func (f *fakeIndex) Upsert(_ context.Context, chunks []datatypes.Chunk, vectors [][]float32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(chunks) != len(vectors) {
		return 0, errors.New("length mismatch")
	}
	f.stored = append(f.stored, chunks...)
	return len(chunks), nil
}

func (f *fakeIndex) Count(context.Context) (int, error) {
	return len(f.stored), f.countErr
}

type memMetadata struct {
	md *datatypes.KBMetadata
}

func (m *memMetadata) Get(context.Context) (datatypes.KBMetadata, bool, error) {
	if m.md == nil {
		return datatypes.KBMetadata{}, false, nil
	}
	return *m.md, true, nil
}

func (m *memMetadata) Put(_ context.Context, md datatypes.KBMetadata) error {
	m.md = &md
	return nil
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		distance float64
		want     float64
	}{
		{0, 1},
		{0.5, 0.75},
		{1, 0.5},
		{2, 0},
		{2.4, 0},
		{-0.2, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("d=%.1f", tt.distance), func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.distance), 1e-9)
		})
	}
}

func TestRetriever_OrdersBySimilarity(t *testing.T) {
	idx := &fakeIndex{hits: []Candidate{
		{Chunk: datatypes.Chunk{ID: "far"}, Distance: 1.2},
		{Chunk: datatypes.Chunk{ID: "near"}, Distance: 0.2},
		{Chunk: datatypes.Chunk{ID: "mid"}, Distance: 0.6},
	}}
	r := NewRetriever(&fakeEmbedder{}, idx, WithFilter(Filter{Category: "defi"}))

	got, err := r.Retrieve(context.Background(), "what is a dex", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].ID)
	assert.InDelta(t, 0.9, got[0].Similarity, 1e-9)
	assert.Equal(t, "mid", got[1].ID)
	assert.Equal(t, 2, idx.searchK)
	require.NotNil(t, idx.filter)
	assert.Equal(t, "defi", idx.filter.Category)
}

func TestRetriever_Errors(t *testing.T) {
	_, err := NewRetriever(&fakeEmbedder{err: errors.New("down")}, &fakeIndex{}).Retrieve(context.Background(), "q", 3)
	assert.ErrorContains(t, err, "embed query")

	_, err = NewRetriever(&fakeEmbedder{}, &fakeIndex{err: errors.New("boom")}).Retrieve(context.Background(), "q", 3)
	assert.ErrorContains(t, err, "search knowledge base")

	got, err := NewRetriever(&fakeEmbedder{}, &fakeIndex{}).Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChunker_Plan(t *testing.T) {
	var long strings.Builder
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&long, "Bitcoin block %d confirms transactions. ", i)
	}
	files := []SourceFile{
		{Category: "fundamentals", Documents: []Document{
			{ID: "btc", Title: "Bitcoin", Content: long.String(), Metadata: DocumentMetadata{Source: "whitepaper", Entities: []string{"bitcoin"}}},
			{ID: "empty", Title: "Nothing", Content: "   "},
		}},
		{Category: "defi", Documents: []Document{
			{ID: "amm", Title: "AMMs", Content: "Automated market makers price assets with a curve."},
		}},
	}

	plan, err := NewChunker().Plan(files)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Documents)
	assert.Equal(t, []string{"defi", "fundamentals"}, plan.Categories)

	var btc []datatypes.Chunk
	for _, c := range plan.Chunks {
		if c.DocumentID == "btc" {
			btc = append(btc, c)
		}
	}
	require.Greater(t, len(btc), 1)
	for i, c := range btc {
		assert.Equal(t, ChunkID("btc", i), c.ID)
		assert.Equal(t, i, c.ChunkIndex)
		assert.LessOrEqual(t, len([]rune(c.Content)), ChunkSize)
		assert.Equal(t, "whitepaper", c.Source)
		assert.Equal(t, "fundamentals", c.Category)
	}
	last := plan.Chunks[len(plan.Chunks)-1]
	assert.Equal(t, "amm_chunk_0", last.ID)
}

func TestChunker_RejectsDuplicateIDs(t *testing.T) {
	_, err := NewChunker().Plan([]SourceFile{{Category: "a", Documents: []Document{
		{ID: "x", Content: "one"}, {ID: "x", Content: "two"},
	}}})
	assert.ErrorContains(t, err, "duplicate document id")
}

func writeSource(t *testing.T, dir, name string, sf SourceFile) {
	t.Helper()
	raw, err := json.Marshal(sf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o600))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "security.json", SourceFile{Documents: []Document{{ID: "s1", Content: "Use hardware wallets."}}})
	writeSource(t, dir, "defi.json", SourceFile{Category: "defi", Documents: []Document{{ID: "d1", Content: "Liquidity pools."}}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	files, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "defi", files[0].Category)
	assert.Equal(t, "security", files[1].Category)

	_, err = LoadDir(t.TempDir())
	assert.Error(t, err)
}

func TestIngestor_IngestDirRecordsMetadata(t *testing.T) {
	dir := t.TempDir()
	docs := make([]Document, 40)
	for i := range docs {
		docs[i] = Document{ID: fmt.Sprintf("doc%02d", i), Title: "T", Content: "Staking secures proof of stake chains."}
	}
	writeSource(t, dir, "consensus.json", SourceFile{Category: "consensus", Documents: docs})

	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	meta := &memMetadata{}
	in := NewIngestor(emb, idx, meta, "text-embedding-3-small")
	fixed := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return fixed }

	rep, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 40, rep.Documents)
	assert.Equal(t, 40, rep.Chunks)
	assert.Equal(t, 40, rep.Stored)
	assert.Equal(t, 2, emb.batches)

	require.NotNil(t, meta.md)
	assert.Equal(t, 40, meta.md.TotalChunks)
	assert.Equal(t, []string{"consensus"}, meta.md.Categories)
	assert.Equal(t, "text-embedding-3-small", meta.md.EmbeddingModel)
	assert.True(t, meta.md.UpdatedAt.Equal(fixed))

	st, err := CollectStats(context.Background(), meta, idx)
	require.NoError(t, err)
	assert.Equal(t, 40, st.IndexedChunks)
	assert.False(t, st.Stale)
}

func TestIngestor_EmbedFailure(t *testing.T) {
	in := NewIngestor(&fakeEmbedder{err: errors.New("quota")}, &fakeIndex{}, nil, "m")
	_, err := in.Ingest(context.Background(), []SourceFile{{Category: "c", Documents: []Document{{ID: "a", Content: "text"}}}})
	assert.ErrorContains(t, err, "embed chunks")
}

func TestObjectID_Deterministic(t *testing.T) {
	assert.Equal(t, ObjectID("btc_chunk_0"), ObjectID("btc_chunk_0"))
	assert.NotEqual(t, ObjectID("btc_chunk_0"), ObjectID("btc_chunk_1"))
	assert.Len(t, string(ObjectID("x")), 36)
}

func TestParseSearchResponse(t *testing.T) {
	var resp models.GraphQLResponse
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"Get":{"CryptoKnowledge":[
		{"content":"Ethereum uses proof of stake.","title":"Ethereum","category":"fundamentals",
		 "document_id":"eth","chunk_index":2,"source":"ethereum.org","entities":["ethereum"],
		 "_additional":{"id":"abc","distance":0.3}}
	]}}}`), &resp))

	got, err := parseSearchResponse(&resp)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "eth_chunk_2", got[0].Chunk.ID)
	assert.Equal(t, []string{"ethereum"}, got[0].Chunk.Entities)
	assert.InDelta(t, 0.3, got[0].Distance, 1e-9)

	var bad models.GraphQLResponse
	require.NoError(t, json.Unmarshal([]byte(`{"errors":[{"message":"no such class"}]}`), &bad))
	_, err = parseSearchResponse(&bad)
	assert.ErrorContains(t, err, "no such class")
}

func TestParseCountResponse(t *testing.T) {
	var resp models.GraphQLResponse
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"Aggregate":{"CryptoKnowledge":[{"meta":{"count":17}}]}}}`), &resp))
	n, err := parseCountResponse(&resp)
	require.NoError(t, err)
	assert.Equal(t, 17, n)
}

func TestHTTPReranker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is slashing", req.Query)
		scores := make([]float64, len(req.Documents))
		for i, d := range req.Documents {
			if strings.Contains(d, "slashing") {
				scores[i] = 4.2
			} else {
				scores[i] = -1.5
			}
		}
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer srv.Close()

	in := []datatypes.Chunk{
		{ID: "a", Content: "Validators stake ETH.", Similarity: 0.8},
		{ID: "b", Content: "Misbehaving validators face slashing.", Similarity: 0.7},
	}
	got, err := NewHTTPReranker(srv.URL+"/", time.Second).Rerank(context.Background(), "what is slashing", in)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	require.NotNil(t, got[0].RerankScore)
	assert.InDelta(t, 4.2, *got[0].RerankScore, 1e-9)
	assert.InDelta(t, 0.7, got[0].Similarity, 1e-9)
	assert.Nil(t, in[1].RerankScore)
}

func TestHTTPReranker_ScoreMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":[1]}`))
	}))
	defer srv.Close()

	_, err := NewHTTPReranker(srv.URL, time.Second).Rerank(context.Background(), "q",
		[]datatypes.Chunk{{Content: "a"}, {Content: "b"}})
	assert.ErrorContains(t, err, "1 scores for 2 chunks")
}

func TestWriteSnapshot(t *testing.T) {
	plan := Plan{Chunks: []datatypes.Chunk{
		{ID: "a_chunk_0", DocumentID: "a", Content: "x", Category: "c"},
		{ID: "a_chunk_1", DocumentID: "a", ChunkIndex: 1, Content: "y", Category: "c"},
	}}
	var buf bytes.Buffer
	n, err := WriteSnapshot(&buf, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"a_chunk_1","document_id":"a","chunk_index":1,"title":"","category":"c","content":"y"}`, lines[1])
}
