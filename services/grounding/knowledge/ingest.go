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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

const (
	ChunkSize    = 1000
	ChunkOverlap = 200

	// DefaultVersion is recorded in kb_metadata when none is given.
	DefaultVersion = "1.0"

	embedBatchSize = 32
)

// SourceFile is the on-disk format of one knowledge category.
type SourceFile struct {
	Category  string     `json:"category"`
	Documents []Document `json:"documents"`
}

// Document is one curated article.
type Document struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Content  string           `json:"content"`
	Metadata DocumentMetadata `json:"metadata"`
}

// DocumentMetadata carries citation and entity tags.
type DocumentMetadata struct {
	Source   string   `json:"source"`
	Entities []string `json:"entities"`
}

// MetadataStore persists the kb_metadata row. storage/sqlite implements it.
type MetadataStore interface {
	Get(ctx context.Context) (datatypes.KBMetadata, bool, error)
	Put(ctx context.Context, md datatypes.KBMetadata) error
}

// ChunkID names the i-th chunk of a document.
func ChunkID(documentID string, i int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, i)
}

// LoadDir reads every *.json source file in dir, sorted by name.
func LoadDir(dir string) ([]SourceFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list source files: %w", err)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .json source files in %s", dir)
	}

	out := make([]SourceFile, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		var sf SourceFile
		if err := json.Unmarshal(raw, &sf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		if sf.Category == "" {
			sf.Category = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		}
		out = append(out, sf)
	}
	return out, nil
}

// Plan is the chunked form of a set of source files.
type Plan struct {
	Documents  int
	Chunks     []datatypes.Chunk
	Categories []string
}

// Chunker splits documents into overlapping chunks.
type Chunker struct {
	splitter textsplitter.TextSplitter
}

// NewChunker creates a recursive character splitter of ChunkSize runes with
// ChunkOverlap overlap.
func NewChunker() *Chunker {
	return &Chunker{splitter: textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ChunkSize),
		textsplitter.WithChunkOverlap(ChunkOverlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
	)}
}

// Plan chunks every document. Documents without an id or content are
// skipped with a warning.
func (c *Chunker) Plan(files []SourceFile) (Plan, error) {
	var (
		plan   Plan
		seen   = map[string]bool{}
		catSet = map[string]bool{}
	)
	for _, f := range files {
		catSet[f.Category] = true
		for _, doc := range f.Documents {
			if doc.ID == "" || strings.TrimSpace(doc.Content) == "" {
				slog.Warn("Skipping document without id or content", "category", f.Category, "title", doc.Title)
				continue
			}
			if seen[doc.ID] {
				return Plan{}, fmt.Errorf("duplicate document id %q", doc.ID)
			}
			seen[doc.ID] = true

			parts, err := c.splitter.SplitText(doc.Content)
			if err != nil {
				return Plan{}, fmt.Errorf("split document %s: %w", doc.ID, err)
			}
			for i, part := range parts {
				plan.Chunks = append(plan.Chunks, datatypes.Chunk{
					ID:         ChunkID(doc.ID, i),
					DocumentID: doc.ID,
					Title:      doc.Title,
					Category:   f.Category,
					Source:     doc.Metadata.Source,
					Content:    part,
					ChunkIndex: i,
					Entities:   doc.Metadata.Entities,
				})
			}
			plan.Documents++
		}
	}
	for cat := range catSet {
		plan.Categories = append(plan.Categories, cat)
	}
	sort.Strings(plan.Categories)
	return plan, nil
}

// Report summarises one ingestion run.
type Report struct {
	Documents  int           `json:"documents"`
	Chunks     int           `json:"chunks"`
	Stored     int           `json:"stored"`
	Categories []string      `json:"categories"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Ingestor loads source files into the vector index.
type Ingestor struct {
	chunker  *Chunker
	embedder llm.Embedder
	index    VectorIndex
	metadata MetadataStore
	model    string
	now      func() time.Time
}

// NewIngestor creates an Ingestor. metadata may be nil.
func NewIngestor(embedder llm.Embedder, index VectorIndex, metadata MetadataStore, embeddingModel string) *Ingestor {
	return &Ingestor{
		chunker:  NewChunker(),
		embedder: embedder,
		index:    index,
		metadata: metadata,
		model:    embeddingModel,
		now:      time.Now,
	}
}

// IngestDir chunks, embeds and stores every source file in dir, then
// records kb_metadata.
//
// # Outputs
//
//   - Report: Counts for the run.
//   - error: Non-nil if loading, embedding or storing fails. Chunks stored
//     before the failure stay in the index.
func (in *Ingestor) IngestDir(ctx context.Context, dir string) (Report, error) {
	files, err := LoadDir(dir)
	if err != nil {
		return Report{}, err
	}
	return in.Ingest(ctx, files)
}

// Ingest is IngestDir for already loaded files.
func (in *Ingestor) Ingest(ctx context.Context, files []SourceFile) (Report, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Ingest")
	defer span.End()
	start := in.now()

	plan, err := in.chunker.Plan(files)
	if err != nil {
		return Report{}, err
	}
	slog.Info("Planned knowledge base ingestion", "documents", plan.Documents, "chunks", len(plan.Chunks))

	rep := Report{Documents: plan.Documents, Chunks: len(plan.Chunks), Categories: plan.Categories}
	for startIdx := 0; startIdx < len(plan.Chunks); startIdx += embedBatchSize {
		end := startIdx + embedBatchSize
		if end > len(plan.Chunks) {
			end = len(plan.Chunks)
		}
		batch := plan.Chunks[startIdx:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Title + "\n\n" + c.Content
		}
		vecs, err := in.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return rep, fmt.Errorf("embed chunks %d-%d: %w", startIdx, end, err)
		}
		stored, err := in.index.Upsert(ctx, batch, vecs)
		if err != nil {
			return rep, fmt.Errorf("store chunks %d-%d: %w", startIdx, end, err)
		}
		rep.Stored += stored
	}
	rep.Elapsed = in.now().Sub(start)

	if in.metadata != nil {
		now := in.now().UTC()
		md := datatypes.KBMetadata{
			Version:        DefaultVersion,
			TotalDocuments: rep.Documents,
			TotalChunks:    rep.Stored,
			EmbeddingModel: in.model,
			Categories:     rep.Categories,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := in.metadata.Put(ctx, md); err != nil {
			return rep, fmt.Errorf("record kb metadata: %w", err)
		}
	}
	slog.Info("Knowledge base ingested",
		"documents", rep.Documents, "chunks", rep.Chunks, "stored", rep.Stored, "elapsed", rep.Elapsed)
	return rep, nil
}
