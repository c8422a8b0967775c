// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge owns the crypto knowledge base: the Weaviate class that
// stores it, ingestion from JSON source files, and vector retrieval.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding knowledge-base chunks.
const ClassName = "CryptoKnowledge"

// Schema returns the CryptoKnowledge class. Vectors are supplied by the
// ingestor, so no vectorizer module is configured.
func Schema() *models.Class {
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:       ClassName,
		Description: "A chunk of curated cryptocurrency reference material.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "Chunk text.",
				Tokenization: "word",
			},
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Title of the parent document.",
				Tokenization: "word",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Topic category, e.g. defi or fundamentals.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "Identifier of the parent document.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "chunk_index",
				DataType:        []string{"int"},
				Description:     "Position of the chunk within its document.",
				IndexFilterable: filterable,
			},
			{
				Name:         "source",
				DataType:     []string{"text"},
				Description:  "Citation for the parent document.",
				Tokenization: "field",
			},
			{
				Name:            "entities",
				DataType:        []string{"text[]"},
				Description:     "Coins and concepts the document covers.",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the class when it does not exist yet.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	exists, err := client.Schema().ClassExistenceChecker().WithClassName(ClassName).Do(ctx)
	if err != nil {
		return fmt.Errorf("check class %s: %w", ClassName, err)
	}
	if exists {
		return nil
	}
	if err := client.Schema().ClassCreator().WithClass(Schema()).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", ClassName, err)
	}
	slog.Info("Created Weaviate class", "class", ClassName)
	return nil
}

// DropSchema deletes the class and every object in it.
func DropSchema(ctx context.Context, client *weaviate.Client) error {
	if err := client.Schema().ClassDeleter().WithClassName(ClassName).Do(ctx); err != nil {
		return fmt.Errorf("delete class %s: %w", ClassName, err)
	}
	return nil
}
