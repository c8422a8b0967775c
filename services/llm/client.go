// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("groundedcrypto.llm")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamCallback receives each generated fragment in order. Returning an
// error stops the stream and is returned from GenerateStream.
type StreamCallback func(fragment string) error

// Generator is implemented by every text generation backend.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	// GenerateStream returns the full accumulated text once the stream ends.
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, cb StreamCallback) (string, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EstimateTokens approximates a token count as one token per four
// characters.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}
