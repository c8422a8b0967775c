// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package response

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

// DefaultTokenBudget is the prompt size the assembler trims towards.
const DefaultTokenBudget = 4000

// PreviewLength is the number of characters kept in a source preview.
const PreviewLength = 150

var (
	multiNewlineRegex = regexp.MustCompile(`\n{2,}`)
	controlCharsRegex = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// sanitizeForPrompt flattens conversation text onto one line and strips
// control characters so earlier turns cannot forge section headers.
func sanitizeForPrompt(s string) string {
	s = multiNewlineRegex.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = controlCharsRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Assembly is a built prompt plus what went into it.
type Assembly struct {
	Prompt        string
	Tokens        int
	Chunks        []datatypes.Chunk
	API           []datatypes.APIResponse
	Turns         []datatypes.ContextTurn
	DroppedTurns  int
	DroppedChunks int
}

// Assembler builds generator prompts within a token budget.
type Assembler struct {
	budget int
}

// NewAssembler creates an Assembler. budget < 1 uses DefaultTokenBudget.
func NewAssembler(budget int) *Assembler {
	if budget < 1 {
		budget = DefaultTokenBudget
	}
	return &Assembler{budget: budget}
}

// Budget returns the configured token budget.
func (a *Assembler) Budget() int { return a.budget }

// Build assembles the prompt.
//
// # Description
//
// The prompt is the system prompt, the query, the knowledge-base section,
// the market-data section and the conversation section. When the estimate
// exceeds the budget the oldest conversation turns go first, then the
// lowest-ranked chunks. The top chunk and all market data are always kept,
// so the result can still exceed the budget.
func (a *Assembler) Build(query string, chunks []datatypes.Chunk, api []datatypes.APIResponse, turns []datatypes.ContextTurn) Assembly {
	asm := Assembly{Chunks: chunks, API: api, Turns: turns}
	asm.Prompt = render(query, asm.Chunks, asm.API, asm.Turns)
	asm.Tokens = llm.EstimateTokens(asm.Prompt)

	for asm.Tokens > a.budget && len(asm.Turns) > 0 {
		asm.Turns = asm.Turns[1:]
		asm.DroppedTurns++
		asm.Prompt = render(query, asm.Chunks, asm.API, asm.Turns)
		asm.Tokens = llm.EstimateTokens(asm.Prompt)
	}
	for asm.Tokens > a.budget && len(asm.Chunks) > 1 {
		asm.Chunks = asm.Chunks[:len(asm.Chunks)-1]
		asm.DroppedChunks++
		asm.Prompt = render(query, asm.Chunks, asm.API, asm.Turns)
		asm.Tokens = llm.EstimateTokens(asm.Prompt)
	}

	if asm.DroppedTurns > 0 || asm.DroppedChunks > 0 {
		slog.Warn("Context trimmed to fit budget",
			"budget", a.budget,
			"tokens", asm.Tokens,
			"dropped_turns", asm.DroppedTurns,
			"dropped_chunks", asm.DroppedChunks)
	} else {
		slog.Info("Context built", "tokens", asm.Tokens, "chunks", len(chunks), "api", len(api), "turns", len(turns))
	}
	return asm
}

func render(query string, chunks []datatypes.Chunk, api []datatypes.APIResponse, turns []datatypes.ContextTurn) string {
	var b strings.Builder
	b.WriteString(SystemPrompt)
	b.WriteString("\n\nUser Query: ")
	b.WriteString(query)
	b.WriteString("\n")

	if len(chunks) > 0 {
		b.WriteString("\n" + kbHeader + "\n")
		for _, c := range chunks {
			fmt.Fprintf(&b, "\n[KB Source: %s, Similarity: %.2f]\n%s\n", c.Title, c.Similarity, c.Content)
		}
	}

	if len(api) > 0 {
		b.WriteString("\n" + apiHeader + "\n")
		for _, r := range api {
			fmt.Fprintf(&b, "\n[API Source: %s, Timestamp: %s]\n%s\n", r.Endpoint, r.Timestamp.UTC().Format(time.RFC3339), r.Data)
		}
	}

	if len(turns) > 0 {
		b.WriteString("\n" + conversationHeader + "\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(t.Role)), sanitizeForPrompt(t.Text))
		}
		b.WriteString("\n" + conversationNote + "\n")
	}

	b.WriteString("\n" + closingInstruction)
	return b.String()
}

// ExtractSources builds citations from the evidence that was supplied to
// the generator.
func ExtractSources(chunks []datatypes.Chunk, api []datatypes.APIResponse) []datatypes.Source {
	sources := make([]datatypes.Source, 0, len(chunks)+len(api))
	for _, c := range chunks {
		sources = append(sources, datatypes.Source{
			Kind:       datatypes.SourceKnowledgeBase,
			Title:      orUnknown(c.Title),
			Category:   orUnknown(c.Category),
			Similarity: c.Similarity,
			Preview:    preview(c.Content),
		})
	}
	for _, r := range api {
		sources = append(sources, datatypes.Source{
			Kind:      datatypes.SourceAPI,
			Endpoint:  orUnknown(r.Endpoint),
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			Preview:   preview(string(r.Data)),
		})
	}
	return sources
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// preview keeps the first PreviewLength characters and marks the cut.
func preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s + "..."
	}
	return string([]rune(s)[:PreviewLength]) + "..."
}
