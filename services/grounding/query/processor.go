// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query turns a raw question into a QueryAnalysis: pronouns are
// resolved against the conversation, intent is classified by keyword group
// and coin mentions become ticker symbols.
package query

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/market"
)

// EntitySource is the slice of conversation state the processor reads.
// conversation.Manager implements it.
type EntitySource interface {
	ContainsPronoun(text string) bool
	ResolvePronouns(text string) string
	ExtractEntities(text string) []string
}

// keywordGroup is one classification rule. Groups are tried in order and
// the first one with a whole-word match wins.
type keywordGroup struct {
	queryType datatypes.QueryType
	pattern   *regexp.Regexp
}

var (
	conceptualTerms = []string{
		"what is", "what are", "explain", "how does", "how do",
		"why", "definition", "meaning", "tell me about", "describe",
	}
	technicalTerms = []string{
		"rsi", "macd", "moving average", "bollinger", "technical",
		"indicator", "analysis", "chart", "trend",
	}
	historicalTerms = []string{
		"history", "historical", "past", "previous", "ago",
		"yesterday", "last week", "last month",
	}
	priceTerms = []string{
		"price", "cost", "worth", "value", "trading at", "current",
		"how much", "market cap", "market capitalization",
	}
)

// Processor classifies questions. It holds no per-conversation state and is
// safe for concurrent use.
type Processor struct {
	groups []keywordGroup
}

// NewProcessor compiles the keyword groups in priority order.
func NewProcessor() *Processor {
	return &Processor{groups: []keywordGroup{
		{datatypes.QueryConceptual, compileTerms(conceptualTerms)},
		{datatypes.QueryTechnical, compileTerms(technicalTerms)},
		{datatypes.QueryHistorical, compileTerms(historicalTerms)},
		{datatypes.QueryRealTime, compileTerms(priceTerms)},
	}}
}

func compileTerms(terms []string) *regexp.Regexp {
	alts := make([]string, len(terms))
	for i, t := range terms {
		alts[i] = strings.Join(strings.Fields(regexp.QuoteMeta(t)), `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

// Classify returns the first matching group's type, or general.
func (p *Processor) Classify(text string) datatypes.QueryType {
	for _, g := range p.groups {
		if g.pattern.MatchString(text) {
			return g.queryType
		}
	}
	return datatypes.QueryGeneral
}

// Resolve rewrites pronouns only when the text contains one.
func (p *Processor) Resolve(text string, src EntitySource) string {
	if src == nil || !src.ContainsPronoun(text) {
		return text
	}
	return src.ResolvePronouns(text)
}

// ExtractSymbols maps every entity in text through the ticker table and
// returns sorted, de-duplicated symbols. Entities without a ticker, such as
// concepts, pass through uppercased.
func (p *Processor) ExtractSymbols(text string, src EntitySource) []string {
	if src == nil {
		return nil
	}
	entities := src.ExtractEntities(text)
	if len(entities) == 0 {
		return nil
	}
	symbols := market.NormalizeSymbols(entities)
	sort.Strings(symbols)
	return symbols
}

// Process composes Resolve, Classify and ExtractSymbols.
func (p *Processor) Process(text string, src EntitySource) datatypes.QueryAnalysis {
	resolved := p.Resolve(text, src)
	qt := p.Classify(resolved)

	var entities []string
	if src != nil {
		entities = src.ExtractEntities(resolved)
	}
	a := datatypes.QueryAnalysis{
		Original: text,
		Resolved: resolved,
		Type:     qt,
		Symbols:  p.ExtractSymbols(resolved, src),
		Entities: entities,
		NeedsKB:  qt.NeedsKB(),
		NeedsAPI: qt.NeedsAPI(),
	}
	slog.Info("Query processed",
		"type", a.Type,
		"symbols", a.Symbols,
		"needs_kb", a.NeedsKB,
		"needs_api", a.NeedsAPI,
		"resolved", a.Resolved != a.Original)
	return a
}
