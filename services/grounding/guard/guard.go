// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard implements the layered hallucination checks that decide
// whether a question may be answered and whether a generated answer can be
// trusted.
//
// # Description
//
// Layers run in a fixed order:
//
//  1. query_scope: keyword match or embedding similarity to a domain anchor.
//  2. retrieval_quality: only when the knowledge base was consulted.
//  3. api_validation: only when market data was requested.
//  4. response_validation: post-generation hedging, refusal and confidence.
//
// The first three are evidence layers; evaluation stops at the first one
// that fails and the result is marked for refusal. A failing response layer
// never refuses, it tells the caller to regenerate.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

var tracer = otel.Tracer("groundedcrypto.guard")

const (
	// DefaultSimilarityThreshold is the minimum chunk similarity.
	DefaultSimilarityThreshold = 0.5

	// ScopeSimilarityThreshold is the anchor similarity a keyword-free query
	// must exceed.
	ScopeSimilarityThreshold = 0.3

	// MinConfidence is the lowest response confidence accepted.
	MinConfidence = 0.6

	// HedgingConfidence is assigned to responses with hedging language.
	HedgingConfidence = 0.3

	// ScopeAnchor is the phrase keyword-free queries are compared against.
	ScopeAnchor = "cryptocurrency and blockchain technology"
)

// Reason strings surfaced in ValidationResult.
const (
	ReasonOutOfScope     = "Query does not appear to be related to cryptocurrency or blockchain"
	ReasonNoChunks       = "No relevant information found in knowledge base"
	ReasonNoTimestamp    = "API data missing timestamp"
	ReasonMalformedAPI   = "API response malformed"
	ReasonNoEndpoint     = "API response missing source endpoint"
	ReasonQuotaExhausted = "Market data quota exhausted for this period"
	ReasonNoMarketData   = "Market data unavailable"
	ReasonAdvice         = "Investment advice and price predictions are not provided"
)

var cryptoKeywords = []string{
	"bitcoin", "btc", "ethereum", "eth", "blockchain", "crypto", "cryptocurrency",
	"defi", "nft", "mining", "staking", "wallet", "token", "coin", "altcoin",
	"satoshi", "wei", "gwei", "gas", "smart contract", "dapp", "dao", "web3",
	"metamask", "ledger", "exchange", "binance", "coinbase", "uniswap",
	"price", "market cap", "volume", "trading", "hodl", "whale", "bull", "bear",
}

// Keywords up to this length ("eth", "wei", "coin") only match whole words.
const shortKeywordLen = 4

var hedgingPhrases = []string{
	"I think", "I believe", "probably", "maybe", "perhaps", "might be",
	"could be", "I guess", "I assume", "seems like", "appears to be",
}

var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)I don't have (verified )?information`),
	regexp.MustCompile(`(?i)I cannot provide`),
	regexp.MustCompile(`(?i)I'm not able to`),
	regexp.MustCompile(`(?i)out of (my )?scope`),
}

var investmentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bshould\s+i\s+(buy|sell|invest|hold|short)\b`),
	regexp.MustCompile(`(?i)\bis\s+it\s+a\s+good\s+(time|idea|investment)\b`),
	regexp.MustCompile(`(?i)\b(price\s+prediction|predict\s+the\s+price|price\s+target)\b`),
	regexp.MustCompile(`(?i)\b(financial|investment)\s+advice\b`),
	regexp.MustCompile(`(?i)\bwill\b.*\b(go\s+up|go\s+down|moon|crash|pump|dump)\b`),
	regexp.MustCompile(`(?i)\bbest\s+(coin|crypto|token)\s+to\s+(buy|invest)\b`),
}

// Embedder produces a vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Guard runs the validation layers.
//
// # Thread Safety
//
// Safe for concurrent use. The anchor embedding is computed on first use
// and reused afterwards; a failed computation is retried on the next call.
type Guard struct {
	embedder  Embedder
	threshold atomic.Uint64 // float64 bits

	keywords *regexp.Regexp
	hedging  []*regexp.Regexp

	anchorMu sync.Mutex
	anchor   []float32
}

// Option configures a Guard.
type Option func(*Guard)

// WithSimilarityThreshold overrides DefaultSimilarityThreshold.
func WithSimilarityThreshold(t float64) Option {
	return func(g *Guard) {
		g.SetThreshold(t)
	}
}

// New creates a Guard. embedder may be nil, in which case scope checks rely
// on keywords alone.
func New(embedder Embedder, opts ...Option) *Guard {
	g := &Guard{
		embedder: embedder,
		keywords: keywordPattern(cryptoKeywords),
	}
	g.SetThreshold(DefaultSimilarityThreshold)
	for _, h := range hedgingPhrases {
		g.hedging = append(g.hedging, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(h)+`\b`))
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// keywordPattern matches short keywords as whole words with an optional
// plural, longer keywords as word prefixes ("crypto" in "cryptocurrencies",
// "token" in "tokenomics") and any word ending in "coin" ("stablecoins").
func keywordPattern(keywords []string) *regexp.Regexp {
	var whole, prefix []string
	for _, k := range keywords {
		alt := strings.Join(strings.Fields(regexp.QuoteMeta(k)), `\s+`)
		if len(k) <= shortKeywordLen {
			whole = append(whole, alt)
		} else {
			prefix = append(prefix, alt)
		}
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(whole, "|") + `)(?:e?s)?\b` +
		`|\b(?:` + strings.Join(prefix, "|") + `)\w*` +
		`|\b\w+coins?\b`)
}

// Threshold returns the current chunk similarity threshold.
func (g *Guard) Threshold() float64 { return math.Float64frombits(g.threshold.Load()) }

// SetThreshold changes the chunk similarity threshold. Values outside
// (0, 1] are ignored. Safe to call while questions are in flight.
func (g *Guard) SetThreshold(t float64) {
	if t > 0 && t <= 1 {
		g.threshold.Store(math.Float64bits(t))
	}
}

// =============================================================================
// Layer 1: query scope
// =============================================================================

// ValidateQueryScope accepts crypto questions.
func (g *Guard) ValidateQueryScope(ctx context.Context, query string) datatypes.LayerResult {
	res := datatypes.LayerResult{Layer: datatypes.LayerQueryScope}
	if kw := g.keywords.FindString(query); kw != "" {
		res.Valid = true
		res.Reason = "Query is crypto-related"
		return res
	}

	if sim, err := g.anchorSimilarity(ctx, query); err != nil {
		slog.Error("Embedding-based scope check failed", "error", err)
	} else if sim > ScopeSimilarityThreshold {
		res.Valid = true
		res.Reason = fmt.Sprintf("Query semantically related to crypto (similarity: %.4f)", sim)
		return res
	}

	slog.Warn("Query appears out of scope", "query", query)
	res.Reason = ReasonOutOfScope
	return res
}

func (g *Guard) anchorSimilarity(ctx context.Context, query string) (float64, error) {
	if g.embedder == nil {
		return 0, nil
	}
	anchor, err := g.anchorEmbedding(ctx)
	if err != nil {
		return 0, err
	}
	vec, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("embed query: %w", err)
	}
	return CosineSimilarity(vec, anchor), nil
}

func (g *Guard) anchorEmbedding(ctx context.Context) ([]float32, error) {
	g.anchorMu.Lock()
	defer g.anchorMu.Unlock()
	if g.anchor != nil {
		return g.anchor, nil
	}
	vec, err := g.embedder.Embed(ctx, ScopeAnchor)
	if err != nil {
		return nil, fmt.Errorf("embed scope anchor: %w", err)
	}
	g.anchor = vec
	return vec, nil
}

// CosineSimilarity returns 0 for mismatched or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// IsInvestmentAdvice reports whether the question asks for a trade
// recommendation or price prediction.
func (g *Guard) IsInvestmentAdvice(query string) bool {
	for _, p := range investmentPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// CheckAdvice refuses trade recommendations and price predictions before any
// evidence is gathered. The second return is false when the query may
// proceed.
func (g *Guard) CheckAdvice(query string) (*datatypes.ValidationResult, bool) {
	if !g.IsInvestmentAdvice(query) {
		return nil, false
	}
	slog.Info("Investment advice requested, refusing")
	out := datatypes.NewValidationResult()
	out.Record(datatypes.LayerResult{Layer: datatypes.LayerQueryScope, Reason: ReasonAdvice})
	out.Refuse(datatypes.RefusalInvestmentAdvice, ReasonAdvice)
	return out, true
}

// =============================================================================
// Layer 2: retrieval quality
// =============================================================================

// ValidateRetrieval requires at least one chunk and every chunk at or above
// the similarity threshold.
func (g *Guard) ValidateRetrieval(chunks []datatypes.Chunk) datatypes.LayerResult {
	res := datatypes.LayerResult{Layer: datatypes.LayerRetrievalQuality}
	if len(chunks) == 0 {
		slog.Warn("No KB chunks retrieved")
		res.Reason = ReasonNoChunks
		return res
	}

	threshold := g.Threshold()
	below := 0
	docs := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if c.Similarity < threshold {
			below++
		}
		docs[c.DocumentID] = struct{}{}
	}
	if below > 0 {
		slog.Warn("Chunks below similarity threshold", "count", below, "threshold", threshold)
		res.Reason = fmt.Sprintf("Retrieved information has low relevance (below %v)", threshold)
		return res
	}
	if len(docs) == 1 && len(chunks) > 1 {
		slog.Info("All chunks from same document (low diversity)")
	}

	res.Valid = true
	res.Reason = fmt.Sprintf("Retrieved %d high-quality chunks", len(chunks))
	return res
}

// =============================================================================
// Layer 3: API data
// =============================================================================

// ValidateAPIData checks structural completeness of market responses.
// Evidence with no responses fails only when nothing else backs the answer.
func (g *Guard) ValidateAPIData(ev datatypes.Evidence) (datatypes.LayerResult, datatypes.RefusalKind) {
	res := datatypes.LayerResult{Layer: datatypes.LayerAPIData}
	if len(ev.API) == 0 {
		if ev.KBUsed {
			res.Valid = true
			res.Reason = "No API data to validate"
			return res, datatypes.RefusalNone
		}
		if ev.RateLimited() {
			res.Reason = ReasonQuotaExhausted
			return res, datatypes.RefusalRateLimited
		}
		res.Reason = ReasonNoMarketData
		return res, datatypes.RefusalNoEvidence
	}

	for _, r := range ev.API {
		switch {
		case r.Timestamp.IsZero():
			res.Reason = ReasonNoTimestamp
		case len(r.Data) == 0 || string(r.Data) == "null":
			res.Reason = ReasonMalformedAPI
		case r.Endpoint == "":
			res.Reason = ReasonNoEndpoint
		default:
			continue
		}
		slog.Warn("API evidence rejected", "endpoint", r.Endpoint, "reason", res.Reason)
		return res, datatypes.RefusalMalformedAPI
	}

	res.Valid = true
	res.Reason = fmt.Sprintf("Validated %d API responses", len(ev.API))
	return res, datatypes.RefusalNone
}

// =============================================================================
// Layer 4: response content
// =============================================================================

// ValidateResponse scores generated text against the evidence it was given.
func (g *Guard) ValidateResponse(text string, ev datatypes.Evidence) datatypes.LayerResult {
	res := datatypes.LayerResult{Layer: datatypes.LayerResponse}
	conf := func(c float64) *float64 { return &c }

	if strings.TrimSpace(text) == "" {
		res.Reason = "Empty response"
		res.Confidence = conf(0)
		return res
	}

	for i, h := range g.hedging {
		if h.MatchString(text) {
			slog.Warn("Hedging language detected", "phrase", hedgingPhrases[i])
			res.Reason = fmt.Sprintf("Response contains uncertain language: %s", hedgingPhrases[i])
			res.Confidence = conf(HedgingConfidence)
			return res
		}
	}

	for _, p := range refusalPatterns {
		if p.MatchString(text) {
			res.Valid = true
			res.Reason = "LLM correctly refused to answer"
			res.Confidence = conf(1.0)
			return res
		}
	}

	c := Confidence(text, ev)
	res.Confidence = conf(c)
	if c < MinConfidence {
		slog.Warn("Low confidence response", "confidence", c)
		res.Reason = fmt.Sprintf("Low confidence in response accuracy (%.2f)", c)
		return res
	}
	res.Valid = true
	res.Reason = "Response passes validation checks"
	return res
}

// Confidence blends KB similarity, API presence and citation markers.
func Confidence(text string, ev datatypes.Evidence) float64 {
	kb := 0.5
	if len(ev.Chunks) > 0 {
		kb = ev.MaxSimilarity()
	}
	api := 0.7
	if len(ev.API) > 0 {
		api = 1.0
	}
	cite := 0.5
	if strings.Contains(text, "[Source:") || strings.Contains(text, "FreeCryptoAPI") {
		cite = 1.0
	}
	c := 0.5*kb + 0.3*api + 0.2*cite
	return math.Round(c*1e4) / 1e4
}

// =============================================================================
// Pipeline
// =============================================================================

// ValidateEvidence runs the evidence layers, stopping at the first failure.
func (g *Guard) ValidateEvidence(ctx context.Context, query string, ev datatypes.Evidence) *datatypes.ValidationResult {
	ctx, span := tracer.Start(ctx, "guard.ValidateEvidence")
	defer span.End()

	out := g.CheckScope(ctx, query)
	if !out.ShouldRefuse {
		g.ValidateSources(out, ev)
	}
	if out.ShouldRefuse {
		span.SetAttributes(attribute.String("guard.refusal", string(out.RefusalKind)))
	}
	return out
}

// CheckScope runs only the query_scope layer. Callers use it to refuse
// before spending quota on evidence gathering, then continue with
// ValidateSources on the same result.
func (g *Guard) CheckScope(ctx context.Context, query string) *datatypes.ValidationResult {
	out := datatypes.NewValidationResult()
	scope := g.ValidateQueryScope(ctx, query)
	out.Record(scope)
	if !scope.Valid {
		out.Refuse(datatypes.RefusalOutOfScope, scope.Reason)
	}
	return out
}

// ValidateSources runs retrieval_quality and api_validation on a result
// whose scope layer passed, stopping at the first failure.
func (g *Guard) ValidateSources(out *datatypes.ValidationResult, ev datatypes.Evidence) {
	if ev.KBUsed {
		r := g.ValidateRetrieval(ev.Chunks)
		out.Record(r)
		if !r.Valid {
			out.Refuse(datatypes.RefusalNoEvidence, r.Reason)
			return
		}
	}

	if ev.APIUsed {
		r, kind := g.ValidateAPIData(ev)
		out.Record(r)
		if !r.Valid {
			out.Refuse(kind, r.Reason)
		}
	}
}

// ValidatePipeline runs the evidence layers and, when they pass, the
// response layer on the generated text.
func (g *Guard) ValidatePipeline(ctx context.Context, query string, ev datatypes.Evidence, response string) *datatypes.ValidationResult {
	out := g.ValidateEvidence(ctx, query, ev)
	if out.ShouldRefuse {
		return out
	}
	g.ApplyResponse(out, response, ev)
	return out
}

// ApplyResponse records the response layer on an evidence result.
func (g *Guard) ApplyResponse(out *datatypes.ValidationResult, response string, ev datatypes.Evidence) datatypes.LayerResult {
	r := g.ValidateResponse(response, ev)
	out.Record(r)
	if r.Confidence != nil {
		out.Confidence = *r.Confidence
	}
	return r
}
