// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

// stubEmbedder returns the anchor vector for the anchor phrase and a fixed
// vector for everything else.
type stubEmbedder struct {
	query []float32
	err   error
	calls atomic.Int32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if text == ScopeAnchor {
		return []float32{1, 0}, nil
	}
	return s.query, nil
}

func TestValidateQueryScope(t *testing.T) {
	ctx := context.Background()

	t.Run("keyword", func(t *testing.T) {
		emb := &stubEmbedder{}
		g := New(emb)
		for _, q := range []string{"What is DeFi?", "How do smart   contracts work", "best wallets", "ETH gas fees"} {
			r := g.ValidateQueryScope(ctx, q)
			assert.True(t, r.Valid, q)
		}
		assert.Zero(t, emb.calls.Load(), "keyword hit skips embeddings")
	})

	t.Run("keyword variants without embedder", func(t *testing.T) {
		g := New(nil)
		tests := []struct {
			query string
			valid bool
		}{
			{"What are cryptocurrencies?", true},
			{"How do stablecoins work?", true},
			{"Explain tokenomics", true},
			{"What is Ethereum's gas fee?", true},
			{"Which exchanges list altcoins?", true},
			{"Compare market capitalization of the top coins", true},
			{"Is it sunny, whether or not?", false},
			{"What a weird coincidence", false},
			{"Read the bulletin about ethics", false},
		}
		for _, tt := range tests {
			t.Run(tt.query, func(t *testing.T) {
				r := g.ValidateQueryScope(ctx, tt.query)
				assert.Equal(t, tt.valid, r.Valid)
				if !tt.valid {
					assert.Equal(t, ReasonOutOfScope, r.Reason)
				}
			})
		}
	})

	t.Run("embedding above threshold", func(t *testing.T) {
		g := New(&stubEmbedder{query: []float32{0.8, 0.6}})
		r := g.ValidateQueryScope(ctx, "Tell me about decentralized money systems")
		assert.True(t, r.Valid)
	})

	t.Run("embedding below threshold refuses", func(t *testing.T) {
		g := New(&stubEmbedder{query: []float32{0.2, 0.98}})
		res := g.ValidateEvidence(ctx, "What's the capital of France?", datatypes.Evidence{})
		assert.True(t, res.ShouldRefuse)
		assert.Equal(t, datatypes.RefusalOutOfScope, res.RefusalKind)
		assert.Equal(t, ReasonOutOfScope, res.RefusalReason)
		assert.Len(t, res.Layers, 1)
	})

	t.Run("embedder failure falls back to refusal", func(t *testing.T) {
		g := New(&stubEmbedder{err: errors.New("down")})
		r := g.ValidateQueryScope(ctx, "Recipe for pancakes")
		assert.False(t, r.Valid)
	})
}

func TestAnchorEmbeddingIsMemoised(t *testing.T) {
	emb := &stubEmbedder{query: []float32{0, 1}}
	g := New(emb)
	g.ValidateQueryScope(context.Background(), "first")
	g.ValidateQueryScope(context.Background(), "second")
	assert.EqualValues(t, 3, emb.calls.Load(), "anchor once plus one per query")
}

func TestValidateRetrieval(t *testing.T) {
	g := New(nil)

	r := g.ValidateRetrieval(nil)
	assert.False(t, r.Valid)
	assert.Equal(t, ReasonNoChunks, r.Reason)

	r = g.ValidateRetrieval([]datatypes.Chunk{{DocumentID: "a", Similarity: 0.9}, {DocumentID: "a", Similarity: 0.49}})
	assert.False(t, r.Valid)
	assert.Equal(t, "Retrieved information has low relevance (below 0.5)", r.Reason)

	r = g.ValidateRetrieval([]datatypes.Chunk{{DocumentID: "a", Similarity: 0.5}, {DocumentID: "a", Similarity: 0.7}})
	assert.True(t, r.Valid, "single-document results are only logged")

	strict := New(nil, WithSimilarityThreshold(0.8))
	assert.False(t, strict.ValidateRetrieval([]datatypes.Chunk{{Similarity: 0.7}}).Valid)
}

func TestValidateAPIData(t *testing.T) {
	g := New(nil)
	good := datatypes.APIResponse{Endpoint: "getData", Data: json.RawMessage(`{}`), Timestamp: time.Now()}

	tests := []struct {
		name   string
		ev     datatypes.Evidence
		valid  bool
		kind   datatypes.RefusalKind
		reason string
	}{
		{"complete", datatypes.Evidence{APIUsed: true, API: []datatypes.APIResponse{good}}, true, datatypes.RefusalNone, ""},
		{"missing timestamp", datatypes.Evidence{APIUsed: true, API: []datatypes.APIResponse{{Endpoint: "getData", Data: json.RawMessage(`{}`)}}}, false, datatypes.RefusalMalformedAPI, ReasonNoTimestamp},
		{"missing data", datatypes.Evidence{APIUsed: true, API: []datatypes.APIResponse{{Endpoint: "getData", Timestamp: time.Now()}}}, false, datatypes.RefusalMalformedAPI, ReasonMalformedAPI},
		{"missing endpoint", datatypes.Evidence{APIUsed: true, API: []datatypes.APIResponse{{Data: json.RawMessage(`1`), Timestamp: time.Now()}}}, false, datatypes.RefusalMalformedAPI, ReasonNoEndpoint},
		{"nothing but kb backs it", datatypes.Evidence{APIUsed: true, KBUsed: true}, true, datatypes.RefusalNone, ""},
		{"quota exhausted", datatypes.Evidence{APIUsed: true, Failures: []datatypes.APIFailure{{Endpoint: "getData", Kind: datatypes.FailureRateLimited}}}, false, datatypes.RefusalRateLimited, ReasonQuotaExhausted},
		{"all calls failed", datatypes.Evidence{APIUsed: true, Failures: []datatypes.APIFailure{{Endpoint: "getData", Kind: datatypes.FailureExternal}}}, false, datatypes.RefusalNoEvidence, ReasonNoMarketData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, kind := g.ValidateAPIData(tt.ev)
			assert.Equal(t, tt.valid, r.Valid)
			assert.Equal(t, tt.kind, kind)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, r.Reason)
			}
		})
	}
}

func TestValidateResponse(t *testing.T) {
	g := New(nil)
	kb := datatypes.Evidence{KBUsed: true, Chunks: []datatypes.Chunk{{Similarity: 0.85}}}

	t.Run("empty", func(t *testing.T) {
		r := g.ValidateResponse("  ", kb)
		assert.False(t, r.Valid)
		require.NotNil(t, r.Confidence)
		assert.Zero(t, *r.Confidence)
	})

	t.Run("hedging beats strong evidence", func(t *testing.T) {
		r := g.ValidateResponse("I think the price will rise [Source: Market Primer, Similarity: 0.99]", kb)
		assert.False(t, r.Valid)
		assert.InDelta(t, HedgingConfidence, *r.Confidence, 1e-9)
	})

	t.Run("honest refusal is valid", func(t *testing.T) {
		r := g.ValidateResponse("I don't have verified information about that topic.", datatypes.Evidence{})
		assert.True(t, r.Valid)
		assert.InDelta(t, 1.0, *r.Confidence, 1e-9)
	})

	t.Run("blend with citation", func(t *testing.T) {
		r := g.ValidateResponse("DeFi is decentralized finance [Source: DeFi Basics, Similarity: 0.85]", kb)
		assert.True(t, r.Valid)
		// 0.5*0.85 + 0.3*0.7 + 0.2*1.0
		assert.InDelta(t, 0.835, *r.Confidence, 1e-9)
	})

	t.Run("blend without evidence or citation", func(t *testing.T) {
		r := g.ValidateResponse("Bitcoin launched in 2009.", datatypes.Evidence{})
		// 0.25 + 0.21 + 0.1
		assert.InDelta(t, 0.56, *r.Confidence, 1e-9)
		assert.False(t, r.Valid)
	})
}

func TestConfidence_RoundsToFourPlaces(t *testing.T) {
	ev := datatypes.Evidence{
		Chunks: []datatypes.Chunk{{Similarity: 0.612345678}},
		API:    []datatypes.APIResponse{{Endpoint: "getData"}},
	}
	assert.Equal(t, 0.8062, Confidence("FreeCryptoAPI getData", ev))
}

func TestValidatePipeline(t *testing.T) {
	g := New(nil)
	ctx := context.Background()

	t.Run("stops at retrieval failure", func(t *testing.T) {
		ev := datatypes.Evidence{KBUsed: true, APIUsed: true}
		res := g.ValidatePipeline(ctx, "What is DeFi?", ev, "anything")
		assert.True(t, res.ShouldRefuse)
		assert.Equal(t, datatypes.RefusalNoEvidence, res.RefusalKind)
		require.Len(t, res.Layers, 2)
		assert.Equal(t, datatypes.LayerRetrievalQuality, res.Layers[1].Layer)
	})

	t.Run("defi end to end", func(t *testing.T) {
		ev := datatypes.Evidence{KBUsed: true, Chunks: []datatypes.Chunk{{DocumentID: "defi", Similarity: 0.85}}}
		res := g.ValidatePipeline(ctx, "What is DeFi?", ev, "DeFi removes intermediaries [Source: DeFi Basics, Similarity: 0.85]")
		assert.False(t, res.ShouldRefuse)
		assert.True(t, res.OverallValid)
		assert.GreaterOrEqual(t, res.Confidence, MinConfidence)
		assert.Len(t, res.Layers, 3)
	})

	t.Run("low confidence does not refuse", func(t *testing.T) {
		ev := datatypes.Evidence{KBUsed: true, Chunks: []datatypes.Chunk{{Similarity: 0.5}}}
		res := g.ValidatePipeline(ctx, "bitcoin", ev, "Bitcoin is digital money.")
		assert.False(t, res.OverallValid)
		assert.False(t, res.ShouldRefuse)
	})
}

func TestIsInvestmentAdvice(t *testing.T) {
	g := New(nil)
	yes := []string{
		"Should I buy bitcoin now?",
		"Is it a good time to invest in ETH?",
		"Give me a price prediction for SOL",
		"Will dogecoin go up next week?",
		"what's the best coin to buy",
	}
	no := []string{
		"What is the price of bitcoin?",
		"How does staking work?",
		"Will the merge reduce gas fees?",
	}
	for _, q := range yes {
		assert.True(t, g.IsInvestmentAdvice(q), q)
	}
	for _, q := range no {
		assert.False(t, g.IsInvestmentAdvice(q), q)
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
}

func TestCheckAdvice(t *testing.T) {
	g := New(nil)

	res, refused := g.CheckAdvice("Should I sell my ETH?")
	require.True(t, refused)
	assert.Equal(t, datatypes.RefusalInvestmentAdvice, res.RefusalKind)
	assert.Equal(t, ReasonAdvice, res.RefusalReason)
	assert.True(t, res.ShouldRefuse)

	res, refused = g.CheckAdvice("What is a hardware wallet?")
	assert.False(t, refused)
	assert.Nil(t, res)
}

func TestCheckScopeThenSources(t *testing.T) {
	g := New(nil)
	out := g.CheckScope(context.Background(), "bitcoin halving")
	require.False(t, out.ShouldRefuse)

	g.ValidateSources(out, datatypes.Evidence{APIUsed: true})
	assert.True(t, out.ShouldRefuse)
	assert.Equal(t, datatypes.RefusalNoEvidence, out.RefusalKind)
	assert.Len(t, out.Layers, 2)
}

func TestGuard_SetThreshold(t *testing.T) {
	g := New(nil)
	assert.InDelta(t, DefaultSimilarityThreshold, g.Threshold(), 1e-9)

	chunks := []datatypes.Chunk{{ID: "a", DocumentID: "d", Similarity: 0.6}}
	assert.True(t, g.ValidateRetrieval(chunks).Valid)

	g.SetThreshold(0.7)
	assert.False(t, g.ValidateRetrieval(chunks).Valid)

	g.SetThreshold(0)
	g.SetThreshold(1.5)
	assert.InDelta(t, 0.7, g.Threshold(), 1e-9)
}
