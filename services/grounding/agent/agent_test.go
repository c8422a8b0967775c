// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/guard"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/ratelimit"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/response"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

type gatherFunc func(ctx context.Context, a datatypes.QueryAnalysis) (datatypes.Evidence, error)

func (f gatherFunc) Orchestrate(ctx context.Context, a datatypes.QueryAnalysis) (datatypes.Evidence, error) {
	return f(ctx, a)
}

type echoGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (g *echoGenerator) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

func (g *echoGenerator) GenerateStream(ctx context.Context, prompt string, p llm.GenerationParams, cb llm.StreamCallback) (string, error) {
	text, err := g.Generate(ctx, prompt, p)
	if err != nil {
		return "", err
	}
	for _, f := range strings.SplitAfter(text, " ") {
		if err := cb(f); err != nil {
			return "", err
		}
	}
	return text, nil
}

const grounded = "Ethereum runs smart contracts [Source: Ethereum Overview, Similarity: 0.91]"

func kbEvidence(a datatypes.QueryAnalysis) datatypes.Evidence {
	return datatypes.Evidence{
		KBUsed: true,
		Chunks: []datatypes.Chunk{{Title: "Ethereum Overview", Category: "ethereum", Similarity: 0.91, Content: "Ethereum is a programmable blockchain."}},
	}
}

func newAgent(t *testing.T, gen *echoGenerator, gather gatherFunc, opts ...Option) *Agent {
	t.Helper()
	g := guard.New(nil)
	coord := response.NewCoordinator(gen, g, response.WithMaxRegenerations(0))
	return New(gather, g, coord, opts...)
}

func TestAsk_AnswersAndRecordsTurn(t *testing.T) {
	gen := &echoGenerator{reply: grounded}
	var seen datatypes.QueryAnalysis
	a := newAgent(t, gen, func(_ context.Context, an datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		seen = an
		return kbEvidence(an), nil
	})

	resp, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "  Tell me about ethereum  "})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, grounded, resp.Text)
	assert.False(t, resp.Refused)
	assert.Equal(t, datatypes.QueryConceptual, seen.Type)
	require.NotNil(t, resp.Analysis)

	hist, ok := a.History(resp.SessionID)
	require.True(t, ok)
	require.Len(t, hist, 2)
	assert.Equal(t, "Tell me about ethereum", hist[0].Text)
	require.NotNil(t, hist[1].Confidence)
	assert.InDelta(t, resp.Confidence, *hist[1].Confidence, 1e-9)
	assert.Len(t, hist[1].Sources, 1)
}

func TestAsk_ResolvesPronounsWithinSession(t *testing.T) {
	gen := &echoGenerator{reply: grounded}
	var resolved []string
	a := newAgent(t, gen, func(_ context.Context, an datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		resolved = append(resolved, an.Resolved)
		return kbEvidence(an), nil
	})
	ctx := context.Background()

	first, err := a.Ask(ctx, datatypes.AskRequest{Query: "What is ethereum?"})
	require.NoError(t, err)
	_, err = a.Ask(ctx, datatypes.AskRequest{SessionID: first.SessionID, Query: "How does it handle staking?"})
	require.NoError(t, err)
	assert.Equal(t, "How does ethereum handle staking?", resolved[1])

	other, err := a.Ask(ctx, datatypes.AskRequest{Query: "How does it handle staking?"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, other.SessionID)
	assert.Equal(t, "How does it handle staking?", resolved[2], "sessions do not share entities")

	require.Len(t, gen.prompts, 3)
	assert.Contains(t, gen.prompts[1], "USER: What is ethereum?")
}

func TestAsk_RefusesOutOfScopeWithoutGatheringEvidence(t *testing.T) {
	gen := &echoGenerator{reply: "unused"}
	gathered := false
	a := newAgent(t, gen, func(context.Context, datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		gathered = true
		return datatypes.Evidence{}, nil
	})

	resp, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "What's the capital of France?"})
	require.NoError(t, err)
	assert.True(t, resp.Refused)
	assert.Equal(t, datatypes.RefusalOutOfScope, resp.RefusalKind)
	assert.False(t, gathered)
	assert.Empty(t, gen.prompts)

	hist, _ := a.History(resp.SessionID)
	require.Len(t, hist, 2, "refusals are recorded")
	assert.Nil(t, hist[1].Confidence)
}

func TestAsk_RefusesInvestmentAdvice(t *testing.T) {
	a := newAgent(t, &echoGenerator{}, func(context.Context, datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		t.Fatal("evidence must not be gathered")
		return datatypes.Evidence{}, nil
	})
	resp, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "Should I buy bitcoin right now?"})
	require.NoError(t, err)
	assert.True(t, resp.Refused)
	assert.Equal(t, datatypes.RefusalInvestmentAdvice, resp.RefusalKind)
	assert.Contains(t, resp.Text, "investment advice")
}

func TestAsk_EvidenceRefusalCarriesFailures(t *testing.T) {
	a := newAgent(t, &echoGenerator{}, func(context.Context, datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		return datatypes.Evidence{
			APIUsed:  true,
			Failures: []datatypes.APIFailure{{Endpoint: "getData", Kind: datatypes.FailureRateLimited}},
		}, nil
	})
	resp, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "BTC price"})
	require.NoError(t, err)
	assert.True(t, resp.Refused)
	assert.Equal(t, datatypes.RefusalRateLimited, resp.RefusalKind)
	require.Len(t, resp.APIFailures, 1)
}

func TestAsk_GenerationFailureIsNotRecorded(t *testing.T) {
	gen := &echoGenerator{err: errors.New("model crashed")}
	a := newAgent(t, gen, func(_ context.Context, an datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		return kbEvidence(an), nil
	})
	resp, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "What is ethereum?"})
	require.NoError(t, err)
	assert.Equal(t, response.GenericErrorText, resp.Text)
	assert.True(t, resp.Failed())
	assert.False(t, resp.Refused)

	hist, ok := a.History(resp.SessionID)
	require.True(t, ok)
	assert.Empty(t, hist)
}

func TestAsk_EvidenceFailureIsNotRecorded(t *testing.T) {
	a := newAgent(t, &echoGenerator{}, func(context.Context, datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		return datatypes.Evidence{}, errors.New("vector index unreachable")
	})
	resp, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "What is ethereum?"})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	hist, _ := a.History(resp.SessionID)
	assert.Empty(t, hist)
}

func TestAsk_InvalidRequest(t *testing.T) {
	a := newAgent(t, &echoGenerator{}, nil)
	_, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "   "})
	assert.Error(t, err)
	_, err = a.Ask(context.Background(), datatypes.AskRequest{SessionID: "not-a-uuid", Query: "btc"})
	assert.Error(t, err)
	assert.Zero(t, a.Sessions().Len())
}

func TestAskStream(t *testing.T) {
	gen := &echoGenerator{reply: grounded}
	a := newAgent(t, gen, func(_ context.Context, an datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		return kbEvidence(an), nil
	})

	var b strings.Builder
	resp, err := a.AskStream(context.Background(), datatypes.AskRequest{Query: "What is ethereum?"},
		func(f string) error { b.WriteString(f); return nil })
	require.NoError(t, err)
	assert.Equal(t, grounded, b.String())
	assert.Equal(t, grounded, resp.Text)

	b.Reset()
	refused, err := a.AskStream(context.Background(), datatypes.AskRequest{Query: "Best pasta recipe"},
		func(f string) error { b.WriteString(f); return nil })
	require.NoError(t, err)
	assert.True(t, refused.Refused)
	assert.Equal(t, refused.Text, b.String())

	_, err = a.AskStream(context.Background(), datatypes.AskRequest{Query: "btc"}, nil)
	assert.Error(t, err)
}

func TestClearAndSummary(t *testing.T) {
	a := newAgent(t, &echoGenerator{reply: grounded}, func(_ context.Context, an datatypes.QueryAnalysis) (datatypes.Evidence, error) {
		return kbEvidence(an), nil
	})
	resp, err := a.Ask(context.Background(), datatypes.AskRequest{Query: "What is ethereum?"})
	require.NoError(t, err)

	sum, ok := a.Summary(resp.SessionID)
	require.True(t, ok)
	assert.Equal(t, 2, sum.TotalTurns)
	assert.Contains(t, sum.Entities, "ethereum")

	assert.True(t, a.Clear(resp.SessionID))
	assert.False(t, a.Clear(resp.SessionID))
	_, ok = a.History(resp.SessionID)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	c := cache.New(cache.NewMemoryBackend())
	require.NoError(t, c.Set(context.Background(), "getTop", nil, []byte(`{}`), time.Minute))
	quota := ratelimit.New(ratelimit.NewMemoryStore(), "freecryptoapi", 100)
	_, err := quota.Reserve(context.Background())
	require.NoError(t, err)

	a := newAgent(t, &echoGenerator{}, nil, WithCacheStats(c), WithQuotaStats(quota))
	st, err := a.Stats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Cache)
	require.NotNil(t, st.Quota)
	assert.Equal(t, 1, st.Cache.ActiveEntries)
	assert.Equal(t, 1, st.Quota.RequestCount)
	assert.Equal(t, 99, st.Quota.Remaining)
}

func TestSessionStore_PruneIdle(t *testing.T) {
	s := NewSessionStore(0)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	old, _ := s.acquire("")
	now = now.Add(2 * time.Hour)
	fresh, _ := s.acquire("")

	assert.Equal(t, 1, s.PruneIdle(time.Hour))
	_, ok := s.Get(old)
	assert.False(t, ok)
	_, ok = s.Get(fresh)
	assert.True(t, ok)
	assert.Equal(t, []string{fresh}, s.IDs())
}

func TestSessionStore_PruneIdleKeepsBusySession(t *testing.T) {
	s := NewSessionStore(0)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	id, sess := s.acquire("")

	sess.mu.Lock()
	now = now.Add(2 * time.Hour)
	assert.Zero(t, s.PruneIdle(time.Hour), "a session answering a question is not idle")
	_, ok := s.Get(id)
	assert.True(t, ok)

	s.touch(sess)
	sess.mu.Unlock()
	now = now.Add(30 * time.Minute)
	assert.Zero(t, s.PruneIdle(time.Hour), "finishing a question refreshes the idle clock")

	now = now.Add(time.Hour)
	assert.Equal(t, 1, s.PruneIdle(time.Hour))
	_, ok = s.Get(id)
	assert.False(t, ok)
}
