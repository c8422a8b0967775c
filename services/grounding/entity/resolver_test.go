// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEntities(t *testing.T) {
	r := NewResolver()
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"alias", "What is the price of BTC?", []string{"bitcoin"}},
		{"two coins", "Compare ether and Solana", []string{"ethereum", "solana"}},
		{"multi word alias", "Tell me about binance   coin", []string{"binance coin"}},
		{"concept", "How does DeFi staking work?", []string{"defi", "staking"}},
		{"no substring hits", "the dotted line is not polka", nil},
		{"punctuation", "btc, eth.", []string{"bitcoin", "ethereum"}},
		{"nothing", "hello there", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ExtractEntities(tt.text))
		})
	}
}

func TestExtractCoins_SkipsConcepts(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, []string{"ethereum"}, r.ExtractCoins("Is ETH staking part of DeFi?"))
	assert.True(t, r.IsCoin("ethereum"))
	assert.False(t, r.IsCoin("defi"))
	assert.False(t, r.IsCoin("unknown"))
}

func TestContainsPronoun(t *testing.T) {
	r := NewResolver()
	assert.True(t, r.ContainsPronoun("What is its market cap?"))
	assert.True(t, r.ContainsPronoun("how old is the coin"))
	assert.True(t, r.ContainsPronoun("Is IT volatile"))
	assert.False(t, r.ContainsPronoun("What is bitcoin?"), "'it' inside a word is not a pronoun")
	assert.False(t, r.ContainsPronoun("Explain DeFi"))
}

func TestResolvePronouns_UsesPriorMention(t *testing.T) {
	r := NewResolver()
	r.Update("Tell me about bitcoin", "Bitcoin is ...")

	got := r.ResolvePronouns("What is its market cap?")
	assert.Equal(t, "What is bitcoin's market cap?", got)

	got = r.ResolvePronouns("How is the coin mined?")
	assert.Equal(t, "How is bitcoin mined?", got)
}

func TestResolvePronouns_NoReferentIsNoop(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, "What is its market cap?", r.ResolvePronouns("What is its market cap?"))

	r.Update("hello", "hi")
	assert.Equal(t, "is it up?", r.ResolvePronouns("is it up?"))
}

func TestReferent_ScansNewestTurnFirst(t *testing.T) {
	r := NewResolver()
	r.Update("bitcoin bitcoin", "")
	r.Update("what about ethereum", "")
	r.Update("thanks", "")

	ref, ok := r.Referent()
	require.True(t, ok)
	assert.Equal(t, "ethereum", ref)
}

func TestReferent_TieBreak(t *testing.T) {
	t.Run("higher salience wins", func(t *testing.T) {
		r := NewResolver()
		r.Update("solana", "")
		r.Update("solana and cardano", "")
		ref, _ := r.Referent()
		assert.Equal(t, "solana", ref)
	})

	t.Run("equal salience prefers most recently introduced", func(t *testing.T) {
		r := NewResolver()
		r.Update("cardano", "")
		r.Update("solana", "")
		r.salience["cardano"] = 1.0
		r.salience["solana"] = 1.0
		r.Update("cardano and solana", "")
		ref, _ := r.Referent()
		assert.Equal(t, "solana", ref)
	})

	t.Run("same turn and salience falls back to name order", func(t *testing.T) {
		r := NewResolver()
		r.Update("ripple and litecoin", "")
		ref, _ := r.Referent()
		assert.Equal(t, "litecoin", ref)
	})

	t.Run("accumulated salience decides", func(t *testing.T) {
		r := NewResolver()
		r.Update("bitcoin", "")
		// bitcoin: 1.0 -> decays to 0.9, then mentioned again below (+1 = 1.9)
		r.Update("ethereum", "")
		// ethereum: 1.0, bitcoin 0.9
		r.Update("bitcoin", "")
		// bitcoin 1.9, ethereum 0.9
		r.Update("ethereum", "")
		// ethereum 1.9, bitcoin 1.71
		r.Update("ethereum and bitcoin", "")
		// ethereum 2.9, bitcoin 2.71
		ref, _ := r.Referent()
		assert.Equal(t, "ethereum", ref)
	})
}

func TestUpdate_SalienceDecayAndPrune(t *testing.T) {
	r := NewResolver()
	r.Update("bitcoin", "")
	assert.InDelta(t, 1.0, r.Salience()["bitcoin"], 1e-9)

	r.Update("ethereum", "")
	assert.InDelta(t, 0.9, r.Salience()["bitcoin"], 1e-9)
	assert.InDelta(t, 1.0, r.Salience()["ethereum"], 1e-9)

	r.Update("bitcoin again", "")
	assert.InDelta(t, 1.9, r.Salience()["bitcoin"], 1e-9)

	// 1.0 * 0.9^n < 0.1 after 22 unrelated turns.
	for i := 0; i < 22; i++ {
		r.Update("nothing relevant", "")
	}
	_, tracked := r.Salience()["ethereum"]
	assert.False(t, tracked, "ethereum should be pruned")
	for _, w := range r.Salience() {
		assert.GreaterOrEqual(t, w, SaliencePruneBelow)
	}
}

func TestUpdate_HistoryBounded(t *testing.T) {
	r := NewResolver(WithMaxHistory(2))
	r.Update("bitcoin", "")
	r.Update("hi", "")
	r.Update("hello", "")

	_, ok := r.Referent()
	assert.False(t, ok, "bitcoin turn fell out of the window")
	assert.Len(t, r.history, 2)
}

func TestRanked(t *testing.T) {
	r := NewResolver()
	r.Update("bitcoin", "")
	r.Update("bitcoin and solana", "")
	assert.Equal(t, []string{"bitcoin", "solana"}, r.Ranked())
}

func TestReset(t *testing.T) {
	r := NewResolver()
	r.Update("bitcoin", "")
	r.Reset()

	assert.Empty(t, r.Salience())
	_, ok := r.Referent()
	assert.False(t, ok)
}
