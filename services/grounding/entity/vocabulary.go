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

// Kind distinguishes tradable assets from topic words.
type Kind int

const (
	KindCoin Kind = iota
	KindConcept
)

// Definition is one canonical entity and the surface forms that name it.
type Definition struct {
	Name    string
	Kind    Kind
	Aliases []string
}

// DefaultVocabulary is the built-in alias table. Canonical names are
// lowercase and double as the lookup keys for ticker normalisation.
func DefaultVocabulary() []Definition {
	return []Definition{
		{Name: "bitcoin", Aliases: []string{"btc", "bitcoin", "bitcoins"}},
		{Name: "ethereum", Aliases: []string{"eth", "ethereum", "ether"}},
		{Name: "binance coin", Aliases: []string{"bnb", "binance coin", "binance"}},
		{Name: "cardano", Aliases: []string{"ada", "cardano"}},
		{Name: "solana", Aliases: []string{"sol", "solana"}},
		{Name: "ripple", Aliases: []string{"xrp", "ripple"}},
		{Name: "polkadot", Aliases: []string{"dot", "polkadot"}},
		{Name: "dogecoin", Aliases: []string{"doge", "dogecoin"}},
		{Name: "polygon", Aliases: []string{"matic", "polygon"}},
		{Name: "avalanche", Aliases: []string{"avax", "avalanche"}},
		{Name: "chainlink", Aliases: []string{"link", "chainlink"}},
		{Name: "litecoin", Aliases: []string{"ltc", "litecoin"}},

		{Name: "defi", Kind: KindConcept, Aliases: []string{"defi"}},
		{Name: "nft", Kind: KindConcept, Aliases: []string{"nft", "nfts"}},
		{Name: "blockchain", Kind: KindConcept, Aliases: []string{"blockchain"}},
		{Name: "mining", Kind: KindConcept, Aliases: []string{"mining"}},
		{Name: "staking", Kind: KindConcept, Aliases: []string{"staking"}},
		{Name: "dao", Kind: KindConcept, Aliases: []string{"dao"}},
	}
}

// referencePhrases can stand in for a previously named entity. Longer
// phrases come first so "the cryptocurrency" wins over "the crypto".
var referencePhrases = []string{
	"the cryptocurrency",
	"the crypto",
	"the coin",
	"the token",
	"these",
	"those",
	"this",
	"that",
	"its",
	"it",
}
