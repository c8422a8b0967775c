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
	"sort"
	"strings"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

// SystemPrompt fixes the grounding rules for every generation.
const SystemPrompt = `You are a cryptocurrency knowledge assistant. You answer questions about cryptocurrencies and blockchain technology using verified information only.

RULES:
1. Answer only from the sources supplied below:
   - Knowledge base passages, marked [KB Source]
   - Market data, marked [API Source]
   Conversation history is context for resolving references, never a source.

2. Cite every fact inline:
   - Knowledge base: [Source: <document title>, Similarity: <score>]
   - Market data: [Source: FreeCryptoAPI <endpoint>, Timestamp: <time>]

3. When the sources do not cover the question, reply exactly:
   "` + RefusalSentence + `"
   You may then list related topics you can help with.

4. Never speculate, give investment advice, predict prices, use hedging language without a citation, or answer outside the cryptocurrency domain.

5. Real-time questions (prices, volume, market cap) use market data only and always state its timestamp. Conceptual questions use knowledge base passages only and include their similarity score.

6. Keep knowledge-base facts and market-data facts clearly separated when a question needs both.

End with a "Sources Used:" list. Saying you do not know is always better than an unverified answer.`

// RefusalSentence is the phrase the generator is told to use when the
// evidence does not cover the question.
const RefusalSentence = "I don't have verified information about that topic in my knowledge base or current data sources."

// GenericErrorText replaces the answer when generation fails.
const GenericErrorText = "I encountered an error while generating a response. Please try again."

// Section headers and notes used by the assembler.
const (
	kbHeader           = "=== Knowledge Base Sources ==="
	apiHeader          = "=== API Data Sources ==="
	conversationHeader = "=== Conversation History ==="
	conversationNote   = "Note: Use conversation history for entity resolution and context, but do NOT cite it as a source."
	closingInstruction = "Based on the above sources, provide an accurate answer with proper citations."
)

// defaultTopics are suggested when no retrieved category is available.
var defaultTopics = []string{"Bitcoin", "Ethereum", "DeFi", "Blockchain"}

const refusalOutOfScope = `I don't have verified information about that topic. I specialize in cryptocurrency and blockchain technology.

I can help you with:
- Cryptocurrency concepts (Bitcoin, Ethereum, DeFi, etc.)
- Blockchain technology explanations
- Current cryptocurrency prices and market data
- Technical analysis indicators

Would you like to know about any of these topics?`

const refusalNoKBMatch = `I don't have verified information about that specific topic in my knowledge base.

Here are some related topics I can help with:
%s

Would you like to know about any of these instead?`

const refusalInvestmentAdvice = `I cannot provide investment advice or predict future prices. I can only provide:
- Factual information about cryptocurrencies and blockchain technology
- Current market data (prices, volumes, market cap)
- Technical analysis indicators (with explanations)
- Historical data and trends

Would you like factual information about any specific cryptocurrency instead?`

const refusalMalformedAPI = `I received market data I could not verify (%s), so I won't report it.

Please try again in a moment. I can still answer conceptual questions from my knowledge base.`

const refusalRateLimited = `The market data quota for this period is exhausted, so I can't fetch live figures right now. It resets on the first day of next month.

I can still answer conceptual questions from my knowledge base.`

// RefusalText renders the template for a refusal kind.
//
// # Inputs
//
//   - v: The evidence verdict that triggered the refusal.
//   - chunks: Retrieved chunks, used to suggest topics on a knowledge-base miss.
func RefusalText(v *datatypes.ValidationResult, chunks []datatypes.Chunk) string {
	switch v.RefusalKind {
	case datatypes.RefusalOutOfScope:
		return refusalOutOfScope
	case datatypes.RefusalInvestmentAdvice:
		return refusalInvestmentAdvice
	case datatypes.RefusalMalformedAPI:
		return fmt.Sprintf(refusalMalformedAPI, strings.ToLower(v.RefusalReason))
	case datatypes.RefusalRateLimited:
		return refusalRateLimited
	}
	if r, ok := v.LayerFor(datatypes.LayerRetrievalQuality); ok && !r.Valid {
		return fmt.Sprintf(refusalNoKBMatch, suggestedTopics(chunks))
	}
	return fmt.Sprintf("I don't have verified information about that topic. %s.", strings.TrimSuffix(v.RefusalReason, "."))
}

func suggestedTopics(chunks []datatypes.Chunk) string {
	seen := make(map[string]struct{})
	var topics []string
	for _, c := range chunks {
		if c.Category == "" {
			continue
		}
		if _, dup := seen[c.Category]; dup {
			continue
		}
		seen[c.Category] = struct{}{}
		topics = append(topics, c.Category)
	}
	if len(topics) == 0 {
		topics = defaultTopics
	} else {
		sort.Strings(topics)
	}
	return "- " + strings.Join(topics, "\n- ")
}
