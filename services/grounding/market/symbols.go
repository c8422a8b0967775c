// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package market

import "strings"

var symbolAliases = map[string]string{
	"bitcoin":      "BTC",
	"btc":          "BTC",
	"ethereum":     "ETH",
	"eth":          "ETH",
	"ether":        "ETH",
	"binance coin": "BNB",
	"bnb":          "BNB",
	"cardano":      "ADA",
	"ada":          "ADA",
	"ripple":       "XRP",
	"xrp":          "XRP",
	"solana":       "SOL",
	"sol":          "SOL",
	"polkadot":     "DOT",
	"dot":          "DOT",
	"dogecoin":     "DOGE",
	"doge":         "DOGE",
	"avalanche":    "AVAX",
	"avax":         "AVAX",
	"polygon":      "MATIC",
	"matic":        "MATIC",
	"chainlink":    "LINK",
	"link":         "LINK",
	"litecoin":     "LTC",
	"ltc":          "LTC",
	"tron":         "TRX",
	"trx":          "TRX",
	"stellar":      "XLM",
	"xlm":          "XLM",
}

// NormalizeSymbol maps a coin name or alias to its ticker. Unknown input is
// trimmed and uppercased.
func NormalizeSymbol(s string) string {
	key := strings.ToLower(strings.Join(strings.Fields(s), " "))
	if sym, ok := symbolAliases[key]; ok {
		return sym
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalises each entry, dropping blanks and duplicates
// while keeping first-seen order.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		sym := NormalizeSymbol(s)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
