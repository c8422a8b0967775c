// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation holds input checks shared by the market client and the
// HTTP layer.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// symbolPattern matches crypto asset tickers: BTC, ETH, 1INCH, USDC.E.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.]{0,11}$`)

// ValidateSymbol rejects anything that cannot be a ticker. Symbols end up in
// query strings and InfluxDB tags, so this runs before either.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid symbol format: %q (must be 1-12 uppercase alphanumeric chars or dots)", symbol)
	}
	return nil
}

// SanitizeSymbol uppercases and trims symbol, then validates it.
func SanitizeSymbol(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if err := ValidateSymbol(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// SanitizeSymbols applies SanitizeSymbol to each entry, dropping duplicates
// while keeping first-seen order. All invalid inputs are reported together.
func SanitizeSymbols(symbols []string) ([]string, error) {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	var invalid []string
	for _, s := range symbols {
		clean, err := SanitizeSymbol(s)
		if err != nil {
			invalid = append(invalid, s)
			continue
		}
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	if len(invalid) > 0 {
		return out, fmt.Errorf("invalid symbols: %v", invalid)
	}
	return out, nil
}
