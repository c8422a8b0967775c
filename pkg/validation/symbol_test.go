// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"reflect"
	"testing"
)

func TestValidateSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		wantErr bool
	}{
		{"bitcoin", "BTC", false},
		{"digit prefix", "1INCH", false},
		{"bridged", "USDC.E", false},
		{"empty", "", true},
		{"lowercase", "btc", true},
		{"injection", `BTC") |> drop()`, true},
		{"too long", "ABCDEFGHIJKLM", true},
		{"leading dot", ".BTC", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSymbol(%q) error = %v, wantErr %v", tt.symbol, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeSymbol(t *testing.T) {
	got, err := SanitizeSymbol("  eth ")
	if err != nil {
		t.Fatalf("SanitizeSymbol: %v", err)
	}
	if got != "ETH" {
		t.Errorf("SanitizeSymbol = %q, want ETH", got)
	}
}

func TestSanitizeSymbols_DedupAndReport(t *testing.T) {
	got, err := SanitizeSymbols([]string{"btc", "BTC", "eth", "bad symbol"})
	if err == nil {
		t.Fatal("expected error for invalid symbol")
	}
	if want := []string{"BTC", "ETH"}; !reflect.DeepEqual(got, want) {
		t.Errorf("SanitizeSymbols = %v, want %v", got, want)
	}
}
