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

import (
	"fmt"
	"sort"
	"time"
)

// DefaultBaseURL is the FreeCryptoAPI v1 root.
const DefaultBaseURL = "https://freecryptoapi.com/api/v1"

// Endpoint names a market-data operation.
type Endpoint string

const (
	EndpointCryptoList        Endpoint = "getCryptoList"
	EndpointData              Endpoint = "getData"
	EndpointTop               Endpoint = "getTop"
	EndpointHistory           Endpoint = "getHistory"
	EndpointTechnicalAnalysis Endpoint = "getTechnicalAnalysis"
	EndpointFearGreed         Endpoint = "getFearGreed"
	EndpointGlobalData        Endpoint = "getGlobalData"
	EndpointTrending          Endpoint = "getTrending"
	EndpointExchanges         Endpoint = "getExchanges"
	EndpointNews              Endpoint = "getNews"
	EndpointSocialSentiment   Endpoint = "getSocialSentiment"
	EndpointDefiProtocols     Endpoint = "getDefiProtocols"
	EndpointNFTData           Endpoint = "getNFTData"
	EndpointBlockchainStats   Endpoint = "getBlockchainStats"
)

// EndpointSpec describes one endpoint.
type EndpointSpec struct {
	Name        Endpoint
	Path        string
	TTL         time.Duration
	Params      []string
	Required    []string
	Description string
}

// RequiresSymbol reports whether the endpoint cannot be called without a
// ticker symbol.
func (s EndpointSpec) RequiresSymbol() bool {
	for _, p := range s.Required {
		if p == "symbol" || p == "symbols" {
			return true
		}
	}
	return false
}

// CheckParams verifies every required parameter is present and non-empty.
func (s EndpointSpec) CheckParams(params map[string]string) error {
	for _, p := range s.Required {
		if params[p] == "" {
			return fmt.Errorf("%s requires parameter %q", s.Name, p)
		}
	}
	return nil
}

var endpointTable = map[Endpoint]EndpointSpec{
	EndpointCryptoList: {
		Path: "/getCryptoList", TTL: 24 * time.Hour,
		Description: "List all available cryptocurrencies",
	},
	EndpointData: {
		Path: "/getData", TTL: time.Minute,
		Params: []string{"symbols"}, Required: []string{"symbols"},
		Description: "Current price and market data",
	},
	EndpointTop: {
		Path: "/getTop", TTL: 5 * time.Minute,
		Params:      []string{"limit"},
		Description: "Top cryptocurrencies by market cap",
	},
	EndpointHistory: {
		Path: "/getHistory", TTL: time.Hour,
		Params: []string{"symbol", "days"}, Required: []string{"symbol"},
		Description: "Historical OHLCV data",
	},
	EndpointTechnicalAnalysis: {
		Path: "/getTechnicalAnalysis", TTL: 5 * time.Minute,
		Params: []string{"symbol"}, Required: []string{"symbol"},
		Description: "Technical indicators such as RSI and MACD",
	},
	EndpointFearGreed: {
		Path: "/getFearGreed", TTL: time.Hour,
		Description: "Fear and Greed Index",
	},
	EndpointGlobalData: {
		Path: "/getGlobalData", TTL: 5 * time.Minute,
		Description: "Global market statistics",
	},
	EndpointTrending: {
		Path: "/getTrending", TTL: 10 * time.Minute,
		Description: "Trending cryptocurrencies",
	},
	EndpointExchanges: {
		Path: "/getExchanges", TTL: time.Hour,
		Description: "Exchange listings",
	},
	EndpointNews: {
		Path: "/getNews", TTL: 10 * time.Minute,
		Params:      []string{"limit"},
		Description: "Latest news articles",
	},
	EndpointSocialSentiment: {
		Path: "/getSocialSentiment", TTL: 10 * time.Minute,
		Params: []string{"symbol"}, Required: []string{"symbol"},
		Description: "Social media sentiment",
	},
	EndpointDefiProtocols: {
		Path: "/getDefiProtocols", TTL: time.Hour,
		Description: "DeFi protocol statistics",
	},
	EndpointNFTData: {
		Path: "/getNFTData", TTL: 10 * time.Minute,
		Description: "NFT market data",
	},
	EndpointBlockchainStats: {
		Path: "/getBlockchainStats", TTL: 10 * time.Minute,
		Params: []string{"blockchain"}, Required: []string{"blockchain"},
		Description: "Blockchain network statistics",
	},
}

func init() {
	for name, spec := range endpointTable {
		spec.Name = name
		endpointTable[name] = spec
	}
}

// Lookup returns the spec for name.
func Lookup(name string) (EndpointSpec, bool) {
	s, ok := endpointTable[Endpoint(name)]
	return s, ok
}

// Endpoints returns every spec ordered by name.
func Endpoints() []EndpointSpec {
	out := make([]EndpointSpec, 0, len(endpointTable))
	for _, s := range endpointTable {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
