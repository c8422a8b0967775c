// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/GroundedCrypto/pkg/ux"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/agent"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/ratelimit"
)

// renderResponse prints an answer, refusal or failure. streamed means the
// text was already printed fragment by fragment.
func renderResponse(p *ux.Printer, resp datatypes.Response, streamed bool) {
	switch {
	case resp.Failed():
		if !streamed {
			p.Error(resp.Text)
		}
		p.Muted("error: " + resp.Error)
		return
	case resp.Refused:
		if !streamed {
			p.Box("Cannot answer", resp.Text, ux.Styles.WarningBox)
		}
		p.Muted("refusal: " + string(resp.RefusalKind))
		return
	}

	if !streamed {
		p.Printf("%s\n", resp.Text)
	}
	if len(resp.Sources) > 0 {
		p.Printf("\n")
		p.Title("Sources")
		for i, s := range resp.Sources {
			p.Printf("  [%d] %s\n", i+1, sourceLine(s))
		}
	}
	p.Printf("\n")
	p.KeyValues([][2]string{{"confidence", confidenceLine(resp.Confidence)}})
	if resp.LowConfidence {
		p.Warning("Low confidence: verify against the sources above")
	}
	for _, f := range resp.APIFailures {
		p.Warning(fmt.Sprintf("%s %s: %s", f.Endpoint, f.Kind, f.Reason))
	}
}

func sourceLine(s datatypes.Source) string {
	if s.Kind == datatypes.SourceAPI {
		line := "Market data: " + s.Endpoint
		if s.Timestamp != "" {
			line += " @ " + s.Timestamp
		}
		return line
	}
	return fmt.Sprintf("%s (%s, similarity %.2f)", s.Title, s.Category, s.Similarity)
}

func confidenceLine(c float64) string {
	return fmt.Sprintf("%s %.2f", ux.ProgressBar(int(c*100+0.5), 100, 20), c)
}

func renderStats(p *ux.Printer, st agent.Stats) {
	pairs := [][2]string{{"active sessions", fmt.Sprint(st.Sessions)}}
	if st.Cache != nil {
		pairs = append(pairs, cachePairs(*st.Cache)...)
	}
	if st.Quota != nil {
		pairs = append(pairs, quotaPairs(*st.Quota)...)
	}
	p.KeyValues(pairs)
}

func cachePairs(c cache.Stats) [][2]string {
	pairs := [][2]string{
		{"cache entries", fmt.Sprintf("%d (%d active, %d expired)", c.TotalEntries, c.ActiveEntries, c.ExpiredEntries)},
		{"cache hits", fmt.Sprint(c.TotalHits)},
	}
	if len(c.TopEndpoints) > 0 {
		top := make([]string, len(c.TopEndpoints))
		for i, e := range c.TopEndpoints {
			top[i] = fmt.Sprintf("%s=%d", e.Endpoint, e.Hits)
		}
		pairs = append(pairs, [2]string{"top endpoints", strings.Join(top, ", ")})
	}
	return pairs
}

func quotaPairs(q ratelimit.Usage) [][2]string {
	return [][2]string{
		{"quota used", fmt.Sprintf("%d / %d (%.1f%%)", q.RequestCount, q.MonthlyLimit, q.PercentageUsed)},
		{"quota resets", q.ResetDate.Format("2006-01-02")},
	}
}
