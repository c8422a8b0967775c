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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// QuoteMeasurement is the InfluxDB measurement written for getData quotes.
const QuoteMeasurement = "crypto_prices"

// InfluxRecorder writes every fetched quote as a point so price history can
// be charted independently of the response cache.
type InfluxRecorder struct {
	writer api.WriteAPIBlocking
}

// NewInfluxRecorder writes into org/bucket through client.
func NewInfluxRecorder(client influxdb2.Client, org, bucket string) *InfluxRecorder {
	return &InfluxRecorder{writer: client.WriteAPIBlocking(org, bucket)}
}

// RecordQuotes implements PriceRecorder.
func (r *InfluxRecorder) RecordQuotes(ctx context.Context, payload json.RawMessage, at time.Time) error {
	points, err := QuotePoints(payload, at)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	if err := r.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d quote points: %w", len(points), err)
	}
	return nil
}

// flexFloat accepts JSON numbers and numeric strings.
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f.v, f.ok = v, true
	return nil
}

type quote struct {
	Symbol    string    `json:"symbol"`
	Last      flexFloat `json:"last"`
	Lowest    flexFloat `json:"lowest"`
	Highest   flexFloat `json:"highest"`
	ChangePct flexFloat `json:"daily_change_percentage"`
}

type quotePayload struct {
	Symbols []quote `json:"symbols"`
}

// QuotePoints converts a getData payload into points tagged by symbol.
// Entries without a symbol or a last price are skipped.
func QuotePoints(payload json.RawMessage, at time.Time) ([]*write.Point, error) {
	var qp quotePayload
	if err := json.Unmarshal(payload, &qp); err != nil {
		return nil, fmt.Errorf("decode getData payload: %w", err)
	}
	var points []*write.Point
	for _, q := range qp.Symbols {
		if q.Symbol == "" || !q.Last.ok {
			continue
		}
		fields := map[string]interface{}{"last": q.Last.v}
		if q.Lowest.ok {
			fields["low"] = q.Lowest.v
		}
		if q.Highest.ok {
			fields["high"] = q.Highest.v
		}
		if q.ChangePct.ok {
			fields["change_pct"] = q.ChangePct.v
		}
		points = append(points, influxdb2.NewPoint(
			QuoteMeasurement,
			map[string]string{"symbol": strings.ToUpper(q.Symbol)},
			fields,
			at,
		))
	}
	return points, nil
}
