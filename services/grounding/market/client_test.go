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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

type staticKey string

func (k staticKey) Reveal() (string, error) { return string(k), nil }

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	var waits []time.Duration
	opts = append([]Option{WithBaseURL(srv.URL), WithRateLimit(0, 0)}, opts...)
	c := NewClient(opts...)
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestEndpointTable(t *testing.T) {
	all := Endpoints()
	require.Len(t, all, 14)

	tests := []struct {
		name     Endpoint
		ttl      time.Duration
		needsSym bool
	}{
		{EndpointCryptoList, 24 * time.Hour, false},
		{EndpointData, time.Minute, true},
		{EndpointTop, 5 * time.Minute, false},
		{EndpointHistory, time.Hour, true},
		{EndpointTechnicalAnalysis, 5 * time.Minute, true},
		{EndpointFearGreed, time.Hour, false},
		{EndpointSocialSentiment, 10 * time.Minute, true},
		{EndpointBlockchainStats, 10 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			spec, ok := Lookup(string(tt.name))
			require.True(t, ok)
			assert.Equal(t, tt.name, spec.Name)
			assert.Equal(t, tt.ttl, spec.TTL)
			assert.Equal(t, tt.needsSym, spec.RequiresSymbol())
		})
	}
	_, ok := Lookup("getEverything")
	assert.False(t, ok)
}

func TestHandlerTableCoversEveryEndpoint(t *testing.T) {
	c := NewClient()
	for _, spec := range Endpoints() {
		_, ok := c.handlers[spec.Name]
		assert.True(t, ok, "missing handler for %s", spec.Name)
	}
	assert.Len(t, c.handlers, len(Endpoints()))
}

func TestNormalizeSymbol(t *testing.T) {
	tests := map[string]string{
		"bitcoin":       "BTC",
		"Ether":         "ETH",
		"binance  coin": "BNB",
		"tron":          "TRX",
		"stellar":       "XLM",
		" pepe ":        "PEPE",
		"sol":           "SOL",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSymbol(in), in)
	}
	assert.Equal(t, []string{"BTC", "ETH"}, NormalizeSymbols([]string{"bitcoin", "BTC", "", "eth"}))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(6))
}

func TestCall_Success(t *testing.T) {
	var gotQuery, gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getData", r.URL.Path)
		gotQuery = r.URL.Query().Get("symbols")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"success","symbols":[{"symbol":"BTC","last":"64000.5"}]}`))
	}, WithAPIKey(staticKey("k-123")))
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	resp, err := c.Call(context.Background(), "getData", map[string]string{"symbols": "bitcoin,eth"})
	require.NoError(t, err)
	assert.Equal(t, "BTC,ETH", gotQuery)
	assert.Equal(t, "Bearer k-123", gotAuth)
	assert.Equal(t, "getData", resp.Endpoint)
	assert.Equal(t, fixed, resp.Timestamp)
	assert.True(t, json.Valid(resp.Data))
}

func TestCall_RejectsUnknownAndInvalid(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	_, err := c.Call(ctx, "getMoon", nil)
	assert.ErrorIs(t, err, datatypes.ErrUnknownEndpoint)

	_, err = c.Call(ctx, "getTechnicalAnalysis", nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = c.Call(ctx, "getHistory", map[string]string{"symbol": "not a symbol!"})
	assert.ErrorIs(t, err, ErrInvalidParams)

	assert.Zero(t, hits.Load(), "invalid calls never reach the network")
}

func TestCall_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"value":42}`))
	})

	resp, err := c.Call(context.Background(), "getFearGreed", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":42}`, string(resp.Data))
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
}

func TestCall_MalformedJSONIsRetriedThenExternalError(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"broken":`))
	})

	_, err := c.Call(context.Background(), "getGlobalData", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrExternalFailure)
	var ext *datatypes.ExternalError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, 3, ext.Attempts)
	assert.EqualValues(t, 3, hits.Load())
}

func TestCall_ClientErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request", http.StatusBadRequest, datatypes.ErrExternalFailure},
		{"too many requests", http.StatusTooManyRequests, datatypes.ErrRateLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
			})
			_, err := c.Call(context.Background(), "getTrending", nil)
			assert.ErrorIs(t, err, tt.want)
			assert.EqualValues(t, 1, hits.Load())
			assert.Empty(t, *waits)
		})
	}
}

func TestCall_ContextCancelStopsRetries(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := c.Call(ctx, "getTrending", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type recorderFunc func(ctx context.Context, payload json.RawMessage, at time.Time) error

func (f recorderFunc) RecordQuotes(ctx context.Context, payload json.RawMessage, at time.Time) error {
	return f(ctx, payload, at)
}

func TestGetData_ForwardsToRecorder(t *testing.T) {
	var mu sync.Mutex
	var recorded json.RawMessage
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"ETH","last":3000}]}`))
	}, WithRecorder(recorderFunc(func(_ context.Context, p json.RawMessage, _ time.Time) error {
		mu.Lock()
		recorded = p
		mu.Unlock()
		return nil
	})))

	_, err := c.GetData(context.Background(), []string{"ethereum"})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"symbols":[{"symbol":"ETH","last":3000}]}`, string(recorded))
}

func TestQuotePoints(t *testing.T) {
	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"symbols":[
		{"symbol":"btc","last":"64000.5","lowest":63000,"highest":"65000","daily_change_percentage":"-1.5"},
		{"symbol":"","last":1},
		{"symbol":"ETH","last":null}
	]}`)

	points, err := QuotePoints(payload, at)
	require.NoError(t, err)
	require.Len(t, points, 1)
	p := points[0]
	assert.Equal(t, QuoteMeasurement, p.Name())
	require.Len(t, p.TagList(), 1)
	assert.Equal(t, "BTC", p.TagList()[0].Value)
	assert.Len(t, p.FieldList(), 4)
	assert.Equal(t, at, p.Time())

	_, err = QuotePoints(json.RawMessage(`[1,2]`), at)
	assert.Error(t, err)
}
