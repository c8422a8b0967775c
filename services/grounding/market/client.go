// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package market is the FreeCryptoAPI client.
//
// # Description
//
// Every endpoint has a typed method (GetData, GetHistory, ...) and an entry
// in an explicit name-to-handler table used by Call, so orchestration code
// can dispatch by endpoint name without reflection. Requests are paced with
// a token bucket and retried with exponential backoff on transport errors,
// 5xx responses and malformed JSON. 4xx responses are returned immediately;
// 429 maps to datatypes.ErrRateLimitExceeded.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/GroundedCrypto/pkg/validation"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
)

var tracer = otel.Tracer("groundedcrypto.market")

// ErrInvalidParams marks a call rejected before any request was sent.
var ErrInvalidParams = errors.New("invalid endpoint parameters")

// Defaults applied when a param is absent.
const (
	DefaultTopLimit    = 200
	DefaultNewsLimit   = 10
	DefaultHistoryDays = 30
)

const (
	defaultTimeout      = 10 * time.Second
	maxResponseBytes    = 8 << 20
	defaultRatePerSec   = 5
	defaultRateBurst    = 5
	serviceNamePrefix   = "freecryptoapi/"
	authorizationHeader = "Authorization"
)

// KeySource yields the API key on demand so it can stay sealed at rest.
type KeySource interface {
	Reveal() (string, error)
}

// PriceRecorder receives successful getData payloads.
type PriceRecorder interface {
	RecordQuotes(ctx context.Context, payload json.RawMessage, at time.Time) error
}

// RetryPolicy controls attempts and exponential backoff.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is 3 attempts waiting 1s then 2s, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Second, Max: 10 * time.Second}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

type handlerFunc func(ctx context.Context, params map[string]string) (json.RawMessage, error)

// Client talks to FreeCryptoAPI.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	key      KeySource
	pacer    *rate.Limiter
	retry    RetryPolicy
	recorder PriceRecorder
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	handlers map[Endpoint]handlerFunc
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another host, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(k KeySource) Option {
	return func(c *Client) { c.key = k }
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.pacer = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.pacer = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		if p.Attempts > 0 {
			c.retry = p
		}
	}
}

// WithRecorder forwards getData payloads to r.
func WithRecorder(r PriceRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		pacer:   rate.NewLimiter(rate.Limit(defaultRatePerSec), defaultRateBurst),
		retry:   DefaultRetryPolicy(),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handlers = c.handlerTable()
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// handlerTable maps every endpoint name to its typed method.
func (c *Client) handlerTable() map[Endpoint]handlerFunc {
	noParams := func(ep Endpoint) handlerFunc {
		return func(ctx context.Context, _ map[string]string) (json.RawMessage, error) {
			return c.get(ctx, ep, nil)
		}
	}
	return map[Endpoint]handlerFunc{
		EndpointCryptoList: noParams(EndpointCryptoList),
		EndpointData: func(ctx context.Context, p map[string]string) (json.RawMessage, error) {
			return c.GetData(ctx, strings.Split(p["symbols"], ","))
		},
		EndpointTop: func(ctx context.Context, p map[string]string) (json.RawMessage, error) {
			return c.GetTop(ctx, intParam(p, "limit", DefaultTopLimit))
		},
		EndpointHistory: func(ctx context.Context, p map[string]string) (json.RawMessage, error) {
			return c.GetHistory(ctx, p["symbol"], intParam(p, "days", DefaultHistoryDays))
		},
		EndpointTechnicalAnalysis: func(ctx context.Context, p map[string]string) (json.RawMessage, error) {
			return c.GetTechnicalAnalysis(ctx, p["symbol"])
		},
		EndpointFearGreed:  noParams(EndpointFearGreed),
		EndpointGlobalData: noParams(EndpointGlobalData),
		EndpointTrending:   noParams(EndpointTrending),
		EndpointExchanges:  noParams(EndpointExchanges),
		EndpointNews: func(ctx context.Context, p map[string]string) (json.RawMessage, error) {
			return c.GetNews(ctx, intParam(p, "limit", DefaultNewsLimit))
		},
		EndpointSocialSentiment: func(ctx context.Context, p map[string]string) (json.RawMessage, error) {
			return c.GetSocialSentiment(ctx, p["symbol"])
		},
		EndpointDefiProtocols: noParams(EndpointDefiProtocols),
		EndpointNFTData:       noParams(EndpointNFTData),
		EndpointBlockchainStats: func(ctx context.Context, p map[string]string) (json.RawMessage, error) {
			return c.GetBlockchainStats(ctx, p["blockchain"])
		},
	}
}

func intParam(p map[string]string, name string, def int) int {
	if v, err := strconv.Atoi(p[name]); err == nil && v > 0 {
		return v
	}
	return def
}

// Call dispatches by endpoint name.
//
// # Outputs
//
//   - *datatypes.APIResponse: Raw JSON data stamped with the fetch time.
//   - error: datatypes.ErrUnknownEndpoint, ErrInvalidParams,
//     datatypes.ErrRateLimitExceeded or a *datatypes.ExternalError.
func (c *Client) Call(ctx context.Context, endpoint string, params map[string]string) (*datatypes.APIResponse, error) {
	ep := Endpoint(endpoint)
	h, ok := c.handlers[ep]
	if !ok {
		return nil, fmt.Errorf("%w: %s", datatypes.ErrUnknownEndpoint, endpoint)
	}
	if err := endpointTable[ep].CheckParams(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	data, err := h(ctx, params)
	if err != nil {
		return nil, err
	}
	return &datatypes.APIResponse{
		Endpoint:  endpoint,
		Params:    params,
		Data:      data,
		Timestamp: c.now().UTC(),
	}, nil
}

// =============================================================================
// Typed endpoint methods
// =============================================================================

// GetCryptoList lists supported assets.
func (c *Client) GetCryptoList(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointCryptoList, nil)
}

// GetData fetches current quotes. Names and aliases are normalised to
// tickers before the request.
func (c *Client) GetData(ctx context.Context, symbols []string) (json.RawMessage, error) {
	clean, err := validation.SanitizeSymbols(NormalizeSymbols(symbols))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("%w: getData requires at least one symbol", ErrInvalidParams)
	}
	data, err := c.get(ctx, EndpointData, map[string]string{"symbols": strings.Join(clean, ",")})
	if err != nil {
		return nil, err
	}
	if c.recorder != nil {
		if rerr := c.recorder.RecordQuotes(ctx, data, c.now()); rerr != nil {
			slog.Warn("Failed to record quotes", "error", rerr)
		}
	}
	return data, nil
}

// GetTop fetches the top assets by market cap.
func (c *Client) GetTop(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.get(ctx, EndpointTop, map[string]string{"limit": strconv.Itoa(limit)})
}

// GetHistory fetches daily OHLCV for symbol.
func (c *Client) GetHistory(ctx context.Context, symbol string, days int) (json.RawMessage, error) {
	sym, err := c.symbol(symbol)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, EndpointHistory, map[string]string{"symbol": sym, "days": strconv.Itoa(days)})
}

// GetTechnicalAnalysis fetches indicators for symbol.
func (c *Client) GetTechnicalAnalysis(ctx context.Context, symbol string) (json.RawMessage, error) {
	sym, err := c.symbol(symbol)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, EndpointTechnicalAnalysis, map[string]string{"symbol": sym})
}

// GetFearGreed fetches the Fear and Greed Index.
func (c *Client) GetFearGreed(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointFearGreed, nil)
}

// GetGlobalData fetches market-wide totals.
func (c *Client) GetGlobalData(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointGlobalData, nil)
}

// GetTrending fetches trending assets.
func (c *Client) GetTrending(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointTrending, nil)
}

// GetExchanges lists exchanges.
func (c *Client) GetExchanges(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointExchanges, nil)
}

// GetNews fetches recent articles.
func (c *Client) GetNews(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.get(ctx, EndpointNews, map[string]string{"limit": strconv.Itoa(limit)})
}

// GetSocialSentiment fetches sentiment for symbol.
func (c *Client) GetSocialSentiment(ctx context.Context, symbol string) (json.RawMessage, error) {
	sym, err := c.symbol(symbol)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, EndpointSocialSentiment, map[string]string{"symbol": sym})
}

// GetDefiProtocols fetches DeFi protocol stats.
func (c *Client) GetDefiProtocols(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointDefiProtocols, nil)
}

// GetNFTData fetches NFT market data.
func (c *Client) GetNFTData(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, EndpointNFTData, nil)
}

// GetBlockchainStats fetches network stats for a chain name such as
// "bitcoin".
func (c *Client) GetBlockchainStats(ctx context.Context, blockchain string) (json.RawMessage, error) {
	blockchain = strings.ToLower(strings.TrimSpace(blockchain))
	if blockchain == "" {
		return nil, fmt.Errorf("%w: blockchain is required", ErrInvalidParams)
	}
	return c.get(ctx, EndpointBlockchainStats, map[string]string{"blockchain": blockchain})
}

func (c *Client) symbol(s string) (string, error) {
	sym, err := validation.SanitizeSymbol(NormalizeSymbol(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return sym, nil
}

// =============================================================================
// Transport
// =============================================================================

// permanentError stops the retry loop.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retryableError carries the HTTP status for the final ExternalError.
type retryableError struct {
	status int
	err    error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) get(ctx context.Context, ep Endpoint, params map[string]string) (json.RawMessage, error) {
	spec := endpointTable[ep]
	ctx, span := tracer.Start(ctx, "market.Call", trace.WithAttributes(
		attribute.String("market.endpoint", string(ep)),
	))
	defer span.End()

	target := c.baseURL + spec.Path
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	var lastErr error
	var lastStatus int
	attempts := 0
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		attempts = attempt
		if err := c.pacer.Wait(ctx); err != nil {
			span.RecordError(err)
			return nil, err
		}
		body, err := c.do(ctx, ep, target)
		if err == nil {
			span.SetAttributes(attribute.Int("market.attempts", attempt))
			return body, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			span.RecordError(perm.err)
			span.SetStatus(codes.Error, "non-retryable response")
			return nil, perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		lastErr = err
		var re *retryableError
		if errors.As(err, &re) {
			lastStatus = re.status
		}
		if attempt < c.retry.Attempts {
			wait := c.retry.Backoff(attempt)
			slog.Warn("Market request failed, retrying",
				"endpoint", ep, "attempt", attempt, "wait", wait, "error", err)
			if serr := c.sleep(ctx, wait); serr != nil {
				return nil, serr
			}
		}
	}

	ext := &datatypes.ExternalError{
		Service:  serviceNamePrefix + string(ep),
		Attempts: attempts,
		Status:   lastStatus,
		Err:      lastErr,
	}
	span.RecordError(ext)
	span.SetStatus(codes.Error, "retries exhausted")
	slog.Error("Market request failed", "endpoint", ep, "attempts", attempts, "error", lastErr)
	return nil, ext
}

func (c *Client) do(ctx context.Context, ep Endpoint, target string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &permanentError{err: fmt.Errorf("%w: %v", ErrInvalidParams, err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.key != nil {
		key, err := c.key.Reveal()
		if err != nil {
			return nil, &permanentError{err: fmt.Errorf("read api key: %w", err)}
		}
		if key != "" {
			req.Header.Set(authorizationHeader, "Bearer "+key)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &retryableError{status: resp.StatusCode, err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &permanentError{err: fmt.Errorf("upstream returned 429: %w", datatypes.ErrRateLimitExceeded)}
	case resp.StatusCode >= 500:
		return nil, &retryableError{status: resp.StatusCode, err: fmt.Errorf("upstream returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &permanentError{err: &datatypes.ExternalError{
			Service:  serviceNamePrefix + string(ep),
			Attempts: 1,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("client error: %s", truncate(string(body), 200)),
		}}
	}

	if !json.Valid(body) {
		return nil, &retryableError{status: resp.StatusCode, err: errors.New("malformed JSON response")}
	}
	return json.RawMessage(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
