// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools decides which evidence sources a question needs and gathers
// them: knowledge-base retrieval and cached, quota-checked market-data calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/market"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/observability"
)

var tracer = otel.Tracer("groundedcrypto.tools")

const (
	// DefaultTopK is the number of chunks handed to the guard.
	DefaultTopK = 5

	// DefaultParallelCalls bounds concurrent market-data requests.
	DefaultParallelCalls = 4

	// RealTimeTopLimit is the getTop limit used when no symbol was named.
	RealTimeTopLimit = 10

	// HistoryDays is the lookback for historical questions.
	HistoryDays = 30
)

// =============================================================================
// Collaborators
// =============================================================================

// Retriever returns the k most similar chunks for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]datatypes.Chunk, error)
}

// Reranker reorders retrieval candidates. It may set RerankScore but must
// leave Similarity untouched.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []datatypes.Chunk) ([]datatypes.Chunk, error)
}

// MarketCaller performs one market-data call. market.Client implements it.
type MarketCaller interface {
	Call(ctx context.Context, endpoint string, params map[string]string) (*datatypes.APIResponse, error)
}

// Quota reserves and refunds units of the monthly market-data allowance.
// ratelimit.Limiter implements it.
type Quota interface {
	Reserve(ctx context.Context) (int, error)
	Release(ctx context.Context) error
}

// =============================================================================
// Plan
// =============================================================================

// EndpointCall is one planned market-data request.
type EndpointCall struct {
	Endpoint market.Endpoint  `json:"endpoint"`
	Params   map[string]string `json:"params,omitempty"`
}

// RoutingPlan is the output of Route.
type RoutingPlan struct {
	UseKB   bool                   `json:"use_kb"`
	UseAPI  bool                   `json:"use_api"`
	Calls   []EndpointCall         `json:"calls"`
	Skipped []datatypes.APIFailure `json:"skipped,omitempty"`
}

// Route maps an analysis onto evidence sources. It performs no I/O.
func Route(a datatypes.QueryAnalysis) RoutingPlan {
	var plan RoutingPlan
	switch a.Type {
	case datatypes.QueryConceptual, datatypes.QueryGeneral:
		plan.UseKB = true

	case datatypes.QueryRealTime:
		plan.UseAPI = true
		if a.HasSymbols() {
			plan.Calls = append(plan.Calls, EndpointCall{
				Endpoint: market.EndpointData,
				Params:   map[string]string{"symbols": strings.Join(a.Symbols, ",")},
			})
		} else {
			plan.Calls = append(plan.Calls, EndpointCall{
				Endpoint: market.EndpointTop,
				Params:   map[string]string{"limit": strconv.Itoa(RealTimeTopLimit)},
			})
		}

	case datatypes.QueryTechnical:
		plan.UseKB, plan.UseAPI = true, true
		plan.perSymbol(a.Symbols, market.EndpointTechnicalAnalysis, nil)

	case datatypes.QueryHistorical:
		plan.UseKB, plan.UseAPI = true, true
		plan.perSymbol(a.Symbols, market.EndpointHistory, map[string]string{"days": strconv.Itoa(HistoryDays)})
	}
	return plan
}

func (p *RoutingPlan) perSymbol(symbols []string, ep market.Endpoint, extra map[string]string) {
	if len(symbols) == 0 {
		slog.Info("No symbol for symbol-scoped endpoint, skipping", "endpoint", ep)
		p.Skipped = append(p.Skipped, datatypes.APIFailure{
			Endpoint: string(ep),
			Kind:     datatypes.FailureSkipped,
			Reason:   "no symbol in query",
		})
		return
	}
	for _, s := range symbols {
		params := map[string]string{"symbol": s}
		for k, v := range extra {
			params[k] = v
		}
		p.Calls = append(p.Calls, EndpointCall{Endpoint: ep, Params: params})
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator executes routing plans.
//
// # Thread Safety
//
// Safe for concurrent use when its collaborators are.
type Orchestrator struct {
	retriever Retriever
	reranker  Reranker
	market    MarketCaller
	cache     *cache.Cache
	quota     Quota
	metrics   *observability.Metrics
	parallel  int
	topK      atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReranker enables a rerank pass over 2×topK candidates.
func WithReranker(r Reranker) Option { return func(o *Orchestrator) { o.reranker = r } }

// WithCache serves market data through c.
func WithCache(c *cache.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithQuota takes a reservation before every uncached market call.
func WithQuota(q Quota) Option { return func(o *Orchestrator) { o.quota = q } }

// WithMetrics records per-endpoint outcomes.
func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithParallelCalls bounds concurrent market requests.
func WithParallelCalls(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallel = n
		}
	}
}

// WithTopK sets the number of chunks Orchestrate retrieves.
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		o.SetTopK(k)
	}
}

// New creates an Orchestrator. Either collaborator may be nil, in which case
// the matching evidence source yields nothing.
func New(retriever Retriever, caller MarketCaller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		retriever: retriever,
		market:    caller,
		parallel:  DefaultParallelCalls,
	}
	o.topK.Store(DefaultTopK)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TopK returns the number of chunks Orchestrate retrieves.
func (o *Orchestrator) TopK() int { return int(o.topK.Load()) }

// SetTopK changes the retrieval depth. Non-positive values are ignored.
func (o *Orchestrator) SetTopK(k int) {
	if k > 0 {
		o.topK.Store(int64(k))
	}
}

// ExecuteKB retrieves up to topK chunks.
//
// # Description
//
// Fetches 2×topK candidates, reranks them when a reranker is configured, and
// truncates to topK. An empty result is not an error; the retrieval layer of
// the guard decides what that means. A failed rerank falls back to the
// retrieval order.
func (o *Orchestrator) ExecuteKB(ctx context.Context, query string, topK int) ([]datatypes.Chunk, error) {
	if o.retriever == nil {
		return nil, nil
	}
	if topK < 1 {
		topK = o.TopK()
	}
	ctx, span := tracer.Start(ctx, "tools.ExecuteKB")
	defer span.End()
	span.SetAttributes(attribute.Int("kb.top_k", topK))

	candidates, err := o.retriever.Retrieve(ctx, query, 2*topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, fmt.Errorf("knowledge retrieval: %w", err)
	}

	if o.reranker != nil && len(candidates) > 1 {
		reranked, err := o.reranker.Rerank(ctx, query, candidates)
		if err != nil {
			slog.Warn("Rerank failed, keeping retrieval order", "error", err)
		} else {
			candidates = reranked
		}
	}

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	span.SetAttributes(attribute.Int("kb.chunks", len(candidates)))
	slog.Info("KB retrieval complete", "chunks", len(candidates))
	return candidates, nil
}

// ExecuteAPI runs the planned calls concurrently.
//
// # Description
//
// Each call goes through the cache; on a miss a quota unit is reserved, the
// endpoint is called and the response is written back. Concurrent identical
// calls share one fetch. A reservation is refunded when the call fails for
// any reason other than the API itself reporting the quota as spent.
//
// # Outputs
//
//   - []datatypes.APIResponse: Successful responses in plan order.
//   - []datatypes.APIFailure: One entry per failed call, in plan order.
func (o *Orchestrator) ExecuteAPI(ctx context.Context, calls []EndpointCall) ([]datatypes.APIResponse, []datatypes.APIFailure) {
	if len(calls) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "tools.ExecuteAPI")
	defer span.End()
	span.SetAttributes(attribute.Int("api.calls", len(calls)))

	type outcome struct {
		resp *datatypes.APIResponse
		fail *datatypes.APIFailure
	}
	results := make([]outcome, len(calls))

	var g errgroup.Group
	g.SetLimit(o.parallel)
	for i, call := range calls {
		g.Go(func() error {
			resp, err := o.executeOne(ctx, call)
			if err != nil {
				f := classify(call.Endpoint, err)
				slog.Warn("Market call failed", "endpoint", call.Endpoint, "kind", f.Kind, "error", err)
				o.metrics.RecordAPICall(string(call.Endpoint), string(f.Kind))
				results[i].fail = &f
				return nil
			}
			label := "ok"
			if resp.Cached {
				label = "cached"
			}
			o.metrics.RecordAPICall(string(call.Endpoint), label)
			results[i].resp = resp
			return nil
		})
	}
	_ = g.Wait()

	var responses []datatypes.APIResponse
	var failures []datatypes.APIFailure
	for _, r := range results {
		if r.resp != nil {
			responses = append(responses, *r.resp)
		}
		if r.fail != nil {
			failures = append(failures, *r.fail)
		}
	}
	span.SetAttributes(
		attribute.Int("api.responses", len(responses)),
		attribute.Int("api.failures", len(failures)),
	)
	return responses, failures
}

func (o *Orchestrator) executeOne(ctx context.Context, call EndpointCall) (*datatypes.APIResponse, error) {
	if o.market == nil {
		return nil, fmt.Errorf("%w: no market client configured", datatypes.ErrExternalFailure)
	}
	spec, ok := market.Lookup(string(call.Endpoint))
	if !ok {
		return nil, fmt.Errorf("%w: %s", datatypes.ErrUnknownEndpoint, call.Endpoint)
	}
	if err := spec.CheckParams(call.Params); err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrInvalidParams, err)
	}

	fetch := func(ctx context.Context) ([]byte, error) {
		if o.quota != nil {
			if _, err := o.quota.Reserve(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := o.market.Call(ctx, string(call.Endpoint), call.Params)
		if err != nil {
			if o.quota != nil && !errors.Is(err, datatypes.ErrRateLimitExceeded) {
				if rerr := o.quota.Release(ctx); rerr != nil {
					slog.Warn("Quota refund failed", "endpoint", call.Endpoint, "error", rerr)
				}
			}
			return nil, err
		}
		return json.Marshal(resp)
	}

	if o.cache == nil {
		payload, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return decode(payload, false)
	}

	payload, hit, err := o.cache.GetOrFetch(ctx, string(call.Endpoint), call.Params, spec.TTL, fetch)
	if err != nil {
		return nil, err
	}
	return decode(payload, hit)
}

func decode(payload []byte, cached bool) (*datatypes.APIResponse, error) {
	var resp datatypes.APIResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	resp.Cached = cached
	return &resp, nil
}

func classify(ep market.Endpoint, err error) datatypes.APIFailure {
	f := datatypes.APIFailure{Endpoint: string(ep), Reason: err.Error(), Err: err}
	switch {
	case errors.Is(err, datatypes.ErrRateLimitExceeded):
		f.Kind = datatypes.FailureRateLimited
	case errors.Is(err, datatypes.ErrUnknownEndpoint), errors.Is(err, market.ErrInvalidParams):
		f.Kind = datatypes.FailureInvalid
	default:
		f.Kind = datatypes.FailureExternal
	}
	return f
}

// Orchestrate routes the analysis and gathers every evidence source it needs.
// Only a knowledge-base failure is returned as an error; market failures are
// carried in Evidence.Failures.
func (o *Orchestrator) Orchestrate(ctx context.Context, a datatypes.QueryAnalysis) (datatypes.Evidence, error) {
	ctx, span := tracer.Start(ctx, "tools.Orchestrate")
	defer span.End()

	plan := Route(a)
	span.SetAttributes(
		attribute.String("query.type", string(a.Type)),
		attribute.Bool("plan.kb", plan.UseKB),
		attribute.Int("plan.calls", len(plan.Calls)),
	)
	ev := datatypes.Evidence{KBUsed: plan.UseKB, APIUsed: plan.UseAPI}

	var g errgroup.Group
	if plan.UseKB {
		g.Go(func() error {
			chunks, err := o.ExecuteKB(ctx, a.Resolved, o.TopK())
			ev.Chunks = chunks
			return err
		})
	}
	var responses []datatypes.APIResponse
	var failures []datatypes.APIFailure
	if len(plan.Calls) > 0 {
		g.Go(func() error {
			responses, failures = o.ExecuteAPI(ctx, plan.Calls)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evidence gathering failed")
		return ev, err
	}

	ev.API = responses
	ev.Failures = append(append(ev.Failures, plan.Skipped...), failures...)
	return ev, nil
}
