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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/GroundedCrypto/pkg/secrets"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/agent"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/config"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/guard"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/knowledge"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/market"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/observability"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/ratelimit"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/response"
	badgerstore "github.com/AleutianAI/GroundedCrypto/services/grounding/storage/badger"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/storage/sqlite"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/tools"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

// Secret names, env vars and /run/secrets files.
const (
	marketKeyEnv  = "MARKET_API_KEY"
	marketKeyFile = "market_api_key"
	openAIKeyEnv  = "OPENAI_API_KEY"
	openAIKeyFile = "openai_api_key"
	influxEnv     = "INFLUX_TOKEN"
	influxFile    = "influx_token"
)

// modelBackend is what every provider client offers.
type modelBackend interface {
	llm.Generator
	llm.Embedder
	EmbeddingModel() string
}

// app lazily opens the resources a command needs and closes them in
// reverse order. Commands never share an app.
type app struct {
	cfg      config.Config
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store    *sqlite.Store
	backend  modelBackend
	embedder llm.Embedder
	weaviate *weaviate.Client
	limiter  *ratelimit.Limiter
	cache    *cache.Cache

	closers []func() error
}

func newApp(cfg config.Config) *app {
	reg := prometheus.NewRegistry()
	return &app{cfg: cfg, registry: reg, metrics: observability.New(reg)}
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases everything opened so far.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) sqliteStore() (*sqlite.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := sqlite.Open(a.cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.onClose(st.Close)
	a.store = st
	return st, nil
}

// models returns the generator and the embedder. The embedder goes through
// the badger cache when a badger dir is configured.
func (a *app) models() (llm.Generator, llm.Embedder, error) {
	if a.backend != nil {
		return a.backend, a.embedder, nil
	}
	lc := a.cfg.LLM
	var (
		b   modelBackend
		err error
	)
	switch lc.Provider {
	case "ollama":
		b, err = llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:        lc.OllamaURL,
			Model:          lc.Model,
			EmbeddingModel: lc.EmbeddingModel,
			Timeout:        lc.Timeout,
		})
	default:
		var key *secrets.Secret
		key, err = secrets.Load("openai api key", openAIKeyEnv, a.cfg.Secrets.Dir, openAIKeyFile)
		if err == nil {
			b, err = llm.NewOpenAIClient(llm.OpenAIConfig{
				Key:            key,
				Model:          lc.Model,
				EmbeddingModel: lc.EmbeddingModel,
				BaseURL:        lc.OpenAIBaseURL,
			})
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("init %s client: %w", lc.Provider, err)
	}

	var emb llm.Embedder = b
	if dir := a.cfg.Storage.BadgerDir; dir != "" {
		bcfg := badgerstore.DefaultConfig(dir)
		bcfg.Logger = slog.Default()
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open embedding cache: %w", err)
		}
		a.onClose(db.Close)
		emb = badgerstore.NewEmbeddingCache(db, b, b.EmbeddingModel(), a.cfg.Storage.EmbeddingCacheTTL)
	}
	a.backend, a.embedder = b, emb
	return b, emb, nil
}

func (a *app) weaviateClient(ctx context.Context) (*weaviate.Client, error) {
	if a.weaviate != nil {
		return a.weaviate, nil
	}
	c, err := weaviate.NewClient(weaviate.Config{Host: a.cfg.Weaviate.Host, Scheme: a.cfg.Weaviate.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	if err := knowledge.EnsureSchema(ctx, c); err != nil {
		return nil, err
	}
	a.weaviate = c
	return c, nil
}

func (a *app) quota() (*ratelimit.Limiter, error) {
	if a.limiter != nil {
		return a.limiter, nil
	}
	st, err := a.sqliteStore()
	if err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(sqlite.NewRateLimitStore(st), a.cfg.Market.APIName, a.cfg.Market.MonthlyLimit,
		ratelimit.WithMetrics(a.metrics))
	return a.limiter, nil
}

func (a *app) responseCache() (*cache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	st, err := a.sqliteStore()
	if err != nil {
		return nil, err
	}
	a.cache = cache.New(sqlite.NewCacheBackend(st),
		cache.WithCapacity(a.cfg.Cache.MaxEntries, a.cfg.Cache.EvictBatch),
		cache.WithMetrics(a.metrics))
	return a.cache, nil
}

// marketClient builds the market client. A missing API key is logged and
// the client runs unauthenticated.
func (a *app) marketClient() (*market.Client, error) {
	mc := a.cfg.Market
	opts := []market.Option{
		market.WithBaseURL(mc.BaseURL),
		market.WithHTTPClient(&http.Client{Timeout: mc.Timeout}),
		market.WithRateLimit(mc.RatePerSec, mc.RateBurst),
	}
	key, err := secrets.Load("market api key", marketKeyEnv, a.cfg.Secrets.Dir, marketKeyFile)
	switch {
	case err == nil:
		opts = append(opts, market.WithAPIKey(key))
	case errors.Is(err, secrets.ErrNotFound):
		slog.Warn("No market API key configured; requests are unauthenticated", "env", marketKeyEnv)
	default:
		return nil, err
	}

	if ic := a.cfg.Influx; ic.URL != "" {
		token, err := secrets.Load("influx token", influxEnv, a.cfg.Secrets.Dir, influxFile)
		if err != nil {
			return nil, err
		}
		raw, err := token.Reveal()
		if err != nil {
			return nil, err
		}
		client := influxdb2.NewClient(ic.URL, raw)
		a.onClose(func() error { client.Close(); return nil })
		opts = append(opts, market.WithRecorder(market.NewInfluxRecorder(client, ic.Org, ic.Bucket)))
		slog.Info("Recording prices to InfluxDB", "url", ic.URL, "bucket", ic.Bucket)
	}
	return market.NewClient(opts...), nil
}

// pipeline is the assembled question pipeline plus the handles the config
// watcher adjusts.
type pipeline struct {
	agent        *agent.Agent
	guard        *guard.Guard
	orchestrator *tools.Orchestrator
	coordinator  *response.Coordinator
	limiter      *ratelimit.Limiter
	cache        *cache.Cache
}

func (a *app) pipeline(ctx context.Context) (*pipeline, error) {
	gen, emb, err := a.models()
	if err != nil {
		return nil, err
	}
	wc, err := a.weaviateClient(ctx)
	if err != nil {
		return nil, err
	}
	limiter, err := a.quota()
	if err != nil {
		return nil, err
	}
	rc, err := a.responseCache()
	if err != nil {
		return nil, err
	}
	mc, err := a.marketClient()
	if err != nil {
		return nil, err
	}

	pc := a.cfg.Pipeline
	orchOpts := []tools.Option{
		tools.WithCache(rc),
		tools.WithQuota(limiter),
		tools.WithMetrics(a.metrics),
		tools.WithParallelCalls(pc.ParallelCalls),
		tools.WithTopK(pc.TopK),
	}
	if a.cfg.Rerank.URL != "" {
		orchOpts = append(orchOpts, tools.WithReranker(knowledge.NewHTTPReranker(a.cfg.Rerank.URL, a.cfg.Rerank.Timeout)))
	}
	orch := tools.New(knowledge.NewRetriever(emb, knowledge.NewWeaviateIndex(wc)), mc, orchOpts...)

	g := guard.New(emb, guard.WithSimilarityThreshold(pc.SimilarityThreshold))
	coord := response.NewCoordinator(gen, g,
		response.WithAssembler(response.NewAssembler(pc.TokenBudget)),
		response.WithGenerationParams(llm.GenerationParams{
			Temperature: a.cfg.LLM.Temperature,
			MaxTokens:   a.cfg.LLM.MaxTokens,
		}),
		response.WithMaxRegenerations(pc.MaxRegenerations),
		response.WithMetrics(a.metrics))

	ag := agent.New(orch, g, coord,
		agent.WithSessions(agent.NewSessionStore(pc.MaxTurns)),
		agent.WithCacheStats(rc),
		agent.WithQuotaStats(limiter),
		agent.WithMetrics(a.metrics),
		agent.WithContextTurns(pc.ContextTurns))

	return &pipeline{
		agent:        ag,
		guard:        g,
		orchestrator: orch,
		coordinator:  coord,
		limiter:      limiter,
		cache:        rc,
	}, nil
}

// tunable is implemented by *pipeline; the config watcher only needs this.
type tunable interface {
	apply(t config.Tunables)
}

// apply pushes hot-reloadable settings into the running pipeline.
func (p *pipeline) apply(t config.Tunables) {
	p.guard.SetThreshold(t.SimilarityThreshold)
	p.orchestrator.SetTopK(t.TopK)
	p.coordinator.SetMaxRegenerations(t.MaxRegenerations)
	p.limiter.SetMonthlyLimit(t.MonthlyLimit)
	slog.Info("Applied pipeline settings",
		"similarity_threshold", p.guard.Threshold(),
		"top_k", p.orchestrator.TopK(),
		"max_regenerations", p.coordinator.MaxRegenerations(),
		"monthly_limit", p.limiter.MonthlyLimit())
}
