// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores market-data responses keyed by endpoint and params
// with per-entry TTLs and batch LRU eviction.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/observability"
)

const (
	// DefaultMaxEntries is the capacity at which eviction starts.
	DefaultMaxEntries = 1000

	// DefaultEvictBatch is how many least-recently-accessed entries are
	// dropped per eviction.
	DefaultEvictBatch = 100

	// DefaultTopEndpoints is how many endpoints Stats ranks.
	DefaultTopEndpoints = 5

	// DefaultFetchTimeout bounds a shared fetch started by GetOrFetch.
	DefaultFetchTimeout = 30 * time.Second
)

// =============================================================================
// Types
// =============================================================================

// Entry is one cached payload.
type Entry struct {
	Key          string    `json:"cache_key"`
	Endpoint     string    `json:"endpoint"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	HitCount     int       `json:"hit_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Backend persists entries.
//
// # Description
//
// Each method is one atomic step with respect to the others:
//   - Lookup deletes an expired entry and reports a miss, otherwise bumps
//     HitCount and LastAccessed and returns the updated entry.
//   - Store evicts up to evictBatch least-recently-accessed entries when the
//     backend holds capacity or more entries, then inserts or replaces e.
//   - Entries may omit payloads.
type Backend interface {
	Lookup(ctx context.Context, key string, now time.Time) (Entry, bool, error)
	Store(ctx context.Context, e Entry, capacity, evictBatch int) error
	Entries(ctx context.Context) ([]Entry, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	DeleteAll(ctx context.Context) (int, error)
}

// EndpointHits is one row of the Stats ranking.
type EndpointHits struct {
	Endpoint string `json:"endpoint"`
	Hits     int    `json:"hits"`
}

// Stats summarises the cache.
type Stats struct {
	TotalEntries   int            `json:"total_entries"`
	ExpiredEntries int            `json:"expired_entries"`
	ActiveEntries  int            `json:"active_entries"`
	TotalHits      int            `json:"total_hits"`
	TopEndpoints   []EndpointHits `json:"top_endpoints"`
}

// FetchFunc produces a payload on a miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// =============================================================================
// Cache
// =============================================================================

// Cache is the market-data response cache.
//
// # Thread Safety
//
// Safe for concurrent use. GetOrFetch collapses concurrent misses for the
// same key into one FetchFunc call.
type Cache struct {
	backend      Backend
	maxEntries   int
	evictBatch   int
	fetchTimeout time.Duration
	now          func() time.Time
	flight       singleflight.Group
	metrics      *observability.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity sets max entries and eviction batch size.
func WithCapacity(maxEntries, evictBatch int) Option {
	return func(c *Cache) {
		if maxEntries > 0 {
			c.maxEntries = maxEntries
		}
		if evictBatch > 0 {
			c.evictBatch = evictBatch
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithMetrics counts hits and misses.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New wraps backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:      backend,
		maxEntries:   DefaultMaxEntries,
		evictBatch:   DefaultEvictBatch,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the cache key for an endpoint call.
//
// # Description
//
// SHA-256 over the endpoint name, followed by ":" and the JSON encoding of
// params when params is non-empty. encoding/json writes map keys in sorted
// order, so insertion order never changes the key.
func Key(endpoint string, params map[string]string) string {
	material := endpoint
	if len(params) > 0 {
		b, _ := json.Marshal(params)
		material += ":" + string(b)
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Get returns the payload for a live entry.
func (c *Cache) Get(ctx context.Context, endpoint string, params map[string]string) ([]byte, bool, error) {
	key := Key(endpoint, params)
	e, ok, err := c.backend.Lookup(ctx, key, c.now())
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup %s: %w", endpoint, err)
	}
	c.metrics.RecordCacheLookup(endpoint, ok)
	if !ok {
		return nil, false, nil
	}
	slog.Debug("Cache hit", "endpoint", endpoint, "hits", e.HitCount)
	return e.Payload, true, nil
}

// Set stores payload for ttl.
func (c *Cache) Set(ctx context.Context, endpoint string, params map[string]string, payload []byte, ttl time.Duration) error {
	now := c.now()
	e := Entry{
		Key:          Key(endpoint, params),
		Endpoint:     endpoint,
		Payload:      payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
	if err := c.backend.Store(ctx, e, c.maxEntries, c.evictBatch); err != nil {
		return fmt.Errorf("cache store %s: %w", endpoint, err)
	}
	return nil
}

// GetOrFetch returns a cached payload or calls fetch once per key no matter
// how many goroutines miss concurrently. The boolean reports a cache hit.
// A failed fetch is not cached.
//
// The shared fetch runs detached from any single caller's cancellation and
// is bounded by the fetch timeout. Each caller stops waiting when its own
// ctx ends.
func (c *Cache) GetOrFetch(ctx context.Context, endpoint string, params map[string]string, ttl time.Duration, fetch FetchFunc) ([]byte, bool, error) {
	if payload, ok, err := c.Get(ctx, endpoint, params); err != nil {
		slog.Warn("Cache read failed, fetching", "endpoint", endpoint, "error", err)
	} else if ok {
		return payload, true, nil
	}

	ch := c.flight.DoChan(Key(endpoint, params), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		payload, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(fctx, endpoint, params, payload, ttl); err != nil {
			slog.Warn("Cache write failed", "endpoint", endpoint, "error", err)
		}
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			slog.Debug("Collapsed concurrent fetch", "endpoint", endpoint)
		}
		return res.Val.([]byte), false, nil
	}
}

// Stats ranks the topN endpoints by cumulative hits. topN < 1 uses
// DefaultTopEndpoints.
func (c *Cache) Stats(ctx context.Context, topN int) (Stats, error) {
	if topN < 1 {
		topN = DefaultTopEndpoints
	}
	entries, err := c.backend.Entries(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}

	now := c.now()
	var s Stats
	byEndpoint := make(map[string]int)
	for _, e := range entries {
		s.TotalEntries++
		if e.Expired(now) {
			s.ExpiredEntries++
		}
		s.TotalHits += e.HitCount
		byEndpoint[e.Endpoint] += e.HitCount
	}
	s.ActiveEntries = s.TotalEntries - s.ExpiredEntries

	for ep, hits := range byEndpoint {
		s.TopEndpoints = append(s.TopEndpoints, EndpointHits{Endpoint: ep, Hits: hits})
	}
	sort.Slice(s.TopEndpoints, func(i, j int) bool {
		a, b := s.TopEndpoints[i], s.TopEndpoints[j]
		if a.Hits != b.Hits {
			return a.Hits > b.Hits
		}
		return a.Endpoint < b.Endpoint
	})
	if len(s.TopEndpoints) > topN {
		s.TopEndpoints = s.TopEndpoints[:topN]
	}
	return s, nil
}

// ClearExpired removes every expired entry and returns how many.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	n, err := c.backend.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("clear expired: %w", err)
	}
	if n > 0 {
		slog.Info("Cleared expired cache entries", "count", n)
	}
	return n, nil
}

// Clear removes everything and returns how many entries were dropped.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	n, err := c.backend.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	slog.Info("Cleared cache", "count", n)
	return n, nil
}
