// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache/cachetest"
)

func TestMemoryBackend_Contract(t *testing.T) {
	cachetest.RunBackendSuite(t, func(*testing.T) cache.Backend { return cache.NewMemoryBackend() })
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newCache(opts ...cache.Option) (*cache.Cache, *clock) {
	clk := &clock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]cache.Option{cache.WithClock(clk.now)}, opts...)
	return cache.New(cache.NewMemoryBackend(), opts...), clk
}

func TestKey_IndependentOfParamOrder(t *testing.T) {
	a := map[string]string{"symbol": "BTC", "days": "30"}
	b := map[string]string{}
	b["days"] = "30"
	b["symbol"] = "BTC"

	assert.Equal(t, cache.Key("getHistory", a), cache.Key("getHistory", b))
	assert.NotEqual(t, cache.Key("getHistory", a), cache.Key("getData", a))
	assert.Equal(t, cache.Key("getFearGreed", nil), cache.Key("getFearGreed", map[string]string{}))
	assert.Len(t, cache.Key("getTop", nil), 64)
}

func TestGetSet_RespectsTTL(t *testing.T) {
	c, clk := newCache()
	ctx := context.Background()
	params := map[string]string{"symbols": "BTC"}

	require.NoError(t, c.Set(ctx, "getData", params, []byte(`{"price":1}`), time.Minute))

	got, ok, err := c.Get(ctx, "getData", params)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"price":1}`, string(got))

	clk.advance(time.Minute)
	_, ok, err = c.Get(ctx, "getData", params)
	require.NoError(t, err)
	assert.False(t, ok, "entry at its expiry instant is a miss")
}

func TestStats(t *testing.T) {
	c, clk := newCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "getData", map[string]string{"symbols": "BTC"}, []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "getTop", map[string]string{"limit": "10"}, []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "getNews", nil, []byte("3"), time.Second))
	for i := 0; i < 3; i++ {
		_, _, _ = c.Get(ctx, "getData", map[string]string{"symbols": "BTC"})
	}
	_, _, _ = c.Get(ctx, "getTop", map[string]string{"limit": "10"})
	clk.advance(time.Minute)

	s, err := c.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalEntries)
	assert.Equal(t, 1, s.ExpiredEntries)
	assert.Equal(t, 2, s.ActiveEntries)
	assert.Equal(t, 4, s.TotalHits)
	assert.Equal(t, []cache.EndpointHits{{Endpoint: "getData", Hits: 3}}, s.TopEndpoints)

	n, err := c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSet_EvictsAtCapacity(t *testing.T) {
	c, clk := newCache(cache.WithCapacity(3, 1))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, "getData", map[string]string{"symbols": fmt.Sprint(i)}, []byte("x"), time.Hour))
		clk.advance(time.Second)
	}
	s, err := c.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalEntries)

	_, ok, _ := c.Get(ctx, "getData", map[string]string{"symbols": "0"})
	assert.False(t, ok, "oldest entry evicted")
	_, ok, _ = c.Get(ctx, "getData", map[string]string{"symbols": "4"})
	assert.True(t, ok)
}

func TestGetOrFetch_CollapsesConcurrentMisses(t *testing.T) {
	c, _ := newCache()
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`{"ok":true}`), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := c.GetOrFetch(ctx, "getTop", map[string]string{"limit": "10"}, time.Minute, fetch)
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2), "concurrent misses share a fetch")
	for _, r := range results {
		assert.Equal(t, `{"ok":true}`, string(r))
	}

	p, hit, err := c.GetOrFetch(ctx, "getTop", map[string]string{"limit": "10"}, time.Minute, func(context.Context) ([]byte, error) {
		t.Fatal("should be served from cache")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, `{"ok":true}`, string(p))
}

func TestGetOrFetch_ErrorsAreNotCached(t *testing.T) {
	c, _ := newCache()
	ctx := context.Background()
	boom := errors.New("upstream down")

	_, _, err := c.GetOrFetch(ctx, "getData", nil, time.Minute, func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	p, hit, err := c.GetOrFetch(ctx, "getData", nil, time.Minute, func(context.Context) ([]byte, error) { return []byte("1"), nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "1", string(p))
}

func TestGetOrFetch_CallerCancelDoesNotFailSharedFetch(t *testing.T) {
	c := cache.New(cache.NewMemoryBackend())
	params := map[string]string{"symbols": "BTC"}

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte(`{"BTC":1}`), nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(leaderCtx, "getData", params, time.Minute, fetch)
		leaderErr <- err
	}()
	<-started

	type result struct {
		payload []byte
		err     error
	}
	follower := make(chan result, 1)
	go func() {
		p, _, err := c.GetOrFetch(context.Background(), "getData", params, time.Minute, fetch)
		follower <- result{p, err}
	}()

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(release)
	res := <-follower
	require.NoError(t, res.err)
	assert.Equal(t, `{"BTC":1}`, string(res.payload))

	p, hit, err := c.Get(context.Background(), "getData", params)
	require.NoError(t, err)
	assert.True(t, hit, "the detached fetch still fills the cache")
	assert.Equal(t, `{"BTC":1}`, string(p))
}

func TestGetOrFetch_FetchTimeout(t *testing.T) {
	c := cache.New(cache.NewMemoryBackend(), cache.WithFetchTimeout(20*time.Millisecond))
	_, _, err := c.GetOrFetch(context.Background(), "getTop", nil, time.Minute, func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
