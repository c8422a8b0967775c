// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cachetest checks that a cache.Backend honours the contract the
// Cache relies on. Every backend package runs RunBackendSuite.
package cachetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func entry(key, endpoint string, created time.Time, ttl time.Duration) cache.Entry {
	return cache.Entry{
		Key:          key,
		Endpoint:     endpoint,
		Payload:      []byte(`{"k":"` + key + `"}`),
		CreatedAt:    created,
		ExpiresAt:    created.Add(ttl),
		LastAccessed: created,
	}
}

// RunBackendSuite runs the contract tests against fresh backends produced by
// newBackend.
func RunBackendSuite(t *testing.T, newBackend func(t *testing.T) cache.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("lookup bumps hits", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Store(ctx, entry("a", "getData", base, time.Minute), 10, 2))

		later := base.Add(10 * time.Second)
		e, ok, err := b.Lookup(ctx, "a", later)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, e.HitCount)
		assert.True(t, e.LastAccessed.Equal(later))
		assert.JSONEq(t, `{"k":"a"}`, string(e.Payload))

		e, _, _ = b.Lookup(ctx, "a", later)
		assert.Equal(t, 2, e.HitCount)
	})

	t.Run("expired lookup deletes", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Store(ctx, entry("a", "getData", base, time.Minute), 10, 2))

		_, ok, err := b.Lookup(ctx, "a", base.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := b.Entries(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("missing key", func(t *testing.T) {
		b := newBackend(t)
		_, ok, err := b.Lookup(ctx, "nope", base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("store replaces", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Store(ctx, entry("a", "getData", base, time.Minute), 10, 2))
		e := entry("a", "getData", base.Add(time.Second), time.Hour)
		e.Payload = []byte(`{"v":2}`)
		require.NoError(t, b.Store(ctx, e, 10, 2))

		got, ok, err := b.Lookup(ctx, "a", base.Add(2*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"v":2}`, string(got.Payload))
	})

	t.Run("evicts least recently accessed batch at capacity", func(t *testing.T) {
		b := newBackend(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, b.Store(ctx, entry(fmt.Sprintf("k%d", i), "getTop", base.Add(time.Duration(i)*time.Second), time.Hour), 4, 2))
		}
		// k0 becomes the most recently accessed.
		_, ok, err := b.Lookup(ctx, "k0", base.Add(time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, b.Store(ctx, entry("k4", "getTop", base.Add(2*time.Minute), time.Hour), 4, 2))

		all, err := b.Entries(ctx)
		require.NoError(t, err)
		keys := map[string]bool{}
		for _, e := range all {
			keys[e.Key] = true
		}
		assert.Equal(t, map[string]bool{"k0": true, "k3": true, "k4": true}, keys)
	})

	t.Run("delete expired and all", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Store(ctx, entry("old", "getNews", base, time.Second), 10, 2))
		require.NoError(t, b.Store(ctx, entry("new", "getNews", base, time.Hour), 10, 2))

		n, err := b.DeleteExpired(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = b.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		all, err := b.Entries(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}
