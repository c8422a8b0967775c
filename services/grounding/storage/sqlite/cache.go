// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
)

// CacheBackend stores response cache entries in the cache_entries table.
type CacheBackend struct {
	store *Store
}

// NewCacheBackend returns a cache.Backend over store.
func NewCacheBackend(store *Store) *CacheBackend {
	return &CacheBackend{store: store}
}

var _ cache.Backend = (*CacheBackend)(nil)

// Lookup implements cache.Backend.
func (b *CacheBackend) Lookup(ctx context.Context, key string, now time.Time) (cache.Entry, bool, error) {
	var (
		out   cache.Entry
		found bool
	)
	err := b.store.inTx(ctx, func(tx *sql.Tx) error {
		var created, expires, accessed int64
		row := tx.QueryRowContext(ctx, `
SELECT cache_key, endpoint, payload, created_at, expires_at, hit_count, last_accessed
FROM cache_entries WHERE cache_key = ?`, key)
		err := row.Scan(&out.Key, &out.Endpoint, &out.Payload, &created, &expires, &out.HitCount, &accessed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select cache entry: %w", err)
		}
		out.CreatedAt = fromMillis(created)
		out.ExpiresAt = fromMillis(expires)
		out.LastAccessed = fromMillis(accessed)

		if out.Expired(now) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
				return fmt.Errorf("delete expired entry: %w", err)
			}
			return nil
		}
		out.HitCount++
		out.LastAccessed = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE cache_entries SET hit_count = ?, last_accessed = ? WHERE cache_key = ?`,
			out.HitCount, toMillis(now), key); err != nil {
			return fmt.Errorf("touch cache entry: %w", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return cache.Entry{}, false, err
	}
	return out, true, nil
}

// Store implements cache.Backend.
func (b *CacheBackend) Store(ctx context.Context, e cache.Entry, capacity, evictBatch int) error {
	return b.store.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE cache_key = ?`, e.Key).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check cache entry: %w", err)
		}
		if exists == 0 {
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
				return fmt.Errorf("count cache entries: %w", err)
			}
			if count >= capacity && evictBatch > 0 {
				if _, err := tx.ExecContext(ctx, `
DELETE FROM cache_entries WHERE cache_key IN (
    SELECT cache_key FROM cache_entries ORDER BY last_accessed ASC, cache_key ASC LIMIT ?
)`, evictBatch); err != nil {
					return fmt.Errorf("evict cache entries: %w", err)
				}
			}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO cache_entries (cache_key, endpoint, payload, created_at, expires_at, hit_count, last_accessed)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
    endpoint = excluded.endpoint,
    payload = excluded.payload,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at,
    hit_count = excluded.hit_count,
    last_accessed = excluded.last_accessed`,
			e.Key, e.Endpoint, e.Payload, toMillis(e.CreatedAt), toMillis(e.ExpiresAt), e.HitCount, toMillis(e.LastAccessed))
		if err != nil {
			return fmt.Errorf("upsert cache entry: %w", err)
		}
		return nil
	})
}

// Entries implements cache.Backend. Payloads are omitted.
func (b *CacheBackend) Entries(ctx context.Context) ([]cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := b.store.sqlDB.QueryContext(ctx, `
SELECT cache_key, endpoint, created_at, expires_at, hit_count, last_accessed
FROM cache_entries ORDER BY cache_key`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []cache.Entry
	for rows.Next() {
		var (
			e                          cache.Entry
			created, expires, accessed int64
		)
		if err := rows.Scan(&e.Key, &e.Endpoint, &created, &expires, &e.HitCount, &accessed); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		e.ExpiresAt = fromMillis(expires)
		e.LastAccessed = fromMillis(accessed)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}

// DeleteExpired implements cache.Backend.
func (b *CacheBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.store.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteAll implements cache.Backend.
func (b *CacheBackend) DeleteAll(ctx context.Context) (int, error) {
	res, err := b.store.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
