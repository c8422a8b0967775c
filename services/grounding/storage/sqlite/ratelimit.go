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

	"github.com/AleutianAI/GroundedCrypto/services/grounding/ratelimit"
)

// RateLimitStore keeps quota records in the rate_limits table.
type RateLimitStore struct {
	store *Store
}

// NewRateLimitStore returns a ratelimit.Store over store.
func NewRateLimitStore(store *Store) *RateLimitStore {
	return &RateLimitStore{store: store}
}

var _ ratelimit.Store = (*RateLimitStore)(nil)

// Update implements ratelimit.Store. The read, fn and write share one
// IMMEDIATE transaction.
func (s *RateLimitStore) Update(ctx context.Context, apiName string, fn func(rec *ratelimit.Record, exists bool) error) error {
	return s.store.inTx(ctx, func(tx *sql.Tx) error {
		rec := ratelimit.Record{APIName: apiName}
		var resetDate, updatedAt int64
		err := tx.QueryRowContext(ctx, `
SELECT request_count, monthly_limit, reset_date, updated_at
FROM rate_limits WHERE api_name = ?`, apiName).
			Scan(&rec.RequestCount, &rec.MonthlyLimit, &resetDate, &updatedAt)
		exists := true
		switch {
		case errors.Is(err, sql.ErrNoRows):
			exists = false
		case err != nil:
			return fmt.Errorf("select rate limit %s: %w", apiName, err)
		default:
			rec.ResetDate = fromMillis(resetDate)
			rec.UpdatedAt = fromMillis(updatedAt)
		}

		if err := fn(&rec, exists); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO rate_limits (api_name, request_count, monthly_limit, reset_date, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(api_name) DO UPDATE SET
    request_count = excluded.request_count,
    monthly_limit = excluded.monthly_limit,
    reset_date = excluded.reset_date,
    updated_at = excluded.updated_at`,
			apiName, rec.RequestCount, rec.MonthlyLimit, toMillis(rec.ResetDate), toMillis(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert rate limit %s: %w", apiName, err)
		}
		return nil
	})
}
