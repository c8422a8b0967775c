// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit enforces a monthly request quota for an external API.
//
// # Description
//
// One Record per API name is persisted through a Store. The count rolls over
// lazily: any operation that observes today >= ResetDate zeroes the count
// and moves ResetDate to the first day of the following month. Reserve
// checks and increments in a single Store transaction so two concurrent
// callers can never both take the last unit of quota.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/observability"
)

const (
	// DefaultMonthlyLimit matches the free market-data plan.
	DefaultMonthlyLimit = 100000

	// WarnThreshold is the utilisation at which Increment logs a warning.
	WarnThreshold = 0.8
)

// Record is the persisted quota state for one API.
type Record struct {
	APIName      string    `json:"api_name"`
	RequestCount int       `json:"request_count"`
	MonthlyLimit int       `json:"monthly_limit"`
	ResetDate    time.Time `json:"reset_date"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists Records.
//
// Update must run fn and write the record back atomically with respect to
// other Update calls for the same name. exists is false when no record has
// been written yet; rec then holds only APIName. If fn returns an error
// nothing is written.
type Store interface {
	Update(ctx context.Context, apiName string, fn func(rec *Record, exists bool) error) error
}

// Usage is the read model returned by Limiter.Usage.
type Usage struct {
	APIName        string    `json:"api_name"`
	RequestCount   int       `json:"request_count"`
	MonthlyLimit   int       `json:"monthly_limit"`
	Remaining      int       `json:"remaining"`
	PercentageUsed float64   `json:"percentage_used"`
	ResetDate      time.Time `json:"reset_date"`
}

// Limiter guards one API's monthly quota.
//
// # Thread Safety
//
// Safe for concurrent use when the Store's Update is atomic.
type Limiter struct {
	store   Store
	apiName string
	limit   atomic.Int64
	now     func() time.Time
	metrics *observability.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now, used by tests to cross a month boundary.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics publishes quota utilisation.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter. monthlyLimit < 1 uses DefaultMonthlyLimit.
func New(store Store, apiName string, monthlyLimit int, opts ...Option) *Limiter {
	if monthlyLimit < 1 {
		monthlyLimit = DefaultMonthlyLimit
	}
	l := &Limiter{store: store, apiName: apiName, now: time.Now}
	l.limit.Store(int64(monthlyLimit))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// APIName returns the quota key.
func (l *Limiter) APIName() string { return l.apiName }

// MonthlyLimit returns the current allowance.
func (l *Limiter) MonthlyLimit() int { return int(l.limit.Load()) }

// SetMonthlyLimit changes the allowance; the stored record picks it up on
// the next update. Values < 1 are ignored.
func (l *Limiter) SetMonthlyLimit(n int) {
	if n >= 1 {
		l.limit.Store(int64(n))
	}
}

// NextResetDate is midnight UTC on the first day of the month after t.
func NextResetDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// update wraps Store.Update with record initialisation and rollover.
func (l *Limiter) update(ctx context.Context, fn func(rec *Record) error) (Record, error) {
	var out Record
	err := l.store.Update(ctx, l.apiName, func(rec *Record, exists bool) error {
		now := l.now()
		if !exists {
			*rec = Record{APIName: l.apiName, ResetDate: NextResetDate(now)}
		}
		rec.MonthlyLimit = l.MonthlyLimit()
		if !now.Before(rec.ResetDate) {
			slog.Info("Monthly quota rolled over", "api", l.apiName, "previous_count", rec.RequestCount)
			rec.RequestCount = 0
			rec.ResetDate = NextResetDate(now)
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return err
			}
		}
		rec.UpdatedAt = now
		out = *rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	l.metrics.SetQuotaUsed(l.apiName, out.RequestCount, out.MonthlyLimit)
	return out, nil
}

// CheckLimit reports whether at least one request remains this month.
func (l *Limiter) CheckLimit(ctx context.Context) (bool, error) {
	rec, err := l.update(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("check limit for %s: %w", l.apiName, err)
	}
	return rec.RequestCount < rec.MonthlyLimit, nil
}

// Increment records one request unconditionally and returns the new count.
// It never blocks on the quota; it only warns when utilisation crosses
// WarnThreshold.
func (l *Limiter) Increment(ctx context.Context) (int, error) {
	rec, err := l.update(ctx, func(rec *Record) error {
		rec.RequestCount++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", l.apiName, err)
	}
	l.warn(rec)
	return rec.RequestCount, nil
}

// Reserve takes one unit of quota if any remains.
//
// # Outputs
//
//   - int: The count after the reservation.
//   - error: Wraps datatypes.ErrRateLimitExceeded when the quota is spent.
func (l *Limiter) Reserve(ctx context.Context) (int, error) {
	rec, err := l.update(ctx, func(rec *Record) error {
		if rec.RequestCount >= rec.MonthlyLimit {
			return datatypes.ErrRateLimitExceeded
		}
		rec.RequestCount++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reserve %s: %w", l.apiName, err)
	}
	l.warn(rec)
	return rec.RequestCount, nil
}

// Release refunds a reservation whose call never reached the API.
func (l *Limiter) Release(ctx context.Context) error {
	_, err := l.update(ctx, func(rec *Record) error {
		if rec.RequestCount > 0 {
			rec.RequestCount--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", l.apiName, err)
	}
	return nil
}

// Usage returns current utilisation.
func (l *Limiter) Usage(ctx context.Context) (Usage, error) {
	rec, err := l.update(ctx, nil)
	if err != nil {
		return Usage{}, fmt.Errorf("usage for %s: %w", l.apiName, err)
	}
	remaining := rec.MonthlyLimit - rec.RequestCount
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		APIName:        rec.APIName,
		RequestCount:   rec.RequestCount,
		MonthlyLimit:   rec.MonthlyLimit,
		Remaining:      remaining,
		PercentageUsed: float64(rec.RequestCount) / float64(rec.MonthlyLimit) * 100,
		ResetDate:      rec.ResetDate,
	}, nil
}

// Reset zeroes the count and restarts the month.
func (l *Limiter) Reset(ctx context.Context) error {
	_, err := l.update(ctx, func(rec *Record) error {
		rec.RequestCount = 0
		rec.ResetDate = NextResetDate(l.now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset %s: %w", l.apiName, err)
	}
	slog.Info("Quota manually reset", "api", l.apiName)
	return nil
}

func (l *Limiter) warn(rec Record) {
	if float64(rec.RequestCount) >= WarnThreshold*float64(rec.MonthlyLimit) {
		slog.Warn("API quota nearly exhausted",
			"api", rec.APIName,
			"count", rec.RequestCount,
			"limit", rec.MonthlyLimit,
			"reset_date", rec.ResetDate.Format("2006-01-02"))
	}
}
