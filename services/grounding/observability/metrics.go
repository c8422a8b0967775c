// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the grounding
// pipeline.
//
// # Description
//
// Metrics cover:
//   - Questions by classified type and outcome
//   - Refusals by kind
//   - Market-data cache hits and misses
//   - External API calls by endpoint and outcome, plus quota utilisation
//   - Guard confidence and generation latency histograms
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe on a nil *Metrics and does nothing, so components
// can take an optional metrics dependency without nil checks.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "groundedcrypto"

// Metrics holds the pipeline collectors.
type Metrics struct {
	// QueriesTotal labels: query_type, outcome (answered, refused, error).
	QueriesTotal *prometheus.CounterVec

	// RefusalsTotal labels: kind.
	RefusalsTotal *prometheus.CounterVec

	// CacheLookupsTotal labels: endpoint, result (hit, miss).
	CacheLookupsTotal *prometheus.CounterVec

	// APICallsTotal labels: endpoint, outcome (success, cached, rate_limited, error).
	APICallsTotal *prometheus.CounterVec

	// QuotaUsedRatio labels: api.
	QuotaUsedRatio *prometheus.GaugeVec

	// GuardConfidence observes response-layer confidence.
	GuardConfidence prometheus.Histogram

	// GenerationSeconds labels: mode (oneshot, stream).
	GenerationSeconds *prometheus.HistogramVec

	// RegenerationsTotal counts extra generation attempts.
	RegenerationsTotal prometheus.Counter

	// ActiveSessions tracks live conversations.
	ActiveSessions prometheus.Gauge
}

// New registers all collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler; tests pass a fresh
// prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "queries_total",
			Help:      "Questions processed by query type and outcome",
		}, []string{"query_type", "outcome"}),

		RefusalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "guard",
			Name:      "refusals_total",
			Help:      "Refused questions by refusal kind",
		}, []string{"kind"}),

		CacheLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Market data cache lookups by endpoint and result",
		}, []string{"endpoint", "result"}),

		APICallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "market",
			Name:      "calls_total",
			Help:      "Market data endpoint calls by outcome",
		}, []string{"endpoint", "outcome"}),

		QuotaUsedRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "quota_used_ratio",
			Help:      "Fraction of the monthly request quota consumed",
		}, []string{"api"}),

		GuardConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "guard",
			Name:      "response_confidence",
			Help:      "Confidence assigned to generated responses",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		GenerationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "response",
			Name:      "generation_seconds",
			Help:      "Time spent in the generator per attempt",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"mode"}),

		RegenerationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "response",
			Name:      "regenerations_total",
			Help:      "Generation retries after a low-confidence response",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "agent",
			Name:      "active_sessions",
			Help:      "Conversations currently held in memory",
		}),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordQuery counts one finished question.
func (m *Metrics) RecordQuery(queryType, outcome string) {
	if m == nil {
		return
	}
	if queryType == "" {
		queryType = "unclassified"
	}
	m.QueriesTotal.WithLabelValues(queryType, outcome).Inc()
}

// RecordRefusal counts a refusal.
func (m *Metrics) RecordRefusal(kind string) {
	if m == nil {
		return
	}
	m.RefusalsTotal.WithLabelValues(kind).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(endpoint string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(endpoint, result).Inc()
}

// RecordAPICall counts an endpoint call outcome.
func (m *Metrics) RecordAPICall(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.APICallsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// SetQuotaUsed publishes count/limit for api.
func (m *Metrics) SetQuotaUsed(api string, count, limit int) {
	if m == nil || limit <= 0 {
		return
	}
	m.QuotaUsedRatio.WithLabelValues(api).Set(float64(count) / float64(limit))
}

// ObserveConfidence records a response-layer confidence score.
func (m *Metrics) ObserveConfidence(c float64) {
	if m == nil {
		return
	}
	m.GuardConfidence.Observe(c)
}

// ObserveGeneration records generator latency.
func (m *Metrics) ObserveGeneration(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.GenerationSeconds.WithLabelValues(mode).Observe(seconds)
}

// RecordRegeneration counts one retry.
func (m *Metrics) RecordRegeneration() {
	if m == nil {
		return
	}
	m.RegenerationsTotal.Inc()
}

// SetActiveSessions publishes the session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
