// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent wires the grounding pipeline together. Every collaborator is
// injected; the package holds no global state.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/cache"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/conversation"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/guard"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/observability"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/query"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/ratelimit"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/response"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

var tracer = otel.Tracer("groundedcrypto.agent")

// DefaultContextTurns is how many recent turns are shown to the generator.
const DefaultContextTurns = 8

// EvidenceGatherer collects evidence for an analysed question.
// tools.Orchestrator implements it.
type EvidenceGatherer interface {
	Orchestrate(ctx context.Context, a datatypes.QueryAnalysis) (datatypes.Evidence, error)
}

// Stats is the operational snapshot served by /v1/stats and `usage`.
type Stats struct {
	Sessions int              `json:"active_sessions"`
	Cache    *cache.Stats     `json:"cache,omitempty"`
	Quota    *ratelimit.Usage `json:"quota,omitempty"`
}

// Agent answers questions for many independent sessions.
//
// # Description
//
// One Ask runs: advice check, query processing with the session's entity
// state, scope check, evidence gathering, source validation, generation and
// response validation. The turn is recorded once, after validation, and only
// when generation did not fail.
//
// # Thread Safety
//
// Safe for concurrent use. Questions within one session are serialised;
// different sessions proceed in parallel.
type Agent struct {
	processor    *query.Processor
	evidence     EvidenceGatherer
	guard        *guard.Guard
	coordinator  *response.Coordinator
	sessions     *SessionStore
	cache        *cache.Cache
	quota        *ratelimit.Limiter
	metrics      *observability.Metrics
	contextTurns int
}

// Option configures an Agent.
type Option func(*Agent)

// WithSessions replaces the default session store.
func WithSessions(s *SessionStore) Option { return func(a *Agent) { a.sessions = s } }

// WithCacheStats exposes cache statistics through Stats.
func WithCacheStats(c *cache.Cache) Option { return func(a *Agent) { a.cache = c } }

// WithQuotaStats exposes quota usage through Stats.
func WithQuotaStats(l *ratelimit.Limiter) Option { return func(a *Agent) { a.quota = l } }

// WithMetrics records query outcomes and refusals.
func WithMetrics(m *observability.Metrics) Option { return func(a *Agent) { a.metrics = m } }

// WithContextTurns sets how many recent turns reach the prompt.
func WithContextTurns(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.contextTurns = n
		}
	}
}

// New creates an Agent.
func New(evidence EvidenceGatherer, g *guard.Guard, coord *response.Coordinator, opts ...Option) *Agent {
	a := &Agent{
		processor:    query.NewProcessor(),
		evidence:     evidence,
		guard:        g,
		coordinator:  coord,
		sessions:     NewSessionStore(conversation.DefaultMaxTurns),
		contextTurns: DefaultContextTurns,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sessions returns the session store.
func (a *Agent) Sessions() *SessionStore { return a.sessions }

// Ask answers one question.
//
// # Inputs
//
//   - req: Question and optional session id. A missing id starts a session.
//
// # Outputs
//
//   - datatypes.Response: Answer, refusal or generic error text. SessionID
//     is always set.
//   - error: Only for a request that fails validation.
func (a *Agent) Ask(ctx context.Context, req datatypes.AskRequest) (datatypes.Response, error) {
	return a.ask(ctx, req, nil)
}

// AskStream is Ask with fragments delivered through cb. Refusals and error
// text are delivered as a single fragment.
func (a *Agent) AskStream(ctx context.Context, req datatypes.AskRequest, cb llm.StreamCallback) (datatypes.Response, error) {
	if cb == nil {
		return datatypes.Response{}, fmt.Errorf("stream callback is required")
	}
	return a.ask(ctx, req, cb)
}

func (a *Agent) ask(ctx context.Context, req datatypes.AskRequest, cb llm.StreamCallback) (datatypes.Response, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return datatypes.Response{}, fmt.Errorf("invalid request: %w", err)
	}
	id, sess := a.sessions.acquire(req.SessionID)
	a.metrics.SetActiveSessions(a.sessions.Len())

	ctx, span := tracer.Start(ctx, "agent.Ask")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	sess.mu.Lock()
	defer sess.mu.Unlock()
	defer a.sessions.touch(sess)

	analysis := a.processor.Process(req.Query, sess.conv)
	span.SetAttributes(attribute.String("query.type", string(analysis.Type)))

	resp, ev := a.answer(ctx, analysis, sess.conv, cb)
	resp.SessionID = id
	resp.Analysis = &analysis
	resp.APIFailures = ev.Failures
	resp.Elapsed = time.Since(start)

	if resp.Failed() {
		span.SetStatus(codes.Error, resp.Error)
		a.metrics.RecordQuery(string(analysis.Type), "error")
		slog.Error("Question failed", "session_id", id, "error", resp.Error)
		return resp, nil
	}

	var confidence *float64
	if !resp.Refused {
		c := resp.Confidence
		confidence = &c
	}
	sess.conv.AddTurn(req.Query, resp.Text, resp.Sources, confidence)

	outcome := "answered"
	switch {
	case resp.Refused:
		outcome = "refused"
		a.metrics.RecordRefusal(string(resp.RefusalKind))
	case resp.LowConfidence:
		outcome = "low_confidence"
	}
	a.metrics.RecordQuery(string(analysis.Type), outcome)
	slog.Info("Question answered",
		"session_id", id,
		"outcome", outcome,
		"confidence", resp.Confidence,
		"sources", len(resp.Sources),
		"elapsed", resp.Elapsed)
	return resp, nil
}

// answer runs the pipeline stages for an analysed question.
func (a *Agent) answer(ctx context.Context, analysis datatypes.QueryAnalysis, conv *conversation.Manager, cb llm.StreamCallback) (datatypes.Response, datatypes.Evidence) {
	var ev datatypes.Evidence

	if v, refused := a.guard.CheckAdvice(analysis.Resolved); refused {
		return a.refuse(v, ev, cb), ev
	}

	verdict := a.guard.CheckScope(ctx, analysis.Resolved)
	if verdict.ShouldRefuse {
		return a.refuse(verdict, ev, cb), ev
	}

	ev, err := a.evidence.Orchestrate(ctx, analysis)
	if err != nil {
		slog.Error("Evidence gathering failed", "error", err)
		return a.failed(err, verdict, cb), ev
	}

	a.guard.ValidateSources(verdict, ev)
	if verdict.ShouldRefuse {
		return a.refuse(verdict, ev, cb), ev
	}

	req := response.Request{
		Query:        analysis.Resolved,
		Evidence:     ev,
		Validation:   verdict,
		Conversation: conv.Context(a.contextTurns),
	}
	if cb != nil {
		return a.coordinator.GenerateStream(ctx, req, cb), ev
	}
	return a.coordinator.Generate(ctx, req), ev
}

func (a *Agent) refuse(v *datatypes.ValidationResult, ev datatypes.Evidence, cb llm.StreamCallback) datatypes.Response {
	resp := a.coordinator.Refuse(v, ev)
	slog.Warn("Refusing to answer", "kind", resp.RefusalKind, "reason", v.RefusalReason)
	if cb != nil {
		if err := cb(resp.Text); err != nil {
			slog.Warn("Refusal delivery failed", "error", err)
		}
	}
	return resp
}

func (a *Agent) failed(err error, v *datatypes.ValidationResult, cb llm.StreamCallback) datatypes.Response {
	resp := datatypes.Response{
		Text:       response.GenericErrorText,
		Sources:    []datatypes.Source{},
		Validation: v,
		Error:      err.Error(),
	}
	if cb != nil {
		_ = cb(resp.Text)
	}
	return resp
}

// History returns a copy of a session's turns.
func (a *Agent) History(sessionID string) ([]datatypes.Turn, bool) {
	conv, ok := a.sessions.Get(sessionID)
	if !ok {
		return nil, false
	}
	return conv.History(), true
}

// Summary returns a session's turn counts and tracked entities.
func (a *Agent) Summary(sessionID string) (conversation.Summary, bool) {
	conv, ok := a.sessions.Get(sessionID)
	if !ok {
		return conversation.Summary{}, false
	}
	return conv.Summary(), true
}

// Clear forgets a session's history and entity state.
func (a *Agent) Clear(sessionID string) bool {
	ok := a.sessions.Delete(sessionID)
	a.metrics.SetActiveSessions(a.sessions.Len())
	return ok
}

// Stats gathers cache, quota and session figures. Missing collaborators are
// omitted rather than reported as errors.
func (a *Agent) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Sessions: a.sessions.Len()}
	if a.cache != nil {
		cs, err := a.cache.Stats(ctx, cache.DefaultTopEndpoints)
		if err != nil {
			return st, fmt.Errorf("cache stats: %w", err)
		}
		st.Cache = &cs
	}
	if a.quota != nil {
		u, err := a.quota.Usage(ctx)
		if err != nil {
			return st, fmt.Errorf("quota usage: %w", err)
		}
		st.Quota = &u
	}
	return st, nil
}
