// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package response turns validated evidence into a cited answer: it builds
// the prompt, calls the generator, scores the result and falls back to
// templated refusals.
package response

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/guard"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/observability"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

var tracer = otel.Tracer("groundedcrypto.response")

// DefaultMaxRegenerations bounds extra attempts after a low-confidence
// answer.
const DefaultMaxRegenerations = 2

// Request is everything one generation needs.
type Request struct {
	Query        string
	Evidence     datatypes.Evidence
	Validation   *datatypes.ValidationResult
	Conversation []datatypes.ContextTurn
}

// Coordinator drives generation and post-validation.
//
// # Thread Safety
//
// Safe for concurrent use. Each call works on its own copy of the
// validation result.
type Coordinator struct {
	gen       llm.Generator
	guard     *guard.Guard
	assembler *Assembler
	params    llm.GenerationParams
	maxRegen  atomic.Int64
	metrics   *observability.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAssembler overrides the default 4000-token assembler.
func WithAssembler(a *Assembler) Option { return func(c *Coordinator) { c.assembler = a } }

// WithGenerationParams sets sampling parameters for every call.
func WithGenerationParams(p llm.GenerationParams) Option {
	return func(c *Coordinator) { c.params = p }
}

// WithMaxRegenerations sets the extra attempt budget. Zero disables
// regeneration.
func WithMaxRegenerations(n int) Option {
	return func(c *Coordinator) {
		c.SetMaxRegenerations(n)
	}
}

// WithMetrics records generation latency, regenerations and confidence.
func WithMetrics(m *observability.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// NewCoordinator creates a Coordinator.
func NewCoordinator(gen llm.Generator, g *guard.Guard, opts ...Option) *Coordinator {
	c := &Coordinator{
		gen:       gen,
		guard:     g,
		assembler: NewAssembler(DefaultTokenBudget),
	}
	c.maxRegen.Store(DefaultMaxRegenerations)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxRegenerations returns the configured regeneration budget.
func (c *Coordinator) MaxRegenerations() int { return int(c.maxRegen.Load()) }

// SetMaxRegenerations changes the regeneration budget for subsequent
// questions. Negative values are ignored.
func (c *Coordinator) SetMaxRegenerations(n int) {
	if n >= 0 {
		c.maxRegen.Store(int64(n))
	}
}

// Refuse renders a templated refusal for a failed evidence verdict.
func (c *Coordinator) Refuse(v *datatypes.ValidationResult, ev datatypes.Evidence) datatypes.Response {
	return datatypes.Response{
		Text:        RefusalText(v, ev.Chunks),
		Sources:     []datatypes.Source{},
		Confidence:  v.Confidence,
		Refused:     true,
		RefusalKind: v.RefusalKind,
		Validation:  v,
	}
}

// Generate produces a one-shot answer.
//
// # Description
//
// Builds the prompt, generates, and runs the response layer. A
// low-confidence answer is regenerated up to MaxRegenerations times and the
// best-scoring attempt is returned, flagged LowConfidence when none passed.
// A generator failure before any usable attempt returns GenericErrorText
// with Error set.
func (c *Coordinator) Generate(ctx context.Context, req Request) datatypes.Response {
	return c.run(ctx, req, nil)
}

// GenerateStream is Generate with incremental delivery.
//
// # Description
//
// Fragments are passed to cb as they arrive. Delivered fragments cannot be
// recalled, so streaming makes a single attempt; a low-confidence result is
// flagged rather than regenerated. Cancelling ctx stops the stream and
// yields an error response.
func (c *Coordinator) GenerateStream(ctx context.Context, req Request, cb llm.StreamCallback) datatypes.Response {
	return c.run(ctx, req, cb)
}

func (c *Coordinator) run(ctx context.Context, req Request, cb llm.StreamCallback) datatypes.Response {
	mode := "oneshot"
	if cb != nil {
		mode = "stream"
	}
	ctx, span := tracer.Start(ctx, "response.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("generation.mode", mode))

	base := req.Validation
	if base == nil {
		base = datatypes.NewValidationResult()
	}
	if base.ShouldRefuse {
		return c.Refuse(base, req.Evidence)
	}

	asm := c.assembler.Build(req.Query, req.Evidence.Chunks, req.Evidence.API, req.Conversation)
	used := datatypes.Evidence{
		KBUsed:   req.Evidence.KBUsed,
		APIUsed:  req.Evidence.APIUsed,
		Chunks:   asm.Chunks,
		API:      asm.API,
		Failures: req.Evidence.Failures,
	}
	span.SetAttributes(attribute.Int("prompt.tokens", asm.Tokens))

	attempts := 1
	if cb == nil {
		attempts += c.MaxRegenerations()
	}

	var best *datatypes.Response
	made := 0
	for i := 1; i <= attempts; i++ {
		made = i
		if i > 1 {
			c.metrics.RecordRegeneration()
			slog.Info("Regenerating low-confidence response", "attempt", i, "of", attempts)
		}

		start := time.Now()
		var text string
		var err error
		if cb != nil {
			text, err = c.gen.GenerateStream(ctx, asm.Prompt, c.params, cb)
		} else {
			text, err = c.gen.Generate(ctx, asm.Prompt, c.params)
		}
		c.metrics.ObserveGeneration(mode, time.Since(start).Seconds())

		if err != nil {
			span.RecordError(err)
			slog.Error("Generation failed", "attempt", i, "error", err)
			if best != nil {
				break
			}
			span.SetStatus(codes.Error, "generation failed")
			return datatypes.Response{
				Text:       GenericErrorText,
				Sources:    []datatypes.Source{},
				Validation: base,
				Attempts:   i,
				Error:      err.Error(),
			}
		}

		v := base.Clone()
		layer := c.guard.ApplyResponse(v, text, used)
		c.metrics.ObserveConfidence(v.Confidence)

		resp := datatypes.Response{
			Text:          text,
			Sources:       ExtractSources(used.Chunks, used.API),
			Confidence:    v.Confidence,
			Validation:    v,
			Attempts:      i,
			LowConfidence: !layer.Valid,
		}
		if layer.Valid {
			span.SetAttributes(attribute.Float64("response.confidence", v.Confidence))
			return resp
		}
		if best == nil || resp.Confidence > best.Confidence {
			best = &resp
		}
	}

	best.Attempts = made
	slog.Warn("Returning best low-confidence attempt", "confidence", best.Confidence, "attempts", best.Attempts)
	span.SetAttributes(
		attribute.Float64("response.confidence", best.Confidence),
		attribute.Bool("response.low_confidence", true),
	)
	return *best
}
