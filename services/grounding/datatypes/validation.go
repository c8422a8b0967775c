// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Layer names the hallucination guard checks, in the order they run.
type Layer string

const (
	LayerQueryScope       Layer = "query_scope"
	LayerRetrievalQuality Layer = "retrieval_quality"
	LayerAPIData          Layer = "api_validation"
	LayerResponse         Layer = "response_validation"
)

// RefusalKind selects the user-facing refusal template.
type RefusalKind string

const (
	RefusalNone             RefusalKind = ""
	RefusalOutOfScope       RefusalKind = "out_of_scope"
	RefusalNoEvidence       RefusalKind = "no_evidence"
	RefusalMalformedAPI     RefusalKind = "malformed_api_data"
	RefusalRateLimited      RefusalKind = "rate_limited"
	RefusalInvestmentAdvice RefusalKind = "investment_advice"
)

// LayerResult is the outcome of one guard layer.
type LayerResult struct {
	Layer      Layer    `json:"layer"`
	Valid      bool     `json:"valid"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ValidationResult is built fresh per question. After the layers finish only
// Confidence may change, when the response layer overwrites it.
type ValidationResult struct {
	OverallValid  bool          `json:"overall_valid"`
	Layers        []LayerResult `json:"validations"`
	Confidence    float64       `json:"confidence"`
	ShouldRefuse  bool          `json:"should_refuse"`
	RefusalReason string        `json:"refusal_reason,omitempty"`
	RefusalKind   RefusalKind   `json:"refusal_kind,omitempty"`
}

// NewValidationResult returns the optimistic starting state.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{OverallValid: true, Confidence: 1.0}
}

// Record appends a layer outcome and folds it into the overall verdict.
func (v *ValidationResult) Record(r LayerResult) {
	v.Layers = append(v.Layers, r)
	if !r.Valid {
		v.OverallValid = false
	}
}

// Refuse marks the result as a refusal with the given template kind.
func (v *ValidationResult) Refuse(kind RefusalKind, reason string) {
	v.OverallValid = false
	v.ShouldRefuse = true
	v.RefusalKind = kind
	v.RefusalReason = reason
}

// LayerFor returns the recorded result for layer, if it ran.
func (v *ValidationResult) LayerFor(layer Layer) (LayerResult, bool) {
	for _, r := range v.Layers {
		if r.Layer == layer {
			return r, true
		}
	}
	return LayerResult{}, false
}

// Clone returns a deep copy so each generation attempt can record its own
// response layer on the shared evidence verdict.
func (v *ValidationResult) Clone() *ValidationResult {
	c := *v
	c.Layers = append([]LayerResult(nil), v.Layers...)
	return &c
}
