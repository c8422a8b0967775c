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

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxQueryBytes bounds a single question.
const MaxQueryBytes = 4 * 1024

var requestValidate = validator.New()

// =============================================================================
// Requests
// =============================================================================

// AskRequest is the body of POST /v1/ask and of each websocket message.
//
// SessionID is optional; an empty value starts a new session.
type AskRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"omitempty,uuid"`
	Query     string `json:"query" validate:"required,max=4096"`
}

// Validate trims the query and checks struct tags.
func (r *AskRequest) Validate() error {
	r.Query = strings.TrimSpace(r.Query)
	return requestValidate.Struct(r)
}

// EnsureSessionID assigns a new UUID when the client did not send one.
func (r *AskRequest) EnsureSessionID() string {
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	return r.SessionID
}

// =============================================================================
// Response
// =============================================================================

// Response is what the pipeline returns for one question.
//
// Refused and Error are mutually exclusive: a refusal is a deliberate,
// templated non-answer; Error marks an unrecoverable generation failure whose
// Text is a generic apology.
type Response struct {
	SessionID     string            `json:"session_id,omitempty"`
	Text          string            `json:"text"`
	Sources       []Source          `json:"sources"`
	Confidence    float64           `json:"confidence"`
	Refused       bool              `json:"refused"`
	RefusalKind   RefusalKind       `json:"refusal_kind,omitempty"`
	LowConfidence bool              `json:"low_confidence,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	Validation    *ValidationResult `json:"validation,omitempty"`
	Analysis      *QueryAnalysis    `json:"analysis,omitempty"`
	APIFailures   []APIFailure      `json:"api_failures,omitempty"`
	Error         string            `json:"error,omitempty"`
	Elapsed       time.Duration     `json:"elapsed_ns"`
}

// Failed reports whether the response carries a generation error.
func (r *Response) Failed() bool { return r.Error != "" }
