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
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrScopeRefusal: the question is outside the crypto domain. Terminal.
	ErrScopeRefusal = errors.New("query out of scope")

	// ErrEvidenceRefusal: retrieved knowledge or market data is missing or
	// below quality. Terminal; the caller shows related topics instead.
	ErrEvidenceRefusal = errors.New("insufficient evidence")

	// ErrLowConfidence: generated text failed post-validation. Recoverable
	// by regeneration and never shown to the user as-is.
	ErrLowConfidence = errors.New("low confidence response")

	// ErrExternalFailure: a collaborator kept failing after retries.
	ErrExternalFailure = errors.New("external service failure")

	// ErrRateLimitExceeded: the monthly quota is exhausted. Not retried.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnknownEndpoint: no handler is registered for an endpoint name.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// RefusalError carries a guard refusal through error returns.
type RefusalError struct {
	Kind   RefusalKind
	Reason string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("refused (%s): %s", e.Kind, e.Reason)
}

// Unwrap maps the refusal kind onto the sentinel taxonomy.
func (e *RefusalError) Unwrap() error {
	switch e.Kind {
	case RefusalOutOfScope, RefusalInvestmentAdvice:
		return ErrScopeRefusal
	case RefusalRateLimited:
		return ErrRateLimitExceeded
	default:
		return ErrEvidenceRefusal
	}
}

// ExternalError wraps a collaborator failure that survived retries.
type ExternalError struct {
	Service  string
	Attempts int
	Status   int
	Err      error
}

func (e *ExternalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed after %d attempt(s) with status %d: %v", e.Service, e.Attempts, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Service, e.Attempts, e.Err)
}

// Is lets errors.Is(err, ErrExternalFailure) match any ExternalError.
func (e *ExternalError) Is(target error) bool { return target == ErrExternalFailure }

func (e *ExternalError) Unwrap() error { return e.Err }
