// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers serves the question pipeline over HTTP and websocket.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/agent"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/conversation"
	"github.com/AleutianAI/GroundedCrypto/services/grounding/datatypes"
	"github.com/AleutianAI/GroundedCrypto/services/llm"
)

// Pipeline is the subset of *agent.Agent the handlers use.
type Pipeline interface {
	Ask(ctx context.Context, req datatypes.AskRequest) (datatypes.Response, error)
	AskStream(ctx context.Context, req datatypes.AskRequest, cb llm.StreamCallback) (datatypes.Response, error)
	History(sessionID string) ([]datatypes.Turn, bool)
	Summary(sessionID string) (conversation.Summary, bool)
	Clear(sessionID string) bool
	Stats(ctx context.Context) (agent.Stats, error)
}

// maxBodyBytes leaves room for JSON framing around the largest query.
const maxBodyBytes = datatypes.MaxQueryBytes + 1024

// HandleAsk answers a single question.
//
// Refusals are successful answers and return 200. A generation failure
// returns 502 with the apology text in the body so clients can still show
// it. Malformed requests return 400.
func HandleAsk(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		var req datatypes.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(statusForBindError(err), gin.H{"error": "invalid request body"})
			return
		}
		resp, err := p.Ask(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": requestErrorText(err)})
			return
		}
		c.JSON(statusFor(resp), resp)
	}
}

// statusFor maps a pipeline outcome to an HTTP status.
func statusFor(resp datatypes.Response) int {
	if resp.Failed() {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

func statusForBindError(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// requestErrorText turns validator output into a short client message.
func requestErrorText(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	switch fe := verrs[0]; fe.Field() {
	case "Query":
		if fe.Tag() == "required" {
			return "query is required"
		}
		return "query is too long"
	case "SessionID":
		return "session_id must be a UUID"
	default:
		slog.Debug("Unmapped validation failure", "field", fe.Field(), "tag", fe.Tag())
		return "invalid request"
	}
}
