// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetSession returns a session's history and summary.
func GetSession(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		history, ok := p.History(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		summary, _ := p.Summary(id)
		c.JSON(http.StatusOK, gin.H{
			"session_id": id,
			"history":    history,
			"summary":    summary,
		})
	}
}

// DeleteSession clears a session's history and entity state.
func DeleteSession(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if !p.Clear(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
	}
}
