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
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ExpiredClearer removes expired cache entries. *cache.Cache implements it.
type ExpiredClearer interface {
	ClearExpired(ctx context.Context) (int, error)
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStats reports cache, quota and session figures.
func GetStats(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := p.Stats(c.Request.Context())
		if err != nil {
			slog.Error("Failed to gather stats", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to gather stats"})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// ClearExpiredCache drops cache entries past their TTL.
func ClearExpiredCache(cc ExpiredClearer) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := cc.ClearExpired(c.Request.Context())
		if err != nil {
			slog.Error("Failed to clear expired cache entries", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear cache"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": n})
	}
}
