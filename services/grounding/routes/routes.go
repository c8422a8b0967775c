// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/GroundedCrypto/services/grounding/handlers"
)

// SetupRoutes registers the API on router. gatherer backs /metrics; nil
// serves the default registry.
func SetupRoutes(router *gin.Engine, pipeline handlers.Pipeline, cache handlers.ExpiredClearer,
	gatherer prometheus.Gatherer) {

	router.GET("/health", handlers.HealthCheck)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.HandleAsk(pipeline))
		v1.GET("/ask/ws", handlers.HandleAskWebSocket(pipeline))
		v1.GET("/stats", handlers.GetStats(pipeline))

		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionId", handlers.GetSession(pipeline))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(pipeline))
		}

		if cache != nil {
			v1.POST("/cache/clear_expired", handlers.ClearExpiredCache(cache))
		}
	}
}
