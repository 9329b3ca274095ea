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
	"github.com/AleutianAI/AleutianCanary/services/canary/deadletter"
	"github.com/AleutianAI/AleutianCanary/services/canary/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the components the API routes call into.
type Dependencies struct {
	Canaries     handlers.CanaryService
	Publisher    handlers.Publisher
	Engine       handlers.EngineStatus
	Store        handlers.HealthStore
	Replayer     *deadletter.Replayer
	Purger       *deadletter.Purger
	Gatherer     prometheus.Gatherer
	SyncPipeline bool
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/healthz", handlers.HealthCheck(deps.Engine, deps.Store))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		canaries := v1.Group("/canaries")
		{
			canaries.POST("", handlers.CreateCanary(deps.Canaries))
			canaries.GET("", handlers.ListCanaries(deps.Canaries))
			canaries.GET("/:id", handlers.GetCanary(deps.Canaries))
			canaries.POST("/:id/rotate", handlers.RotateCanary(deps.Canaries))
			canaries.GET("/:id/rotations", handlers.ListRotations(deps.Canaries))
			canaries.POST("/:id/placements", handlers.AddPlacement(deps.Canaries))
			canaries.GET("/:id/detections", handlers.ListDetections(deps.Canaries))
			canaries.GET("/:id/detections/verify", handlers.VerifyChain(deps.Canaries))
		}
		v1.GET("/detections/correlation/:correlationId", handlers.GetDetectionByCorrelation(deps.Canaries))
		v1.POST("/simulate/detection", handlers.SimulateDetection(deps.Publisher, deps.SyncPipeline))
		v1.GET("/token-types", handlers.ListTokenTypes(deps.Canaries))

		// Dead-letter administration
		failures := v1.Group("/alert-failures")
		{
			failures.GET("", handlers.ListAlertFailures(deps.Replayer))
			failures.POST("/replay", handlers.ReplayAlertFailures(deps.Replayer))
			failures.POST("/purge", handlers.PurgeAlertFailures(deps.Purger))
		}
	}
}
