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
	"github.com/AleutianAI/storefront-edge/services/edge/cachetier"
	"github.com/AleutianAI/storefront-edge/services/edge/handlers"
	"github.com/AleutianAI/storefront-edge/services/edge/middleware"
	"github.com/AleutianAI/storefront-edge/services/edge/upload"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps carries everything the route table needs. Uploader may be nil
// when no bucket is configured; Realtime may be nil when realtime is
// disabled; Backend may be nil to disable the RPC pass-through.
type Deps struct {
	Cache      *cachetier.Cache
	Controller *cachetier.Controller
	Version    *cachetier.VersionChecker
	Backend    handlers.Invoker
	Uploader   *upload.Uploader
	Bucket     string
	Hub        *handlers.UpdateHub
	Realtime   handlers.RealtimeHealth
	Limiter    *rate.Limiter
	AppVersion string
}

// SetupRoutes registers the edge HTTP surface on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(deps.AppVersion, deps.Realtime))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if deps.Limiter != nil {
		v1.Use(middleware.RateLimit(deps.Limiter))
	}
	{
		v1.GET("/fetch", handlers.Fetch(deps.Cache))
		v1.POST("/control", handlers.Control(deps.Controller))
		v1.GET("/version", handlers.Version(deps.Version))
		v1.GET("/updates/ws", handlers.UpdatesWebSocket(deps.Hub))

		if deps.Backend != nil {
			v1.POST("/rpc/:fn", handlers.RPC(deps.Backend))
		}

		if deps.Uploader != nil {
			uploads := v1.Group("/uploads")
			{
				uploads.POST("", handlers.Upload(deps.Uploader, deps.Bucket))
				uploads.GET("/progress/ws", handlers.UploadProgressWebSocket(deps.Uploader.Registry()))
			}
		}
	}
}
