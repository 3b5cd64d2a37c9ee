// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers for the edge HTTP surface.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RealtimeHealth reports whether the realtime connection is usable.
type RealtimeHealth interface {
	Healthy() bool
}

// HealthCheck reports service liveness plus the realtime link state.
// rt may be nil when realtime is disabled.
func HealthCheck(version string, rt RealtimeHealth) gin.HandlerFunc {
	return func(c *gin.Context) {
		realtime := "disabled"
		if rt != nil {
			if rt.Healthy() {
				realtime = "connected"
			} else {
				realtime = "degraded"
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"version":  version,
			"realtime": realtime,
		})
	}
}
