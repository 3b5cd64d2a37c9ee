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

	"github.com/AleutianAI/storefront-edge/services/edge/cachetier"
	"github.com/gin-gonic/gin"
)

// Control accepts one cache control command and returns the typed reply.
// Command failures come back as in-band ERROR replies with HTTP 200; only
// malformed requests get a 4xx.
func Control(ctl *cachetier.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cmd cachetier.Command
		if err := c.ShouldBindJSON(&cmd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command payload"})
			return
		}
		c.JSON(http.StatusOK, ctl.Handle(c.Request.Context(), cmd))
	}
}

// Version answers the current deploy version status.
func Version(checker *cachetier.VersionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := checker.Check(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
