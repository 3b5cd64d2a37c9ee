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

// Fetch proxies a storefront request through the tiered cache. The target
// URL is passed as the `url` query parameter; cached responses carry the
// X-Cache-* diagnostic headers.
func Fetch(cache *cachetier.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := c.Query("url")
		if target == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter is required"})
			return
		}

		res, err := cache.Fetch(c.Request.Context(), http.MethodGet, target)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		for key, vals := range res.Header {
			for _, v := range vals {
				c.Writer.Header().Add(key, v)
			}
		}
		c.Header("X-Cache-Status", res.Status)
		c.Data(res.StatusCode, res.ContentType, res.Body)
	}
}
