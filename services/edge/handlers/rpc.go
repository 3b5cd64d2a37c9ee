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
	"encoding/json"
	"net/http"

	"github.com/AleutianAI/storefront-edge/pkg/validation"
	"github.com/gin-gonic/gin"
)

// Invoker is the stored-procedure surface the RPC pass-through forwards to.
// *backend.Client implements it.
type Invoker interface {
	RPC(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error)
}

// RPC forwards a stored-procedure call straight to the backend. These
// calls mutate state (order placement, wallet signing) and must never
// touch the cache; the classifier deny-list keeps them off the fetch
// path, and this route is their way through the proxy.
func RPC(client Invoker) gin.HandlerFunc {
	return func(c *gin.Context) {
		fn := c.Param("fn")
		if err := validation.ValidateFunction(fn); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		args := map[string]any{}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&args); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed rpc arguments"})
				return
			}
		}

		result, err := client.RPC(c.Request.Context(), fn, args)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", result)
	}
}
