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
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/AleutianAI/storefront-edge/pkg/validation"
	"github.com/AleutianAI/storefront-edge/services/edge/backend"
	"github.com/AleutianAI/storefront-edge/services/edge/ratelimit"
	"github.com/AleutianAI/storefront-edge/services/edge/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubscribeDeps bridges page websockets onto the shared realtime layer.
type SubscribeDeps struct {
	Shared  *realtime.SharedChannels
	Subs    *realtime.SubscriptionManager
	Limiter *ratelimit.Limiter
}

// subscribeMessage is one frame pushed to the page.
type subscribeMessage struct {
	Type  string          `json:"type"`
	Table string          `json:"table,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	New   realtime.Record `json:"new,omitempty"`
	Old   realtime.Record `json:"old,omitempty"`
	Rows  []backend.Row   `json:"rows,omitempty"`
	Error string          `json:"error,omitempty"`
}

// clientFrame is what the page may send after subscribing.
type clientFrame struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

// SubscribeWebSocket subscribes the page to one table's change feed.
// Query parameters: table (required) plus eq.<column>=<value> filters.
// Changes stream as "change" frames; polling-fallback refreshes stream as
// "refresh" frames. The page reports tab visibility with
// {"type":"visibility","visible":bool} frames and keeps the subscription
// warm just by staying connected.
func SubscribeWebSocket(deps SubscribeDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		table := c.Query("table")
		if err := validation.ValidateTable(table); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if deps.Limiter != nil {
			if err := deps.Limiter.WaitForToken(c.Request.Context(), table, ratelimit.ClassSubscription); err != nil {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "subscription rate limit exceeded"})
				return
			}
		}

		filter := realtime.Filter{}
		for key, vals := range c.Request.URL.Query() {
			if col, ok := strings.CutPrefix(key, "eq."); ok && len(vals) > 0 {
				filter[col] = vals[0]
			}
		}

		conn, err := updatesUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		key := fmt.Sprintf("%s:%s", filter.Key(table), uuid.NewString())

		var writeMu sync.Mutex
		send := func(msg subscribeMessage) {
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.WriteJSON(msg)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		unsubscribe, err := deps.Shared.Subscribe(ctx, table, filter,
			func(ev realtime.ChangeEvent) {
				deps.Subs.Touch(key)
				send(subscribeMessage{
					Type:  "change",
					Table: ev.Table,
					Kind:  string(ev.Kind),
					New:   ev.New,
					Old:   ev.Old,
				})
			},
			func(rows []backend.Row) {
				deps.Subs.Touch(key)
				send(subscribeMessage{Type: "refresh", Table: table, Rows: rows})
			})
		if err != nil {
			send(subscribeMessage{Type: "error", Error: err.Error()})
			return
		}

		deps.Subs.Register(key, unsubscribe, 1)
		send(subscribeMessage{Type: "subscribed", Table: table})

		for {
			var frame clientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				// Page went away; the sweep reaps the registration
				// after the unsubscribe runs.
				unsubscribe()
				deps.Subs.MarkError(key)
				return
			}
			switch frame.Type {
			case "visibility":
				deps.Subs.MarkVisible(key, frame.Visible)
			case "touch":
				deps.Subs.Touch(key)
			}
		}
	}
}
