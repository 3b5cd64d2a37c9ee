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
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var updatesUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The proxy serves localhost pages only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// UpdateHub pushes deploy-update notifications to connected pages. Pages
// decide what to do with an update; the hub never invalidates anything
// itself.
//
// Thread Safety: Safe for concurrent use.
type UpdateHub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	logger *slog.Logger
}

// NewUpdateHub creates an empty hub.
func NewUpdateHub(logger *slog.Logger) *UpdateHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateHub{
		conns:  make(map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// Broadcast sends one JSON message to every connected page. Connections
// that fail to accept the write are dropped.
func (h *UpdateHub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Warn("dropping update listener", "error", err)
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// ClientCount returns the number of connected pages.
func (h *UpdateHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every page and rejects new connections.
func (h *UpdateHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
	}
}

func (h *UpdateHub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *UpdateHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// UpdatesWebSocket upgrades the request and keeps the page registered
// until it disconnects.
func UpdatesWebSocket(hub *UpdateHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := updatesUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		if !hub.add(conn) {
			conn.Close()
			return
		}
		defer func() {
			hub.remove(conn)
			conn.Close()
		}()
		// Drain client frames so pings and close frames are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
