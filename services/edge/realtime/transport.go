// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package realtime manages the shared change-feed transport: connection
// lifecycle with backoff, health checking, channel multiplexing onto a
// bounded set of physical channels, subscription garbage collection, and a
// polling fallback for when the transport is down.
//
// # Architecture
//
//	SharedChannels ──▶ RobustChannel ──▶ Manager ──▶ Transport (websocket)
//	      │                                              │
//	      └───────────▶ PollingFallback ◀── unhealthy ───┘
//
// Exactly one Transport exists per Manager; all channel creation and
// teardown goes through the Manager, which is the sole mutator of the
// connection state.
package realtime

import "context"

// TransportHealth is the narrow health surface the resilience layer reads.
// It deliberately hides the vendor SDK's internal connection shape.
type TransportHealth interface {
	// IsOpen reports whether the underlying socket is open right now.
	IsOpen() bool

	// OnStatusChange registers a callback invoked when the socket opens or
	// closes. Multiple callbacks may be registered; all are invoked. The
	// returned func unregisters the callback and is safe to call more
	// than once.
	OnStatusChange(func(open bool)) (remove func())
}

// ChannelConfig describes what a physical channel observes. It is retained
// by the Manager so errored channels can be recreated identically.
type ChannelConfig struct {
	// Table is the database table whose changes the channel delivers.
	Table string `json:"table"`

	// Events restricts delivery to these change kinds. Empty means all.
	Events []ChangeKind `json:"events,omitempty"`
}

// Channel is one physical duplex subscription on the transport.
//
// Implementations deliver lifecycle notifications through the event handler
// and row changes through the change handler, in transport arrival order.
type Channel interface {
	// Topic returns the channel's topic name.
	Topic() string

	// Subscribe joins the channel and installs the handlers. It may be
	// called once per channel instance.
	Subscribe(ctx context.Context, onEvent func(ChannelEvent), onChange func(ChangeEvent)) error

	// Close leaves the channel and releases its resources. Idempotent.
	Close() error
}

// Transport is the single physical connection to the change feed.
type Transport interface {
	TransportHealth

	// Connect establishes the connection. Blocks until the socket is open
	// or ctx is done.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Idempotent.
	Disconnect() error

	// Heartbeat sends a lightweight liveness probe and returns an error if
	// the transport cannot confirm it.
	Heartbeat(ctx context.Context) error

	// NewChannel creates (but does not subscribe) a channel for topic.
	NewChannel(topic string, cfg ChannelConfig) (Channel, error)
}
