// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import "errors"

var (
	// ErrTransportClosed is returned when an operation needs an open
	// transport and the socket is down.
	ErrTransportClosed = errors.New("realtime: transport is not open")

	// ErrChannelClosed is returned when subscribing on a closed channel.
	ErrChannelClosed = errors.New("realtime: channel is closed")

	// ErrMaxRetriesExceeded is recorded as the terminal connection error
	// after reconnection attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("realtime: max reconnect attempts exceeded")

	// ErrManagerClosed is returned by operations on a shut-down manager.
	ErrManagerClosed = errors.New("realtime: connection manager is closed")
)
