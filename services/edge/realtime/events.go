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

import (
	"fmt"
	"sort"
)

// ChannelEventKind is the closed set of channel lifecycle notifications.
// Consumers switch on the kind instead of comparing status strings.
type ChannelEventKind int

const (
	// EventSubscribed means the channel join was acknowledged.
	EventSubscribed ChannelEventKind = iota
	// EventClosed means the channel closed normally.
	EventClosed
	// EventChannelError means the channel failed and may be recreated.
	EventChannelError
	// EventTimedOut means the join did not complete in time.
	EventTimedOut
	// EventMaxRetriesExceeded is terminal: reconnection gave up and the
	// subscriber should switch strategies (typically to polling).
	EventMaxRetriesExceeded
)

// String returns a human-readable kind name.
func (k ChannelEventKind) String() string {
	switch k {
	case EventSubscribed:
		return "subscribed"
	case EventClosed:
		return "closed"
	case EventChannelError:
		return "channel_error"
	case EventTimedOut:
		return "timed_out"
	case EventMaxRetriesExceeded:
		return "max_retries_exceeded"
	default:
		return "unknown"
	}
}

// ChannelEvent notifies a subscriber of a channel state change.
type ChannelEvent struct {
	Kind ChannelEventKind
	Err  error
}

// ChangeKind identifies the row operation carried by a change event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Record is the decoded row payload of a change event.
type Record map[string]any

// ChangeEvent is one row change delivered by the change feed.
type ChangeEvent struct {
	Table string
	Kind  ChangeKind
	// New is the row after the change (nil for deletes).
	New Record
	// Old is the row before the change (nil for inserts).
	Old Record
}

// Filter matches change events by equality on top-level record fields.
// Richer predicates are intentionally unsupported; every observed use is a
// single-column equality test.
type Filter map[string]string

// Matches reports whether the event's row satisfies every filter column.
// Deletes are matched against the old row since the new one is absent.
func (f Filter) Matches(ev ChangeEvent) bool {
	if len(f) == 0 {
		return true
	}
	rec := ev.New
	if rec == nil {
		rec = ev.Old
	}
	if rec == nil {
		return false
	}
	for col, want := range f {
		got, ok := rec[col]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// Key derives a stable channel key from a table and filter, used to name
// logical subscriptions.
func (f Filter) Key(table string) string {
	if len(f) == 0 {
		return table
	}
	cols := make([]string, 0, len(f))
	for col := range f {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	key := table
	for _, col := range cols {
		key += ":" + col + "=" + f[col]
	}
	return key
}
