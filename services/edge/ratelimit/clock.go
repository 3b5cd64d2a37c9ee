// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import "time"

// Clock abstracts wall-clock time so refill arithmetic can be tested
// deterministically. Production code uses SystemClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock is the real clock backed by time.Now.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
//
// Thread Safety: Not safe for concurrent use; tests drive it from one
// goroutine.
type FakeClock struct {
	Current time.Time
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time { return c.Current }

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }
