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

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(clk Clock, classes map[string]Class) *Limiter {
	cfg := DefaultConfig()
	cfg.Clock = clk
	if classes != nil {
		cfg.Classes = classes
	}
	return New(cfg)
}

func TestCheckLimit_AdmitsUpToMax(t *testing.T) {
	clk := &FakeClock{Current: time.Unix(1000, 0)}
	lim := newTestLimiter(clk, map[string]Class{
		"burst": {MaxRequests: 3, Window: time.Second},
	})

	for i := 0; i < 3; i++ {
		if !lim.CheckLimit("user-1", "burst") {
			t.Fatalf("call %d rejected, want admitted", i+1)
		}
	}
	if lim.CheckLimit("user-1", "burst") {
		t.Fatal("4th call admitted, want rejected")
	}
}

func TestCheckLimit_NeverExceedsMaxPerWindow(t *testing.T) {
	clk := &FakeClock{Current: time.Unix(1000, 0)}
	lim := newTestLimiter(clk, map[string]Class{
		"tight": {MaxRequests: 5, Window: time.Second},
	})

	// Hammer within a single window: exactly MaxRequests admissions.
	admitted := 0
	for i := 0; i < 50; i++ {
		clk.Advance(10 * time.Millisecond) // stays inside the 1s window
		if lim.CheckLimit("k", "tight") {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("admitted = %d within one window, want 5", admitted)
	}
}

func TestCheckLimit_RefillsAfterWindow(t *testing.T) {
	clk := &FakeClock{Current: time.Unix(1000, 0)}
	lim := newTestLimiter(clk, map[string]Class{
		"r": {MaxRequests: 2, Window: time.Second},
	})

	if !lim.CheckLimit("k", "r") || !lim.CheckLimit("k", "r") {
		t.Fatal("initial tokens not admitted")
	}
	if lim.CheckLimit("k", "r") {
		t.Fatal("bucket should be empty")
	}

	clk.Advance(time.Second)
	if !lim.CheckLimit("k", "r") {
		t.Fatal("token not refilled after one full window")
	}
}

func TestCheckLimit_RefillCappedAtMax(t *testing.T) {
	clk := &FakeClock{Current: time.Unix(1000, 0)}
	lim := newTestLimiter(clk, map[string]Class{
		"cap": {MaxRequests: 2, Window: time.Second},
	})

	lim.CheckLimit("k", "cap")
	clk.Advance(time.Hour) // many elapsed windows must not overfill

	admitted := 0
	for i := 0; i < 10; i++ {
		if lim.CheckLimit("k", "cap") {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("admitted = %d after long idle, want 2 (cap)", admitted)
	}
}

func TestCheckLimit_IndependentKeys(t *testing.T) {
	clk := &FakeClock{Current: time.Unix(1000, 0)}
	lim := newTestLimiter(clk, map[string]Class{
		"x": {MaxRequests: 1, Window: time.Second},
	})

	if !lim.CheckLimit("a", "x") {
		t.Fatal("key a rejected")
	}
	if !lim.CheckLimit("b", "x") {
		t.Fatal("key b should have its own bucket")
	}
	if lim.CheckLimit("a", "x") {
		t.Fatal("key a should be exhausted")
	}
}

func TestCheckLimit_UnknownClassUsesDefault(t *testing.T) {
	clk := &FakeClock{Current: time.Unix(1000, 0)}
	cfg := Config{
		Default: Class{MaxRequests: 1, Window: time.Second},
		Clock:   clk,
	}
	lim := New(cfg)

	if !lim.CheckLimit("k", "nonexistent") {
		t.Fatal("first default-class call rejected")
	}
	if lim.CheckLimit("k", "nonexistent") {
		t.Fatal("default class should limit at 1")
	}
}

func TestWaitForToken_ReturnsImmediatelyWhenAvailable(t *testing.T) {
	lim := New(DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := lim.WaitForToken(ctx, "k", ClassDefault); err != nil {
		t.Fatalf("WaitForToken() error = %v", err)
	}
}

func TestWaitForToken_HonorsContextCancellation(t *testing.T) {
	clk := &FakeClock{Current: time.Unix(1000, 0)}
	lim := newTestLimiter(clk, map[string]Class{
		"slow": {MaxRequests: 1, Window: time.Hour},
	})
	lim.CheckLimit("k", "slow") // exhaust

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := lim.WaitForToken(ctx, "k", "slow")
	if err != context.DeadlineExceeded {
		t.Errorf("WaitForToken() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestWaitForToken_AcquiresAfterRefill(t *testing.T) {
	lim := New(Config{
		Default: Class{MaxRequests: 2, Window: 100 * time.Millisecond},
	})
	lim.CheckLimit("k", ClassDefault)
	lim.CheckLimit("k", ClassDefault)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := lim.WaitForToken(ctx, "k", ClassDefault); err != nil {
		t.Fatalf("WaitForToken() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("WaitForToken returned after %v, expected to wait for refill", elapsed)
	}
}
