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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/storefront-edge/services/edge/backend"
	"github.com/AleutianAI/storefront-edge/services/edge/breaker"
)

type flakyFetcher struct {
	mu    sync.Mutex
	calls int
	errOn map[int]error // 1-based call number -> error
}

func (f *flakyFetcher) Select(ctx context.Context, table string, filters map[string]string) ([]backend.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errOn[f.calls]; err != nil {
		return nil, err
	}
	return []backend.Row{{"id": "1", "table": table}}, nil
}

func (f *flakyFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPollingFallback_PollsImmediatelyThenOnInterval(t *testing.T) {
	fetcher := &flakyFetcher{}
	var updates atomic.Int32
	p := NewPollingFallback("1", "orders", nil, fetcher, 5*time.Millisecond,
		func(rows []backend.Row) {
			if len(rows) != 1 {
				t.Errorf("rows = %d, want 1", len(rows))
			}
			updates.Add(1)
		}, nil)

	p.Start(context.Background())
	defer p.Stop()

	eventually(t, time.Second, func() bool { return updates.Load() >= 3 },
		"expected the immediate poll plus interval polls")
}

func TestPollingFallback_ContinuesPastFetchErrors(t *testing.T) {
	fetcher := &flakyFetcher{errOn: map[int]error{1: errors.New("backend down")}}
	var updates atomic.Int32
	p := NewPollingFallback("1", "orders", nil, fetcher, 5*time.Millisecond,
		func([]backend.Row) { updates.Add(1) }, nil)

	p.Start(context.Background())
	defer p.Stop()

	// First poll errors and delivers nothing; later polls recover.
	eventually(t, time.Second, func() bool { return updates.Load() >= 1 },
		"polling never recovered after a fetch error")
	if fetcher.callCount() < 2 {
		t.Error("fetch error stopped the polling loop")
	}
}

func TestPollingFallback_StopHaltsPolling(t *testing.T) {
	fetcher := &flakyFetcher{}
	p := NewPollingFallback("1", "orders", nil, fetcher, 5*time.Millisecond,
		func([]backend.Row) {}, nil)

	p.Start(context.Background())
	eventually(t, time.Second, func() bool { return fetcher.callCount() >= 1 },
		"poll never ran")
	p.Stop()
	p.Stop() // idempotent

	settled := fetcher.callCount()
	time.Sleep(30 * time.Millisecond)
	if after := fetcher.callCount(); after > settled+1 {
		t.Errorf("polls kept running after Stop: %d -> %d", settled, after)
	}
}

func TestPollingFallback_StartIsIdempotent(t *testing.T) {
	fetcher := &flakyFetcher{}
	p := NewPollingFallback("1", "orders", nil, fetcher, time.Hour,
		func([]backend.Row) {}, nil)

	p.Start(context.Background())
	p.Start(context.Background())
	defer p.Stop()

	eventually(t, time.Second, func() bool { return fetcher.callCount() >= 1 },
		"immediate poll never ran")
	time.Sleep(20 * time.Millisecond)
	if n := fetcher.callCount(); n > 1 {
		t.Errorf("double Start produced %d immediate polls, want 1", n)
	}
}

func TestPollingFallback_ContextCancellationStopsLoop(t *testing.T) {
	fetcher := &flakyFetcher{}
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPollingFallback("1", "orders", nil, fetcher, 5*time.Millisecond,
		func([]backend.Row) {}, nil)

	p.Start(ctx)
	defer p.Stop()
	eventually(t, time.Second, func() bool { return fetcher.callCount() >= 1 },
		"poll never ran")

	cancel()
	settled := fetcher.callCount()
	time.Sleep(30 * time.Millisecond)
	if after := fetcher.callCount(); after > settled+1 {
		t.Errorf("polls kept running after context cancel: %d -> %d", settled, after)
	}
}

func TestPollingFallback_CircuitBreaksAfterRepeatedFailures(t *testing.T) {
	fetcher := &flakyFetcher{errOn: map[int]error{
		1: errors.New("backend down"),
		2: errors.New("backend down"),
		3: errors.New("backend down"),
	}}
	var updates atomic.Int32
	p := NewPollingFallback("1", "orders", nil, fetcher, 5*time.Millisecond,
		func([]backend.Row) { updates.Add(1) }, nil)
	p.breaker = breaker.New[[]backend.Row]("poll:orders", nil, breaker.Config{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	p.Start(context.Background())
	defer p.Stop()

	// Two failures open the circuit; later polls short-circuit without
	// reaching the backend.
	eventually(t, time.Second, func() bool { return fetcher.callCount() >= 2 },
		"failing polls never ran")
	settled := fetcher.callCount()
	time.Sleep(50 * time.Millisecond)
	if after := fetcher.callCount(); after > settled {
		t.Errorf("open circuit still reached the backend: %d -> %d", settled, after)
	}
	if n := updates.Load(); n != 0 {
		t.Errorf("updates delivered while circuit open = %d, want 0", n)
	}
}

func TestPollingFallback_RecoversAfterBreakerReset(t *testing.T) {
	fetcher := &flakyFetcher{errOn: map[int]error{
		1: errors.New("backend down"),
		2: errors.New("backend down"),
	}}
	var updates atomic.Int32
	p := NewPollingFallback("1", "orders", nil, fetcher, 5*time.Millisecond,
		func([]backend.Row) { updates.Add(1) }, nil)
	p.breaker = breaker.New[[]backend.Row]("poll:orders", nil, breaker.Config{
		MaxFailures:  2,
		ResetTimeout: time.Millisecond,
	})

	p.Start(context.Background())
	defer p.Stop()

	// The reset timeout elapses between polls, so the circuit closes and
	// the recovered backend delivers rows again.
	eventually(t, time.Second, func() bool { return updates.Load() >= 1 },
		"polling never recovered after the circuit opened")
}
