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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/storefront-edge/services/edge/backend"
	"github.com/AleutianAI/storefront-edge/services/edge/breaker"
)

// PollingFallback substitutes a fixed-interval full refetch for a realtime
// channel when the transport is unreachable. Each poll calls onUpdate with
// the complete current row set, not an incremental change.
//
// Polls run under a circuit breaker: repeated backend failures open the
// circuit and polls short-circuit without hitting the backend until the
// reset timeout elapses. While open, the subscriber keeps its last
// delivered rows.
//
// Thread Safety: Safe for concurrent use.
type PollingFallback struct {
	id       string
	table    string
	filter   Filter
	fetcher  backend.Fetcher
	interval time.Duration
	onUpdate func([]backend.Row)
	logger   *slog.Logger
	breaker  *breaker.Breaker[[]backend.Row]

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewPollingFallback creates a stopped fallback. interval <= 0 defaults
// to 10s, the empirically tuned cadence.
func NewPollingFallback(id, table string, filter Filter, fetcher backend.Fetcher,
	interval time.Duration, onUpdate func([]backend.Row), logger *slog.Logger) *PollingFallback {

	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	brCfg := breaker.DefaultConfig()
	brCfg.Logger = logger
	return &PollingFallback{
		id:       id,
		table:    table,
		filter:   filter,
		fetcher:  fetcher,
		interval: interval,
		onUpdate: onUpdate,
		logger:   logger,
		breaker:  breaker.New[[]backend.Row]("poll:"+table, nil, brCfg),
	}
}

// Start begins polling: one immediate fetch, then every interval until
// Stop or ctx done. Idempotent.
func (p *PollingFallback) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	pollingActive.Inc()
	p.logger.Info("polling fallback started",
		"id", p.id, "table", p.table, "interval", p.interval.String())

	go func() {
		p.poll(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

// Stop halts the polling interval. Idempotent; safe to call concurrently
// with an in-flight poll.
func (p *PollingFallback) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	p.done = nil
	p.mu.Unlock()
	pollingActive.Dec()
}

func (p *PollingFallback) poll(ctx context.Context) {
	rows, err := p.breaker.Execute(ctx, func(ctx context.Context) ([]backend.Row, error) {
		return p.fetcher.Select(ctx, p.table, p.filter)
	})
	if err != nil {
		p.logger.Warn("polling fallback fetch failed",
			"id", p.id, "table", p.table, "error", err)
		return
	}
	// A nil row set is the open-circuit fallback; a successful select
	// decodes to an empty slice, never nil.
	if rows == nil {
		return
	}
	if p.onUpdate != nil {
		p.onUpdate(rows)
	}
}
