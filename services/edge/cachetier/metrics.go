// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cachetier

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("edge.cachetier")
	meter  = otel.Meter("edge.cachetier")
)

var (
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cacheErrors     metric.Int64Counter
	cacheEvictions  metric.Int64Counter
	cacheGetLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the otel instruments. Safe to call repeatedly.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"edge_cache_hits_total",
			metric.WithDescription("Total cache hits by tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"edge_cache_misses_total",
			metric.WithDescription("Total cache misses by tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheErrors, err = meter.Int64Counter(
			"edge_cache_errors_total",
			metric.WithDescription("Total cache fetch errors by tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"edge_cache_evictions_total",
			metric.WithDescription("Total LRU evictions by tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"edge_cache_get_duration_seconds",
			metric.WithDescription("Duration of cache fetch operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func tierAttr(t CacheType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("cache.type", string(t)))
}

// startFetchSpan opens a span around one cache fetch.
func startFetchSpan(ctx context.Context, t CacheType, url string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Cache.Fetch",
		trace.WithAttributes(
			attribute.String("cache.type", string(t)),
			attribute.String("cache.url", url),
		),
	)
}

// TierMetrics is the per-tier counter snapshot served over the control
// channel.
type TierMetrics struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Errors    int64   `json:"errors"`
	Evictions int64   `json:"evictions"`
	AvgMillis float64 `json:"avg_ms"`
}

// metricsBook accumulates the same counts as the otel instruments, readable
// on demand. The otel pipeline only exports; GetMetrics needs a reply.
type metricsBook struct {
	mu      sync.Mutex
	byTier  map[CacheType]*TierMetrics
	totalMS map[CacheType]float64
	samples map[CacheType]int64
}

func newMetricsBook() *metricsBook {
	return &metricsBook{
		byTier:  make(map[CacheType]*TierMetrics),
		totalMS: make(map[CacheType]float64),
		samples: make(map[CacheType]int64),
	}
}

func (b *metricsBook) tier(t CacheType) *TierMetrics {
	tm, ok := b.byTier[t]
	if !ok {
		tm = &TierMetrics{}
		b.byTier[t] = tm
	}
	return tm
}

func (b *metricsBook) recordHit(ctx context.Context, t CacheType) {
	if initMetrics() == nil {
		cacheHits.Add(ctx, 1, tierAttr(t))
	}
	b.mu.Lock()
	b.tier(t).Hits++
	b.mu.Unlock()
}

func (b *metricsBook) recordMiss(ctx context.Context, t CacheType) {
	if initMetrics() == nil {
		cacheMisses.Add(ctx, 1, tierAttr(t))
	}
	b.mu.Lock()
	b.tier(t).Misses++
	b.mu.Unlock()
}

func (b *metricsBook) recordError(ctx context.Context, t CacheType) {
	if initMetrics() == nil {
		cacheErrors.Add(ctx, 1, tierAttr(t))
	}
	b.mu.Lock()
	b.tier(t).Errors++
	b.mu.Unlock()
}

func (b *metricsBook) recordEviction(ctx context.Context, t CacheType, n int) {
	if n <= 0 {
		return
	}
	if initMetrics() == nil {
		cacheEvictions.Add(ctx, int64(n), tierAttr(t))
	}
	b.mu.Lock()
	b.tier(t).Evictions += int64(n)
	b.mu.Unlock()
}

func (b *metricsBook) recordLatency(ctx context.Context, t CacheType, d time.Duration) {
	if initMetrics() == nil {
		cacheGetLatency.Record(ctx, d.Seconds(), tierAttr(t))
	}
	b.mu.Lock()
	b.totalMS[t] += float64(d.Milliseconds())
	b.samples[t]++
	b.mu.Unlock()
}

// Snapshot returns a copy of every tier's counters with average timing.
func (b *metricsBook) Snapshot() map[CacheType]TierMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[CacheType]TierMetrics, len(b.byTier))
	for t, tm := range b.byTier {
		snap := *tm
		if n := b.samples[t]; n > 0 {
			snap.AvgMillis = b.totalMS[t] / float64(n)
		}
		out[t] = snap
	}
	return out
}
