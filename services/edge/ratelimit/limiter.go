// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit provides token-bucket admission control for backend
// traffic classes.
//
// Buckets are keyed by (caller key, traffic class) and refilled lazily from
// wall-clock elapsed time on each check; there is no background timer. State
// is in-memory only and resets on process restart.
//
// # Traffic Classes
//
// Three classes are configured out of the box:
//
//   - default: 100 requests per second
//   - subscription: 50 requests per 5 seconds (channel joins)
//   - presence: 20 requests per second
//
// # Thread Safety
//
// Limiter is safe for concurrent use.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Traffic class names recognized by the default configuration.
const (
	ClassDefault      = "default"
	ClassSubscription = "subscription"
	ClassPresence     = "presence"
)

var (
	admitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_ratelimit_admitted_total",
		Help: "Requests admitted by the token bucket, by traffic class",
	}, []string{"class"})

	rejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_ratelimit_rejected_total",
		Help: "Requests rejected by the token bucket, by traffic class",
	}, []string{"class"})
)

// Class describes one traffic class: at most MaxRequests admissions per
// rolling Window.
type Class struct {
	MaxRequests int
	Window      time.Duration
}

// Config configures a Limiter.
type Config struct {
	// Default applies to any class name without an explicit entry.
	Default Class

	// Classes maps class names to their limits.
	Classes map[string]Class

	// Clock overrides the time source. Nil means SystemClock.
	Clock Clock

	// Logger receives warn-level rejection logs. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the stock traffic classes.
func DefaultConfig() Config {
	return Config{
		Default: Class{MaxRequests: 100, Window: time.Second},
		Classes: map[string]Class{
			ClassSubscription: {MaxRequests: 50, Window: 5 * time.Second},
			ClassPresence:     {MaxRequests: 20, Window: time.Second},
		},
	}
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// Limiter is a process-wide token-bucket admission controller.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	defaultClass Class
	classes      map[string]Class
	clock        Clock
	logger       *slog.Logger
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Default.MaxRequests <= 0 {
		cfg.Default = Class{MaxRequests: 100, Window: time.Second}
	}
	classes := make(map[string]Class, len(cfg.Classes))
	for name, c := range cfg.Classes {
		classes[name] = c
	}
	return &Limiter{
		buckets:      make(map[string]*bucket),
		defaultClass: cfg.Default,
		classes:      classes,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}
}

// classFor resolves a class name to its limits.
func (l *Limiter) classFor(class string) Class {
	if c, ok := l.classes[class]; ok {
		return c
	}
	return l.defaultClass
}

// CheckLimit reports whether one request under (key, class) is admitted
// right now. Admission consumes a token. Rejections are logged at warn
// level; they are expected under load and are not errors.
func (l *Limiter) CheckLimit(key, class string) bool {
	c := l.classFor(class)
	now := l.clock.Now()

	l.mu.Lock()
	id := key + "|" + class
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{tokens: c.MaxRequests, lastRefill: now}
		l.buckets[id] = b
	}

	// Lazy refill: whole windows elapsed since the last refill each grant a
	// full allotment, capped at the class maximum.
	if elapsed := now.Sub(b.lastRefill); elapsed >= c.Window {
		refills := int(elapsed / c.Window)
		b.tokens += refills * c.MaxRequests
		if b.tokens > c.MaxRequests {
			b.tokens = c.MaxRequests
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		l.mu.Unlock()
		admitTotal.WithLabelValues(class).Inc()
		return true
	}
	l.mu.Unlock()

	rejectTotal.WithLabelValues(class).Inc()
	l.logger.Warn("rate limit exceeded",
		"key", key,
		"class", class,
		"max_requests", c.MaxRequests,
		"window", c.Window.String(),
	)
	return false
}

// WaitForToken blocks until a token for (key, class) is admitted or ctx is
// done. Between attempts it sleeps Window/MaxRequests, the average token
// arrival interval. Callers needing a deadline must carry it in ctx.
func (l *Limiter) WaitForToken(ctx context.Context, key, class string) error {
	c := l.classFor(class)
	interval := c.Window / time.Duration(c.MaxRequests)
	if interval <= 0 {
		interval = time.Millisecond
	}

	for {
		if l.CheckLimit(key, class) {
			return nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
