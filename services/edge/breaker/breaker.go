// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker provides per-resource circuit breaking with a configured
// fallback value.
//
// Unlike a rejecting breaker, an open circuit here short-circuits to the
// fallback value without surfacing an error: callers get a degraded answer,
// not a failure. The breaker only returns an error on the call that actually
// failed. Recovery is implicit: once ResetTimeout has elapsed since the last
// failure the open check clears the stale failure count and the next call is
// allowed through.
//
// # Thread Safety
//
// Breaker is safe for concurrent use.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures a Breaker.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long after the last failure the circuit stays
	// open. Default: 30s.
	ResetTimeout time.Duration

	// Clock overrides the time source. Nil means the system clock.
	Clock Clock

	// Logger receives warn logs on short-circuit and error logs on
	// operation failure. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// Stats is a snapshot of breaker counters for the metrics surface.
type Stats struct {
	Name               string    `json:"name"`
	Open               bool      `json:"open"`
	Failures           int       `json:"failures"`
	LastFailure        time.Time `json:"last_failure"`
	TotalCalls         int64     `json:"total_calls"`
	TotalFailures      int64     `json:"total_failures"`
	TotalShortCircuits int64     `json:"total_short_circuits"`
}

// Breaker guards one named resource and yields fallback while open.
type Breaker[T any] struct {
	name     string
	fallback T
	config   Config

	mu          sync.Mutex
	failures    int
	lastFailure time.Time

	totalCalls         int64
	totalFailures      int64
	totalShortCircuits int64
}

// New creates a breaker for name that short-circuits to fallback.
func New[T any](name string, fallback T, cfg Config) *Breaker[T] {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker[T]{name: name, fallback: fallback, config: cfg}
}

// IsOpen reports whether calls would currently short-circuit.
//
// Checking after ResetTimeout has elapsed since the last failure clears the
// stale failure count, so the next Execute proceeds regardless of how many
// failures accumulated before the quiet period.
func (b *Breaker[T]) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker[T]) isOpenLocked() bool {
	if b.failures < b.config.MaxFailures {
		return false
	}
	if b.config.Clock.Now().Sub(b.lastFailure) > b.config.ResetTimeout {
		b.failures = 0
		return false
	}
	return true
}

// Execute runs op under breaker protection.
//
// While open, op is not invoked and the fallback value is returned with a
// nil error. Otherwise op runs; success resets the failure count, failure
// increments it and the error is returned to the caller along with the
// zero value.
func (b *Breaker[T]) Execute(ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	b.mu.Lock()
	b.totalCalls++
	if b.isOpenLocked() {
		b.totalShortCircuits++
		failures := b.failures
		b.mu.Unlock()
		b.config.Logger.Warn("circuit open, returning fallback",
			"resource", b.name,
			"failures", failures,
		)
		return b.fallback, nil
	}
	b.mu.Unlock()

	result, err := op(ctx)
	if err != nil {
		b.mu.Lock()
		b.failures++
		b.totalFailures++
		b.lastFailure = b.config.Clock.Now()
		failures := b.failures
		b.mu.Unlock()
		b.config.Logger.Error("guarded operation failed",
			"resource", b.name,
			"failures", failures,
			"error", err,
		)
		var zero T
		return zero, err
	}

	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
	return result, nil
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:               b.name,
		Open:               b.failures >= b.config.MaxFailures && b.config.Clock.Now().Sub(b.lastFailure) <= b.config.ResetTimeout,
		Failures:           b.failures,
		LastFailure:        b.lastFailure,
		TotalCalls:         b.totalCalls,
		TotalFailures:      b.totalFailures,
		TotalShortCircuits: b.totalShortCircuits,
	}
}

// Reset closes the circuit and zeroes the failure count.
func (b *Breaker[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
}
