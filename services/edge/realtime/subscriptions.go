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
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for deterministic sweep tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SubscriptionStatus is the lifecycle status of a logical subscription.
type SubscriptionStatus int

const (
	SubscriptionActive SubscriptionStatus = iota
	SubscriptionStale
	SubscriptionError
)

// String returns a human-readable status name.
func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionActive:
		return "active"
	case SubscriptionStale:
		return "stale"
	case SubscriptionError:
		return "error"
	default:
		return "unknown"
	}
}

// subscription is the metadata for one logical subscription. Owned
// exclusively by the SubscriptionManager.
type subscription struct {
	key          string
	cleanup      func()
	priority     int
	visible      bool
	retryCount   int
	status       SubscriptionStatus
	lastAccessed time.Time
}

// SubscriptionInfo is a read-only snapshot of one entry, for the metrics
// and control surfaces.
type SubscriptionInfo struct {
	Key          string    `json:"key"`
	Priority     int       `json:"priority"`
	Visible      bool      `json:"visible"`
	RetryCount   int       `json:"retry_count"`
	Status       string    `json:"status"`
	LastAccessed time.Time `json:"last_accessed"`
}

// SubscriptionConfig tunes the garbage-collection sweep.
type SubscriptionConfig struct {
	// SweepInterval is how often the background sweep runs. Default: 60s.
	SweepInterval time.Duration

	// ErrorTimeout removes errored entries idle longer than this.
	// Default: 30s.
	ErrorTimeout time.Duration

	// InactiveTimeout removes invisible, non-errored entries idle longer
	// than this. Default: 5min.
	InactiveTimeout time.Duration

	// StaleTimeout flags (but keeps) entries idle longer than this.
	// Default: 10min.
	StaleTimeout time.Duration

	// Clock overrides the time source. Nil means the system clock.
	Clock Clock

	// Logger for cleanup failures. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultSubscriptionConfig returns the stock sweep tuning.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		SweepInterval:   60 * time.Second,
		ErrorTimeout:    30 * time.Second,
		InactiveTimeout: 5 * time.Minute,
		StaleTimeout:    10 * time.Minute,
	}
}

// SubscriptionManager is the registry of logical subscriptions with
// visibility and priority metadata, garbage-collecting entries that go
// idle or error out.
//
// Cleanup callbacks must be idempotent: the sweep and a concurrent
// reconnect are not synchronized, so a cleanup can run against a channel
// that is simultaneously being recreated. The manager guards every
// invocation with a recover regardless.
//
// Thread Safety: Safe for concurrent use.
type SubscriptionManager struct {
	config SubscriptionConfig
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*subscription
	done    chan struct{}
	closed  bool
}

// NewSubscriptionManager creates a manager. Call Start to begin sweeping
// and Close at teardown.
func NewSubscriptionManager(cfg SubscriptionConfig) *SubscriptionManager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.ErrorTimeout <= 0 {
		cfg.ErrorTimeout = 30 * time.Second
	}
	if cfg.InactiveTimeout <= 0 {
		cfg.InactiveTimeout = 5 * time.Minute
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SubscriptionManager{
		config:  cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		entries: make(map[string]*subscription),
	}
}

// Register inserts (or overwrites) a subscription with status active and
// lastAccessed now. cleanup releases the underlying physical resource and
// must be idempotent.
func (sm *SubscriptionManager) Register(key string, cleanup func(), priority int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return
	}
	if _, exists := sm.entries[key]; !exists {
		subscriptionsActive.Inc()
	}
	sm.entries[key] = &subscription{
		key:          key,
		cleanup:      cleanup,
		priority:     priority,
		status:       SubscriptionActive,
		lastAccessed: sm.clock.Now(),
	}
}

// Touch bumps the last-accessed time. A stale entry reverts to active.
func (sm *SubscriptionManager) Touch(key string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sub, ok := sm.entries[key]; ok {
		sub.lastAccessed = sm.clock.Now()
		if sub.status == SubscriptionStale {
			sub.status = SubscriptionActive
		}
	}
}

// MarkVisible sets the UI-visibility flag. Becoming visible resets the
// retry count.
func (sm *SubscriptionManager) MarkVisible(key string, visible bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sub, ok := sm.entries[key]; ok {
		sub.visible = visible
		if visible {
			sub.retryCount = 0
		}
	}
}

// MarkError flags the subscription as errored and increments its retry
// count. Errored entries are garbage-collected on a much shorter timeout.
func (sm *SubscriptionManager) MarkError(key string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sub, ok := sm.entries[key]; ok {
		sub.status = SubscriptionError
		sub.retryCount++
	}
}

// Len returns the number of registered subscriptions.
func (sm *SubscriptionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.entries)
}

// Snapshot returns a copy of all entries for the metrics surface.
func (sm *SubscriptionManager) Snapshot() []SubscriptionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(sm.entries))
	for _, sub := range sm.entries {
		out = append(out, SubscriptionInfo{
			Key:          sub.key,
			Priority:     sub.priority,
			Visible:      sub.visible,
			RetryCount:   sub.retryCount,
			Status:       sub.status.String(),
			LastAccessed: sub.lastAccessed,
		})
	}
	return out
}

// Start launches the background sweep. Idempotent.
func (sm *SubscriptionManager) Start() {
	sm.mu.Lock()
	if sm.done != nil || sm.closed {
		sm.mu.Unlock()
		return
	}
	done := make(chan struct{})
	sm.done = done
	sm.mu.Unlock()

	go func() {
		ticker := time.NewTicker(sm.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sm.Sweep()
			}
		}
	}()
}

// Sweep runs one garbage-collection pass. Exported so tests and the
// control surface can force a pass without waiting for the interval.
func (sm *SubscriptionManager) Sweep() {
	now := sm.clock.Now()

	type victim struct {
		key     string
		cleanup func()
	}
	var victims []victim

	sm.mu.Lock()
	for key, sub := range sm.entries {
		idle := now.Sub(sub.lastAccessed)
		switch {
		case sub.status == SubscriptionError && idle > sm.config.ErrorTimeout:
			victims = append(victims, victim{key, sub.cleanup})
			delete(sm.entries, key)
		case sub.status != SubscriptionError && !sub.visible && idle > sm.config.InactiveTimeout:
			victims = append(victims, victim{key, sub.cleanup})
			delete(sm.entries, key)
		case idle > sm.config.StaleTimeout:
			sub.status = SubscriptionStale
		}
	}
	sm.mu.Unlock()

	for _, v := range victims {
		subscriptionsActive.Dec()
		sm.invokeCleanup(v.key, v.cleanup)
	}
	if len(victims) > 0 {
		sm.logger.Info("subscription sweep removed entries", "count", len(victims))
	}
}

// invokeCleanup runs one cleanup, absorbing panics so a bad callback never
// takes down the sweep. The entry is already removed by the caller.
func (sm *SubscriptionManager) invokeCleanup(key string, cleanup func()) {
	if cleanup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			sm.logger.Error("subscription cleanup panicked", "key", key, "panic", r)
		}
	}()
	cleanup()
}

// Close stops the sweep and synchronously invokes every remaining cleanup.
// Used at process teardown.
func (sm *SubscriptionManager) Close() {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return
	}
	sm.closed = true
	if sm.done != nil {
		close(sm.done)
		sm.done = nil
	}
	remaining := make([]*subscription, 0, len(sm.entries))
	for _, sub := range sm.entries {
		remaining = append(remaining, sub)
	}
	sm.entries = make(map[string]*subscription)
	sm.mu.Unlock()

	for _, sub := range remaining {
		subscriptionsActive.Dec()
		sm.invokeCleanup(sub.key, sub.cleanup)
	}
}
