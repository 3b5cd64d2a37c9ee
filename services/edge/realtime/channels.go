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
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/storefront-edge/services/edge/backend"
)

// RobustChannel wraps one physical channel with its own reconnection state
// machine, independent of the Manager's global recovery.
//
// On Closed or ChannelError events it schedules a backoff-delayed
// resubscribe (2s * 1.5^attempt), but only while the global connection is
// healthy; when the global state is unhealthy it defers entirely to the
// global recovery and resubscribes once the transport reports open again.
// This avoids duplicate reconnect storms from the two recovery paths.
// After maxAttempts the subscriber receives a terminal MaxRetriesExceeded
// event and should switch strategies.
//
// Thread Safety: Safe for concurrent use.
type RobustChannel struct {
	manager     *Manager
	topic       string
	cfg         ChannelConfig
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	ch           Channel
	attempts     int
	timer        *time.Timer
	closed       bool
	deferred     bool // waiting on global recovery
	onEvent      func(ChannelEvent)
	onChange     func(ChangeEvent)
	removeStatus func()
}

// NewRobustChannel creates an unsubscribed robust channel on manager's
// transport. maxAttempts <= 0 defaults to 5.
func NewRobustChannel(m *Manager, topic string, cfg ChannelConfig, maxAttempts int) *RobustChannel {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &RobustChannel{
		manager:     m,
		topic:       topic,
		cfg:         cfg,
		maxAttempts: maxAttempts,
		baseDelay:   2 * time.Second,
		logger:      m.logger,
	}
}

// Subscribe joins the channel and installs the handlers. Lifecycle events,
// including the terminal MaxRetriesExceeded, arrive via onEvent.
func (rc *RobustChannel) Subscribe(ctx context.Context, onEvent func(ChannelEvent), onChange func(ChangeEvent)) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return ErrChannelClosed
	}
	rc.onEvent = onEvent
	rc.onChange = onChange
	rc.mu.Unlock()

	// Resubscribe when the transport comes back after a deferral to global
	// recovery. Close unregisters the callback so churned channels do not
	// accumulate on the transport.
	remove := rc.manager.Transport().OnStatusChange(func(open bool) {
		if !open {
			return
		}
		rc.mu.Lock()
		wasDeferred := rc.deferred && !rc.closed
		rc.deferred = false
		rc.mu.Unlock()
		if wasDeferred {
			rc.resubscribe()
		}
	})
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		remove()
		return ErrChannelClosed
	}
	rc.removeStatus = remove
	rc.mu.Unlock()

	return rc.subscribe(ctx)
}

func (rc *RobustChannel) subscribe(ctx context.Context) error {
	ch, err := rc.manager.Transport().NewChannel(rc.topic, rc.cfg)
	if err != nil {
		return fmt.Errorf("realtime: robust channel %s: %w", rc.topic, err)
	}
	if err := ch.Subscribe(ctx, rc.handleEvent, rc.dispatchChange); err != nil {
		rc.handleEvent(ChannelEvent{Kind: EventChannelError, Err: err})
		return err
	}
	rc.mu.Lock()
	rc.ch = ch
	rc.mu.Unlock()
	return nil
}

func (rc *RobustChannel) dispatchChange(ev ChangeEvent) {
	rc.mu.Lock()
	onChange := rc.onChange
	rc.mu.Unlock()
	if onChange != nil {
		onChange(ev)
	}
}

func (rc *RobustChannel) handleEvent(ev ChannelEvent) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	if ev.Kind == EventSubscribed {
		rc.attempts = 0
	}
	onEvent := rc.onEvent
	rc.mu.Unlock()

	if onEvent != nil {
		onEvent(ev)
	}
	if ev.Kind == EventClosed || ev.Kind == EventChannelError {
		rc.scheduleReconnect()
	}
}

// scheduleReconnect arms a single backoff timer. A fresh failure before a
// pending retry fires replaces the timer rather than stacking duplicates.
func (rc *RobustChannel) scheduleReconnect() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	if rc.attempts >= rc.maxAttempts {
		onEvent := rc.onEvent
		rc.mu.Unlock()
		rc.logger.Warn("robust channel giving up", "topic", rc.topic, "attempts", rc.maxAttempts)
		if onEvent != nil {
			onEvent(ChannelEvent{Kind: EventMaxRetriesExceeded, Err: ErrMaxRetriesExceeded})
		}
		return
	}

	if !rc.manager.Healthy() {
		onEvent := rc.onEvent
		st := rc.manager.State()
		if st.Status == StateDisconnected && errors.Is(st.LastError, ErrMaxRetriesExceeded) {
			// The connection itself gave up; there is nothing to wait for.
			rc.mu.Unlock()
			if onEvent != nil {
				onEvent(ChannelEvent{Kind: EventMaxRetriesExceeded, Err: ErrMaxRetriesExceeded})
			}
			return
		}
		// Global recovery owns this failure; resubscribe on reopen.
		rc.deferred = true
		rc.mu.Unlock()
		return
	}

	delay := time.Duration(float64(rc.baseDelay) * math.Pow(1.5, float64(rc.attempts)))
	rc.attempts++
	if rc.timer != nil {
		rc.timer.Stop()
	}
	rc.timer = time.AfterFunc(delay, rc.resubscribe)
	rc.mu.Unlock()
}

func (rc *RobustChannel) resubscribe() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	old := rc.ch
	rc.ch = nil
	rc.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if err := rc.subscribe(context.Background()); err != nil {
		rc.logger.Warn("robust channel resubscribe failed", "topic", rc.topic, "error", err)
	}
}

// Close tears the channel down, clears any pending reconnect timer so a
// scheduled retry cannot resurrect it, and unregisters the transport
// status callback. Idempotent.
func (rc *RobustChannel) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	if rc.timer != nil {
		rc.timer.Stop()
		rc.timer = nil
	}
	remove := rc.removeStatus
	rc.removeStatus = nil
	ch := rc.ch
	rc.ch = nil
	rc.mu.Unlock()

	if remove != nil {
		remove()
	}
	if ch != nil {
		return ch.Close()
	}
	return nil
}

// SharedConfig tunes the shared-channel multiplexer.
type SharedConfig struct {
	// MaxChannelAttempts bounds each robust channel's reconnects.
	// Default: 5.
	MaxChannelAttempts int

	// ChannelBaseDelay seeds each robust channel's reconnect backoff.
	// Default: 2s.
	ChannelBaseDelay time.Duration

	// PollInterval is the fallback poll cadence. Default: 10s.
	PollInterval time.Duration

	// RecoveryProbeInterval is how often the given-up probe retries the
	// connection. Default: 60s.
	RecoveryProbeInterval time.Duration

	// Logger for multiplexer events. Nil means the manager's logger.
	Logger *slog.Logger
}

// DefaultSharedConfig returns the stock multiplexer tuning.
func DefaultSharedConfig() SharedConfig {
	return SharedConfig{
		MaxChannelAttempts:    5,
		PollInterval:          10 * time.Second,
		RecoveryProbeInterval: 60 * time.Second,
	}
}

type sharedHandler struct {
	filter    Filter
	onChange  func(ChangeEvent)
	onRefresh func([]backend.Row)
	poll      *PollingFallback
}

type sharedTable struct {
	rc       *RobustChannel
	handlers map[string]*sharedHandler
	degraded bool
}

// SharedChannels multiplexes many (table, filter) subscriptions onto one
// physical channel per table, bounding total open channels. Every handler
// sees every change event for its table and applies its own equality
// filter; the wasted dispatch buys far fewer channels.
//
// When the transport is unhealthy at subscribe time, or after a channel
// exhausts its reconnect attempts, subscribers degrade to polling. A
// given-up flag routes all new subscriptions straight to polling once the
// initial connection has failed terminally, until the low-frequency
// recovery probe restores the transport.
//
// Thread Safety: Safe for concurrent use.
type SharedChannels struct {
	manager *Manager
	fetcher backend.Fetcher
	config  SharedConfig
	logger  *slog.Logger

	mu        sync.Mutex
	tables    map[string]*sharedTable
	givenUp   bool
	probeDone chan struct{}
	closed    bool

	idSeq atomic.Int64
}

// NewSharedChannels creates the multiplexer. fetcher backs the polling
// fallback; it may be nil only if polling will never be needed.
func NewSharedChannels(m *Manager, fetcher backend.Fetcher, cfg SharedConfig) *SharedChannels {
	if cfg.MaxChannelAttempts <= 0 {
		cfg.MaxChannelAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RecoveryProbeInterval <= 0 {
		cfg.RecoveryProbeInterval = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil && m != nil {
		logger = m.logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedChannels{
		manager: m,
		fetcher: fetcher,
		config:  cfg,
		logger:  logger,
		tables:  make(map[string]*sharedTable),
	}
}

// GivenUp reports whether new subscriptions skip the transport entirely.
func (s *SharedChannels) GivenUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.givenUp
}

// MarkGivenUp records that the initial connection failed terminally and
// starts the low-frequency recovery probe. All new subscriptions go
// straight to polling until the probe succeeds.
func (s *SharedChannels) MarkGivenUp(ctx context.Context) {
	s.mu.Lock()
	if s.givenUp || s.closed {
		s.mu.Unlock()
		return
	}
	s.givenUp = true
	done := make(chan struct{})
	s.probeDone = done
	s.mu.Unlock()

	s.logger.Warn("realtime given up, new subscriptions will poll",
		"probe_interval", s.config.RecoveryProbeInterval.String())

	if s.manager == nil {
		// Without a transport there is nothing to probe; polling is
		// permanent.
		return
	}
	go func() {
		ticker := time.NewTicker(s.config.RecoveryProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.manager.Initialize(ctx); err == nil {
					s.clearGivenUp()
					return
				}
			}
		}
	}()
}

func (s *SharedChannels) clearGivenUp() {
	s.mu.Lock()
	s.givenUp = false
	if s.probeDone != nil {
		close(s.probeDone)
		s.probeDone = nil
	}
	s.mu.Unlock()
	s.logger.Info("realtime recovered, resuming channel subscriptions")
}

// Subscribe registers onChange for change events on table matching filter.
// onRefresh receives full row sets when the subscription degrades to
// polling; nil disables the fallback for this subscriber.
//
// All subscribers to one table share one physical channel regardless of
// filter. The returned unsubscribe is idempotent; the physical channel is
// torn down when the last subscriber leaves.
func (s *SharedChannels) Subscribe(ctx context.Context, table string, filter Filter,
	onChange func(ChangeEvent), onRefresh func([]backend.Row)) (func(), error) {

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrManagerClosed
	}
	id := strconv.FormatInt(s.idSeq.Add(1), 10)
	st, ok := s.tables[table]
	if !ok {
		st = &sharedTable{handlers: make(map[string]*sharedHandler)}
		s.tables[table] = st
	}
	h := &sharedHandler{filter: filter, onChange: onChange, onRefresh: onRefresh}
	st.handlers[id] = h

	needChannel := st.rc == nil && !st.degraded
	degraded := st.degraded
	unhealthy := s.givenUp || s.manager == nil || !s.manager.Healthy()
	s.mu.Unlock()

	if unhealthy || degraded {
		s.startPolling(ctx, table, id, h)
		return s.unsubscriber(table, id), nil
	}

	if needChannel {
		if err := s.openTableChannel(ctx, table, st); err != nil {
			// Channel creation failed outright; degrade this subscriber.
			s.logger.Warn("shared channel open failed, degrading to polling",
				"table", table, "error", err)
			s.startPolling(ctx, table, id, h)
		}
	}
	return s.unsubscriber(table, id), nil
}

// openTableChannel creates the single physical channel for a table and
// wires fan-out dispatch with per-handler filtering.
func (s *SharedChannels) openTableChannel(ctx context.Context, table string, st *sharedTable) error {
	rc := NewRobustChannel(s.manager, "table:"+table, ChannelConfig{Table: table}, s.config.MaxChannelAttempts)
	if s.config.ChannelBaseDelay > 0 {
		rc.baseDelay = s.config.ChannelBaseDelay
	}

	onEvent := func(ev ChannelEvent) {
		if ev.Kind != EventMaxRetriesExceeded {
			return
		}
		// Terminal: the whole table degrades to polling.
		s.mu.Lock()
		st.degraded = true
		st.rc = nil
		handlers := make(map[string]*sharedHandler, len(st.handlers))
		for id, h := range st.handlers {
			handlers[id] = h
		}
		s.mu.Unlock()
		s.logger.Warn("shared channel exhausted retries, degrading table to polling", "table", table)
		for id, h := range handlers {
			s.startPolling(context.Background(), table, id, h)
		}
	}

	onChange := func(ev ChangeEvent) {
		changesDispatched.WithLabelValues(table).Inc()
		s.mu.Lock()
		handlers := make([]*sharedHandler, 0, len(st.handlers))
		for _, h := range st.handlers {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()
		// Every handler tests its own filter against every event.
		for _, h := range handlers {
			if h.onChange != nil && h.filter.Matches(ev) {
				h.onChange(ev)
			}
		}
	}

	if err := rc.Subscribe(ctx, onEvent, onChange); err != nil {
		return err
	}
	s.mu.Lock()
	if st.rc != nil {
		// Lost a race with another first subscriber; keep theirs.
		s.mu.Unlock()
		_ = rc.Close()
		return nil
	}
	st.rc = rc
	s.mu.Unlock()
	return nil
}

func (s *SharedChannels) startPolling(ctx context.Context, table, id string, h *sharedHandler) {
	if h.onRefresh == nil || s.fetcher == nil {
		s.logger.Warn("subscriber has no refresh callback, realtime degraded silently",
			"table", table, "id", id)
		return
	}
	poll := NewPollingFallback(id, table, h.filter, s.fetcher, s.config.PollInterval, h.onRefresh, s.logger)
	s.mu.Lock()
	h.poll = poll
	s.mu.Unlock()
	poll.Start(ctx)
}

// unsubscriber returns the idempotent unsubscribe closure for one handler.
func (s *SharedChannels) unsubscriber(table, id string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			st, ok := s.tables[table]
			if !ok {
				s.mu.Unlock()
				return
			}
			h := st.handlers[id]
			delete(st.handlers, id)
			var rc *RobustChannel
			if len(st.handlers) == 0 {
				rc = st.rc
				delete(s.tables, table)
			}
			s.mu.Unlock()

			if h != nil && h.poll != nil {
				h.poll.Stop()
			}
			// Last subscriber out: real teardown of the physical channel.
			if rc != nil {
				_ = rc.Close()
			}
		})
	}
}

// SubscriberCount returns the number of handlers registered for table.
func (s *SharedChannels) SubscriberCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tables[table]; ok {
		return len(st.handlers)
	}
	return 0
}

// Close stops every poll and channel. The multiplexer is unusable
// afterwards.
func (s *SharedChannels) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.probeDone != nil {
		close(s.probeDone)
		s.probeDone = nil
	}
	tables := s.tables
	s.tables = make(map[string]*sharedTable)
	s.mu.Unlock()

	for _, st := range tables {
		for _, h := range st.handlers {
			if h.poll != nil {
				h.poll.Stop()
			}
		}
		if st.rc != nil {
			_ = st.rc.Close()
		}
	}
}
