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
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// State is the connection status of the shared transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionState is a snapshot of the one physical transport's health.
type ConnectionState struct {
	Status          State
	LastHealthCheck time.Time
	LastError       error
}

// ManagerConfig tunes connection lifecycle behavior. All durations are
// empirically tuned configuration, not contracts.
type ManagerConfig struct {
	// MaxReconnectAttempts bounds both initial connection attempts and the
	// global reconnect path. Default: 5.
	MaxReconnectAttempts int

	// ConnectTimeout bounds one transport connect attempt. Default: 10s.
	ConnectTimeout time.Duration

	// InitialDelay is the pause after force-disconnecting before the first
	// connect attempt. Default: 1s.
	InitialDelay time.Duration

	// SettleDelay is the pause after a successful connect before the
	// transport is verified open and declared connected. Default: 3s.
	SettleDelay time.Duration

	// BaseBackoff seeds the exponential reconnect delay. Default: 2s.
	BaseBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default: 60s.
	MaxBackoff time.Duration

	// HealthCheckInterval is the periodic heartbeat cadence. Default: 15s.
	HealthCheckInterval time.Duration

	// Logger for lifecycle events. Nil means slog.Default().
	Logger *slog.Logger

	// Rand supplies jitter in [0,1). Nil means math/rand. Injectable so
	// backoff tests are deterministic.
	Rand func() float64
}

// DefaultManagerConfig returns the stock lifecycle tuning.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxReconnectAttempts: 5,
		ConnectTimeout:       10 * time.Second,
		InitialDelay:         time.Second,
		SettleDelay:          3 * time.Second,
		BaseBackoff:          2 * time.Second,
		MaxBackoff:           60 * time.Second,
		HealthCheckInterval:  15 * time.Second,
	}
}

type channelRecord struct {
	cfg      ChannelConfig
	ch       Channel
	onEvent  func(ChannelEvent)
	onChange func(ChangeEvent)
	// attempts counts per-channel error recoveries since the last
	// successful subscribe.
	attempts int
}

// Manager owns the single physical transport: connect/disconnect lifecycle,
// heartbeat health checking, exponential-backoff reconnection, and channel
// re-creation after errors. It is the sole mutator of the connection state.
//
// Construct one Manager per Transport and inject it; there is no implicit
// process-wide instance.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	transport Transport
	config    ManagerConfig
	logger    *slog.Logger

	mu                sync.Mutex
	state             ConnectionState
	reconnectAttempts int
	// reconnecting prevents the health check and explicit disconnection
	// detection from racing overlapping global reconnects.
	reconnecting bool
	channels     map[string]*channelRecord
	healthDone   chan struct{}
	closed       bool
}

// NewManager creates a Manager over transport.
func NewManager(transport Transport, cfg ManagerConfig) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Manager{
		transport: transport,
		config:    cfg,
		logger:    cfg.Logger,
		state:     ConnectionState{Status: StateDisconnected},
		channels:  make(map[string]*channelRecord),
	}
}

// Transport exposes the underlying transport for channel helpers.
func (m *Manager) Transport() Transport { return m.transport }

// State returns a snapshot of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Healthy reports whether the connection is usable for channel operations.
// A disconnected transport makes every channel operation a failure.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	status := m.state.Status
	m.mu.Unlock()
	return status == StateConnected && m.transport.IsOpen()
}

func (m *Manager) setState(status State, err error) {
	m.mu.Lock()
	m.state.Status = status
	if err != nil {
		m.state.LastError = err
	}
	m.mu.Unlock()
}

// backoffDelay computes base * 2^attempt with uniform(0.5,1.5) jitter,
// capped at MaxBackoff.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := float64(m.config.BaseBackoff) * math.Pow(2, float64(attempt)) * (0.5 + m.config.Rand())
	if capped := float64(m.config.MaxBackoff); d > capped {
		d = capped
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Initialize establishes the connection from scratch: force-disconnect any
// existing transport, settle, then attempt to connect up to
// MaxReconnectAttempts times with exponential backoff between failures.
//
// On success the state is connected and the reconnect counter is reset.
// Exhausting all attempts leaves the state disconnected with the last
// error recorded, and returns ErrMaxRetriesExceeded.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.mu.Unlock()

	_ = m.transport.Disconnect()
	if err := sleepCtx(ctx, m.config.InitialDelay); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < m.config.MaxReconnectAttempts; attempt++ {
		m.setState(StateConnecting, nil)

		connectCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
		err := m.transport.Connect(connectCtx)
		cancel()

		if err == nil {
			// Give the socket a moment to settle, then verify it actually
			// reports open before declaring victory.
			if serr := sleepCtx(ctx, m.config.SettleDelay); serr != nil {
				return serr
			}
			if m.transport.IsOpen() {
				m.mu.Lock()
				m.state.Status = StateConnected
				m.state.LastError = nil
				m.reconnectAttempts = 0
				m.mu.Unlock()
				m.logger.Info("realtime connection established", "attempt", attempt+1)
				connectionsTotal.WithLabelValues("success").Inc()
				return nil
			}
			err = ErrTransportClosed
		}

		lastErr = err
		connectionsTotal.WithLabelValues("failure").Inc()
		m.logger.Warn("realtime connect attempt failed",
			"attempt", attempt+1,
			"max_attempts", m.config.MaxReconnectAttempts,
			"error", err,
		)

		if attempt < m.config.MaxReconnectAttempts-1 {
			if serr := sleepCtx(ctx, m.backoffDelay(attempt)); serr != nil {
				return serr
			}
		}
	}

	err := fmt.Errorf("%w: last error: %v", ErrMaxRetriesExceeded, lastErr)
	m.setState(StateDisconnected, err)
	return err
}

// StartHealthCheck runs one immediate health check, then checks every
// HealthCheckInterval until StopHealthCheck or Shutdown.
func (m *Manager) StartHealthCheck(ctx context.Context) {
	m.mu.Lock()
	if m.healthDone != nil || m.closed {
		m.mu.Unlock()
		return
	}
	done := make(chan struct{})
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		m.healthCheck(ctx)
		ticker := time.NewTicker(m.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.healthCheck(ctx)
			}
		}
	}()
}

// StopHealthCheck stops the periodic health check loop.
func (m *Manager) StopHealthCheck() {
	m.mu.Lock()
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
	m.mu.Unlock()
}

func (m *Manager) healthCheck(ctx context.Context) {
	open := m.transport.IsOpen()

	m.mu.Lock()
	prev := m.state.Status
	m.state.LastHealthCheck = time.Now()
	m.mu.Unlock()

	if !open {
		if prev == StateConnected {
			m.logger.Warn("health check found transport closed, recovering")
			m.HandleDisconnection(ctx)
		}
		return
	}

	if prev != StateConnected {
		m.setState(StateConnected, nil)
	}
	if err := m.transport.Heartbeat(ctx); err != nil {
		// A failed heartbeat is a failed health check.
		m.logger.Warn("heartbeat failed", "error", err)
		m.HandleDisconnection(ctx)
	}
}

// HandleDisconnection runs the global recovery path: bounded attempts with
// backoff, then reconnectAll. A reentrancy guard collapses concurrent
// triggers (health check vs. explicit detection) into one recovery.
func (m *Manager) HandleDisconnection(ctx context.Context) {
	m.mu.Lock()
	if m.reconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	if m.reconnectAttempts >= m.config.MaxReconnectAttempts {
		m.state.Status = StateDisconnected
		m.state.LastError = ErrMaxRetriesExceeded
		m.reconnecting = false
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted, staying disconnected")
		return
	}
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	m.state.Status = StateConnecting
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	reconnectsTotal.Inc()
	m.logger.Info("handling disconnection",
		"attempt", attempt,
		"max_attempts", m.config.MaxReconnectAttempts,
	)
	if err := sleepCtx(ctx, m.backoffDelay(attempt-1)); err != nil {
		return
	}
	m.reconnectAll(ctx)
}

// reconnectAll re-runs Initialize and, if it ends connected, recreates
// every tracked channel from its stored config.
func (m *Manager) reconnectAll(ctx context.Context) {
	if err := m.Initialize(ctx); err != nil {
		m.logger.Error("global reconnect failed", "error", err)
		return
	}

	m.mu.Lock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.recreateChannel(ctx, name); err != nil {
			m.logger.Error("channel recreation failed", "channel", name, "error", err)
		}
	}
}

// CreateChannel creates and subscribes a physical channel, replacing any
// existing channel of the same name. The config and handlers are retained
// so the channel can be recreated after errors or a global reconnect.
//
// A channel error triggers per-channel recovery (remove and recreate from
// the stored config), which is narrower than the global reconnect path.
func (m *Manager) CreateChannel(ctx context.Context, name string, cfg ChannelConfig,
	onEvent func(ChannelEvent), onChange func(ChangeEvent)) (Channel, error) {

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if rec, ok := m.channels[name]; ok {
		delete(m.channels, name)
		m.mu.Unlock()
		_ = rec.ch.Close()
		m.mu.Lock()
	}
	rec := &channelRecord{cfg: cfg, onEvent: onEvent, onChange: onChange}
	m.channels[name] = rec
	m.mu.Unlock()

	if err := m.subscribeRecord(ctx, name, rec); err != nil {
		m.mu.Lock()
		delete(m.channels, name)
		m.mu.Unlock()
		return nil, err
	}
	return rec.ch, nil
}

// subscribeRecord creates the physical channel for rec and subscribes with
// an event wrapper that performs per-channel error recovery.
func (m *Manager) subscribeRecord(ctx context.Context, name string, rec *channelRecord) error {
	ch, err := m.transport.NewChannel(name, rec.cfg)
	if err != nil {
		return fmt.Errorf("realtime: create channel %s: %w", name, err)
	}

	wrapped := func(ev ChannelEvent) {
		if ev.Kind == EventSubscribed {
			m.mu.Lock()
			rec.attempts = 0
			m.mu.Unlock()
		}
		if rec.onEvent != nil {
			rec.onEvent(ev)
		}
		if ev.Kind == EventChannelError {
			channelErrorsTotal.Inc()
			go func() {
				if err := m.recreateChannel(context.Background(), name); err != nil {
					m.logger.Error("per-channel recovery failed", "channel", name, "error", err)
				}
			}()
		}
	}

	if err := ch.Subscribe(ctx, wrapped, rec.onChange); err != nil {
		return fmt.Errorf("realtime: subscribe channel %s: %w", name, err)
	}

	m.mu.Lock()
	rec.ch = ch
	m.mu.Unlock()
	return nil
}

// recreateChannel removes and recreates one errored channel using its
// stored config. Bounded by MaxReconnectAttempts per channel; beyond that
// the subscriber gets a terminal MaxRetriesExceeded event.
func (m *Manager) recreateChannel(ctx context.Context, name string) error {
	m.mu.Lock()
	rec, ok := m.channels[name]
	if !ok || m.closed {
		m.mu.Unlock()
		return nil
	}
	if rec.attempts >= m.config.MaxReconnectAttempts {
		delete(m.channels, name)
		onEvent := rec.onEvent
		ch := rec.ch
		m.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		if onEvent != nil {
			onEvent(ChannelEvent{Kind: EventMaxRetriesExceeded, Err: ErrMaxRetriesExceeded})
		}
		return ErrMaxRetriesExceeded
	}
	rec.attempts++
	old := rec.ch
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return m.subscribeRecord(ctx, name, rec)
}

// RemoveChannel closes and forgets a tracked channel. Idempotent.
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	rec, ok := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()
	if ok && rec.ch != nil {
		_ = rec.ch.Close()
	}
}

// Shutdown stops the health check, closes every channel, and disconnects
// the transport. The manager is unusable afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
	recs := make([]*channelRecord, 0, len(m.channels))
	for _, rec := range m.channels {
		recs = append(recs, rec)
	}
	m.channels = make(map[string]*channelRecord)
	m.state.Status = StateDisconnected
	m.mu.Unlock()

	for _, rec := range recs {
		if rec.ch != nil {
			_ = rec.ch.Close()
		}
	}
	_ = m.transport.Disconnect()
}
