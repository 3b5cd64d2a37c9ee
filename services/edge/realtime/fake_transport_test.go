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
	"sync"
	"testing"
	"time"
)

// fakeChannel is a scriptable physical channel for tests.
type fakeChannel struct {
	topic        string
	cfg          ChannelConfig
	subscribeErr error

	mu         sync.Mutex
	onEvent    func(ChannelEvent)
	onChange   func(ChangeEvent)
	subscribed bool
	closed     bool
}

func (c *fakeChannel) Topic() string { return c.topic }

func (c *fakeChannel) Subscribe(ctx context.Context, onEvent func(ChannelEvent), onChange func(ChangeEvent)) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.mu.Lock()
	c.onEvent = onEvent
	c.onChange = onChange
	c.subscribed = true
	c.mu.Unlock()
	// Acknowledge synchronously, the way the fake feed always accepts.
	if onEvent != nil {
		onEvent(ChannelEvent{Kind: EventSubscribed})
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) emit(ev ChannelEvent) {
	c.mu.Lock()
	cb := c.onEvent
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (c *fakeChannel) emitChange(ev ChangeEvent) {
	c.mu.Lock()
	cb := c.onChange
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// fakeTransport scripts connect outcomes and records created channels.
type fakeTransport struct {
	mu            sync.Mutex
	open          bool
	connectScript []error // consumed per attempt; nil entry = success; empty = always succeed
	connectCalls  int
	heartbeatErr  error
	subscribeErr  error // applied to channels created after it is set
	statusCbs     map[int]func(bool)
	nextCbID      int
	channels      []*fakeChannel
}

func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *fakeTransport) OnStatusChange(cb func(bool)) (remove func()) {
	t.mu.Lock()
	if t.statusCbs == nil {
		t.statusCbs = make(map[int]func(bool))
	}
	id := t.nextCbID
	t.nextCbID++
	t.statusCbs[id] = cb
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.statusCbs, id)
		t.mu.Unlock()
	}
}

func (t *fakeTransport) statusCbCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.statusCbs)
}

func (t *fakeTransport) setOpen(open bool) {
	t.mu.Lock()
	t.open = open
	cbs := make([]func(bool), 0, len(t.statusCbs))
	for _, cb := range t.statusCbs {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()
	for _, cb := range cbs {
		cb(open)
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connectCalls++
	var err error
	if len(t.connectScript) > 0 {
		err = t.connectScript[0]
		t.connectScript = t.connectScript[1:]
	}
	if err == nil {
		t.open = true
	}
	t.mu.Unlock()
	return err
}

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heartbeatErr
}

func (t *fakeTransport) NewChannel(topic string, cfg ChannelConfig) (Channel, error) {
	t.mu.Lock()
	ch := &fakeChannel{topic: topic, cfg: cfg, subscribeErr: t.subscribeErr}
	t.channels = append(t.channels, ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) setSubscribeErr(err error) {
	t.mu.Lock()
	t.subscribeErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectCalls
}

func (t *fakeTransport) channelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *fakeTransport) lastChannel() *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}

// fastManagerConfig keeps backoff and settle delays test-sized.
func fastManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond
	cfg.InitialDelay = time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.Rand = func() float64 { return 0.5 } // deterministic jitter = 1.0x
	return cfg
}

// eventually polls cond until true or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
