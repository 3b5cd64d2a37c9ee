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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Phoenix-style frame events used by the hosted change feed.
const (
	wsEventJoin      = "phx_join"
	wsEventLeave     = "phx_leave"
	wsEventReply     = "phx_reply"
	wsEventError     = "phx_error"
	wsEventClose     = "phx_close"
	wsEventHeartbeat = "heartbeat"
	wsEventChanges   = "postgres_changes"

	wsTopicControl = "phoenix"
)

// wsFrame is the wire envelope for every message in both directions.
type wsFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// wsChangePayload carries a row change inside a postgres_changes frame.
type wsChangePayload struct {
	Data struct {
		Type      string `json:"type"`
		Table     string `json:"table"`
		Record    Record `json:"record"`
		OldRecord Record `json:"old_record"`
	} `json:"data"`
}

type wsReplyPayload struct {
	Status string `json:"status"`
}

// WebsocketConfig configures the websocket transport adapter.
type WebsocketConfig struct {
	// URL is the realtime websocket endpoint (wss://...).
	URL string

	// APIKey is passed as a query-style auth header on the handshake.
	APIKey string

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration

	// Logger for transport-level events. Nil means slog.Default().
	Logger *slog.Logger
}

// WebsocketTransport adapts a gorilla/websocket connection to the Transport
// interface, speaking the Phoenix-style framing of the hosted change feed.
//
// Thread Safety: Safe for concurrent use. Writes are serialized because the
// underlying connection permits one concurrent writer.
type WebsocketTransport struct {
	cfg    WebsocketConfig
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	open      bool
	statusCbs map[int]func(open bool)
	nextCbID  int
	channels  map[string]*wsChannel
	done      chan struct{}

	writeMu sync.Mutex
	refSeq  atomic.Int64
}

// NewWebsocketTransport creates an unconnected transport.
func NewWebsocketTransport(cfg WebsocketConfig) (*WebsocketTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime: websocket URL is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketTransport{
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*wsChannel),
	}, nil
}

// IsOpen reports whether the socket is currently open.
func (t *WebsocketTransport) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

// OnStatusChange registers a socket open/close callback. The returned func
// unregisters it; callers that outlive the socket must invoke it or the
// callback is retained for the life of the transport.
func (t *WebsocketTransport) OnStatusChange(cb func(open bool)) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusCbs == nil {
		t.statusCbs = make(map[int]func(open bool))
	}
	id := t.nextCbID
	t.nextCbID++
	t.statusCbs[id] = cb
	return func() {
		t.mu.Lock()
		delete(t.statusCbs, id)
		t.mu.Unlock()
	}
}

func (t *WebsocketTransport) notifyStatus(open bool) {
	t.mu.RLock()
	cbs := make([]func(bool), 0, len(t.statusCbs))
	for _, cb := range t.statusCbs {
		cbs = append(cbs, cb)
	}
	t.mu.RUnlock()
	for _, cb := range cbs {
		cb(open)
	}
}

// Connect dials the endpoint and starts the read pump.
func (t *WebsocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime: dial %s: status %d: %w", t.cfg.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("realtime: dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.open = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.readPump(conn, done)
	t.notifyStatus(true)
	t.logger.Info("realtime transport connected", "url", t.cfg.URL)
	return nil
}

// Disconnect closes the socket. Safe to call when already disconnected.
func (t *WebsocketTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	wasOpen := t.open
	t.conn = nil
	t.open = false
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasOpen {
		t.notifyStatus(false)
	}
	return nil
}

// Heartbeat sends the control-topic liveness frame.
func (t *WebsocketTransport) Heartbeat(ctx context.Context) error {
	return t.send(wsFrame{
		Topic:   wsTopicControl,
		Event:   wsEventHeartbeat,
		Payload: json.RawMessage(`{}`),
		Ref:     t.nextRef(),
	})
}

// NewChannel creates an unjoined channel for topic.
func (t *WebsocketTransport) NewChannel(topic string, cfg ChannelConfig) (Channel, error) {
	if topic == "" {
		return nil, fmt.Errorf("realtime: channel topic is required")
	}
	return &wsChannel{transport: t, topic: topic, cfg: cfg}, nil
}

func (t *WebsocketTransport) nextRef() string {
	return strconv.FormatInt(t.refSeq.Add(1), 10)
}

func (t *WebsocketTransport) send(f wsFrame) error {
	t.mu.RLock()
	conn := t.conn
	open := t.open
	t.mu.RUnlock()
	if !open || conn == nil {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("realtime: write %s/%s: %w", f.Topic, f.Event, err)
	}
	return nil
}

// readPump delivers inbound frames to their channels until the socket
// fails or Disconnect closes done.
func (t *WebsocketTransport) readPump(conn *websocket.Conn, done chan struct{}) {
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-done:
				// Deliberate disconnect; Disconnect already notified.
			default:
				t.logger.Warn("realtime transport read failed", "error", err)
				t.mu.Lock()
				t.open = false
				t.conn = nil
				t.mu.Unlock()
				t.notifyStatus(false)
			}
			return
		}
		t.dispatch(f)
	}
}

func (t *WebsocketTransport) dispatch(f wsFrame) {
	if f.Topic == wsTopicControl {
		return // heartbeat replies need no routing
	}
	t.mu.RLock()
	ch := t.channels[f.Topic]
	t.mu.RUnlock()
	if ch == nil {
		return
	}
	ch.handleFrame(f)
}

func (t *WebsocketTransport) registerChannel(ch *wsChannel) {
	t.mu.Lock()
	t.channels[ch.topic] = ch
	t.mu.Unlock()
}

func (t *WebsocketTransport) unregisterChannel(topic string) {
	t.mu.Lock()
	delete(t.channels, topic)
	t.mu.Unlock()
}

// wsChannel is one joined topic on the websocket transport.
type wsChannel struct {
	transport *WebsocketTransport
	topic     string
	cfg       ChannelConfig

	mu       sync.Mutex
	joined   bool
	closed   bool
	onEvent  func(ChannelEvent)
	onChange func(ChangeEvent)
}

func (c *wsChannel) Topic() string { return c.topic }

// Subscribe sends the join frame. The subscribed acknowledgment arrives
// asynchronously through onEvent when the server replies.
func (c *wsChannel) Subscribe(ctx context.Context, onEvent func(ChannelEvent), onChange func(ChangeEvent)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.joined {
		c.mu.Unlock()
		return fmt.Errorf("realtime: channel %s already subscribed", c.topic)
	}
	c.joined = true
	c.onEvent = onEvent
	c.onChange = onChange
	c.mu.Unlock()

	c.transport.registerChannel(c)

	join := struct {
		Config ChannelConfig `json:"config"`
	}{Config: c.cfg}
	payload, err := json.Marshal(join)
	if err != nil {
		return fmt.Errorf("realtime: marshal join config for %s: %w", c.topic, err)
	}
	if err := c.transport.send(wsFrame{
		Topic:   c.topic,
		Event:   wsEventJoin,
		Payload: payload,
		Ref:     c.transport.nextRef(),
	}); err != nil {
		c.transport.unregisterChannel(c.topic)
		return err
	}
	return nil
}

// Close leaves the topic. Idempotent.
func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.unregisterChannel(c.topic)
	// Leave frame failure is fine; the socket may already be gone.
	_ = c.transport.send(wsFrame{
		Topic:   c.topic,
		Event:   wsEventLeave,
		Payload: json.RawMessage(`{}`),
		Ref:     c.transport.nextRef(),
	})
	return nil
}

func (c *wsChannel) handlers() (func(ChannelEvent), func(ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onEvent, c.onChange
}

func (c *wsChannel) handleFrame(f wsFrame) {
	onEvent, onChange := c.handlers()
	switch f.Event {
	case wsEventReply:
		var reply wsReplyPayload
		if err := json.Unmarshal(f.Payload, &reply); err == nil && reply.Status == "ok" {
			if onEvent != nil {
				onEvent(ChannelEvent{Kind: EventSubscribed})
			}
		} else if onEvent != nil {
			onEvent(ChannelEvent{Kind: EventChannelError, Err: fmt.Errorf("realtime: join %s rejected", c.topic)})
		}
	case wsEventError:
		if onEvent != nil {
			onEvent(ChannelEvent{Kind: EventChannelError, Err: fmt.Errorf("realtime: channel %s errored", c.topic)})
		}
	case wsEventClose:
		if onEvent != nil {
			onEvent(ChannelEvent{Kind: EventClosed})
		}
	case wsEventChanges:
		var change wsChangePayload
		if err := json.Unmarshal(f.Payload, &change); err != nil {
			c.transport.logger.Warn("realtime: malformed change payload",
				"topic", c.topic, "error", err)
			return
		}
		if onChange != nil {
			onChange(ChangeEvent{
				Table: change.Data.Table,
				Kind:  ChangeKind(change.Data.Type),
				New:   change.Data.Record,
				Old:   change.Data.OldRecord,
			})
		}
	}
}
