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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer is a minimal Phoenix-style feed: acks joins and heartbeats,
// and lets tests push frames to the client.
type wsTestServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []wsFrame
	authHdr  string
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.authHdr = r.Header.Get("Authorization")
		ts.mu.Unlock()
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()
		for {
			var f wsFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ts.mu.Lock()
			ts.received = append(ts.received, f)
			ts.mu.Unlock()
			if f.Event == wsEventJoin {
				ts.push(wsFrame{
					Topic:   f.Topic,
					Event:   wsEventReply,
					Payload: json.RawMessage(`{"status":"ok"}`),
					Ref:     f.Ref,
				})
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *wsTestServer) push(f wsFrame) {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if conn != nil {
		_ = conn.WriteJSON(f)
	}
}

func (ts *wsTestServer) frames() []wsFrame {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]wsFrame, len(ts.received))
	copy(out, ts.received)
	return out
}

func (ts *wsTestServer) auth() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.authHdr
}

func (ts *wsTestServer) dropClient() {
	ts.mu.Lock()
	conn := ts.conn
	ts.conn = nil
	ts.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func newTestTransport(t *testing.T, ts *wsTestServer) *WebsocketTransport {
	t.Helper()
	tr, err := NewWebsocketTransport(WebsocketConfig{
		URL:    ts.url(),
		APIKey: "test-key",
	})
	require.NoError(t, err)
	return tr
}

func TestWebsocketTransport_ConnectSendsBearerAuth(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	assert.True(t, tr.IsOpen())
	assert.Equal(t, "Bearer test-key", ts.auth())
}

func TestWebsocketTransport_ConnectFailsOnBadEndpoint(t *testing.T) {
	tr, err := NewWebsocketTransport(WebsocketConfig{URL: "ws://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Error(t, tr.Connect(context.Background()))
	assert.False(t, tr.IsOpen())
}

func TestWebsocketTransport_RequiresURL(t *testing.T) {
	_, err := NewWebsocketTransport(WebsocketConfig{})
	assert.Error(t, err)
}

func TestWebsocketTransport_HeartbeatUsesControlTopic(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	require.NoError(t, tr.Heartbeat(context.Background()))
	eventually(t, time.Second, func() bool { return len(ts.frames()) >= 1 },
		"heartbeat frame never arrived")

	f := ts.frames()[0]
	assert.Equal(t, wsTopicControl, f.Topic)
	assert.Equal(t, wsEventHeartbeat, f.Event)
	assert.NotEmpty(t, f.Ref)
}

func TestWebsocketTransport_HeartbeatFailsWhenClosed(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)
	assert.ErrorIs(t, tr.Heartbeat(context.Background()), ErrTransportClosed)
}

func TestWebsocketChannel_JoinAckAndChangeDelivery(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	ch, err := tr.NewChannel("table:orders", ChannelConfig{Table: "orders"})
	require.NoError(t, err)

	events := make(chan ChannelEvent, 4)
	changes := make(chan ChangeEvent, 4)
	require.NoError(t, ch.Subscribe(context.Background(),
		func(ev ChannelEvent) { events <- ev },
		func(ev ChangeEvent) { changes <- ev }))
	defer ch.Close()

	select {
	case ev := <-events:
		assert.Equal(t, EventSubscribed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("join was never acknowledged")
	}

	ts.push(wsFrame{
		Topic: "table:orders",
		Event: wsEventChanges,
		Payload: json.RawMessage(`{"data":{
			"type":"UPDATE","table":"orders",
			"record":{"id":"1","status":"shipped"},
			"old_record":{"id":"1","status":"pending"}}}`),
	})

	select {
	case ev := <-changes:
		assert.Equal(t, "orders", ev.Table)
		assert.Equal(t, ChangeUpdate, ev.Kind)
		assert.Equal(t, "shipped", ev.New["status"])
		assert.Equal(t, "pending", ev.Old["status"])
	case <-time.After(time.Second):
		t.Fatal("change event never delivered")
	}
}

func TestWebsocketChannel_JoinCarriesChannelConfig(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	ch, err := tr.NewChannel("table:orders", ChannelConfig{Table: "orders", Events: []ChangeKind{ChangeInsert, ChangeUpdate}})
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe(context.Background(), func(ChannelEvent) {}, func(ChangeEvent) {}))
	defer ch.Close()

	eventually(t, time.Second, func() bool { return len(ts.frames()) >= 1 },
		"join frame never arrived")
	join := ts.frames()[0]
	assert.Equal(t, wsEventJoin, join.Event)
	assert.Equal(t, "table:orders", join.Topic)

	var payload struct {
		Config ChannelConfig `json:"config"`
	}
	require.NoError(t, json.Unmarshal(join.Payload, &payload))
	assert.Equal(t, "orders", payload.Config.Table)
	assert.Equal(t, []ChangeKind{ChangeInsert, ChangeUpdate}, payload.Config.Events)
}

func TestWebsocketChannel_CloseSendsLeave(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	ch, err := tr.NewChannel("table:orders", ChannelConfig{Table: "orders"})
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe(context.Background(), func(ChannelEvent) {}, func(ChangeEvent) {}))
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close()) // idempotent

	eventually(t, time.Second, func() bool {
		for _, f := range ts.frames() {
			if f.Event == wsEventLeave && f.Topic == "table:orders" {
				return true
			}
		}
		return false
	}, "leave frame never arrived")
}

func TestWebsocketTransport_ServerDropNotifiesStatus(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)

	statusCh := make(chan bool, 4)
	tr.OnStatusChange(func(open bool) { statusCh <- open })

	require.NoError(t, tr.Connect(context.Background()))
	select {
	case open := <-statusCh:
		assert.True(t, open)
	case <-time.After(time.Second):
		t.Fatal("no status notification on connect")
	}

	ts.dropClient()
	select {
	case open := <-statusCh:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("no status notification on server drop")
	}
	assert.False(t, tr.IsOpen())
}

func TestWebsocketChannel_ErrorFrameSurfacesAsChannelError(t *testing.T) {
	ts := newWSTestServer(t)
	tr := newTestTransport(t, ts)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	ch, err := tr.NewChannel("table:orders", ChannelConfig{Table: "orders"})
	require.NoError(t, err)
	events := make(chan ChannelEvent, 4)
	require.NoError(t, ch.Subscribe(context.Background(),
		func(ev ChannelEvent) { events <- ev }, func(ChangeEvent) {}))
	defer ch.Close()

	<-events // join ack

	ts.push(wsFrame{Topic: "table:orders", Event: wsEventError, Payload: json.RawMessage(`{}`)})
	select {
	case ev := <-events:
		assert.Equal(t, EventChannelError, ev.Kind)
		assert.Error(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("error frame never surfaced")
	}
}
