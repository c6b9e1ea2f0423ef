package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/control"
	"spotifycontrols/internal/reconcile"
	"spotifycontrols/internal/stream"
)

// Hub tests run without network I/O: clients carry a nil websocket.Conn,
// which the hub tolerates on eviction.

func newTestHub(t *testing.T, sendBuf, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{SendBuf: sendBuf, BroadcastBuf: broadcastBuf})
}

func testClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		id:         name,
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func startHub(t *testing.T, hub *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Errorf("timeout waiting for hub to stop")
		}
	})
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.id+" not registered in time")
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
		return nil
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	startHub(t, hub)

	c1 := testClient(hub, "c1", 4)
	c2 := testClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := []byte(`{"type":"shouldShowUpdate","data":true}`)
	// Direct send; BroadcastBytes may drop under scheduling pressure.
	hub.broadcast <- msg

	assert.Equal(t, string(msg), string(recv(t, c1.send)))
	assert.Equal(t, string(msg), string(recv(t, c2.send)))
	assert.Equal(t, 2, hub.Len())
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	startHub(t, hub)

	slow := testClient(hub, "slow", 1)
	fast := testClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	// Simulate a stuck client.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"notice","data":{"level":"warn"}}`)
	hub.broadcast <- msg

	assert.Equal(t, string(msg), string(recv(t, fast.send)))

	<-slow.send // the pre-filled message
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
	assert.Equal(t, 1, hub.Len())
}

func TestClient_TrySendAfterCloseReportsFalse(t *testing.T) {
	c := testClient(nil, "c", 1)
	assert.True(t, c.trySend([]byte("a")))
	assert.False(t, c.trySend([]byte("b")), "queue full")

	safeCloseChan(c.send)
	safeCloseChan(c.send)
	assert.False(t, c.trySend([]byte("c")))
}

// ==== Broadcaster ====

type wireEnvelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func decodeWire(t *testing.T, b []byte) wireEnvelope {
	t.Helper()
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(b, &env))
	return env
}

func startBroadcaster(t *testing.T, hub *Hub, b *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(ctx, hub, b, slog.Default())
	}()
	t.Cleanup(func() { cancel(); <-done })

	waitUntil(t, 500*time.Millisecond, func() bool {
		return b.Listeners(bus.TopicNotice) == 1
	}, "broadcaster did not subscribe")
}

func TestRunBroadcaster_CoalescesStateBurstAndKeepsOrder(t *testing.T) {
	hub := newTestHub(t, 8, 32)
	b := bus.New(nil)
	startBroadcaster(t, hub, b)

	for i := 1; i <= 5; i++ {
		b.Emit(bus.TopicStateUpdate, reconcile.StateUpdate{AccountID: "a", State: stream.PlayerState{ProgressMs: int64(i * 1000)}})
	}
	b.Emit(bus.TopicShouldShowUpdate, false)

	first := decodeWire(t, recv(t, hub.broadcast))
	assert.Equal(t, "stateUpdate", first.Type)
	require.NotNil(t, first.Ts)
	var su reconcile.StateUpdate
	require.NoError(t, json.Unmarshal(first.Data, &su))
	assert.Equal(t, int64(5000), su.State.ProgressMs, "latest state wins")

	second := decodeWire(t, recv(t, hub.broadcast))
	assert.Equal(t, "shouldShowUpdate", second.Type)
	assert.JSONEq(t, `false`, string(second.Data))

	select {
	case extra := <-hub.broadcast:
		t.Fatalf("unexpected extra broadcast %s", extra)
	case <-time.After(3 * wsStateCoalesceWindow):
	}
}

func TestRunBroadcaster_FlushesStateAfterWindow(t *testing.T) {
	hub := newTestHub(t, 8, 32)
	b := bus.New(nil)
	startBroadcaster(t, hub, b)

	b.Emit(bus.TopicStateUpdate, reconcile.StateUpdate{AccountID: "a"})

	env := decodeWire(t, recv(t, hub.broadcast))
	assert.Equal(t, "stateUpdate", env.Type)
}

// ==== End to end over a real websocket ====

func TestStateServer_InitThenBroadcastThenInbound(t *testing.T) {
	b := bus.New(nil)
	interactions := make(chan control.Interaction, 4)
	b.On(bus.TopicControlInteraction, func(d any) { interactions <- d.(control.Interaction) })

	snapshot := func() wsStateInit {
		return wsStateInit{Show: true, AccountID: "a", Components: reconcile.ComponentsVisibility{"volume": true}}
	}
	s := NewStateServer(slog.Default(), b, snapshot, HubConfig{})
	startHub(t, s.Hub())

	mux := http.NewServeMux()
	s.Register(mux, "/ws")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	initEnv := decodeWire(t, raw)
	assert.Equal(t, "state_init", initEnv.Type)
	assert.JSONEq(t, `{"show":true,"account_id":"a","components":{"volume":true}}`, string(initEnv.Data))

	waitUntil(t, 500*time.Millisecond, func() bool { return s.Hub().Len() == 1 }, "client not registered")
	s.Hub().BroadcastBytes([]byte(`{"type":"notice","data":{"level":"error"}}`))
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "notice", decodeWire(t, raw).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"controlInteraction","data":{"type":"volume","data":{"new_volume":40}}}`)))
	select {
	case in := <-interactions:
		assert.Equal(t, control.Volume{NewVolume: 40}, in)
	case <-time.After(time.Second):
		t.Fatalf("interaction not emitted")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"controlInteraction","data":{"type":"eject"}}`)))
	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	errEnv := decodeWire(t, raw)
	assert.Equal(t, "error", errEnv.Type)
	assert.Contains(t, string(errEnv.Data), "unknown interaction")
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
