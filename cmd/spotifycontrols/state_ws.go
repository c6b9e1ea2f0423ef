package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/control"
	"spotifycontrols/internal/reconcile"
	"spotifycontrols/internal/render/mqttbridge"
	"spotifycontrols/internal/stream"
)

// ============================================================================
// State WebSocket: render layer over the bus
// ============================================================================
//
// Outbound: every render topic on the bus (stateUpdate, shouldShowUpdate,
// componentsVisibilityUpdate, devicesUpdate, notice) is wrapped in a
// {type, ts, data} envelope and fanned out to all clients. The first message
// a client sees is "state_init" with the current snapshot.
//
// Inbound: clients send {"type":"controlInteraction","data":<interaction>}
// where <interaction> is {"type":"volume","data":{...}}. Each one is emitted
// on the bus exactly as the widget buttons would.
//
// Slow clients are disconnected when their send buffer fills.
// ============================================================================

const (
	wsTypeStateInit          = "state_init"
	wsTypeError              = "error"
	wsTypeControlInteraction = string(bus.TopicControlInteraction)
)

// wsStateInit is the data payload of "state_init".
type wsStateInit struct {
	Show       bool                           `json:"show"`
	AccountID  string                         `json:"account_id,omitempty"`
	State      *stream.PlayerState            `json:"state,omitempty"`
	Components reconcile.ComponentsVisibility `json:"components"`
}

type wsErrorData struct {
	Error string `json:"error"`
}

// wsOutboundEvent is a bus emission waiting to be serialized.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format for outbound messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// inboundEnvelope is the wire format for client messages.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero uses 32.
	SendBuf int
	// BroadcastBuf is the hub inbound queue size. Zero uses 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "client", c.id, "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients under the lock, remove them after.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len reports the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	// Closing send stops writePump.
	safeCloseChan(c.send)

	h.logger.Info("ws client disconnected", "client", c.id, "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // close of closed channel
	}()
	close(ch)
}

// BroadcastBytes enqueues a serialized frame. It never blocks; a full queue
// drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	id         string
	remoteAddr string
	logger     *slog.Logger

	// onMessage receives every inbound text frame.
	onMessage func(c *Client, data []byte)
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// trySend queues msg for this client only. It reports false when the queue
// is full or already closed.
func (c *Client) trySend(msg []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	// maxInboundBytes bounds one client message.
	maxInboundBytes = 16 << 10
)

// wsStateCoalesceWindow bounds how often stateUpdate is forwarded during a
// burst. The latest state in each window wins.
const wsStateCoalesceWindow = 50 * time.Millisecond

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("ws "+pump+" exiting (close)", "client", c.id, "code", code, "reason", text)
		return
	}
	c.logger.Debug("ws "+pump+" exiting", "client", c.id, "error", err)
}

// writePump drains the send queue into the socket and pings periodically.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump hands inbound text frames to onMessage until the socket fails,
// then unregisters the client.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
		if typ != websocket.TextMessage || c.onMessage == nil {
			continue
		}
		c.onMessage(c, data)
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateServer serves the render websocket.
type StateServer struct {
	logger *slog.Logger
	hub    *Hub
	bus    *bus.Bus

	// snapshot builds the state_init payload for a new client.
	snapshot func() wsStateInit
}

func NewStateServer(logger *slog.Logger, b *bus.Bus, snapshot func() wsStateInit, cfg HubConfig) *StateServer {
	return &StateServer{
		logger:   logger,
		hub:      NewHub(logger, cfg),
		bus:      b,
		snapshot: snapshot,
	}
}

func (s *StateServer) Hub() *Hub { return s.hub }

// Register installs the websocket handler on mux.
func (s *StateServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// The listener is expected to be bound to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades, queues state_init and registers the client.
func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	client.onMessage = s.handleInbound

	// state_init is queued before registration so it is always first.
	if s.snapshot != nil {
		msg, err := marshalEnvelope(wsTypeStateInit, time.Time{}, s.snapshot())
		if err != nil {
			s.logger.Warn("ws snapshot marshal failed", "error", err)
		} else {
			client.send <- msg
		}
	}

	s.hub.register <- client

	// Pumps outlive the handler; the hub owns the connection from here.
	go client.writePump()
	go client.readPump()
}

func (s *StateServer) handleInbound(c *Client, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.replyError(c, "invalid message: "+err.Error())
		return
	}
	if env.Type != wsTypeControlInteraction {
		s.logger.Debug("ws ignoring inbound message", "client", c.id, "type", env.Type)
		return
	}
	in, err := control.DecodeInteraction(env.Data)
	if err != nil {
		s.replyError(c, err.Error())
		return
	}
	s.logger.Debug("ws control interaction", "client", c.id, "interaction", in.Kind())
	s.bus.Emit(bus.TopicControlInteraction, in)
}

func (s *StateServer) replyError(c *Client, msg string) {
	b, err := marshalEnvelope(wsTypeError, time.Time{}, wsErrorData{Error: msg})
	if err != nil {
		return
	}
	if !c.trySend(b) {
		s.logger.Debug("ws error reply dropped", "client", c.id)
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster mirrors the bus render topics to the hub until ctx ends.
// stateUpdate bursts are rate-limited to one message per
// wsStateCoalesceWindow (latest wins, no debounce-on-silence); every other
// topic flushes the pending state first and is sent immediately, so the
// relative order of topics is preserved.
func RunBroadcaster(ctx context.Context, hub *Hub, b *bus.Bus, logger *slog.Logger) {
	if hub == nil || b == nil {
		return
	}

	src := make(chan wsOutboundEvent, 256)
	for _, t := range mqttbridge.Mirrored {
		t := t
		off := b.On(t, func(detail any) {
			select {
			case src <- wsOutboundEvent{Type: string(t), Data: detail, At: time.Now()}:
			default:
				logger.Warn("ws broadcaster queue full, dropping event", "type", string(t))
			}
		})
		defer off()
	}

	send := func(ev wsOutboundEvent) {
		msg, err := marshalEnvelope(ev.Type, ev.At, ev.Data)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	var (
		pending *wsOutboundEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	flushPending := func() {
		if pending != nil {
			send(*pending)
			pending = nil
		}
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			if pending == nil {
				stopTimer()
				continue
			}
			flushPending()
			timer.Reset(wsStateCoalesceWindow)

		case ev := <-src:
			if ev.Type == string(bus.TopicStateUpdate) {
				pending = &ev
				if timer == nil {
					timer = time.NewTimer(wsStateCoalesceWindow)
					timerCh = timer.C
				}
				continue
			}
			flushPending()
			stopTimer()
			send(ev)
		}
	}
}
