// Package dealer is the websocket transport carrying one account's player and
// device events. A Conn implements session.Socket.
package dealer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultMaxAttempts  = 10
	retryDelay          = 500 * time.Millisecond
	writeWait           = 5 * time.Second
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("dealer connection closed")

// TokenFunc returns the bearer token appended to the dial URL.
type TokenFunc func() string

// Conn is a reconnecting websocket client that fans text frames out to
// listeners in delivery order.
type Conn struct {
	url    string
	token  TokenFunc
	logger *slog.Logger

	// PingInterval between {"type":"ping"} keepalives. Zero uses 30s.
	PingInterval time.Duration
	// MaxAttempts is the number of consecutive failed dials before Run gives up.
	MaxAttempts int

	mu   sync.Mutex
	conn *websocket.Conn

	lmu       sync.RWMutex
	nextID    uint64
	listeners map[uint64]func([]byte)
	order     []uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a Conn for rawURL. token may be nil.
func New(rawURL string, token TokenFunc, logger *slog.Logger) (*Conn, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid dealer url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		url:       rawURL,
		token:     token,
		logger:    logger,
		listeners: make(map[uint64]func([]byte)),
		closed:    make(chan struct{}),
	}, nil
}

// AddListener registers fn for every text frame.
func (c *Conn) AddListener(fn func([]byte)) (remove func()) {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.order = append(c.order, id)
	c.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			delete(c.listeners, id)
			for i, v := range c.order {
				if v == id {
					c.order = append(c.order[:i:i], c.order[i+1:]...)
					break
				}
			}
			c.lmu.Unlock()
		})
	}
}

// Close stops Run and closes the current connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Run connects, delivers frames and reconnects until ctx ends, Close is
// called, or MaxAttempts consecutive dials fail.
func (c *Conn) Run(ctx context.Context) error {
	for {
		if err := c.connectWithRetry(ctx); err != nil {
			return err
		}

		err := c.session(ctx)
		select {
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			_ = c.Close()
			return ctx.Err()
		default:
		}
		c.logger.Warn("dealer connection lost; reconnecting", "error", err)
	}
}

func (c *Conn) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid dealer url: %w", err)
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			q := u.Query()
			q.Set("access_token", tok)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

func (c *Conn) connect(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Conn) connectWithRetry(ctx context.Context) error {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.connect(ctx)
		if err == nil {
			c.logger.Info("connected to dealer", "url", c.url)
			return nil
		}
		lastErr = err
		c.logger.Warn("dealer connection failed; retrying...", "error", err, "attempt", attempt+1)

		select {
		case <-c.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}

// session reads frames until the connection breaks, pinging in the background.
func (c *Conn) session(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("no websocket connection")
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(ctx, conn, stop)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.deliver(msg)
	}
}

func (c *Conn) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	interval := c.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	ping, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			// Unblocks the reader in session.
			conn.Close()
			return
		case <-t.C:
			c.mu.Lock()
			if c.conn != conn {
				c.mu.Unlock()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.TextMessage, ping)
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug("dealer ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) deliver(msg []byte) {
	c.lmu.RLock()
	fns := make([]func([]byte), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.listeners[id])
	}
	c.lmu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
