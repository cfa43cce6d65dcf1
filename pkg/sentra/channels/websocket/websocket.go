// Package websocket implements the bridge transport over a WebSocket
// connection: JSON envelopes in both directions, request/result correlation
// by requestId, keepalive pings and automatic reconnection.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jholhewres/sentra/pkg/sentra/channels"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 << 20
)

// Config configures the bridge connection.
type Config struct {
	// URL is the bridge endpoint (e.g. "ws://localhost:6702").
	URL string `yaml:"url"`

	// Token is sent as a bearer Authorization header when set.
	Token string `yaml:"token"`

	// Timeout bounds the wait for a result envelope (default: 10s).
	Timeout time.Duration `yaml:"timeout"`

	// ReconnectInterval is the wait between reconnect attempts (default: 10s).
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// MaxReconnectAttempts caps consecutive reconnects (default: 60).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// RatePerSecond and Burst pace outbound envelopes (default: 5/s, burst 5).
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.ReconnectInterval <= 0 {
		out.ReconnectInterval = 10 * time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 60
	}
	if out.RatePerSecond <= 0 {
		out.RatePerSecond = 5
	}
	if out.Burst <= 0 {
		out.Burst = 5
	}
	return out
}

// Client is a channels.Transport over a WebSocket connection.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	// connMu guards conn and serializes writes.
	connMu sync.Mutex
	conn   *websocket.Conn

	connected atomic.Bool
	messages  chan *channels.IncomingMessage

	pendingMu sync.Mutex
	pending   map[string]chan *channels.Envelope

	reconnectGuard    atomic.Bool
	reconnectAttempts atomic.Int32
	reconnects        atomic.Int64
	errorCount        atomic.Int64
	lastMessageAt     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "url", cfg.URL),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		messages: make(chan *channels.IncomingMessage, 256),
		pending:  make(map[string]chan *channels.Envelope),
	}
}

// Connect dials the bridge and starts the read and keepalive loops.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("%w: transport url is empty", channels.ErrNotConnected)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c.dial(c.ctx)
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.errorCount.Add(1)
		return fmt.Errorf("dial bridge: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("bridge connected")
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *Client) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.connected.Store(false)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Receive returns the incoming chat messages. The channel is never closed;
// consumers stop on their own context.
func (c *Client) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Health returns the transport health status.
func (c *Client) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  c.IsConnected(),
		ErrorCount: int(c.errorCount.Load()),
		Reconnects: int(c.reconnects.Load()),
		Details: map[string]any{
			"pending_requests": c.pendingCount(),
		},
	}
	if ts := c.lastMessageAt.Load(); ts > 0 {
		h.LastMessageAt = time.Unix(0, ts)
	}
	return h
}

// SendAndWait writes env and waits for the result envelope with the same
// requestId. Returns nil on timeout, on ok=false and when disconnected.
func (c *Client) SendAndWait(ctx context.Context, env *channels.Envelope) *channels.Envelope {
	if !c.IsConnected() {
		c.logger.Warn("send skipped, bridge not connected", "type", env.Type)
		return nil
	}
	if env.RequestID == "" {
		env.RequestID = uuid.New().String()
	}

	ch := make(chan *channels.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil
	}
	if err := c.write(env); err != nil {
		c.logger.Warn("send failed", "request_id", env.RequestID, "error", err)
		return nil
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if !res.OK {
			c.logger.Warn("bridge rejected request", "request_id", env.RequestID, "message", res.Message)
			return nil
		}
		return res
	case <-timer.C:
		c.logger.Warn("request timed out, outcome unknown", "request_id", env.RequestID, "timeout", c.cfg.Timeout)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) write(env *channels.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return channels.ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.lastMessageAt.Store(time.Now().UnixNano())
		c.dispatch(conn, data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != conn {
				c.connMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.connMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) dispatch(conn *websocket.Conn, data []byte) {
	var env channels.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("invalid envelope", "error", err)
		return
	}

	switch env.Type {
	case channels.EnvelopeMessage:
		var msg channels.IncomingMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Warn("invalid message payload", "error", err)
			return
		}
		select {
		case c.messages <- &msg:
		case <-c.ctx.Done():
		}

	case channels.EnvelopeResult:
		c.pendingMu.Lock()
		ch, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("result for unknown request", "request_id", env.RequestID)
			return
		}
		ch <- &env

	case channels.EnvelopeWelcome:
		c.logger.Info("bridge welcome", "message", env.Message)

	case channels.EnvelopePong:
		c.logger.Debug("bridge pong")

	case channels.EnvelopeShutdown:
		c.logger.Warn("bridge is shutting down", "message", env.Message)
		_ = conn.Close()

	default:
		c.logger.Debug("unhandled envelope", "type", env.Type)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()

	if !current || c.ctx.Err() != nil {
		return
	}
	c.connected.Store(false)
	c.errorCount.Add(1)
	c.logger.Warn("bridge connection lost", "error", err)
	go c.attemptReconnect()
}

func (c *Client) attemptReconnect() {
	// Guard: prevent multiple concurrent reconnection attempts.
	if !c.reconnectGuard.CompareAndSwap(false, true) {
		c.logger.Debug("reconnect already in progress, skipping")
		return
	}
	defer c.reconnectGuard.Store(false)

	for {
		attempts := c.reconnectAttempts.Add(1)
		if attempts > int32(c.cfg.MaxReconnectAttempts) {
			c.logger.Error("max reconnect attempts reached", "attempts", attempts-1)
			return
		}

		c.logger.Info("attempting reconnect", "attempt", attempts, "wait", c.cfg.ReconnectInterval)
		select {
		case <-time.After(c.cfg.ReconnectInterval):
		case <-c.ctx.Done():
			return
		}

		if err := c.dial(c.ctx); err != nil {
			c.logger.Warn("reconnect failed", "attempt", attempts, "error", err)
			continue
		}
		c.reconnectAttempts.Store(0)
		c.reconnects.Add(1)
		return
	}
}
