// Package client implements the consumer side of the feed: a WebSocket
// client that dispatches inbound messages to registered handlers and
// re-establishes dropped connections with capped exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbfeed/arbfeed/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds each dial attempt.
	handshakeTimeout = 15 * time.Second
)

// State is the connection state of the client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Config holds client configuration.
type Config struct {
	URL            string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the number of consecutive reconnect attempts before the
	// client gives up permanently. A deliberate Disconnect or a successful
	// connection resets the counter.
	MaxAttempts int
	// Subscription, when set, is replayed after every successful connect:
	// the server does not persist subscriptions across reconnects.
	Subscription *Subscription
}

// Subscription is the interest set the client re-asserts on each connect.
type Subscription struct {
	Topics   []domain.Topic     `json:"topics"`
	Networks []domain.NetworkID `json:"networks"`
}

// DefaultConfig returns sensible reconnect defaults for the given endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    10,
	}
}

// MessageHandler receives the payload of one inbound message.
type MessageHandler func(data json.RawMessage)

// Client is a reconnecting WebSocket consumer of the feed.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	attempts    int
	retryTimer  *time.Timer
	terminalErr error
	// closed marks a deliberate Disconnect so in-flight read loops and
	// pending retries stand down instead of scheduling reconnects.
	closed bool

	writeMu sync.Mutex

	handlerMu    sync.RWMutex
	handlers     map[string][]MessageHandler
	onConnect    []func()
	onDisconnect []func(error)
}

// New creates a Client. It does not connect; call Connect.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "feed_client")),
		state:    StateDisconnected,
		handlers: make(map[string][]MessageHandler),
	}
}

// OnMessage registers a handler for one inbound message type. Handlers run on
// the read goroutine; they must not block.
func (c *Client) OnMessage(msgType string, h MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// OnConnect registers a handler invoked after every successful (re)connect.
func (c *Client) OnConnect(h func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onConnect = append(c.onConnect, h)
}

// OnDisconnect registers a handler invoked when the connection drops. When
// reconnect attempts are exhausted the handler receives
// domain.ErrReconnectExhausted.
func (c *Client) OnDisconnect(h func(error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, h)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error, if the client has given up reconnecting.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalErr
}

// Connect establishes the connection. On failure the first automatic retry is
// scheduled before the error is returned, so callers may simply wait for
// OnConnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.terminalErr = nil
	c.mu.Unlock()

	return c.dial(ctx)
}

// Reconnect resets the attempt counter and connects again. It works even
// after the client has reported a terminal error.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.terminalErr = nil
	c.closed = false
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect deliberately closes the connection, cancels any pending
// reconnect, and resets the attempt counter. A deliberate disconnect is not a
// failure: no disconnected event fires and no retry is scheduled. It is safe
// to call from within a handler and safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	c.attempts = 0
	c.terminalErr = nil
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	}
	return nil
}

// Send writes one typed message. It fails immediately with
// domain.ErrNotConnected when the client is not connected; nothing is queued.
func (c *Client) Send(msgType string, data any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("client: send %s: %w", msgType, domain.ErrNotConnected)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", msgType, err)
	}
	env, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: msgType, Data: raw})
	if err != nil {
		return fmt.Errorf("client: marshal %s envelope: %w", msgType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, env); err != nil {
		return fmt.Errorf("client: send %s: %w", msgType, err)
	}
	return nil
}

// Subscribe sends a subscribe request for the given interest set.
func (c *Client) Subscribe(topics []domain.Topic, networks []domain.NetworkID) error {
	return c.Send("subscribe", Subscription{Topics: topics, Networks: networks})
}

// Unsubscribe sends an unsubscribe request for the given interest set.
func (c *Client) Unsubscribe(topics []domain.Topic, networks []domain.NetworkID) error {
	return c.Send("unsubscribe", Subscription{Topics: topics, Networks: networks})
}

// dial performs one connection attempt: Disconnected -> Connecting ->
// Connected on success, or schedules the next attempt on failure.
func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	// A manual Connect or Reconnect supersedes any armed backoff retry;
	// letting it fire would dial a second connection alongside this one.
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.logger.Warn("connect failed", slog.String("error", err.Error()))
		c.scheduleRetry(err)
		return fmt.Errorf("client: connect %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return domain.ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.terminalErr = nil
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("connected", slog.String("url", c.cfg.URL))
	c.emitConnect()

	if sub := c.cfg.Subscription; sub != nil {
		if err := c.Subscribe(sub.Topics, sub.Networks); err != nil {
			c.logger.Warn("resubscribe failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// readLoop reads until the connection fails, then hands off to the reconnect
// path. Unparseable messages are logged and dropped without affecting the
// connection.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}

		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("unparseable message dropped", slog.String("error", err.Error()))
			continue
		}

		c.handlerMu.RLock()
		handlers := c.handlers[env.Type]
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(env.Data)
		}
	}
}

// pingLoop keeps the connection alive. It exits when its connection dies.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}

		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleDrop runs when a connected session's read fails: transition to
// Disconnected, emit the event, and schedule a reconnect unless this was a
// deliberate Disconnect or a stale loop.
func (c *Client) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("connection lost", slog.String("error", cause.Error()))
	c.emitDisconnect(cause)
	c.scheduleRetry(cause)
}

// scheduleRetry arms the backoff timer for the next attempt, or surfaces the
// terminal error once attempts are exhausted.
func (c *Client) scheduleRetry(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.state = StateDisconnected
		c.terminalErr = fmt.Errorf("client: %w after %d attempts: %w",
			domain.ErrReconnectExhausted, c.attempts, cause)
		terminal := c.terminalErr
		c.mu.Unlock()

		c.logger.Error("giving up", slog.Int("attempts", c.cfg.MaxAttempts))
		c.emitDisconnect(terminal)
		return
	}

	delay := backoffDelay(c.cfg.InitialBackoff, c.cfg.MaxBackoff, c.attempts)
	c.attempts++
	attempt := c.attempts
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		// A manual Connect/Reconnect or Disconnect may have superseded this
		// retry between firing and running; only the armed timer may dial.
		c.mu.Lock()
		if c.retryTimer != timer {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		_ = c.dial(ctx)
	})
	c.retryTimer = timer
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", attempt),
	)
}

// backoffDelay returns min(initial * 2^attempt, max).
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	// Beyond 62 doublings the shift overflows; the cap applies long before.
	if attempt > 62 {
		return max
	}
	d := initial << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (c *Client) emitConnect() {
	c.handlerMu.RLock()
	handlers := c.onConnect
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (c *Client) emitDisconnect(err error) {
	c.handlerMu.RLock()
	handlers := c.onDisconnect
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
