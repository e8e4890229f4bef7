package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/arbfeed/arbfeed/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	// A client that lets this fill up is treated as dead.
	sendBufferSize = 256
)

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins. In production, restrict this to known origins.
		return true
	},
}

// SnapshotProvider serves the latest computed telemetry so the hub can answer
// on-demand query messages without touching the observation source.
type SnapshotProvider interface {
	GasPrices() []domain.GasPrice
	Opportunities() []domain.ArbitrageOpportunity
}

// Hub owns the subscription registry and fans broadcast messages out to the
// matching connections. Sends never block: a client that cannot keep up is
// unregistered on the spot so it cannot starve the others.
type Hub struct {
	registry  *Registry
	snapshots SnapshotProvider
	networks  []domain.NetworkID
	logger    *slog.Logger
}

// NewHub creates a Hub over its own empty registry. networks is the tracked
// network list advertised in the connection handshake and served by
// getNetworks.
func NewHub(snapshots SnapshotProvider, networks []domain.NetworkID, logger *slog.Logger) *Hub {
	return &Hub{
		registry:  NewRegistry(),
		snapshots: snapshots,
		networks:  networks,
		logger:    logger.With(slog.String("component", "ws_hub")),
	}
}

// Registry exposes the hub's subscription registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ClientCount returns the number of connected clients. The scheduler checks
// this before doing any observation work.
func (h *Hub) ClientCount() int {
	return h.registry.Len()
}

// Broadcast sends msg to every connection matching the optional topic and
// network filters. A failed send unregisters that connection immediately and
// delivery continues to the rest; there are no retries and no ordering
// guarantee across topics.
func (h *Hub) Broadcast(msg []byte, topic *domain.Topic, network *domain.NetworkID) {
	for _, e := range h.registry.Matching(topic, network) {
		if !e.Conn.TrySend(msg) {
			h.drop(e, "send buffer full or connection closed")
		}
	}
}

// BroadcastToTopic sends msg to every connection subscribed to topic.
func (h *Hub) BroadcastToTopic(topic domain.Topic, msg []byte) {
	h.Broadcast(msg, &topic, nil)
}

// BroadcastToTopicNetwork sends msg to every connection subscribed to both
// topic and network.
func (h *Hub) BroadcastToTopicNetwork(topic domain.Topic, network domain.NetworkID, msg []byte) {
	h.Broadcast(msg, &topic, &network)
}

// drop removes a connection that failed a send and releases its transport.
func (h *Hub) drop(e Entry, reason string) {
	h.registry.Unregister(e.ID)
	e.Conn.Close()
	h.logger.Warn("ws: dropping client",
		slog.String("subscription_id", e.ID),
		slog.String("reason", reason),
	)
}

// Shutdown closes every live connection and empties the registry. It is safe
// to call more than once.
func (h *Hub) Shutdown() {
	for _, e := range h.registry.Matching(nil, nil) {
		h.registry.Unregister(e.ID)
		e.Conn.Close()
	}
	h.logger.Info("ws: all connections closed")
}

// HandleWS upgrades an HTTP request to a WebSocket connection, registers the
// client with the default interest set, and sends the connection handshake.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	c.id = h.registry.Register(c)

	h.logger.Info("ws: client connected",
		slog.String("subscription_id", c.id),
		slog.Int("total_clients", h.registry.Len()),
	)

	msg, err := Marshal(msgConnection, connectionPayload{
		Status:            "connected",
		Timestamp:         time.Now().UTC(),
		SupportedTopics:   domain.SupportedTopics(),
		SupportedNetworks: h.networks,
	})
	if err == nil {
		c.TrySend(msg)
	}

	go c.writePump()
	go c.readPump()
}

// wsClient is one server-side connection. It holds only its subscription id
// back into the registry, never a registry record.
type wsClient struct {
	hub  *Hub
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// TrySend queues msg without blocking. It reports false when the client's
// send buffer is full, which the caller treats as a dead connection.
func (c *wsClient) TrySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close releases the transport. Idempotent; safe from any goroutine.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump reads inbound messages and dispatches control requests. Any read
// error tears the connection down; the error never propagates past this
// client.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.registry.Unregister(c.id)
		c.Close()
		c.hub.logger.Info("ws: client disconnected",
			slog.String("subscription_id", c.id),
			slog.Int("total_clients", c.hub.registry.Len()),
		)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump pumps queued messages to the connection and keeps it alive with
// periodic pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound envelope. Malformed input and unknown
// types are logged and dropped; the connection is never closed for them.
func (c *wsClient) handleMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.hub.logger.Debug("ws: unparseable message dropped",
			slog.String("subscription_id", c.id),
			slog.String("error", err.Error()),
		)
		return
	}

	now := time.Now().UTC()

	switch env.Type {
	case msgSubscribe:
		topics, networks, err := parseSubscribe(env.Data)
		if err != nil {
			c.hub.logger.Debug("ws: bad subscribe payload dropped",
				slog.String("error", err.Error()),
			)
			return
		}
		c.hub.registry.Subscribe(c.id, topics, networks)
		c.ack()

	case msgUnsubscribe:
		topics, networks, err := parseSubscribe(env.Data)
		if err != nil {
			c.hub.logger.Debug("ws: bad unsubscribe payload dropped",
				slog.String("error", err.Error()),
			)
			return
		}
		c.hub.registry.Unsubscribe(c.id, topics, networks)
		c.ack()

	case msgPing:
		c.reply(msgPong, pongPayload{Timestamp: now})

	case msgGetNetworks:
		c.replyRaw(NetworksMessage(c.hub.networks, now))

	case msgGetGasPrices:
		c.replyRaw(GasPricesMessage(c.hub.snapshots.GasPrices(), now))

	case msgGetArbitrage:
		c.replyRaw(ArbitrageMessage(c.hub.snapshots.Opportunities(), now))

	default:
		c.hub.logger.Debug("ws: unknown message type ignored",
			slog.String("type", env.Type),
		)
	}
}

// ack sends the subscribed acknowledgement carrying the current interest set.
func (c *wsClient) ack() {
	topics, networks := c.hub.registry.Interest(c.id)
	c.reply(msgSubscribed, subscribedPayload{Topics: topics, Networks: networks})
}

func (c *wsClient) reply(msgType string, data any) {
	c.replyRaw(Marshal(msgType, data))
}

// replyRaw queues a prepared message to this client only, applying the same
// drop-on-overflow policy as a broadcast.
func (c *wsClient) replyRaw(msg []byte, err error) {
	if err != nil {
		c.hub.logger.Error("ws: reply marshal failed", slog.String("error", err.Error()))
		return
	}
	if !c.TrySend(msg) {
		c.hub.drop(Entry{ID: c.id, Conn: c}, "send buffer full on reply")
	}
}

// parseSubscribe decodes a subscribe/unsubscribe payload into typed topic and
// network lists.
func parseSubscribe(raw json.RawMessage) ([]domain.Topic, []domain.NetworkID, error) {
	var p subscribePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, err
		}
	}
	topics := make([]domain.Topic, 0, len(p.Topics))
	for _, t := range p.Topics {
		topics = append(topics, domain.Topic(t))
	}
	networks := make([]domain.NetworkID, 0, len(p.Networks))
	for _, n := range p.Networks {
		networks = append(networks, domain.NetworkID(n))
	}
	return topics, networks, nil
}
