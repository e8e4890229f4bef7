package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbfeed/arbfeed/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSnapshots is a fixed SnapshotProvider for on-demand query tests.
type stubSnapshots struct {
	gas  []domain.GasPrice
	opps []domain.ArbitrageOpportunity
}

func (s *stubSnapshots) GasPrices() []domain.GasPrice                 { return s.gas }
func (s *stubSnapshots) Opportunities() []domain.ArbitrageOpportunity { return s.opps }

func newTestHub() *Hub {
	return NewHub(
		&stubSnapshots{gas: []domain.GasPrice{{Network: domain.NetworkEthereum, MaxFeeGwei: 20, USDCost: 15}}},
		[]domain.NetworkID{domain.NetworkEthereum, domain.NetworkArbitrum},
		discardLogger(),
	)
}

func TestBroadcastFiltering(t *testing.T) {
	hub := newTestHub()
	reg := hub.Registry()

	pricesOnly := &fakeSender{}
	reg.Register(pricesOnly)

	gasSub := &fakeSender{}
	gasID := reg.Register(gasSub)
	reg.Subscribe(gasID, []domain.Topic{domain.TopicGasPrices}, []domain.NetworkID{domain.NetworkArbitrum})

	hub.BroadcastToTopic(domain.TopicGasPrices, []byte(`{"type":"gasPrices"}`))

	if len(pricesOnly.messages) != 0 {
		t.Errorf("prices-only client received %d gasPrices messages, want 0", len(pricesOnly.messages))
	}
	if len(gasSub.messages) != 1 {
		t.Errorf("gas subscriber received %d messages, want 1", len(gasSub.messages))
	}

	hub.BroadcastToTopicNetwork(domain.TopicPrices, domain.NetworkEthereum, []byte(`{"type":"prices"}`))

	if len(pricesOnly.messages) != 1 {
		t.Errorf("prices-only client received %d prices messages, want 1", len(pricesOnly.messages))
	}
	if len(gasSub.messages) != 1 {
		t.Errorf("gas subscriber received prices for a network it did not ask for")
	}
}

func TestBroadcastDropsFailedSender(t *testing.T) {
	hub := newTestHub()
	reg := hub.Registry()

	healthy := &fakeSender{}
	reg.Register(healthy)
	stuck := &fakeSender{reject: true}
	reg.Register(stuck)

	hub.BroadcastToTopic(domain.TopicPrices, []byte(`{}`))

	// The stuck client is gone, the healthy one untouched.
	if !stuck.closed {
		t.Error("failed sender was not closed")
	}
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d after drop, want 1", hub.ClientCount())
	}
	if len(healthy.messages) != 1 {
		t.Errorf("healthy client received %d messages, want 1", len(healthy.messages))
	}

	// Subsequent broadcasts no longer see the dropped client.
	hub.BroadcastToTopic(domain.TopicPrices, []byte(`{}`))
	if len(healthy.messages) != 2 {
		t.Errorf("healthy client received %d messages, want 2", len(healthy.messages))
	}
}

func TestShutdownClosesAll(t *testing.T) {
	hub := newTestHub()
	conns := []*fakeSender{{}, {}, {}}
	for _, c := range conns {
		hub.Registry().Register(c)
	}

	hub.Shutdown()

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after shutdown, want 0", hub.ClientCount())
	}
	for i, c := range conns {
		if !c.closed {
			t.Errorf("connection %d not closed by shutdown", i)
		}
	}

	// Shutdown on an empty hub is harmless.
	hub.Shutdown()
}

// dialTestHub spins up an httptest server around the hub and connects one
// real WebSocket client to it.
func dialTestHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return env
}

func TestHandleWSHandshakeAndQueries(t *testing.T) {
	hub := newTestHub()
	conn, cleanup := dialTestHub(t, hub)
	defer cleanup()

	// First frame is the connection handshake.
	env := readEnvelope(t, conn)
	if env.Type != msgConnection {
		t.Fatalf("first message type = %q, want %q", env.Type, msgConnection)
	}
	var hello connectionPayload
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if hello.Status != "connected" {
		t.Errorf("handshake status = %q, want connected", hello.Status)
	}
	if len(hello.SupportedTopics) != len(domain.SupportedTopics()) {
		t.Errorf("handshake topics = %v", hello.SupportedTopics)
	}

	// Subscribe is acknowledged with the merged interest set.
	sub := `{"type":"subscribe","data":{"topics":["gasPrices"],"networks":["arbitrum"]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	env = readEnvelope(t, conn)
	if env.Type != msgSubscribed {
		t.Fatalf("subscribe ack type = %q, want %q", env.Type, msgSubscribed)
	}
	var ack subscribedPayload
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if len(ack.Topics) != 2 || len(ack.Networks) != 2 {
		t.Errorf("ack interest = %v/%v, want 2 topics and 2 networks", ack.Topics, ack.Networks)
	}

	// Ping round trip.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if env = readEnvelope(t, conn); env.Type != msgPong {
		t.Errorf("ping reply type = %q, want %q", env.Type, msgPong)
	}

	// On-demand gas query answers from the snapshot provider.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"getGasPrices"}`)); err != nil {
		t.Fatalf("write getGasPrices: %v", err)
	}
	env = readEnvelope(t, conn)
	if env.Type != TypeGasPrices {
		t.Fatalf("gas reply type = %q, want %q", env.Type, TypeGasPrices)
	}
	var gas gasPricesPayload
	if err := json.Unmarshal(env.Data, &gas); err != nil {
		t.Fatalf("unmarshal gas reply: %v", err)
	}
	if len(gas.GasPrices) != 1 || gas.GasPrices[0].Network != domain.NetworkEthereum {
		t.Errorf("gas reply = %+v", gas.GasPrices)
	}

	// Unknown types are ignored; the connection stays usable.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping after unknown: %v", err)
	}
	if env = readEnvelope(t, conn); env.Type != msgPong {
		t.Errorf("connection unusable after unknown message type: got %q", env.Type)
	}
}

func TestHandleWSBroadcastDelivery(t *testing.T) {
	hub := newTestHub()
	conn, cleanup := dialTestHub(t, hub)
	defer cleanup()

	readEnvelope(t, conn) // handshake

	waitForClients(t, hub, 1)
	msg, err := PricesMessage(domain.NetworkPrices{
		"ETH/USDC": {Pair: "ETH/USDC", Network: domain.NetworkEthereum, Price: 3400, Timestamp: time.Now().UTC()},
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("PricesMessage: %v", err)
	}
	hub.BroadcastToTopicNetwork(domain.TopicPrices, domain.NetworkEthereum, msg)

	env := readEnvelope(t, conn)
	if env.Type != TypePrices {
		t.Fatalf("broadcast type = %q, want %q", env.Type, TypePrices)
	}
	var payload pricesPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal prices: %v", err)
	}
	if payload.Prices["ETH/USDC"].Price != 3400 {
		t.Errorf("price = %v, want 3400", payload.Prices["ETH/USDC"].Price)
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
