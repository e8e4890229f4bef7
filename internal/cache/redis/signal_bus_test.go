package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/arbfeed/arbfeed/internal/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitPayload(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed early")
		}
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestSignalBusRoundTrip(t *testing.T) {
	bus := NewSignalBus(newTestClient(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payloads, err := bus.Subscribe(ctx, "opportunities")
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	if err := bus.Publish(ctx, "opportunities", []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if got := waitPayload(t, payloads); string(got) != `{"seq":1}` {
		t.Errorf("payload = %s", got)
	}

	// Other channels do not leak into this subscription.
	if err := bus.Publish(ctx, "other", []byte(`{"seq":2}`)); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	select {
	case payload := <-payloads:
		t.Errorf("received payload %s from an unrelated channel", payload)
	case <-time.After(100 * time.Millisecond):
	}

	// Cancelling the context closes the subscription channel.
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-payloads:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed after cancel")
		}
	}
}

func TestOpportunityFeedPublishesSnapshots(t *testing.T) {
	bus := NewSignalBus(newTestClient(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payloads, err := bus.Subscribe(ctx, "opps")
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	feed := NewOpportunityFeed(bus, "opps")
	opps := []domain.ArbitrageOpportunity{{
		Symbol:          "ETH/USDC",
		BestProfit:      84.4,
		BestConfidence:  1,
		ExecutionTiming: domain.TimingImmediate,
	}}
	if err := feed.PublishOpportunities(ctx, opps); err != nil {
		t.Fatalf("PublishOpportunities() = %v", err)
	}

	var got struct {
		Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
		Timestamp     time.Time                     `json:"timestamp"`
	}
	if err := json.Unmarshal(waitPayload(t, payloads), &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(got.Opportunities) != 1 || got.Opportunities[0].Symbol != "ETH/USDC" {
		t.Errorf("payload opportunities = %+v", got.Opportunities)
	}
	if got.Timestamp.IsZero() {
		t.Error("payload timestamp is zero")
	}
}
