package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbfeed/arbfeed/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SignalBus publishes and subscribes raw payloads over Redis Pub/Sub. The
// feed uses it to mirror computed opportunity snapshots to non-WebSocket
// consumers; delivery is as best-effort as the WebSocket fan-out itself.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends a raw byte payload to a Redis Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates a Redis Pub/Sub subscription and returns a read-only
// channel that emits raw byte payloads. The subscription is automatically
// closed when the context is cancelled; the returned channel is closed at
// that point as well.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.rdb.Subscribe(ctx, channel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// OpportunityFeed mirrors opportunity snapshots to one pub/sub channel.
type OpportunityFeed struct {
	bus     *SignalBus
	channel string
}

// NewOpportunityFeed creates an OpportunityFeed publishing to channel.
func NewOpportunityFeed(bus *SignalBus, channel string) *OpportunityFeed {
	return &OpportunityFeed{bus: bus, channel: channel}
}

// PublishOpportunities sends the snapshot as one JSON payload.
func (f *OpportunityFeed) PublishOpportunities(ctx context.Context, opps []domain.ArbitrageOpportunity) error {
	payload, err := json.Marshal(struct {
		Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
		Timestamp     time.Time                     `json:"timestamp"`
	}{
		Opportunities: opps,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis: marshal opportunities: %w", err)
	}
	return f.bus.Publish(ctx, f.channel, payload)
}
