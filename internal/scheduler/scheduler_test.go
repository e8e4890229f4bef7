package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arbfeed/arbfeed/internal/detector"
	"github.com/arbfeed/arbfeed/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroadcaster records every broadcast grouped by topic.
type fakeBroadcaster struct {
	mu      sync.Mutex
	clients int
	byTopic map[domain.Topic][][]byte
	// networks seen on filtered broadcasts
	networks map[domain.NetworkID]int
}

func newFakeBroadcaster(clients int) *fakeBroadcaster {
	return &fakeBroadcaster{
		clients:  clients,
		byTopic:  make(map[domain.Topic][][]byte),
		networks: make(map[domain.NetworkID]int),
	}
}

func (f *fakeBroadcaster) BroadcastToTopic(topic domain.Topic, msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTopic[topic] = append(f.byTopic[topic], msg)
}

func (f *fakeBroadcaster) BroadcastToTopicNetwork(topic domain.Topic, network domain.NetworkID, msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTopic[topic] = append(f.byTopic[topic], msg)
	f.networks[network]++
}

func (f *fakeBroadcaster) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients
}

func (f *fakeBroadcaster) count(topic domain.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byTopic[topic])
}

// fakeSource serves canned observations and counts how often it is asked.
type fakeSource struct {
	mu        sync.Mutex
	prices    map[domain.NetworkID]domain.NetworkPrices
	gas       []domain.GasPrice
	priceErr  error
	gasErr    error
	priceHits int
	gasHits   int
}

func (f *fakeSource) LatestPrices(ctx context.Context) (map[domain.NetworkID]domain.NetworkPrices, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceHits++
	return f.prices, f.priceErr
}

func (f *fakeSource) GasPrices(ctx context.Context) ([]domain.GasPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasHits++
	return f.gas, f.gasErr
}

func (f *fakeSource) hits() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priceHits, f.gasHits
}

func testSource() *fakeSource {
	now := time.Now().UTC()
	return &fakeSource{
		prices: map[domain.NetworkID]domain.NetworkPrices{
			domain.NetworkEthereum: {
				"ETH/USDC": {Pair: "ETH/USDC", Network: domain.NetworkEthereum, Price: 3400, Timestamp: now},
			},
			domain.NetworkArbitrum: {
				"ETH/USDC": {Pair: "ETH/USDC", Network: domain.NetworkArbitrum, Price: 3500, Timestamp: now},
			},
		},
		gas: []domain.GasPrice{
			{Network: domain.NetworkEthereum, MaxFeeGwei: 20, USDCost: 15},
		},
	}
}

func newTestScheduler(source domain.ObservationSource, bc Broadcaster, pub OpportunityPublisher) *Scheduler {
	history := detector.NewHistory(100)
	det := detector.New(detector.Config{TradeVolume: 1000}, history, discardLogger())
	cfg := Config{
		PriceInterval: time.Second,
		GasInterval:   10 * time.Second,
		ArbInterval:   30 * time.Second,
	}
	return New(source, det, history, bc, pub, cfg, discardLogger())
}

func TestTicksSkipWorkWithoutClients(t *testing.T) {
	source := testSource()
	bc := newFakeBroadcaster(0)
	s := newTestScheduler(source, bc, nil)

	ctx := context.Background()
	for _, tick := range []func(context.Context) error{s.priceTick, s.gasTick, s.arbTick} {
		if err := tick(ctx); err != nil {
			t.Fatalf("tick with zero clients returned %v", err)
		}
	}

	priceHits, gasHits := source.hits()
	if priceHits != 0 || gasHits != 0 {
		t.Errorf("source hit (%d prices, %d gas) with zero clients, want none", priceHits, gasHits)
	}
	if n := bc.count(domain.TopicPrices) + bc.count(domain.TopicGasPrices) + bc.count(domain.TopicArbitrage); n != 0 {
		t.Errorf("%d broadcasts with zero clients, want 0", n)
	}
}

func TestPriceTickBroadcastsPerNetwork(t *testing.T) {
	source := testSource()
	bc := newFakeBroadcaster(1)
	s := newTestScheduler(source, bc, nil)

	if err := s.priceTick(context.Background()); err != nil {
		t.Fatalf("priceTick() = %v", err)
	}

	if got := bc.count(domain.TopicPrices); got != 2 {
		t.Errorf("prices broadcasts = %d, want one per network (2)", got)
	}
	for _, network := range []domain.NetworkID{domain.NetworkEthereum, domain.NetworkArbitrum} {
		if bc.networks[network] != 1 {
			t.Errorf("network %q received %d broadcasts, want 1", network, bc.networks[network])
		}
	}

	// The tick feeds the volatility window once per pair.
	if got := s.history.Len("ETH/USDC"); got != 1 {
		t.Errorf("history ticks = %d after one price tick, want 1", got)
	}
}

func TestGasTickCachesSnapshot(t *testing.T) {
	source := testSource()
	bc := newFakeBroadcaster(1)
	s := newTestScheduler(source, bc, nil)

	if got := s.GasPrices(); len(got) != 0 {
		t.Fatalf("GasPrices() = %d entries before first tick, want 0", len(got))
	}

	if err := s.gasTick(context.Background()); err != nil {
		t.Fatalf("gasTick() = %v", err)
	}

	if got := bc.count(domain.TopicGasPrices); got != 1 {
		t.Errorf("gasPrices broadcasts = %d, want 1", got)
	}
	got := s.GasPrices()
	if len(got) != 1 || got[0].Network != domain.NetworkEthereum {
		t.Errorf("GasPrices() = %+v", got)
	}
}

// capturePublisher records opportunity snapshots handed to it.
type capturePublisher struct {
	mu    sync.Mutex
	calls [][]domain.ArbitrageOpportunity
	err   error
}

func (p *capturePublisher) PublishOpportunities(ctx context.Context, opps []domain.ArbitrageOpportunity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, opps)
	return p.err
}

func TestArbTickDetectsCachesAndPublishes(t *testing.T) {
	source := testSource()
	bc := newFakeBroadcaster(1)
	pub := &capturePublisher{}
	s := newTestScheduler(source, bc, pub)

	if err := s.arbTick(context.Background()); err != nil {
		t.Fatalf("arbTick() = %v", err)
	}

	msgs := bc.byTopic[domain.TopicArbitrage]
	if len(msgs) != 1 {
		t.Fatalf("arbitrage broadcasts = %d, want 1", len(msgs))
	}
	var env struct {
		Type string `json:"type"`
		Data struct {
			Opportunities []domain.ArbitrageOpportunity `json:"opportunities"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msgs[0], &env); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if env.Type != "arbitrageOpportunities" {
		t.Errorf("broadcast type = %q", env.Type)
	}
	// The 100 spread on ETH/USDC clears default costs.
	if len(env.Data.Opportunities) != 1 {
		t.Fatalf("broadcast carried %d opportunities, want 1", len(env.Data.Opportunities))
	}

	if got := s.Opportunities(); len(got) != 1 {
		t.Errorf("Opportunities() = %d entries, want 1", len(got))
	}
	if len(pub.calls) != 1 {
		t.Errorf("publisher called %d times, want 1", len(pub.calls))
	}
}

func TestArbTickToleratesPublisherFailure(t *testing.T) {
	source := testSource()
	bc := newFakeBroadcaster(1)
	pub := &capturePublisher{err: errors.New("redis down")}
	s := newTestScheduler(source, bc, pub)

	if err := s.arbTick(context.Background()); err != nil {
		t.Errorf("arbTick() = %v, want nil despite publisher failure", err)
	}
	if got := bc.count(domain.TopicArbitrage); got != 1 {
		t.Errorf("arbitrage broadcasts = %d, want 1", got)
	}
}

func TestTickErrorsSurfaceWithoutBroadcast(t *testing.T) {
	source := testSource()
	source.priceErr = errors.New("upstream unavailable")
	source.gasErr = errors.New("upstream unavailable")
	bc := newFakeBroadcaster(1)
	s := newTestScheduler(source, bc, nil)

	ctx := context.Background()
	if err := s.priceTick(ctx); err == nil {
		t.Error("priceTick() = nil, want error")
	}
	if err := s.gasTick(ctx); err == nil {
		t.Error("gasTick() = nil, want error")
	}
	if n := bc.count(domain.TopicPrices) + bc.count(domain.TopicGasPrices); n != 0 {
		t.Errorf("%d broadcasts after failed ticks, want 0", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	source := testSource()
	bc := newFakeBroadcaster(1)
	s := newTestScheduler(source, bc, nil)
	s.cfg = Config{
		PriceInterval: 5 * time.Millisecond,
		GasInterval:   5 * time.Millisecond,
		ArbInterval:   5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let a few ticks land, then stop.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}

	if bc.count(domain.TopicPrices) == 0 {
		t.Error("no price broadcasts before cancel")
	}
}
