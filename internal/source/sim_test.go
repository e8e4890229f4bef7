package source

import (
	"context"
	"math"
	"testing"

	"github.com/arbfeed/arbfeed/internal/domain"
)

func simConfig() SimConfig {
	return SimConfig{
		Pairs:    []domain.Pair{"ETH/USDC", "WBTC/USDC"},
		Networks: []domain.NetworkID{domain.NetworkEthereum, domain.NetworkArbitrum},
		NativeUSD: map[domain.NetworkID]float64{
			domain.NetworkEthereum: 3400,
			domain.NetworkArbitrum: 3400,
		},
		Seed: 42,
	}
}

func TestSimLatestPrices(t *testing.T) {
	s := NewSim(simConfig())

	prices, err := s.LatestPrices(context.Background())
	if err != nil {
		t.Fatalf("LatestPrices() = %v", err)
	}

	if len(prices) != 2 {
		t.Fatalf("snapshot covers %d networks, want 2", len(prices))
	}
	for _, network := range []domain.NetworkID{domain.NetworkEthereum, domain.NetworkArbitrum} {
		np, ok := prices[network]
		if !ok {
			t.Fatalf("snapshot missing network %q", network)
		}
		for _, pair := range []domain.Pair{"ETH/USDC", "WBTC/USDC"} {
			obs, ok := np[pair]
			if !ok {
				t.Fatalf("network %q missing pair %q", network, pair)
			}
			if obs.Price <= 0 {
				t.Errorf("%s on %s priced at %v", pair, network, obs.Price)
			}
			if obs.Pair != pair || obs.Network != network {
				t.Errorf("observation mislabeled: %+v", obs)
			}
			if obs.Timestamp.IsZero() {
				t.Errorf("%s on %s has zero timestamp", pair, network)
			}
		}
	}

	// ETH stays around its base; the walk moves in fractions of a percent.
	eth := prices[domain.NetworkEthereum]["ETH/USDC"].Price
	if eth < 3000 || eth > 3800 {
		t.Errorf("ETH/USDC = %v, want near 3400", eth)
	}
}

func TestSimWalkMovesPrices(t *testing.T) {
	s := NewSim(simConfig())
	ctx := context.Background()

	first, _ := s.LatestPrices(ctx)
	moved := false
	for i := 0; i < 10; i++ {
		next, err := s.LatestPrices(ctx)
		if err != nil {
			t.Fatalf("LatestPrices() = %v", err)
		}
		if next[domain.NetworkEthereum]["ETH/USDC"].Price != first[domain.NetworkEthereum]["ETH/USDC"].Price {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("price never moved over 10 steps")
	}
}

func TestSimDeterministicWithSeed(t *testing.T) {
	ctx := context.Background()
	a, _ := NewSim(simConfig()).LatestPrices(ctx)
	b, _ := NewSim(simConfig()).LatestPrices(ctx)

	pa := a[domain.NetworkEthereum]["ETH/USDC"].Price
	pb := b[domain.NetworkEthereum]["ETH/USDC"].Price
	if pa != pb {
		t.Errorf("same seed produced %v and %v", pa, pb)
	}
}

func TestSimGasPrices(t *testing.T) {
	s := NewSim(simConfig())

	gas, err := s.GasPrices(context.Background())
	if err != nil {
		t.Fatalf("GasPrices() = %v", err)
	}
	if len(gas) != 2 {
		t.Fatalf("got %d gas quotes, want 2", len(gas))
	}

	for _, g := range gas {
		if g.MaxFeeGwei <= 0 {
			t.Errorf("network %q gwei = %v", g.Network, g.MaxFeeGwei)
		}
		want := g.MaxFeeGwei * 1e-9 * simGasLimit * 3400
		if math.Abs(g.USDCost-want) > 1e-9 {
			t.Errorf("network %q USDCost = %v, want %v", g.Network, g.USDCost, want)
		}
	}
}

func TestSimHonoursContext(t *testing.T) {
	s := NewSim(simConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.LatestPrices(ctx); err == nil {
		t.Error("LatestPrices() = nil error with cancelled context")
	}
	if _, err := s.GasPrices(ctx); err == nil {
		t.Error("GasPrices() = nil error with cancelled context")
	}
}
