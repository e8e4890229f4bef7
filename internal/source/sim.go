// Package source provides ObservationSource implementations: a random-walk
// simulator, a Redis-backed reader, and an overlay that swaps in live gas
// quotes from EVM RPC endpoints.
package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/arbfeed/arbfeed/internal/domain"
)

// simGasLimit is the gas assumed for one swap when converting gwei quotes to
// USD.
const simGasLimit = 150_000

// basePrices seed the simulator for well-known pairs; anything else starts
// at 100.
var basePrices = map[domain.Pair]float64{
	"ETH/USDC":  3400,
	"WBTC/USDC": 97_000,
	"ARB/USDC":  0.85,
	"OP/USDC":   1.70,
}

// baseGwei seeds per-network gas levels.
var baseGwei = map[domain.NetworkID]float64{
	domain.NetworkEthereum: 25,
	domain.NetworkArbitrum: 0.1,
	domain.NetworkOptimism: 0.08,
	domain.NetworkPolygon:  45,
	domain.NetworkBase:     0.06,
	domain.NetworkZkSync:   0.25,
}

// SimConfig configures the simulator.
type SimConfig struct {
	Pairs    []domain.Pair
	Networks []domain.NetworkID
	// NativeUSD maps network -> USD price of the native gas token.
	NativeUSD map[domain.NetworkID]float64
	// Seed makes the walk deterministic when non-zero.
	Seed int64
}

// Sim is a random-walk price and gas simulator. Each network carries its own
// small skew per pair, so cross-network spreads appear and disappear the way
// they do on real venues.
type Sim struct {
	mu        sync.Mutex
	rng       *rand.Rand
	networks  []domain.NetworkID
	pairs     []domain.Pair
	nativeUSD map[domain.NetworkID]float64
	prices    map[domain.NetworkID]map[domain.Pair]float64
	gwei      map[domain.NetworkID]float64
}

// NewSim creates a simulator with per-network starting prices skewed around
// the pair's base price.
func NewSim(cfg SimConfig) *Sim {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Sim{
		rng:       rand.New(rand.NewSource(seed)),
		networks:  cfg.Networks,
		pairs:     cfg.Pairs,
		nativeUSD: cfg.NativeUSD,
		prices:    make(map[domain.NetworkID]map[domain.Pair]float64),
		gwei:      make(map[domain.NetworkID]float64),
	}

	for _, n := range cfg.Networks {
		s.prices[n] = make(map[domain.Pair]float64, len(cfg.Pairs))
		for _, p := range cfg.Pairs {
			base, ok := basePrices[p]
			if !ok {
				base = 100
			}
			// Up to +-0.3% initial skew per network.
			s.prices[n][p] = base * (1 + (s.rng.Float64()-0.5)*0.006)
		}
		g, ok := baseGwei[n]
		if !ok {
			g = 1
		}
		s.gwei[n] = g
	}
	return s
}

// LatestPrices advances the walk one step and returns the current snapshot.
func (s *Sim) LatestPrices(ctx context.Context) (map[domain.NetworkID]domain.NetworkPrices, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make(map[domain.NetworkID]domain.NetworkPrices, len(s.networks))
	for _, n := range s.networks {
		np := make(domain.NetworkPrices, len(s.pairs))
		for _, p := range s.pairs {
			price := s.prices[n][p] * (1 + s.rng.NormFloat64()*0.0008)
			if price <= 0 {
				price = s.prices[n][p]
			}
			s.prices[n][p] = price
			np[p] = domain.PriceObservation{
				Pair:      p,
				Network:   n,
				Price:     price,
				Timestamp: now,
			}
		}
		out[n] = np
	}
	return out, nil
}

// GasPrices walks each network's gas level a little and converts it to USD.
func (s *Sim) GasPrices(ctx context.Context) ([]domain.GasPrice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.GasPrice, 0, len(s.networks))
	for _, n := range s.networks {
		g := s.gwei[n] * (1 + (s.rng.Float64()-0.5)*0.1)
		if g <= 0 {
			g = s.gwei[n]
		}
		s.gwei[n] = g

		native := s.nativeUSD[n]
		if native <= 0 {
			native = 3400
		}
		out = append(out, domain.GasPrice{
			Network:    n,
			MaxFeeGwei: g,
			USDCost:    g * 1e-9 * simGasLimit * native,
		})
	}
	return out, nil
}
