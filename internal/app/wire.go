package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cacheredis "github.com/arbfeed/arbfeed/internal/cache/redis"
	"github.com/arbfeed/arbfeed/internal/config"
	"github.com/arbfeed/arbfeed/internal/detector"
	"github.com/arbfeed/arbfeed/internal/domain"
	"github.com/arbfeed/arbfeed/internal/scheduler"
	"github.com/arbfeed/arbfeed/internal/server/ws"
	"github.com/arbfeed/arbfeed/internal/source"
)

// Dependencies bundles everything App.Run needs to start the service.
type Dependencies struct {
	Source    domain.ObservationSource
	History   *detector.History
	Detector  *detector.Detector
	Hub       *ws.Hub
	Publisher scheduler.OpportunityPublisher // may be nil
	Snapshots *lateSnapshots
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	networks := make([]domain.NetworkID, 0, len(cfg.Networks.Tracked))
	for _, n := range cfg.Networks.Tracked {
		networks = append(networks, domain.NetworkID(n))
	}
	pairs := make([]domain.Pair, 0, len(cfg.Pairs.Tracked))
	for _, p := range cfg.Pairs.Tracked {
		pairs = append(pairs, domain.Pair(p))
	}

	deps := &Dependencies{}

	// --- Redis (only when the source or the publisher needs it) ---
	var redisClient *cacheredis.Client
	needsRedis := cfg.Source.Kind == "redis" || cfg.Redis.PublishChannel != ""
	if needsRedis {
		rc, err := cacheredis.New(ctx, cacheredis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		redisClient = rc
		closers = append(closers, func() { _ = rc.Close() })
	}

	// --- Observation source ---
	var obs domain.ObservationSource
	switch cfg.Source.Kind {
	case "redis":
		obs = source.NewRedisSource(redisClient, networks, pairs)
	default:
		obs = source.NewSim(source.SimConfig{
			Pairs:     pairs,
			Networks:  networks,
			NativeUSD: networkMap(cfg.Networks.NativeUSD),
			Seed:      cfg.Source.Seed,
		})
	}

	if cfg.Source.EVMGas {
		rpc := make(map[domain.NetworkID]string, len(cfg.Networks.RPC))
		for n, endpoint := range cfg.Networks.RPC {
			rpc[domain.NetworkID(n)] = endpoint
		}
		overlay, err := source.NewEVMGasOverlay(obs, rpc, networkMap(cfg.Networks.NativeUSD), logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: evm gas overlay: %w", err)
		}
		closers = append(closers, overlay.Close)
		obs = overlay
	}
	deps.Source = obs

	// --- Detector ---
	deps.History = detector.NewHistory(cfg.Detector.HistorySize)
	deps.Detector = detector.New(detector.Config{
		TradeVolume: cfg.Detector.TradeVolume,
		GasUSD:      networkMap(cfg.Networks.GasUSD),
		Liquidity:   networkMap(cfg.Networks.Liquidity),
	}, deps.History, logger)

	// --- Hub ---
	deps.Snapshots = &lateSnapshots{}
	deps.Hub = ws.NewHub(deps.Snapshots, networks, logger)

	// --- Opportunity publisher ---
	if cfg.Redis.PublishChannel != "" {
		bus := cacheredis.NewSignalBus(redisClient)
		deps.Publisher = cacheredis.NewOpportunityFeed(bus, cfg.Redis.PublishChannel)
	}

	return deps, cleanup, nil
}

// networkMap converts a string-keyed config map into a NetworkID-keyed one.
func networkMap(in map[string]float64) map[domain.NetworkID]float64 {
	out := make(map[domain.NetworkID]float64, len(in))
	for k, v := range in {
		out[domain.NetworkID(k)] = v
	}
	return out
}

// lateSnapshots defers binding of the snapshot provider: the hub needs a
// provider at construction while the scheduler, which produces the
// snapshots, needs the hub. Before binding, queries return empty snapshots.
type lateSnapshots struct {
	mu sync.RWMutex
	p  ws.SnapshotProvider
}

func (l *lateSnapshots) set(p ws.SnapshotProvider) {
	l.mu.Lock()
	l.p = p
	l.mu.Unlock()
}

func (l *lateSnapshots) GasPrices() []domain.GasPrice {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.p == nil {
		return nil
	}
	return l.p.GasPrices()
}

func (l *lateSnapshots) Opportunities() []domain.ArbitrageOpportunity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.p == nil {
		return nil
	}
	return l.p.Opportunities()
}
