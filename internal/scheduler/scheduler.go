// Package scheduler runs the periodic broadcast loops: prices every second,
// gas every ten seconds, arbitrage every thirty. The loops are independent,
// survive any per-tick failure, and stop only when the process shuts down.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbfeed/arbfeed/internal/detector"
	"github.com/arbfeed/arbfeed/internal/domain"
	"github.com/arbfeed/arbfeed/internal/server/ws"
)

// Broadcaster is the slice of the hub the scheduler needs: filtered fan-out
// plus the client count for the zero-listener short-circuit.
type Broadcaster interface {
	BroadcastToTopic(topic domain.Topic, msg []byte)
	BroadcastToTopicNetwork(topic domain.Topic, network domain.NetworkID, msg []byte)
	ClientCount() int
}

// OpportunityPublisher receives a copy of each computed opportunity snapshot,
// e.g. for a Redis pub/sub channel. Publishing is best effort.
type OpportunityPublisher interface {
	PublishOpportunities(ctx context.Context, opps []domain.ArbitrageOpportunity) error
}

// Config holds the three loop cadences.
type Config struct {
	PriceInterval time.Duration
	GasInterval   time.Duration
	ArbInterval   time.Duration
}

// Scheduler drives the observation source and the detector on their cadences
// and hands the results to the broadcaster. It also retains the last gas and
// opportunity snapshots so the hub can answer on-demand queries.
type Scheduler struct {
	source   domain.ObservationSource
	detector *detector.Detector
	history  *detector.History
	bc       Broadcaster
	pub      OpportunityPublisher // may be nil
	cfg      Config
	logger   *slog.Logger

	mu       sync.RWMutex
	lastGas  []domain.GasPrice
	lastOpps []domain.ArbitrageOpportunity
}

// New creates a Scheduler. pub may be nil when no external publishing is
// configured.
func New(
	source domain.ObservationSource,
	det *detector.Detector,
	history *detector.History,
	bc Broadcaster,
	pub OpportunityPublisher,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		source:   source,
		detector: det,
		history:  history,
		bc:       bc,
		pub:      pub,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Run starts the three loops and blocks until ctx is cancelled. Cancellation
// is the only way the loops stop; per-tick errors are logged and absorbed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		slog.Duration("price_interval", s.cfg.PriceInterval),
		slog.Duration("gas_interval", s.cfg.GasInterval),
		slog.Duration("arb_interval", s.cfg.ArbInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runLoop(ctx, "price", s.cfg.PriceInterval, s.priceTick) })
	g.Go(func() error { return s.runLoop(ctx, "gas", s.cfg.GasInterval, s.gasTick) })
	g.Go(func() error { return s.runLoop(ctx, "arbitrage", s.cfg.ArbInterval, s.arbTick) })

	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// runLoop executes tick on the given cadence until ctx is done. A tick error
// costs that tick and nothing else.
func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("loop stopped", slog.String("loop", name))
			return ctx.Err()
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				s.logger.Warn("tick failed",
					slog.String("loop", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// priceTick fetches the latest observations, feeds the volatility window, and
// broadcasts one prices message per network so the network filter applies.
func (s *Scheduler) priceTick(ctx context.Context) error {
	if s.bc.ClientCount() == 0 {
		return nil
	}

	prices, err := s.source.LatestPrices(ctx)
	if err != nil {
		return err
	}

	s.recordHistory(prices)

	now := time.Now().UTC()
	for network, np := range prices {
		if len(np) == 0 {
			continue
		}
		msg, err := ws.PricesMessage(np, now)
		if err != nil {
			return err
		}
		s.bc.BroadcastToTopicNetwork(domain.TopicPrices, network, msg)
	}
	return nil
}

// gasTick fetches current gas quotes, caches them for on-demand queries, and
// broadcasts them to the gasPrices topic.
func (s *Scheduler) gasTick(ctx context.Context) error {
	if s.bc.ClientCount() == 0 {
		return nil
	}

	gas, err := s.source.GasPrices(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastGas = gas
	s.mu.Unlock()

	msg, err := ws.GasPricesMessage(gas, time.Now().UTC())
	if err != nil {
		return err
	}
	s.bc.BroadcastToTopic(domain.TopicGasPrices, msg)
	return nil
}

// arbTick runs one detector pass over a fresh observation snapshot, caches the
// result, broadcasts it, and hands a copy to the external publisher if one is
// configured.
func (s *Scheduler) arbTick(ctx context.Context) error {
	if s.bc.ClientCount() == 0 {
		return nil
	}

	prices, err := s.source.LatestPrices(ctx)
	if err != nil {
		return err
	}

	opps := s.detector.Detect(prices)

	s.mu.Lock()
	s.lastOpps = opps
	s.mu.Unlock()

	msg, err := ws.ArbitrageMessage(opps, time.Now().UTC())
	if err != nil {
		return err
	}
	s.bc.BroadcastToTopic(domain.TopicArbitrage, msg)

	if s.pub != nil {
		if err := s.pub.PublishOpportunities(ctx, opps); err != nil {
			s.logger.Warn("opportunity publish failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// recordHistory feeds one tick per pair into the volatility window. Each pair
// contributes a single series: the ethereum price when present, otherwise the
// first network holding the pair.
func (s *Scheduler) recordHistory(prices map[domain.NetworkID]domain.NetworkPrices) {
	recorded := make(map[domain.Pair]struct{})

	if eth, ok := prices[domain.NetworkEthereum]; ok {
		for pair, obs := range eth {
			s.history.Record(pair, obs.Price)
			recorded[pair] = struct{}{}
		}
	}
	for _, np := range prices {
		for pair, obs := range np {
			if _, done := recorded[pair]; done {
				continue
			}
			s.history.Record(pair, obs.Price)
			recorded[pair] = struct{}{}
		}
	}
}

// GasPrices returns the most recently broadcast gas snapshot.
func (s *Scheduler) GasPrices() []domain.GasPrice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastGas
}

// Opportunities returns the most recently computed opportunity snapshot.
func (s *Scheduler) Opportunities() []domain.ArbitrageOpportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOpps
}
