package detector

import (
	"log/slog"
	"sort"

	"github.com/arbfeed/arbfeed/internal/domain"
)

const (
	// slippageRate scales the volume/liquidity ratio into a price impact.
	slippageRate = 0.01
	// maxSlippage caps slippage at 5% of notional regardless of how thin the
	// sell-side liquidity is.
	maxSlippage = 0.05

	// Confidence thresholds for execution timing.
	immediateConfidence = 0.8
	standardConfidence  = 0.6
)

// Config holds the constants the profitability model needs.
type Config struct {
	// TradeVolume is the assumed notional per route, in quote units.
	TradeVolume float64
	// GasUSD maps network -> estimated USD cost of one swap transaction.
	GasUSD map[domain.NetworkID]float64
	// Liquidity maps network -> estimated available liquidity in quote units.
	Liquidity map[domain.NetworkID]float64
	// DefaultGasUSD and DefaultLiquidity back networks missing from the maps.
	DefaultGasUSD    float64
	DefaultLiquidity float64
}

// Detector runs the cross-network opportunity scan. One Detect call is one
// full O(pairs x networks^2) pass; network count is single-digit and the scan
// runs on a 30s cadence, so the quadratic term is irrelevant.
type Detector struct {
	cfg     Config
	history *History
	logger  *slog.Logger
}

// New creates a Detector that draws volatility from history.
func New(cfg Config, history *History, logger *slog.Logger) *Detector {
	if cfg.DefaultLiquidity <= 0 {
		cfg.DefaultLiquidity = 1_000_000
	}
	return &Detector{
		cfg:     cfg,
		history: history,
		logger:  logger.With(slog.String("component", "detector")),
	}
}

// Detect computes the ranked arbitrage opportunities for the given snapshot
// of per-network prices. Only networks present in the snapshot are
// considered; only routes with positive estimated profit are emitted.
func (d *Detector) Detect(prices map[domain.NetworkID]domain.NetworkPrices) []domain.ArbitrageOpportunity {
	pairs := collectPairs(prices)

	var opps []domain.ArbitrageOpportunity
	for _, pair := range pairs {
		routes := d.scanPair(pair, prices)
		if len(routes) == 0 {
			continue
		}

		sort.Slice(routes, func(i, j int) bool {
			return routes[i].EstimatedProfit > routes[j].EstimatedProfit
		})

		best := routes[0]
		opps = append(opps, domain.ArbitrageOpportunity{
			Symbol:          pair,
			Routes:          routes,
			BestProfit:      best.EstimatedProfit,
			BestConfidence:  best.Confidence,
			ExecutionTiming: timingFor(best.Confidence),
		})
	}

	sort.Slice(opps, func(i, j int) bool {
		return opps[i].BestProfit > opps[j].BestProfit
	})
	return opps
}

// scanPair evaluates every ordered (buy, sell) network pair that has a live
// price for the given symbol.
func (d *Detector) scanPair(pair domain.Pair, prices map[domain.NetworkID]domain.NetworkPrices) []domain.ArbitrageRoute {
	confidence := d.confidence(pair)

	var routes []domain.ArbitrageRoute
	for buyNet, buyPrices := range prices {
		buyObs, ok := buyPrices[pair]
		if !ok || buyObs.Price <= 0 {
			continue
		}
		for sellNet, sellPrices := range prices {
			if sellNet == buyNet {
				continue
			}
			sellObs, ok := sellPrices[pair]
			if !ok || sellObs.Price <= 0 {
				continue
			}

			priceDiff := sellObs.Price - buyObs.Price
			gasCost := d.gasUSD(buyNet) + d.gasUSD(sellNet)
			slippage := d.slippage(sellNet, sellObs.Price)

			profit := priceDiff - gasCost - slippage
			if profit <= 0 {
				continue
			}

			routes = append(routes, domain.ArbitrageRoute{
				BuyNetwork:      buyNet,
				SellNetwork:     sellNet,
				BuyPrice:        buyObs.Price,
				SellPrice:       sellObs.Price,
				EstimatedProfit: profit,
				Confidence:      confidence,
				GasCost:         gasCost,
				SlippageCost:    slippage,
			})
		}
	}
	return routes
}

// slippage estimates the cost of crossing the sell network's book:
// min(volume/liquidity * rate, cap) of the sell-side notional.
func (d *Detector) slippage(network domain.NetworkID, sellPrice float64) float64 {
	liquidity := d.cfg.Liquidity[network]
	if liquidity <= 0 {
		liquidity = d.cfg.DefaultLiquidity
	}
	impact := d.cfg.TradeVolume / liquidity * slippageRate
	if impact > maxSlippage {
		impact = maxSlippage
	}
	return impact * sellPrice
}

func (d *Detector) gasUSD(network domain.NetworkID) float64 {
	if cost, ok := d.cfg.GasUSD[network]; ok {
		return cost
	}
	return d.cfg.DefaultGasUSD
}

// confidence maps the pair's recent volatility into [0, 1]: a flat series
// scores 1, anything with return stddev >= 0.5 scores 0.
func (d *Detector) confidence(pair domain.Pair) float64 {
	c := 1 - d.history.Volatility(pair)*2
	if c < 0 {
		return 0
	}
	return c
}

func timingFor(confidence float64) domain.ExecutionTiming {
	switch {
	case confidence > immediateConfidence:
		return domain.TimingImmediate
	case confidence > standardConfidence:
		return domain.TimingStandard
	default:
		return domain.TimingDelayed
	}
}

// collectPairs returns the union of pairs across all networks, sorted for
// deterministic output.
func collectPairs(prices map[domain.NetworkID]domain.NetworkPrices) []domain.Pair {
	seen := make(map[domain.Pair]struct{})
	for _, np := range prices {
		for pair := range np {
			seen[pair] = struct{}{}
		}
	}
	pairs := make([]domain.Pair, 0, len(seen))
	for pair := range seen {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i] < pairs[j] })
	return pairs
}
