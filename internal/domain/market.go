package domain

import "time"

// Pair is a trading pair symbol, e.g. "ETH/USDC".
type Pair string

// PriceObservation is a single price reading for one pair on one network.
// Observations are ephemeral: they are held only long enough to compute the
// next detector pass plus the short per-pair history the volatility
// calculation needs.
type PriceObservation struct {
	Pair      Pair      `json:"pair"`
	Network   NetworkID `json:"network"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// GasPrice is the current gas quote for one network.
type GasPrice struct {
	Network    NetworkID `json:"network"`
	MaxFeeGwei float64   `json:"maxFeeGwei"`
	USDCost    float64   `json:"usdCost"`
}

// NetworkPrices maps pair -> observation for a single network.
type NetworkPrices map[Pair]PriceObservation
