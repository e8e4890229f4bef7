package domain

// ExecutionTiming classifies how quickly an opportunity should be acted on,
// derived from the confidence of its best route.
type ExecutionTiming string

const (
	TimingImmediate ExecutionTiming = "immediate"
	TimingStandard  ExecutionTiming = "standard"
	TimingDelayed   ExecutionTiming = "delayed"
)

// ArbitrageRoute is one directed buy-network -> sell-network candidate for a
// pair. Routes are only ever constructed with a positive estimated profit
// after gas and slippage; unprofitable directions produce no route at all.
type ArbitrageRoute struct {
	BuyNetwork      NetworkID `json:"buyNetwork"`
	SellNetwork     NetworkID `json:"sellNetwork"`
	BuyPrice        float64   `json:"buyPrice"`
	SellPrice       float64   `json:"sellPrice"`
	EstimatedProfit float64   `json:"estimatedProfit"`
	Confidence      float64   `json:"confidence"`
	GasCost         float64   `json:"gasCost"`
	SlippageCost    float64   `json:"slippageCost"`
}

// ArbitrageOpportunity aggregates the profitable routes for one pair,
// ordered by estimated profit descending.
type ArbitrageOpportunity struct {
	Symbol          Pair             `json:"symbol"`
	Routes          []ArbitrageRoute `json:"routes"`
	BestProfit      float64          `json:"bestProfit"`
	BestConfidence  float64          `json:"bestConfidence"`
	ExecutionTiming ExecutionTiming  `json:"executionTiming"`
}
