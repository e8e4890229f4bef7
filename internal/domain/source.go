package domain

import "context"

// ObservationSource supplies raw price and gas observations. It is polled by
// the scheduler, never pushed. Both calls may fail transiently; a failed poll
// costs one tick, nothing more.
//
// LatestPrices is keyed by network first because both the detector's
// cross-network scan and the per-network price fan-out need the network
// dimension.
type ObservationSource interface {
	LatestPrices(ctx context.Context) (map[NetworkID]NetworkPrices, error)
	GasPrices(ctx context.Context) ([]GasPrice, error)
}
