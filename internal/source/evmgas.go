package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/arbfeed/arbfeed/internal/domain"
)

// swapGasLimit is the gas assumed for one swap when converting a gas quote
// into a USD cost.
const swapGasLimit = 150_000

// EVMGasOverlay decorates another ObservationSource, replacing its gas quotes
// with live eth_gasPrice polls against per-network RPC endpoints. Price
// observations pass through untouched. A network whose RPC poll fails falls
// back to the base source's quote for that network, so a flaky endpoint
// degrades one network instead of the whole tick.
type EVMGasOverlay struct {
	base      domain.ObservationSource
	clients   map[domain.NetworkID]*ethclient.Client
	nativeUSD map[domain.NetworkID]float64
	logger    *slog.Logger
}

// NewEVMGasOverlay dials every configured RPC endpoint. Dialing is lazy in
// go-ethereum for HTTP endpoints, so construction does not block on network
// I/O.
func NewEVMGasOverlay(
	base domain.ObservationSource,
	rpc map[domain.NetworkID]string,
	nativeUSD map[domain.NetworkID]float64,
	logger *slog.Logger,
) (*EVMGasOverlay, error) {
	clients := make(map[domain.NetworkID]*ethclient.Client, len(rpc))
	for network, endpoint := range rpc {
		client, err := ethclient.Dial(endpoint)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("evm gas: dial %s: %w", network, err)
		}
		clients[network] = client
	}
	return &EVMGasOverlay{
		base:      base,
		clients:   clients,
		nativeUSD: nativeUSD,
		logger:    logger.With(slog.String("component", "evm_gas")),
	}, nil
}

// LatestPrices delegates to the base source.
func (o *EVMGasOverlay) LatestPrices(ctx context.Context) (map[domain.NetworkID]domain.NetworkPrices, error) {
	return o.base.LatestPrices(ctx)
}

// GasPrices returns the base quotes with every RPC-reachable network's quote
// replaced by a live poll.
func (o *EVMGasOverlay) GasPrices(ctx context.Context) ([]domain.GasPrice, error) {
	quotes, err := o.base.GasPrices(ctx)
	if err != nil {
		return nil, err
	}

	for i, q := range quotes {
		client, ok := o.clients[q.Network]
		if !ok {
			continue
		}
		wei, err := client.SuggestGasPrice(ctx)
		if err != nil {
			o.logger.Warn("gas poll failed, using base quote",
				slog.String("network", string(q.Network)),
				slog.String("error", err.Error()),
			)
			continue
		}
		gwei := weiToGwei(wei)
		native := o.nativeUSD[q.Network]
		quotes[i].MaxFeeGwei = gwei
		if native > 0 {
			quotes[i].USDCost = gwei * 1e-9 * swapGasLimit * native
		}
	}
	return quotes, nil
}

// Close releases all RPC clients.
func (o *EVMGasOverlay) Close() {
	for _, c := range o.clients {
		c.Close()
	}
}

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(wei),
		big.NewFloat(1e9),
	).Float64()
	return f
}
