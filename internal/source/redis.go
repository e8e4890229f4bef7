package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	cacheredis "github.com/arbfeed/arbfeed/internal/cache/redis"
	"github.com/arbfeed/arbfeed/internal/domain"
)

// RedisSource reads observations maintained by external ingesters from Redis
// hashes. Each price lives at "price:{network}:{pair}" with fields "price"
// and "ts" (Unix nanoseconds); each gas quote at "gas:{network}" with fields
// "max_fee_gwei" and "usd_cost". Missing keys are silently omitted, so the
// feed degrades to whatever the ingesters are currently writing.
type RedisSource struct {
	rdb      *redis.Client
	networks []domain.NetworkID
	pairs    []domain.Pair
}

// NewRedisSource creates a RedisSource polling the given networks and pairs.
func NewRedisSource(c *cacheredis.Client, networks []domain.NetworkID, pairs []domain.Pair) *RedisSource {
	return &RedisSource{
		rdb:      c.Underlying(),
		networks: networks,
		pairs:    pairs,
	}
}

func priceKey(network domain.NetworkID, pair domain.Pair) string {
	return "price:" + string(network) + ":" + string(pair)
}

func gasKey(network domain.NetworkID) string {
	return "gas:" + string(network)
}

// LatestPrices fetches every tracked network/pair hash in one pipeline.
func (s *RedisSource) LatestPrices(ctx context.Context) (map[domain.NetworkID]domain.NetworkPrices, error) {
	pipe := s.rdb.Pipeline()
	type cmdKey struct {
		network domain.NetworkID
		pair    domain.Pair
	}
	cmds := make(map[cmdKey]*redis.MapStringStringCmd, len(s.networks)*len(s.pairs))
	for _, n := range s.networks {
		for _, p := range s.pairs {
			cmds[cmdKey{n, p}] = pipe.HGetAll(ctx, priceKey(n, p))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis source: prices pipeline: %w", err)
	}

	out := make(map[domain.NetworkID]domain.NetworkPrices)
	for key, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(vals["price"], 64)
		if err != nil || price <= 0 {
			continue
		}
		ts := time.Now().UTC()
		if tsNano, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
			ts = time.Unix(0, tsNano).UTC()
		}

		np, ok := out[key.network]
		if !ok {
			np = make(domain.NetworkPrices)
			out[key.network] = np
		}
		np[key.pair] = domain.PriceObservation{
			Pair:      key.pair,
			Network:   key.network,
			Price:     price,
			Timestamp: ts,
		}
	}
	return out, nil
}

// GasPrices fetches every tracked network's gas hash in one pipeline.
func (s *RedisSource) GasPrices(ctx context.Context) ([]domain.GasPrice, error) {
	pipe := s.rdb.Pipeline()
	cmds := make(map[domain.NetworkID]*redis.MapStringStringCmd, len(s.networks))
	for _, n := range s.networks {
		cmds[n] = pipe.HGetAll(ctx, gasKey(n))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis source: gas pipeline: %w", err)
	}

	out := make([]domain.GasPrice, 0, len(s.networks))
	for _, n := range s.networks {
		vals, err := cmds[n].Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		gwei, err := strconv.ParseFloat(vals["max_fee_gwei"], 64)
		if err != nil {
			continue
		}
		usd, err := strconv.ParseFloat(vals["usd_cost"], 64)
		if err != nil {
			continue
		}
		out = append(out, domain.GasPrice{
			Network:    n,
			MaxFeeGwei: gwei,
			USDCost:    usd,
		})
	}
	return out, nil
}
