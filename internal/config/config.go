// Package config defines the top-level configuration for the arbfeed service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBFEED_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Source    SourceConfig    `toml:"source"`
	Redis     RedisConfig     `toml:"redis"`
	Networks  NetworksConfig  `toml:"networks"`
	Pairs     PairsConfig     `toml:"pairs"`
	Detector  DetectorConfig  `toml:"detector"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Client    ClientConfig    `toml:"client"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP / WebSocket server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// SourceConfig selects where price and gas observations come from.
type SourceConfig struct {
	// Kind is "sim" (random-walk simulator) or "redis" (hashes maintained by
	// external ingesters).
	Kind string `toml:"kind"`
	// EVMGas overlays live eth_gasPrice polls from the configured RPC
	// endpoints on top of the base source's gas quotes.
	EVMGas bool `toml:"evm_gas"`
	// Seed makes the simulator deterministic when non-zero.
	Seed int64 `toml:"seed"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: it backs
// the "redis" observation source and, when PublishChannel is set, receives a
// copy of every computed opportunity snapshot on that pub/sub channel.
type RedisConfig struct {
	Addr           string `toml:"addr"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	PoolSize       int    `toml:"pool_size"`
	MaxRetries     int    `toml:"max_retries"`
	TLSEnabled     bool   `toml:"tls_enabled"`
	PublishChannel string `toml:"publish_channel"`
}

// NetworksConfig describes the tracked networks and their per-network
// constants.
type NetworksConfig struct {
	Tracked []string `toml:"tracked"`
	// RPC maps network -> JSON-RPC endpoint, used by the EVM gas overlay.
	RPC map[string]string `toml:"rpc"`
	// GasUSD maps network -> estimated USD cost of one swap transaction.
	GasUSD map[string]float64 `toml:"gas_usd"`
	// Liquidity maps network -> estimated available liquidity in quote units,
	// used for the slippage estimate.
	Liquidity map[string]float64 `toml:"liquidity"`
	// NativeUSD maps network -> USD price of the native gas token, used to
	// convert live gwei quotes into USD costs.
	NativeUSD map[string]float64 `toml:"native_usd"`
}

// PairsConfig lists the tracked trading pairs.
type PairsConfig struct {
	Tracked []string `toml:"tracked"`
}

// DetectorConfig holds opportunity-detection parameters.
type DetectorConfig struct {
	// TradeVolume is the notional volume assumed per route when estimating
	// slippage.
	TradeVolume float64 `toml:"trade_volume"`
	// HistorySize is how many price ticks per pair the volatility window
	// retains.
	HistorySize int `toml:"history_size"`
}

// SchedulerConfig holds the cadences of the three broadcast loops.
type SchedulerConfig struct {
	PriceInterval duration `toml:"price_interval"`
	GasInterval   duration `toml:"gas_interval"`
	ArbInterval   duration `toml:"arb_interval"`
}

// ClientConfig holds reconnect parameters for the consumer client.
type ClientConfig struct {
	URL            string   `toml:"url"`
	InitialBackoff duration `toml:"initial_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	MaxAttempts    int      `toml:"max_attempts"`
	Topics         []string `toml:"topics"`
	Networks       []string `toml:"networks"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "30s", "1m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "10s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with sensible development defaults: simulated
// observations, the six well-known networks, and the canonical 1s/10s/30s
// loop cadences.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8090,
		},
		Source: SourceConfig{
			Kind: "sim",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Networks: NetworksConfig{
			Tracked: []string{"ethereum", "arbitrum", "optimism", "polygon", "base", "zksync"},
			GasUSD: map[string]float64{
				"ethereum": 15.0,
				"arbitrum": 0.5,
				"optimism": 0.4,
				"polygon":  0.1,
				"base":     0.3,
				"zksync":   0.6,
			},
			Liquidity: map[string]float64{
				"ethereum": 5_000_000,
				"arbitrum": 1_500_000,
				"optimism": 1_000_000,
				"polygon":  800_000,
				"base":     900_000,
				"zksync":   400_000,
			},
			NativeUSD: map[string]float64{
				"ethereum": 3400,
				"arbitrum": 3400,
				"optimism": 3400,
				"polygon":  0.55,
				"base":     3400,
				"zksync":   3400,
			},
		},
		Pairs: PairsConfig{
			Tracked: []string{"ETH/USDC", "WBTC/USDC", "ARB/USDC", "OP/USDC"},
		},
		Detector: DetectorConfig{
			TradeVolume: 10_000,
			HistorySize: 100,
		},
		Scheduler: SchedulerConfig{
			PriceInterval: duration{1 * time.Second},
			GasInterval:   duration{10 * time.Second},
			ArbInterval:   duration{30 * time.Second},
		},
		Client: ClientConfig{
			URL:            "ws://localhost:8090/ws",
			InitialBackoff: duration{1 * time.Second},
			MaxBackoff:     duration{30 * time.Second},
			MaxAttempts:    10,
			Topics:         []string{"prices"},
			Networks:       []string{"ethereum"},
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for inconsistencies. It is intended to be
// called once after Load.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Source.Kind) {
	case "sim", "redis":
	default:
		return fmt.Errorf("config: unsupported source kind %q", c.Source.Kind)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if len(c.Networks.Tracked) == 0 {
		return fmt.Errorf("config: no tracked networks")
	}
	if len(c.Pairs.Tracked) == 0 {
		return fmt.Errorf("config: no tracked pairs")
	}
	if c.Detector.TradeVolume <= 0 {
		return fmt.Errorf("config: detector trade_volume must be positive")
	}
	if c.Detector.HistorySize < 2 {
		return fmt.Errorf("config: detector history_size must be at least 2")
	}
	for name, iv := range map[string]time.Duration{
		"price_interval": c.Scheduler.PriceInterval.Duration,
		"gas_interval":   c.Scheduler.GasInterval.Duration,
		"arb_interval":   c.Scheduler.ArbInterval.Duration,
	} {
		if iv <= 0 {
			return fmt.Errorf("config: scheduler %s must be positive", name)
		}
	}

	if strings.ToLower(c.Source.Kind) == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis source requires redis.addr")
	}
	if c.Source.EVMGas {
		for _, n := range c.Networks.Tracked {
			if c.Networks.RPC[n] == "" {
				return fmt.Errorf("config: evm_gas enabled but no rpc endpoint for network %q", n)
			}
		}
	}

	if c.Client.MaxAttempts < 0 {
		return fmt.Errorf("config: client max_attempts must not be negative")
	}
	if c.Client.InitialBackoff.Duration <= 0 || c.Client.MaxBackoff.Duration < c.Client.InitialBackoff.Duration {
		return fmt.Errorf("config: client backoff window is invalid")
	}

	return nil
}
