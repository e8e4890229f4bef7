package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBFEED_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
//
// A missing file is not an error: defaults plus environment overrides are
// returned, so the server can run with zero configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBFEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject endpoints and secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "ARBFEED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBFEED_SERVER_CORS_ORIGINS")

	// ── Source ──
	setStr(&cfg.Source.Kind, "ARBFEED_SOURCE_KIND")
	setBool(&cfg.Source.EVMGas, "ARBFEED_SOURCE_EVM_GAS")
	setInt64(&cfg.Source.Seed, "ARBFEED_SOURCE_SEED")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBFEED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBFEED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBFEED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBFEED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBFEED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBFEED_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.PublishChannel, "ARBFEED_REDIS_PUBLISH_CHANNEL")

	// ── Networks / pairs ──
	setStringSlice(&cfg.Networks.Tracked, "ARBFEED_NETWORKS_TRACKED")
	setStringSlice(&cfg.Pairs.Tracked, "ARBFEED_PAIRS_TRACKED")

	// ── Detector ──
	setFloat64(&cfg.Detector.TradeVolume, "ARBFEED_DETECTOR_TRADE_VOLUME")
	setInt(&cfg.Detector.HistorySize, "ARBFEED_DETECTOR_HISTORY_SIZE")

	// ── Scheduler ──
	setDuration(&cfg.Scheduler.PriceInterval, "ARBFEED_SCHEDULER_PRICE_INTERVAL")
	setDuration(&cfg.Scheduler.GasInterval, "ARBFEED_SCHEDULER_GAS_INTERVAL")
	setDuration(&cfg.Scheduler.ArbInterval, "ARBFEED_SCHEDULER_ARB_INTERVAL")

	// ── Client ──
	setStr(&cfg.Client.URL, "ARBFEED_CLIENT_URL")
	setDuration(&cfg.Client.InitialBackoff, "ARBFEED_CLIENT_INITIAL_BACKOFF")
	setDuration(&cfg.Client.MaxBackoff, "ARBFEED_CLIENT_MAX_BACKOFF")
	setInt(&cfg.Client.MaxAttempts, "ARBFEED_CLIENT_MAX_ATTEMPTS")
	setStringSlice(&cfg.Client.Topics, "ARBFEED_CLIENT_TOPICS")
	setStringSlice(&cfg.Client.Networks, "ARBFEED_CLIENT_NETWORKS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ARBFEED_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
