// Package config loads and validates the engine's configuration surface
// (§6.3): a frozen struct parsed once from flags, environment, and an
// optional file, mirroring the teacher's "parse once, pass a validated
// pointer everywhere" convention.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/liquidation-watch/engine/internal/candidate"
	"github.com/liquidation-watch/engine/internal/emit"
	"github.com/liquidation-watch/engine/internal/hf"
	"github.com/liquidation-watch/engine/internal/orchestrator"
	"github.com/liquidation-watch/engine/internal/price"
	"github.com/liquidation-watch/engine/internal/seed"
	"github.com/liquidation-watch/engine/internal/transport"
)

// Config is the full §6.3 recognised-options surface, resolved into the
// typed sub-configs every component actually wants.
type Config struct {
	PrimaryRPCURL   string
	SecondaryRPCURL string
	HedgeEnabled    bool
	HedgeDelayMS    int64

	AggregatorAddress common.Address
	PoolAddress       common.Address
	OracleFeedsRaw    string

	CandidateMax            int
	ExecutionHFThresholdBps uint64
	HysteresisBps           uint64
	AlwaysIncludeHFBelow    float64

	ChunkSize          int
	ChunkTimeoutMS     int64
	ChunkRetryAttempts int
	RunStallAbortMS    int64

	SeedIntervalSec       int64
	SeedFallbackWindow    uint64
	SeedRateLimitPerSec   float64

	PriceTriggerEnabled        bool
	PriceTriggerDropBps        uint64
	PriceTriggerDebounceSec    int64
	PriceTriggerCumulative     bool
	PriceTriggerBpsByAsset     string
	PriceTriggerDebounceByAsset string

	ShutdownGraceSec int64
	LogLevel         string
	LogJSON          bool
	LogFile          string
}

// defaults mirrors the "(default ...)" values named throughout §6.3.
func defaults(v *viper.Viper) {
	v.SetDefault("candidate_max", 300)
	v.SetDefault("execution_hf_threshold_bps", 9800)
	v.SetDefault("hysteresis_bps", 20)
	v.SetDefault("always_include_hf_below", 1.10)
	v.SetDefault("chunk_size", 120)
	v.SetDefault("chunk_timeout_ms", 2000)
	v.SetDefault("chunk_retry_attempts", 2)
	v.SetDefault("seed_interval_sec", 45)
	v.SetDefault("seed_fallback_block_window", 5000)
	v.SetDefault("seed_rate_limit_per_sec", 2)
	v.SetDefault("price_trigger_enabled", true)
	v.SetDefault("price_trigger_drop_bps", 1000)
	v.SetDefault("price_trigger_debounce_sec", 30)
	v.SetDefault("price_trigger_cumulative", false)
	v.SetDefault("run_stall_abort_ms", 5000)
	v.SetDefault("hedge_enabled", false)
	v.SetDefault("hedge_delay_ms", 150)
	v.SetDefault("shutdown_grace_sec", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Flags registers every recognised option as a pflag, for the cmd entry
// point to bind before calling Load.
func Flags(fs *pflag.FlagSet) {
	fs.String("primary-rpc-url", "", "primary chain node websocket RPC URL")
	fs.String("secondary-rpc-url", "", "secondary chain node RPC URL (hedging)")
	fs.Bool("hedge-enabled", false, "issue hedged reads to the secondary transport")
	fs.Int64("hedge-delay-ms", 150, "delay before issuing a hedged read")

	fs.String("aggregator-address", "", "multicall-style aggregation contract address")
	fs.String("pool-address", "", "protocol pool contract address")
	fs.String("oracle-feeds", "", "comma-separated SYMBOL:address oracle feed pairs")

	fs.Int("candidate-max", 300, "capacity of the candidate set")
	fs.Uint64("execution-hf-threshold-bps", 9800, "liquidatable threshold in bps")
	fs.Uint64("hysteresis-bps", 20, "minimum relative worsening to re-emit, in bps")
	fs.Float64("always-include-hf-below", 1.10, "eviction-protected HF ceiling")

	fs.Int("chunk-size", 120, "batch read chunk size")
	fs.Int64("chunk-timeout-ms", 2000, "per-chunk read timeout")
	fs.Int("chunk-retry-attempts", 2, "per-chunk retry attempts")
	fs.Int64("run-stall-abort-ms", 5000, "whole-scan watchdog")

	fs.Int64("seed-interval-sec", 45, "periodic seeder cadence")
	fs.Uint64("seed-fallback-block-window", 5000, "log-backfill seed fallback window")
	fs.Float64("seed-rate-limit-per-sec", 2, "seed-cycle rate limit")

	fs.Bool("price-trigger-enabled", true, "enable the price trigger")
	fs.Uint64("price-trigger-drop-bps", 1000, "default price-drop threshold in bps")
	fs.Int64("price-trigger-debounce-sec", 30, "default price-trigger debounce window")
	fs.Bool("price-trigger-cumulative", false, "default to cumulative (vs delta) mode")
	fs.String("price-trigger-bps-by-asset", "", "comma-separated SYM:bps overrides")
	fs.String("price-trigger-debounce-by-asset", "", "comma-separated SYM:seconds overrides")

	fs.Int64("shutdown-grace-sec", 5, "shutdown grace window")
	fs.String("log-level", "info", "log level")
	fs.Bool("log-json", false, "emit JSON logs instead of the terminal handler")
	fs.String("log-file", "", "rotate logs to this file instead of stderr")
}

// Load reads bound flags, environment variables (prefixed LIQUIDATION_WATCH_),
// and an optional config file, then validates the result (§7 "Configuration"
// taxonomy: malformed entries are a config-time error, never a runtime panic).
func Load(fs *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("liquidation_watch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	c := &Config{
		PrimaryRPCURL:   v.GetString("primary-rpc-url"),
		SecondaryRPCURL: v.GetString("secondary-rpc-url"),
		HedgeEnabled:    v.GetBool("hedge-enabled"),
		HedgeDelayMS:    v.GetInt64("hedge-delay-ms"),

		OracleFeedsRaw: v.GetString("oracle-feeds"),

		CandidateMax:            v.GetInt("candidate-max"),
		ExecutionHFThresholdBps: v.GetUint64("execution-hf-threshold-bps"),
		HysteresisBps:           v.GetUint64("hysteresis-bps"),
		AlwaysIncludeHFBelow:    v.GetFloat64("always-include-hf-below"),

		ChunkSize:          v.GetInt("chunk-size"),
		ChunkTimeoutMS:     v.GetInt64("chunk-timeout-ms"),
		ChunkRetryAttempts: v.GetInt("chunk-retry-attempts"),
		RunStallAbortMS:    v.GetInt64("run-stall-abort-ms"),

		SeedIntervalSec:     v.GetInt64("seed-interval-sec"),
		SeedFallbackWindow:  v.GetUint64("seed-fallback-block-window"),
		SeedRateLimitPerSec: v.GetFloat64("seed-rate-limit-per-sec"),

		PriceTriggerEnabled:         v.GetBool("price-trigger-enabled"),
		PriceTriggerDropBps:         v.GetUint64("price-trigger-drop-bps"),
		PriceTriggerDebounceSec:     v.GetInt64("price-trigger-debounce-sec"),
		PriceTriggerCumulative:      v.GetBool("price-trigger-cumulative"),
		PriceTriggerBpsByAsset:      v.GetString("price-trigger-bps-by-asset"),
		PriceTriggerDebounceByAsset: v.GetString("price-trigger-debounce-by-asset"),

		ShutdownGraceSec: v.GetInt64("shutdown-grace-sec"),
		LogLevel:         v.GetString("log-level"),
		LogJSON:          v.GetBool("log-json"),
		LogFile:          v.GetString("log-file"),
	}

	if addr := v.GetString("aggregator-address"); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, &InvalidAddressError{Field: "aggregator-address", Value: addr}
		}
		c.AggregatorAddress = common.HexToAddress(addr)
	}
	if addr := v.GetString("pool-address"); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, &InvalidAddressError{Field: "pool-address", Value: addr}
		}
		c.PoolAddress = common.HexToAddress(addr)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.PrimaryRPCURL == "" {
		return &MissingRequiredError{Field: "primary-rpc-url"}
	}
	if c.PoolAddress == (common.Address{}) {
		return &MissingRequiredError{Field: "pool-address"}
	}
	if c.AggregatorAddress == (common.Address{}) {
		return &MissingRequiredError{Field: "aggregator-address"}
	}
	return nil
}

// OracleFeeds parses the comma-separated SYMBOL:address pairs (§6.3
// oracle_feeds). A malformed entry is a configuration-time error; the caller
// decides whether to abort startup or drop that feed.
func (c *Config) OracleFeeds() (map[common.Address]string, error) {
	out := make(map[common.Address]string)
	raw := strings.TrimSpace(c.OracleFeedsRaw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || !common.IsHexAddress(strings.TrimSpace(parts[1])) {
			return nil, &MalformedOracleFeedError{Entry: pair}
		}
		out[common.HexToAddress(strings.TrimSpace(parts[1]))] = strings.ToUpper(strings.TrimSpace(parts[0]))
	}
	return out, nil
}

// ToOrchestratorConfig resolves the flat Config into the typed sub-configs
// orchestrator.New expects, parsing every per-asset override exactly once.
func (c *Config) ToOrchestratorConfig() (orchestrator.Config, error) {
	oracleFeeds, err := c.OracleFeeds()
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("oracle feeds: %w", err)
	}

	bpsOverrides, err := price.ParseAssetOverrides(c.PriceTriggerBpsByAsset)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("price_trigger_bps_by_asset: %w", err)
	}
	debounceOverrides, err := price.ParseAssetOverrides(c.PriceTriggerDebounceByAsset)
	if err != nil {
		return orchestrator.Config{}, fmt.Errorf("price_trigger_debounce_by_asset: %w", err)
	}

	overrides := make(map[string]price.AssetConfig)
	for sym, bps := range bpsOverrides {
		oc := overrides[sym]
		oc.DropBps = uint64(bps)
		oc.DebounceSec = c.PriceTriggerDebounceSec
		oc.Cumulative = c.PriceTriggerCumulative
		overrides[sym] = oc
	}
	for sym, sec := range debounceOverrides {
		oc, ok := overrides[sym]
		if !ok {
			oc = price.AssetConfig{DropBps: c.PriceTriggerDropBps, Cumulative: c.PriceTriggerCumulative}
		}
		oc.DebounceSec = sec
		overrides[sym] = oc
	}

	return orchestrator.Config{
		Candidate: candidate.Config{
			Max:                c.CandidateMax,
			AlwaysIncludeBelow: c.AlwaysIncludeHFBelow,
		},
		Reader: hf.Config{
			AggregatorAddress:  c.AggregatorAddress,
			PoolAddress:        c.PoolAddress,
			ChunkSize:          c.ChunkSize,
			ChunkTimeout:       time.Duration(c.ChunkTimeoutMS) * time.Millisecond,
			ChunkRetryAttempts: c.ChunkRetryAttempts,
			RunStallAbort:      time.Duration(c.RunStallAbortMS) * time.Millisecond,
		},
		Emitter: emit.Config{
			ThresholdBps:  c.ExecutionHFThresholdBps,
			HysteresisBps: c.HysteresisBps,
		},
		Price: price.Config{
			Enabled:           c.PriceTriggerEnabled,
			DefaultDropBps:    c.PriceTriggerDropBps,
			DefaultDebounce:   c.PriceTriggerDebounceSec,
			DefaultCumulative: c.PriceTriggerCumulative,
			Overrides:         overrides,
		},
		Seed: seed.Config{
			IntervalSec:         c.SeedIntervalSec,
			Limit:               5000,
			FallbackBlockWindow: c.SeedFallbackWindow,
			RateLimitPerSec:     c.SeedRateLimitPerSec,
		},
		Transport: transport.Config{
			PrimaryURL:   c.PrimaryRPCURL,
			SecondaryURL: c.SecondaryRPCURL,
			HedgeEnabled: c.HedgeEnabled,
			HedgeDelay:   time.Duration(c.HedgeDelayMS) * time.Millisecond,
		},
		PoolAddress:      c.PoolAddress,
		OracleFeeds:      oracleFeeds,
		ShutdownGrace:    time.Duration(c.ShutdownGraceSec) * time.Second,
	}, nil
}

// MissingRequiredError names a required option left unset (§7 "Configuration"
// taxonomy: "missing required addresses").
type MissingRequiredError struct{ Field string }

func (e *MissingRequiredError) Error() string {
	return fmt.Sprintf("config: required option %q is not set", e.Field)
}

// InvalidAddressError names an option that failed hex-address validation.
type InvalidAddressError struct{ Field, Value string }

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("config: %q is not a valid address: %q", e.Field, e.Value)
}

// MalformedOracleFeedError names a malformed oracle_feeds entry.
type MalformedOracleFeedError struct{ Entry string }

func (e *MalformedOracleFeedError) Error() string {
	return fmt.Sprintf("config: malformed oracle_feeds entry %q (want SYMBOL:address)", e.Entry)
}
