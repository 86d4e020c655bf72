package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pelletier/go-toml"
)

const poolSoftwareName = "veloraPool"

const defaultDataDir = "data"

const (
	defaultStratumPort       = 3333
	defaultMaxConns          = 10000
	defaultStratumIdle       = 10 * time.Minute
	defaultDaemonTimeout     = 30 * time.Second
	defaultTemplateInterval  = 30 * time.Second
	defaultJobRefresh        = 30 * time.Second
	defaultShareTimeout      = 300 * time.Second
	defaultMaxShareAge       = 24 * time.Hour
	defaultStartingDiff      = 1000
	defaultPoolFeePercent    = 1.0
	defaultHashrateScale     = 0.24
	defaultConfirmations     = 10
	defaultConfirmInterval   = 2 * time.Minute
	defaultPPLNSWindow       = 600 * time.Second
	defaultBlockRewardAtomic = int64(50 * atomicUnitsPerCoin)
)

// atomicUnitsPerCoin is the integer denomination used for all persisted
// balances and rewards. Velora uses 8 decimal places.
const atomicUnitsPerCoin = 100_000_000

const (
	// Conservative vardiff profile: 6 s share target, gentle 1.2x steps,
	// at most one retarget per minute. A faster 10 s / 2x profile is
	// reachable through [vardiff] for A/B experiments.
	defaultVardiffTargetSeconds   = 6.0
	defaultVardiffRetargetSeconds = 60.0
	defaultVardiffWindowSeconds   = 120.0
	defaultVardiffMinShares       = 5
	defaultVardiffMinValidShares  = 3
	defaultVardiffStepUp          = 1.2
	defaultVardiffStepDown        = 0.8
	defaultVardiffMinDifficulty   = 1000
)

type Config struct {
	// Stratum endpoint.
	StratumHost        string
	StratumPort        int
	MaxConns           int
	StratumIdleTimeout time.Duration

	// Upstream chain daemon.
	DaemonURL     string
	DaemonAPIKey  string
	DaemonUser    string
	DaemonPass    string
	DaemonTimeout time.Duration

	// Mining behavior.
	Algorithm              string
	StartingDifficulty     uint64
	ShareTimeout           time.Duration
	MaxShareAge            time.Duration
	BlockTime              time.Duration
	TemplateUpdateInterval time.Duration
	// RecomputeSubmitHash re-derives the daemon-submission hash from the
	// template's canonical timestamp and difficulty instead of forwarding
	// the miner's hash verbatim. Mismatches are logged; the recomputed
	// value is what gets submitted.
	RecomputeSubmitHash bool
	// HashrateScale converts difficulty-weighted share rates into H/s for
	// display. Empirical calibration for Velora; estimates only.
	HashrateScale float64
	UseSimdSha256 bool

	// Per-miner difficulty controller.
	VardiffTargetSeconds   float64
	VardiffRetargetSeconds float64
	VardiffWindowSeconds   float64
	VardiffMinShares       int
	VardiffMinValidShares  int
	VardiffStepUp          float64
	VardiffStepDown        float64
	VardiffMinDifficulty   uint64

	// Pool identity and fees.
	PoolAddress    string
	PoolFeePercent float64
	MinPayout      int64

	// Reward accounting.
	BlockRewardAtomic int64
	PPLNSWindow       time.Duration
	Confirmations     int
	ConfirmInterval   time.Duration

	// Optional Discord block announcements.
	DiscordToken     string
	DiscordChannelID string

	DataDir  string
	LogDebug bool
}

// fileConfig mirrors config.toml. Pointer fields distinguish "absent" from
// zero so a partial file only overrides what it names.
type fileConfig struct {
	Stratum struct {
		Host           *string `toml:"host"`
		Port           *int    `toml:"port"`
		MaxConnections *int    `toml:"max_connections"`
		TimeoutSeconds *int    `toml:"timeout_seconds"`
	} `toml:"stratum"`
	Daemon struct {
		URL            *string `toml:"url"`
		APIKey         *string `toml:"api_key"`
		Username       *string `toml:"username"`
		Password       *string `toml:"password"`
		TimeoutSeconds *int    `toml:"timeout_seconds"`
	} `toml:"daemon"`
	Mining struct {
		Algorithm                     *string  `toml:"algorithm"`
		StartingDifficulty            *uint64  `toml:"starting_difficulty"`
		ShareTimeoutSeconds           *int     `toml:"share_timeout_seconds"`
		MaxShareAgeSeconds            *int     `toml:"max_share_age_seconds"`
		BlockTimeSeconds              *int     `toml:"block_time_seconds"`
		TemplateUpdateIntervalSeconds *int     `toml:"template_update_interval_seconds"`
		RecomputeSubmitHash           *bool    `toml:"recompute_submit_hash"`
		HashrateScale                 *float64 `toml:"hashrate_scale"`
		SimdSha256                    *bool    `toml:"simd_sha256"`
	} `toml:"mining"`
	Vardiff struct {
		TargetSeconds   *float64 `toml:"target_seconds"`
		RetargetSeconds *float64 `toml:"retarget_seconds"`
		WindowSeconds   *float64 `toml:"window_seconds"`
		MinShares       *int     `toml:"min_shares"`
		MinValidShares  *int     `toml:"min_valid_shares"`
		StepUp          *float64 `toml:"step_up"`
		StepDown        *float64 `toml:"step_down"`
		MinDifficulty   *uint64  `toml:"min_difficulty"`
	} `toml:"vardiff"`
	Pool struct {
		PoolAddress *string  `toml:"pool_address"`
		FeePercent  *float64 `toml:"fee_percent"`
		MinPayout   *int64   `toml:"min_payout"`
	} `toml:"pool"`
	Rewards struct {
		BlockReward            *int64 `toml:"block_reward"`
		PPLNSWindowSeconds     *int   `toml:"pplns_window_seconds"`
		Confirmations          *int   `toml:"confirmations"`
		ConfirmIntervalSeconds *int   `toml:"confirm_interval_seconds"`
	} `toml:"rewards"`
	Discord struct {
		BotToken  *string `toml:"bot_token"`
		ChannelID *string `toml:"channel_id"`
	} `toml:"discord"`
	Log struct {
		DataDir *string `toml:"data_dir"`
		Debug   *bool   `toml:"debug"`
	} `toml:"log"`
}

// defaultConfig returns a Config populated with built-in defaults that act
// as the base for both runtime config loading and example config generation.
func defaultConfig() Config {
	return Config{
		StratumHost:        "",
		StratumPort:        defaultStratumPort,
		MaxConns:           defaultMaxConns,
		StratumIdleTimeout: defaultStratumIdle,

		DaemonURL:     "http://127.0.0.1:8545",
		DaemonTimeout: defaultDaemonTimeout,

		Algorithm:              "velora",
		StartingDifficulty:     defaultStartingDiff,
		ShareTimeout:           defaultShareTimeout,
		MaxShareAge:            defaultMaxShareAge,
		BlockTime:              defaultJobRefresh,
		TemplateUpdateInterval: defaultTemplateInterval,
		RecomputeSubmitHash:    true,
		HashrateScale:          defaultHashrateScale,
		UseSimdSha256:          true,

		VardiffTargetSeconds:   defaultVardiffTargetSeconds,
		VardiffRetargetSeconds: defaultVardiffRetargetSeconds,
		VardiffWindowSeconds:   defaultVardiffWindowSeconds,
		VardiffMinShares:       defaultVardiffMinShares,
		VardiffMinValidShares:  defaultVardiffMinValidShares,
		VardiffStepUp:          defaultVardiffStepUp,
		VardiffStepDown:        defaultVardiffStepDown,
		VardiffMinDifficulty:   defaultVardiffMinDifficulty,

		PoolAddress:    "",
		PoolFeePercent: defaultPoolFeePercent,
		MinPayout:      atomicUnitsPerCoin / 10,

		BlockRewardAtomic: defaultBlockRewardAtomic,
		PPLNSWindow:       defaultPPLNSWindow,
		Confirmations:     defaultConfirmations,
		ConfirmInterval:   defaultConfirmInterval,

		DataDir: defaultDataDir,
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config.toml")
}

func loadConfig(path string) Config {
	cfg := defaultConfig()
	if path == "" {
		path = defaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fatal("config file", err, "path", path)
		}
		if werr := writeDefaultConfig(path, cfg); werr != nil {
			fatal("write default config", werr, "path", path)
		}
		logger.Info("created default config file", "path", path)
		return cfg
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		fatal("config parse", err, "path", path)
	}
	applyFileConfig(&cfg, fc)
	return cfg
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setSeconds := func(dst *time.Duration, src *int) {
		if src != nil && *src > 0 {
			*dst = time.Duration(*src) * time.Second
		}
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setUint64 := func(dst *uint64, src *uint64) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setInt64 := func(dst *int64, src *int64) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&cfg.StratumHost, fc.Stratum.Host)
	setInt(&cfg.StratumPort, fc.Stratum.Port)
	setInt(&cfg.MaxConns, fc.Stratum.MaxConnections)
	setSeconds(&cfg.StratumIdleTimeout, fc.Stratum.TimeoutSeconds)

	setString(&cfg.DaemonURL, fc.Daemon.URL)
	setString(&cfg.DaemonAPIKey, fc.Daemon.APIKey)
	setString(&cfg.DaemonUser, fc.Daemon.Username)
	setString(&cfg.DaemonPass, fc.Daemon.Password)
	setSeconds(&cfg.DaemonTimeout, fc.Daemon.TimeoutSeconds)

	setString(&cfg.Algorithm, fc.Mining.Algorithm)
	setUint64(&cfg.StartingDifficulty, fc.Mining.StartingDifficulty)
	setSeconds(&cfg.ShareTimeout, fc.Mining.ShareTimeoutSeconds)
	setSeconds(&cfg.MaxShareAge, fc.Mining.MaxShareAgeSeconds)
	setSeconds(&cfg.BlockTime, fc.Mining.BlockTimeSeconds)
	setSeconds(&cfg.TemplateUpdateInterval, fc.Mining.TemplateUpdateIntervalSeconds)
	setBool(&cfg.RecomputeSubmitHash, fc.Mining.RecomputeSubmitHash)
	setFloat(&cfg.HashrateScale, fc.Mining.HashrateScale)
	setBool(&cfg.UseSimdSha256, fc.Mining.SimdSha256)

	setFloat(&cfg.VardiffTargetSeconds, fc.Vardiff.TargetSeconds)
	setFloat(&cfg.VardiffRetargetSeconds, fc.Vardiff.RetargetSeconds)
	setFloat(&cfg.VardiffWindowSeconds, fc.Vardiff.WindowSeconds)
	setInt(&cfg.VardiffMinShares, fc.Vardiff.MinShares)
	setInt(&cfg.VardiffMinValidShares, fc.Vardiff.MinValidShares)
	setFloat(&cfg.VardiffStepUp, fc.Vardiff.StepUp)
	setFloat(&cfg.VardiffStepDown, fc.Vardiff.StepDown)
	setUint64(&cfg.VardiffMinDifficulty, fc.Vardiff.MinDifficulty)

	setString(&cfg.PoolAddress, fc.Pool.PoolAddress)
	setFloat(&cfg.PoolFeePercent, fc.Pool.FeePercent)
	setInt64(&cfg.MinPayout, fc.Pool.MinPayout)

	setInt64(&cfg.BlockRewardAtomic, fc.Rewards.BlockReward)
	setSeconds(&cfg.PPLNSWindow, fc.Rewards.PPLNSWindowSeconds)
	setInt(&cfg.Confirmations, fc.Rewards.Confirmations)
	setSeconds(&cfg.ConfirmInterval, fc.Rewards.ConfirmIntervalSeconds)

	setString(&cfg.DiscordToken, fc.Discord.BotToken)
	setString(&cfg.DiscordChannelID, fc.Discord.ChannelID)

	setString(&cfg.DataDir, fc.Log.DataDir)
	setBool(&cfg.LogDebug, fc.Log.Debug)
}

// writeDefaultConfig emits a TOML file mirroring the built-in defaults so
// operators have something concrete to edit.
func writeDefaultConfig(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	content := fmt.Sprintf(`[stratum]
host = %q
port = %d
max_connections = %d
timeout_seconds = %d

[daemon]
url = %q
timeout_seconds = %d

[mining]
algorithm = %q
starting_difficulty = %d
share_timeout_seconds = %d
template_update_interval_seconds = %d
recompute_submit_hash = %t
simd_sha256 = %t

[pool]
pool_address = %q
fee_percent = %.2f

[rewards]
block_reward = %d
pplns_window_seconds = %d
confirmations = %d

[log]
data_dir = %q
debug = %t
`,
		cfg.StratumHost, cfg.StratumPort, cfg.MaxConns, int(cfg.StratumIdleTimeout/time.Second),
		cfg.DaemonURL, int(cfg.DaemonTimeout/time.Second),
		cfg.Algorithm, cfg.StartingDifficulty, int(cfg.ShareTimeout/time.Second),
		int(cfg.TemplateUpdateInterval/time.Second), cfg.RecomputeSubmitHash, cfg.UseSimdSha256,
		cfg.PoolAddress, cfg.PoolFeePercent,
		cfg.BlockRewardAtomic, int(cfg.PPLNSWindow/time.Second), cfg.Confirmations,
		cfg.DataDir, cfg.LogDebug)

	return os.WriteFile(path, []byte(content), 0o644)
}

func validateConfig(cfg Config) error {
	if cfg.StratumPort <= 0 || cfg.StratumPort > 65535 {
		return fmt.Errorf("stratum port %d out of range", cfg.StratumPort)
	}
	if cfg.Algorithm != "velora" {
		return fmt.Errorf("unsupported algorithm %q (want velora)", cfg.Algorithm)
	}
	if cfg.DaemonURL == "" {
		return errors.New("daemon url is required")
	}
	if cfg.StartingDifficulty == 0 {
		return errors.New("starting difficulty must be positive")
	}
	if cfg.PoolFeePercent < 0 || cfg.PoolFeePercent > 100 {
		return fmt.Errorf("pool fee %.2f%% out of range", cfg.PoolFeePercent)
	}
	if cfg.BlockRewardAtomic <= 0 {
		return errors.New("block reward must be positive")
	}
	if err := validatePoolAddress(cfg.PoolAddress); err != nil {
		return err
	}
	return nil
}

// validatePoolAddress enforces the P2PKH shape the daemon expects for the
// template's coinbase recipient: leading "1", 26-35 characters, Base58
// alphabet (no 0, O, I, l). Startup fails hard on a bad address because
// every template fetch and every coinbase would be wrong.
func validatePoolAddress(addr string) error {
	if addr == "" {
		return errors.New("pool.pool_address is required")
	}
	if len(addr) < 26 || len(addr) > 35 {
		return fmt.Errorf("pool address length %d outside 26-35", len(addr))
	}
	if addr[0] != '1' {
		return fmt.Errorf("pool address %q is not P2PKH (must start with 1)", addr)
	}
	if len(base58.Decode(addr)) == 0 {
		return fmt.Errorf("pool address %q contains invalid base58 characters", addr)
	}
	return nil
}
