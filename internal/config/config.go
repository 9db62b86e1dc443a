// Package config defines all configuration for the copy-trading core.
// Config is loaded from the environment (with an optional YAML file for
// local development) via viper; every knob has a default registered in code
// and Validate() refuses to boot on bad values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Chain       ChainConfig       `mapstructure:"chain"`
	Indexer     IndexerConfig     `mapstructure:"indexer"`
	Leaderboard LeaderboardConfig `mapstructure:"leaderboard"`
	Exec        ExecConfig        `mapstructure:"exec"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Tx          TxConfig          `mapstructure:"tx"`
	Store       StoreConfig       `mapstructure:"store"`
	Health      HealthConfig      `mapstructure:"health"`
	Bridge      BridgeConfig      `mapstructure:"bridge"`
	Price       PriceConfig       `mapstructure:"price"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ChainConfig holds the Base chain endpoints and contract addresses.
// SignerKey is the hot wallet used to broadcast follower transactions in
// LIVE mode; it is only ever read from the environment.
type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	WSURL           string `mapstructure:"ws_url"`
	ChainID         int64  `mapstructure:"chain_id"`
	TradingContract string `mapstructure:"trading_contract"`
	ABIPath         string `mapstructure:"abi_path"`
	SignerKey       string `mapstructure:"signer_key"`
}

// IndexerConfig tunes the backfill/tail loop.
//
//   - BackfillRange: blocks to walk back on first boot with no cursor.
//   - Page: maximum block span per eth_getLogs call.
//   - SleepWS / SleepHTTP: tail poll interval with and without a WS endpoint.
//   - FinalityDepth: blocks below tip beyond which reorgs are impossible.
//   - AlarmThreshold: lag (blocks) that triggers the lagging alert.
type IndexerConfig struct {
	BackfillRange  uint64        `mapstructure:"backfill_range"`
	Page           uint64        `mapstructure:"page"`
	SleepWS        time.Duration `mapstructure:"sleep_ws"`
	SleepHTTP      time.Duration `mapstructure:"sleep_http"`
	FinalityDepth  uint64        `mapstructure:"finality_depth"`
	AlarmThreshold uint64        `mapstructure:"alarm_threshold"`
	AlarmWindow    time.Duration `mapstructure:"alarm_window"`
}

// LeaderboardConfig controls eligibility and the scoring function.
// Weights W1..W5 multiply the z-scores of volume, win rate, sharpe-like,
// max drawdown and leverage variance respectively.
type LeaderboardConfig struct {
	ActiveHours     int           `mapstructure:"active_hours"`
	MinTrades30d    int64         `mapstructure:"min_trades_30d"`
	MinVolume30dUSD uint64        `mapstructure:"min_volume_30d_usd"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	W1              float64       `mapstructure:"w1"`
	W2              float64       `mapstructure:"w2"`
	W3              float64       `mapstructure:"w3"`
	W4              float64       `mapstructure:"w4"`
	W5              float64       `mapstructure:"w5"`
}

// ExecConfig is the boot-time execution gate state plus fanout bounds.
// Mode and EmergencyStop seed the shared store on first boot only; after
// that the admin operations on the gate are authoritative.
type ExecConfig struct {
	Mode          string        `mapstructure:"mode"`
	EmergencyStop bool          `mapstructure:"emergency_stop"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// RiskConfig sets the per-intent validation limits.
type RiskConfig struct {
	MaxPositionSizeUSD uint64        `mapstructure:"max_position_size_usd"` // 1e6
	MaxAccountRiskPct  float64       `mapstructure:"max_account_risk_pct"`
	MaxLeverage        uint32        `mapstructure:"max_leverage"` // whole x
	LiquidationBuffer  float64       `mapstructure:"liquidation_buffer_pct"`
	MaxDailyLossPct    float64       `mapstructure:"max_daily_loss_pct"`
	HourlyNotionalCap  uint64        `mapstructure:"hourly_notional_cap_usd"` // 1e6
	MaxOpensPerMinute  float64       `mapstructure:"max_opens_per_minute"`
	MaxTradesPerDay    float64       `mapstructure:"max_trades_per_day"`
	MaxChatPerMinute   float64       `mapstructure:"max_chat_per_minute"`
	PriceMaxAge        time.Duration `mapstructure:"price_max_age"`
	PriceDivergencePct float64       `mapstructure:"price_divergence_pct"`
}

// TxConfig tunes the transaction orchestrator.
type TxConfig struct {
	StuckTimeout        time.Duration `mapstructure:"stuck_timeout"`
	MaxReplacements     int           `mapstructure:"max_replacements"`
	BumpPct             int           `mapstructure:"bump_pct"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	PriorityFeeFloorWei int64         `mapstructure:"priority_fee_floor_wei"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// HealthConfig controls the health/metrics HTTP server.
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// BridgeConfig controls the chat collaborator WebSocket bridge.
// Admins is the set of user IDs allowed to flip the execution mode and the
// emergency stop.
type BridgeConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Port    int     `mapstructure:"port"`
	Admins  []int64 `mapstructure:"admins"`
}

// PriceConfig names the two independent price sources used for the
// cross-source outlier check.
type PriceConfig struct {
	PrimaryURL   string `mapstructure:"primary_url"`
	SecondaryURL string `mapstructure:"secondary_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from the environment, with an optional YAML file.
// Operational env names follow the flat convention from the deployment
// docs: BASE_RPC_URL, INDEXER_PAGE, COPY_EXECUTION_MODE, MAX_LEVERAGE, ...
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindEnvAliases(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain.chain_id", 8453) // Base mainnet
	v.SetDefault("indexer.backfill_range", 50000)
	v.SetDefault("indexer.page", 2000)
	v.SetDefault("indexer.sleep_ws", 2*time.Second)
	v.SetDefault("indexer.sleep_http", 5*time.Second)
	v.SetDefault("indexer.finality_depth", 12)
	v.SetDefault("indexer.alarm_threshold", 50)
	v.SetDefault("indexer.alarm_window", time.Minute)

	v.SetDefault("leaderboard.active_hours", 72)
	v.SetDefault("leaderboard.min_trades_30d", 300)
	v.SetDefault("leaderboard.min_volume_30d_usd", 10_000_000)
	v.SetDefault("leaderboard.cache_ttl", 60*time.Second)
	v.SetDefault("leaderboard.refresh_interval", 60*time.Second)
	v.SetDefault("leaderboard.w1", 0.25)
	v.SetDefault("leaderboard.w2", 0.30)
	v.SetDefault("leaderboard.w3", 0.25)
	v.SetDefault("leaderboard.w4", 0.15)
	v.SetDefault("leaderboard.w5", 0.05)

	v.SetDefault("exec.mode", "DRY")
	v.SetDefault("exec.emergency_stop", false)
	v.SetDefault("exec.workers", 16)
	v.SetDefault("exec.queue_size", 10000)
	v.SetDefault("exec.drain_timeout", 30*time.Second)

	v.SetDefault("risk.max_position_size_usd", 100_000)
	v.SetDefault("risk.max_account_risk_pct", 0.10)
	v.SetDefault("risk.max_leverage", 500)
	v.SetDefault("risk.liquidation_buffer_pct", 0.05)
	v.SetDefault("risk.max_daily_loss_pct", 0.20)
	v.SetDefault("risk.hourly_notional_cap_usd", 10_000)
	v.SetDefault("risk.max_opens_per_minute", 5)
	v.SetDefault("risk.max_trades_per_day", 50)
	v.SetDefault("risk.max_chat_per_minute", 30)
	v.SetDefault("risk.price_max_age", 5*time.Second)
	v.SetDefault("risk.price_divergence_pct", 0.005)

	v.SetDefault("tx.stuck_timeout", 60*time.Second)
	v.SetDefault("tx.max_replacements", 3)
	v.SetDefault("tx.bump_pct", 12)
	v.SetDefault("tx.receipt_poll_interval", 1500*time.Millisecond)
	v.SetDefault("tx.confirm_timeout", 180*time.Second)
	v.SetDefault("tx.priority_fee_floor_wei", 1_000_000) // Base priority fees are tiny
	v.SetDefault("tx.gas_limit", 1_500_000)

	v.SetDefault("store.path", "vanta.db")
	v.SetDefault("health.port", 8080)
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.port", 8081)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// bindEnvAliases maps the flat operational env names onto the nested keys so
// both spellings work.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"chain.rpc_url":                  "BASE_RPC_URL",
		"chain.ws_url":                   "BASE_WS_URL",
		"chain.trading_contract":         "AVANTIS_TRADING_CONTRACT",
		"chain.abi_path":                 "AVANTIS_ABI_PATH",
		"chain.signer_key":               "SIGNER_PRIVATE_KEY",
		"indexer.backfill_range":         "INDEXER_BACKFILL_RANGE",
		"indexer.page":                   "INDEXER_PAGE",
		"indexer.sleep_ws":               "INDEXER_SLEEP_WS",
		"indexer.sleep_http":             "INDEXER_SLEEP_HTTP",
		"indexer.finality_depth":         "INDEXER_FINALITY_DEPTH",
		"leaderboard.active_hours":       "LEADER_ACTIVE_HOURS",
		"leaderboard.min_trades_30d":     "LEADER_MIN_TRADES_30D",
		"leaderboard.min_volume_30d_usd": "LEADER_MIN_VOLUME_30D_USD",
		"leaderboard.cache_ttl":          "LEADERBOARD_CACHE_TTL",
		"exec.mode":                      "COPY_EXECUTION_MODE",
		"exec.emergency_stop":            "EMERGENCY_STOP",
		"risk.max_position_size_usd":     "MAX_POSITION_SIZE_USD",
		"risk.max_account_risk_pct":      "MAX_ACCOUNT_RISK_PCT",
		"risk.max_leverage":              "MAX_LEVERAGE",
		"risk.liquidation_buffer_pct":    "LIQUIDATION_BUFFER_PCT",
		"risk.max_daily_loss_pct":        "MAX_DAILY_LOSS_PCT",
		"risk.hourly_notional_cap_usd":   "HOURLY_NOTIONAL_CAP_USD",
		"health.port":                    "HEALTH_PORT",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set BASE_RPC_URL)")
	}
	if c.Chain.TradingContract == "" {
		return fmt.Errorf("chain.trading_contract is required (set AVANTIS_TRADING_CONTRACT)")
	}
	if c.Indexer.Page == 0 {
		return fmt.Errorf("indexer.page must be > 0")
	}
	if c.Indexer.FinalityDepth == 0 {
		return fmt.Errorf("indexer.finality_depth must be > 0")
	}
	switch c.Exec.Mode {
	case "DRY", "LIVE":
	default:
		return fmt.Errorf("exec.mode must be DRY or LIVE (set COPY_EXECUTION_MODE)")
	}
	if c.Exec.Mode == "LIVE" && c.Chain.SignerKey == "" {
		return fmt.Errorf("chain.signer_key is required in LIVE mode (set SIGNER_PRIVATE_KEY)")
	}
	if c.Exec.Workers <= 0 {
		return fmt.Errorf("exec.workers must be > 0")
	}
	if c.Risk.MaxAccountRiskPct <= 0 || c.Risk.MaxAccountRiskPct > 1 {
		return fmt.Errorf("risk.max_account_risk_pct must be in (0,1]")
	}
	if c.Risk.MaxLeverage == 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Tx.BumpPct < 10 {
		return fmt.Errorf("tx.bump_pct must be >= 10, replacement txs are rejected below that")
	}
	return nil
}
