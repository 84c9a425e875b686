// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the top-level configuration, mirroring the recognized option
// list in spec.md §6. It maps directly onto the YAML file structure.
type Config struct {
	DryRun      bool               `mapstructure:"dry_run"`
	Wallet      WalletConfig       `mapstructure:"wallet"`
	Chain       ChainConfig        `mapstructure:"chain"`
	Feed        FeedConfig         `mapstructure:"feed"`
	MarketPairs []MarketPairConfig `mapstructure:"market_pairs"`
	Strategy    StrategyConfig     `mapstructure:"strategy"`
	Risk        RiskConfig         `mapstructure:"risk"`
	Anomaly     AnomalyConfig      `mapstructure:"anomaly"`
	Breaker     BreakerConfig      `mapstructure:"circuit_breaker"`
	Retry       RetryConfig        `mapstructure:"retry"`
	Idempotency IdempotencyConfig  `mapstructure:"idempotency"`
	Store       StoreConfig        `mapstructure:"store"`
	Logging     LoggingConfig      `mapstructure:"logging"`
}

// MarketPairConfig statically names one correlated YES/NO pair to trade.
// Per spec.md's non-goals ("market discovery/scraping" is out of scope),
// pairs are operator-supplied rather than discovered at runtime.
type MarketPairConfig struct {
	MarketID   string    `mapstructure:"market_id"`
	YesTokenID string    `mapstructure:"yes_token_id"`
	NoTokenID  string    `mapstructure:"no_token_id"`
	Question   string    `mapstructure:"question"`
	EndDate    time.Time `mapstructure:"end_date"`
}

// WalletConfig holds the wallet used for signing orders.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// ChainConfig holds CLOB/chain endpoints and optional pre-derived L2 creds.
type ChainConfig struct {
	CLOBBaseURL string  `mapstructure:"clob_base_url"`
	ApiKey      string  `mapstructure:"api_key"`
	Secret      string  `mapstructure:"secret"`
	Passphrase  string  `mapstructure:"passphrase"`
	MaticUSDC   float64 `mapstructure:"matic_usdc_price"` // gas price oracle fallback
}

// FeedConfig controls the market-data WebSocket ingestor (C2).
type FeedConfig struct {
	WSMarketURL  string        `mapstructure:"ws_market_url"`
	BackoffInit  time.Duration `mapstructure:"ws_backoff_initial_ms"`
	BackoffMax   time.Duration `mapstructure:"ws_backoff_max_ms"`
	DedupLRUSize int           `mapstructure:"dedup_lru_size"`
	DepthCap     int           `mapstructure:"orderbook_depth_cap"`
}

// StrategyConfig tunes opportunity detection and edge accounting (C3/C4).
type StrategyConfig struct {
	TradeSizeUSDC        float64 `mapstructure:"trade_size"`
	MinProfitPct         float64 `mapstructure:"min_profit_threshold_pct"`
	MinProfitAbs         float64 `mapstructure:"min_profit_threshold_abs"`
	MaxSlippageBps       float64 `mapstructure:"max_slippage_bps"`
	FeeRate              float64 `mapstructure:"fee_rate"`
	LatencyBufferBps     float64 `mapstructure:"latency_buffer_bps"`
	LatencyBufferCapUSDC float64 `mapstructure:"latency_buffer_cap_usdc"`
	MaxGasCostUSDC       float64 `mapstructure:"max_gas_cost_usdc"`
	MaxGasPrice          float64 `mapstructure:"max_gas_price"`
}

// RiskConfig sets hard limits enforced by the Risk Manager (C5).
type RiskConfig struct {
	MaxPositionSize  float64       `mapstructure:"max_position_size"`
	MaxDailyLoss     float64       `mapstructure:"max_daily_loss"`
	DailyResetUTC    bool          `mapstructure:"daily_reset_utc"`
	IdempotencyWin   time.Duration `mapstructure:"idempotency_window_ms"`
	ResolutionBuffer time.Duration `mapstructure:"resolution_buffer_ms"`
}

// AnomalyConfig tunes the anomaly guard (§4.11).
type AnomalyConfig struct {
	PulseThreshold       float64       `mapstructure:"pulse_threshold"`
	DepthThreshold       float64       `mapstructure:"depth_threshold"`
	CorrelationThreshold float64       `mapstructure:"correlation_threshold"`
	Window               time.Duration `mapstructure:"window"`
}

// BreakerConfig tunes the circuit breaker (C6).
type BreakerConfig struct {
	ConsecThreshold int           `mapstructure:"consec_threshold"`
	RateThreshold   float64       `mapstructure:"rate_threshold"`
	Window          int           `mapstructure:"window"`
	OpenTimeout     time.Duration `mapstructure:"open_timeout_ms"`
	HalfOpenMax     int           `mapstructure:"half_open_max"`
	GasThreshold    float64       `mapstructure:"gas_threshold"`
}

// RetryConfig tunes the retry policy (C8).
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay_ms"`
	MaxDelay   time.Duration `mapstructure:"max_delay_ms"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// IdempotencyConfig tunes the idempotency registry (C9).
type IdempotencyConfig struct {
	WindowMs time.Duration `mapstructure:"window_ms"`
	GraceMs  time.Duration `mapstructure:"grace_ms"`
}

// StoreConfig sets where event logs and crash-recovery snapshots live.
type StoreConfig struct {
	EventLogDir string `mapstructure:"event_log_dir"`
	SnapshotDir string `mapstructure:"snapshot_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// millisecondsToDurationHookFunc converts a bare numeric YAML value into a
// time.Duration by treating it as milliseconds, since every "_ms"-suffixed
// config key (ws_backoff_initial_ms, open_timeout_ms, base_delay_ms, ...)
// is authored as a plain integer rather than a Go duration string.
// Without this, mapstructure's default numeric->Duration conversion treats
// the raw int as nanoseconds, so e.g. base_delay_ms: 500 would decode to
// 500ns instead of 500ms.
func millisecondsToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
		default:
			return data, nil
		}
		rv := reflect.ValueOf(data)
		var ms float64
		switch {
		case rv.CanFloat():
			ms = rv.Float()
		case rv.CanInt():
			ms = float64(rv.Int())
		case rv.CanUint():
			ms = float64(rv.Uint())
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
}

// Load reads config from a YAML file with ARB_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("risk.daily_reset_utc", true)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		millisecondsToDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ARB_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("ARB_API_KEY"); key != "" {
		cfg.Chain.ApiKey = key
	}
	if secret := os.Getenv("ARB_API_SECRET"); secret != "" {
		cfg.Chain.Secret = secret
	}
	if pass := os.Getenv("ARB_PASSPHRASE"); pass != "" {
		cfg.Chain.Passphrase = pass
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set ARB_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY_WALLET), 2 (GNOSIS_SAFE)")
	}
	if c.Chain.CLOBBaseURL == "" {
		return fmt.Errorf("chain.clob_base_url is required")
	}
	if len(c.MarketPairs) == 0 {
		return fmt.Errorf("at least one entry in market_pairs is required")
	}
	for _, p := range c.MarketPairs {
		if p.MarketID == "" || p.YesTokenID == "" || p.NoTokenID == "" {
			return fmt.Errorf("market_pairs entries require market_id, yes_token_id, and no_token_id")
		}
		if p.YesTokenID == p.NoTokenID {
			return fmt.Errorf("market_pairs entry %q has identical yes/no token ids", p.MarketID)
		}
	}
	if c.Strategy.TradeSizeUSDC <= 0 {
		return fmt.Errorf("strategy.trade_size must be > 0")
	}
	if c.Strategy.FeeRate < 0 {
		return fmt.Errorf("strategy.fee_rate must be >= 0")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Breaker.ConsecThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.consec_threshold must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	return nil
}
