// Package config defines all configuration for the trading core. Config is
// loaded from a YAML file (default: configs/config.yaml) with sensitive
// fields overridable via TRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool              `mapstructure:"dry_run"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	Staleness   StalenessConfig   `mapstructure:"staleness"`
	VRE         VREConfig         `mapstructure:"vre"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Signal      SignalConfig      `mapstructure:"signal"`
	Campaign    CampaignConfig    `mapstructure:"campaign"`
	Manager     ManagerConfig     `mapstructure:"manager"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ExchangeConfig holds opaque-exchange REST/WebSocket endpoints and
// per-tenant API credentials used to sign requests.
type ExchangeConfig struct {
	RESTBaseURL   string          `mapstructure:"rest_base_url"`
	WSMarketURL   string          `mapstructure:"ws_market_url"`
	WSUserURL     string          `mapstructure:"ws_user_url"`
	APIKey        string          `mapstructure:"api_key"`
	APISecret     string          `mapstructure:"api_secret"`
	APIPassphrase string          `mapstructure:"api_passphrase"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig tunes the per-category token buckets that throttle
// outbound REST calls to the exchange's published rate limits. Capacity is
// the burst allowance, rate the steady-state refill per second.
type RateLimitConfig struct {
	OrderCapacity  float64 `mapstructure:"order_capacity"`
	OrderRate      float64 `mapstructure:"order_rate"`
	CancelCapacity float64 `mapstructure:"cancel_capacity"`
	CancelRate     float64 `mapstructure:"cancel_rate"`
	BookCapacity   float64 `mapstructure:"book_capacity"`
	BookRate       float64 `mapstructure:"book_rate"`
}

// MarketDataConfig tunes the Market Data Pipeline (§4.A).
//
//   - Symbols: the seed symbol universe ingested at startup.
//   - RESTFallbackAfter: if no tick arrives on any non-quarantined symbol
//     for this long, engage the periodic REST refresh loop.
//   - SubscribeRetryLimit: bounded retries before a symbol becomes
//     UNSUPPORTED.
type MarketDataConfig struct {
	Symbols              []string      `mapstructure:"symbols"`
	RESTFallbackAfter     time.Duration `mapstructure:"rest_fallback_after"`
	RESTFallbackInterval  time.Duration `mapstructure:"rest_fallback_interval"`
	SubscribeRetryLimit   int           `mapstructure:"subscribe_retry_limit"`
	TickCacheTTL          time.Duration `mapstructure:"tick_cache_ttl"`
}

// StalenessConfig sets the thresholds (seconds since last update) of the
// Staleness Guard state machine (§4.B).
type StalenessConfig struct {
	WarnSeconds       float64       `mapstructure:"warn_seconds"`
	HardSeconds       float64       `mapstructure:"hard_seconds"`
	KillSeconds       float64       `mapstructure:"kill_seconds"`
	QuarantineSeconds float64       `mapstructure:"quarantine_seconds"`
	EvalInterval      time.Duration `mapstructure:"eval_interval"`
	RefreshThrottle   time.Duration `mapstructure:"refresh_throttle"`
}

// VREConfig tunes the Volatility Regime Engine (§4.C).
type VREConfig struct {
	WindowShort       int     `mapstructure:"window_short"`
	WindowLong        int     `mapstructure:"window_long"`
	KConfirmations    int     `mapstructure:"k_confirmations"`
	CooldownCycles    int     `mapstructure:"cooldown_cycles"`
	ZLowNormal        float64 `mapstructure:"z_low_normal"`
	ZNormalHigh       float64 `mapstructure:"z_normal_high"`
	ZHighExtreme      float64 `mapstructure:"z_high_extreme"`
	ZExtremeToHigh    float64 `mapstructure:"z_extreme_to_high"`
	ZHighToNormal     float64 `mapstructure:"z_high_to_normal"`
	ZNormalToLow      float64 `mapstructure:"z_normal_to_low"`
	RVRatioLow        float64 `mapstructure:"rv_ratio_low"`
	RVRatioHigh       float64 `mapstructure:"rv_ratio_high"`
	RVRatioExtreme    float64 `mapstructure:"rv_ratio_extreme"`
	SpikeZThreshold   float64 `mapstructure:"spike_z_threshold"`
	SpikeGuardHours   int     `mapstructure:"spike_guard_hours"`
	WhipsawMaxLosses  int     `mapstructure:"whipsaw_max_losses"`
	WhipsawWindowHrs  int     `mapstructure:"whipsaw_window_hours"`
	WhipsawBlockHours int     `mapstructure:"whipsaw_block_hours"`
}

// BreakerConfig sets default thresholds for the Circuit Breaker Service (§4.D).
type BreakerConfig struct {
	AssetConsecutiveLosses int           `mapstructure:"asset_consecutive_losses"`
	AssetCumulativeLossUSD float64       `mapstructure:"asset_cumulative_loss_usd"`
	AssetAutoResetAfter    time.Duration `mapstructure:"asset_auto_reset_after"`
	ClusterLossPct         float64       `mapstructure:"cluster_loss_pct"`
	ClusterAutoResetAfter  time.Duration `mapstructure:"cluster_auto_reset_after"`
	GlobalMaxDailyLossPct  float64       `mapstructure:"global_max_daily_loss_pct"`
	AutoResetInterval      time.Duration `mapstructure:"auto_reset_interval"`
}

// SignalConfig holds default EMA/ATR signal generation parameters (§4.E).
// No code reads this block: a campaign evaluates signals only for pairs
// that have a stored per-(portfolio,symbol) SignalConfig row, and skips
// pairs without one.
type SignalConfig struct {
	EMAShortPeriod    int           `mapstructure:"ema_short_period"`
	EMALongPeriod     int           `mapstructure:"ema_long_period"`
	ATRPeriod         int           `mapstructure:"atr_period"`
	LongATRMult       float64       `mapstructure:"long_atr_mult"`
	ShortATRMult      float64       `mapstructure:"short_atr_mult"`
	TP1Mult           float64       `mapstructure:"tp1_mult"`
	TP2Mult           float64       `mapstructure:"tp2_mult"`
	SLMult            float64       `mapstructure:"sl_mult"`
	TP1ClosePct       float64       `mapstructure:"tp1_close_pct"`
	RiskPerTradeBps   int           `mapstructure:"risk_per_trade_bps"`
	SignalExpiryAfter time.Duration `mapstructure:"signal_expiry_after"`
}

// CampaignConfig tunes the per-campaign trading loop (§4.F).
type CampaignConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	MaxDrawdownThreshold  float64       `mapstructure:"max_drawdown_threshold"`
	OrderDeadline         time.Duration `mapstructure:"order_deadline"`
	OrderFillPollDeadline time.Duration `mapstructure:"order_fill_poll_deadline"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxAttempts      int           `mapstructure:"retry_max_attempts"`
	RetryJitterPct        float64       `mapstructure:"retry_jitter_pct"`
}

// ManagerConfig tunes the Campaign Manager's background scheduler (§4.G).
type ManagerConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	RebalanceInterval    time.Duration `mapstructure:"rebalance_interval"`
	MaxDrawdownThreshold float64       `mapstructure:"max_drawdown_threshold"`
}

// StoreConfig sets where the durable relational store lives.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // path to the SQLite database file
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADER_API_KEY, TRADER_API_SECRET, TRADER_API_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("TRADER_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("TRADER_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if pass := os.Getenv("TRADER_API_PASSPHRASE"); pass != "" {
		cfg.Exchange.APIPassphrase = pass
	}
	if os.Getenv("TRADER_DRY_RUN") == "true" || os.Getenv("TRADER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set TRADER_API_KEY)")
	}
	if len(c.MarketData.Symbols) == 0 {
		return fmt.Errorf("market_data.symbols must list at least one symbol")
	}
	if c.Staleness.WarnSeconds <= 0 || c.Staleness.HardSeconds <= c.Staleness.WarnSeconds ||
		c.Staleness.KillSeconds <= c.Staleness.HardSeconds || c.Staleness.QuarantineSeconds <= c.Staleness.KillSeconds {
		return fmt.Errorf("staleness thresholds must be strictly increasing: warn < hard < kill < quarantine")
	}
	if c.VRE.WindowShort <= 0 || c.VRE.WindowLong <= c.VRE.WindowShort {
		return fmt.Errorf("vre.window_long must be greater than vre.window_short")
	}
	if c.VRE.KConfirmations <= 0 {
		return fmt.Errorf("vre.k_confirmations must be > 0")
	}
	if c.Breaker.GlobalMaxDailyLossPct <= 0 {
		return fmt.Errorf("breaker.global_max_daily_loss_pct must be > 0")
	}
	if c.Campaign.MaxDrawdownThreshold <= 0 {
		return fmt.Errorf("campaign.max_drawdown_threshold must be > 0")
	}
	if c.Campaign.TickInterval <= 0 {
		return fmt.Errorf("campaign.tick_interval must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}

// Default returns a Config populated with documented default thresholds,
// suitable as a base before a YAML file or env overrides are applied.
func Default() Config {
	return Config{
		MarketData: MarketDataConfig{
			RESTFallbackAfter:    60 * time.Second,
			RESTFallbackInterval: 10 * time.Second,
			SubscribeRetryLimit:  5,
			TickCacheTTL:         300 * time.Second,
		},
		Staleness: StalenessConfig{
			WarnSeconds:       4,
			HardSeconds:       12,
			KillSeconds:       60,
			QuarantineSeconds: 300,
			EvalInterval:      time.Second,
			RefreshThrottle:   10 * time.Second,
		},
		VRE: VREConfig{
			WindowShort:       96,
			WindowLong:        672,
			KConfirmations:    3,
			CooldownCycles:    8,
			ZLowNormal:        -0.75,
			ZNormalHigh:       0.75,
			ZHighExtreme:      1.75,
			ZExtremeToHigh:    1.40,
			ZHighToNormal:     0.55,
			ZNormalToLow:      -0.55,
			RVRatioLow:        0.7,
			RVRatioHigh:       1.3,
			RVRatioExtreme:    1.8,
			SpikeZThreshold:   2.75,
			SpikeGuardHours:   2,
			WhipsawMaxLosses:  3,
			WhipsawWindowHrs:  6,
			WhipsawBlockHours: 12,
		},
		Breaker: BreakerConfig{
			AssetConsecutiveLosses: 3,
			AssetCumulativeLossUSD: 500,
			AssetAutoResetAfter:    24 * time.Hour,
			ClusterLossPct:         0.15,
			ClusterAutoResetAfter:  12 * time.Hour,
			GlobalMaxDailyLossPct:  0.05,
			AutoResetInterval:      time.Minute,
		},
		Campaign: CampaignConfig{
			TickInterval:          5 * time.Second,
			MaxDrawdownThreshold:  0.10,
			OrderDeadline:         10 * time.Second,
			OrderFillPollDeadline: 30 * time.Second,
			RetryBaseDelay:        250 * time.Millisecond,
			RetryMaxAttempts:      5,
			RetryJitterPct:        0.20,
		},
		Manager: ManagerConfig{
			TickInterval:      time.Minute,
			RebalanceInterval: 8 * time.Hour,
		},
	}
}
