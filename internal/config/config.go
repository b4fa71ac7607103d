// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"quorum-trader/pkg/types"
)

// BankrollMode selects the starting bankroll and daily spend cap presets.
type BankrollMode string

const (
	ModeTest       BankrollMode = "TEST"       // initial 50, daily spend cap 5
	ModeProduction BankrollMode = "PRODUCTION" // initial 5000, no daily spend cap
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	SystemEnabled bool         `mapstructure:"system_enabled"`
	DryRun        bool         `mapstructure:"dry_run"`
	BankrollMode  BankrollMode `mapstructure:"bankroll_mode"`

	Wallet     WalletConfig     `mapstructure:"wallet"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Firms      []FirmConfig     `mapstructure:"firms"`
	Collectors CollectorsConfig `mapstructure:"collectors"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Cycle      CycleConfig      `mapstructure:"cycle"`
	Store      StoreConfig      `mapstructure:"store"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WalletConfig holds the shared custody wallet used for signing venue
// requests. Redemption spends native-token gas from this wallet.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	ChainID    int    `mapstructure:"chain_id"`
}

// VenueConfig holds the prediction-venue API surface.
type VenueConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	WSFeedURL   string        `mapstructure:"ws_feed_url"`
	APIKey      string        `mapstructure:"api_key"`
	TakerFee    float64       `mapstructure:"taker_fee"` // paid on payout at win time
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// FirmConfig declares one model-backed trading firm.
type FirmConfig struct {
	Name     string               `mapstructure:"name"`
	ModelID  string               `mapstructure:"model_id"`
	ColorTag string               `mapstructure:"color_tag"`
	Strategy types.SizingStrategy `mapstructure:"strategy"`
	Endpoint string               `mapstructure:"endpoint"`
	APIKey   string               `mapstructure:"api_key"`
	Persona  string               `mapstructure:"persona"`
}

// CollectorsConfig points at the market-data collector services. All are
// best-effort; an unreachable collector yields a neutral report.
type CollectorsConfig struct {
	TechnicalURL   string        `mapstructure:"technical_url"`
	NewsURL        string        `mapstructure:"news_url"`
	SentimentURL   string        `mapstructure:"sentiment_url"`
	FundamentalURL string        `mapstructure:"fundamental_url"`
	VolatilityURL  string        `mapstructure:"volatility_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// FetcherConfig controls the paginated market walk.
type FetcherConfig struct {
	PageSize   int `mapstructure:"page_size"`   // ~20 per page
	MaxMarkets int `mapstructure:"max_markets"` // ~200 cap
}

// SizingConfig carries the strategy coefficients. The defaults match the
// documented strategy behaviour; all are tunable without code changes.
type SizingConfig struct {
	MinBet             float64 `mapstructure:"min_bet"`              // 1.50 floor
	KellyFraction      float64 `mapstructure:"kelly_fraction"`       // 0.25 of full Kelly
	ProportionalFactor float64 `mapstructure:"proportional_factor"`  // the small k
	MartingaleStep     float64 `mapstructure:"martingale_step"`      // ×1.5 per loss
	AntiMartingaleStep float64 `mapstructure:"anti_martingale_step"` // ×1.3 per win
	MaxEscalations     int     `mapstructure:"max_escalations"`      // cap 3
}

// RiskConfig holds the per-deployment daily limits. Tier thresholds and
// per-tier caps are fixed in the guard.
type RiskConfig struct {
	DailySpendCap       float64 `mapstructure:"daily_spend_cap"` // 0 = uncapped
	DailyBetLimit       int     `mapstructure:"daily_bet_limit"`
	CategoryExposureCap float64 `mapstructure:"category_exposure_cap"` // fraction of balance per category
}

// MonitorConfig controls the 3-strike order monitor.
type MonitorConfig struct {
	Secret        string        `mapstructure:"secret"` // shared secret for the monitor endpoint
	Interval      time.Duration `mapstructure:"interval"`
	PriceMovePct  float64       `mapstructure:"price_move_pct"` // 0.15
	StagnationAge time.Duration `mapstructure:"stagnation_age"` // 168h
}

// CycleConfig controls orchestrator scheduling and deadlines.
type CycleConfig struct {
	Deadline     time.Duration `mapstructure:"deadline"`      // default 15m
	CronSchedule string        `mapstructure:"cron_schedule"` // daily cycle
	MonitorCron  string        `mapstructure:"monitor_cron"`  // 30-min monitor pass
}

// StoreConfig sets where the embedded database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: QT_PRIVATE_KEY, QT_VENUE_API_KEY,
// QT_MONITOR_SECRET, QT_FIRM_<NAME>_API_KEY, QT_COLLECTOR_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("QT_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("QT_VENUE_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("QT_MONITOR_SECRET"); secret != "" {
		cfg.Monitor.Secret = secret
	}
	if key := os.Getenv("QT_COLLECTOR_API_KEY"); key != "" {
		cfg.Collectors.APIKey = key
	}
	for i := range cfg.Firms {
		env := "QT_FIRM_" + strings.ToUpper(cfg.Firms[i].Name) + "_API_KEY"
		if key := os.Getenv(env); key != "" {
			cfg.Firms[i].APIKey = key
		}
	}
	if mode := os.Getenv("QT_BANKROLL_MODE"); mode != "" {
		cfg.BankrollMode = BankrollMode(strings.ToUpper(mode))
	}
	if val := os.Getenv("QT_SYSTEM_ENABLED"); val != "" {
		cfg.SystemEnabled = val == "true" || val == "1"
	}
	if os.Getenv("QT_DRY_RUN") == "true" || os.Getenv("QT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("system_enabled", true)
	v.SetDefault("bankroll_mode", string(ModeTest))
	v.SetDefault("venue.taker_fee", 0.03)
	v.SetDefault("venue.http_timeout", 10*time.Second)
	v.SetDefault("collectors.timeout", 15*time.Second)
	v.SetDefault("fetcher.page_size", 20)
	v.SetDefault("fetcher.max_markets", 200)
	v.SetDefault("sizing.min_bet", 1.50)
	v.SetDefault("sizing.kelly_fraction", 0.25)
	v.SetDefault("sizing.proportional_factor", 0.02)
	v.SetDefault("sizing.martingale_step", 1.5)
	v.SetDefault("sizing.anti_martingale_step", 1.3)
	v.SetDefault("sizing.max_escalations", 3)
	v.SetDefault("risk.daily_bet_limit", 10)
	v.SetDefault("risk.category_exposure_cap", 0.25)
	v.SetDefault("monitor.interval", 30*time.Minute)
	v.SetDefault("monitor.price_move_pct", 0.15)
	v.SetDefault("monitor.stagnation_age", 168*time.Hour)
	v.SetDefault("cycle.deadline", 15*time.Minute)
	v.SetDefault("cycle.cron_schedule", "0 0 12 * * *")
	v.SetDefault("cycle.monitor_cron", "@every 30m")
	v.SetDefault("store.path", "data/quorum.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// InitialBalance returns the per-firm starting bankroll for the mode.
func (c *Config) InitialBalance() float64 {
	if c.BankrollMode == ModeProduction {
		return 5000
	}
	return 50
}

// DailySpendCap returns the per-firm daily spend cap, 0 meaning uncapped.
// TEST mode forces the cap to 5 regardless of the risk section.
func (c *Config) DailySpendCap() float64 {
	if c.BankrollMode == ModeTest {
		return 5
	}
	return c.Risk.DailySpendCap
}

// Validate checks all required fields and value ranges. Violations are
// ConfigErrors: fatal at startup.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return &types.ConfigError{Field: "wallet.private_key", Reason: "required (set QT_PRIVATE_KEY)"}
	}
	if c.Venue.BaseURL == "" {
		return &types.ConfigError{Field: "venue.base_url", Reason: "required"}
	}
	if c.Venue.APIKey == "" {
		return &types.ConfigError{Field: "venue.api_key", Reason: "required (set QT_VENUE_API_KEY)"}
	}
	if c.Venue.TakerFee < 0 || c.Venue.TakerFee >= 1 {
		return &types.ConfigError{Field: "venue.taker_fee", Reason: "must be in [0, 1)"}
	}
	switch c.BankrollMode {
	case ModeTest, ModeProduction:
	default:
		return &types.ConfigError{Field: "bankroll_mode", Reason: "must be TEST or PRODUCTION"}
	}
	if len(c.Firms) != 5 {
		return &types.ConfigError{Field: "firms", Reason: fmt.Sprintf("exactly 5 firms required, got %d", len(c.Firms))}
	}
	seen := make(map[string]bool, len(c.Firms))
	for _, f := range c.Firms {
		if f.Name == "" {
			return &types.ConfigError{Field: "firms.name", Reason: "required"}
		}
		if seen[f.Name] {
			return &types.ConfigError{Field: "firms.name", Reason: "duplicate firm " + f.Name}
		}
		seen[f.Name] = true
		switch f.Strategy {
		case types.KellyConservative, types.FixedFractional, types.Proportional,
			types.MartingaleModified, types.AntiMartingale:
		default:
			return &types.ConfigError{Field: "firms.strategy", Reason: fmt.Sprintf("unknown strategy %q for %s", f.Strategy, f.Name)}
		}
		if f.Endpoint == "" {
			return &types.ConfigError{Field: "firms.endpoint", Reason: "required for " + f.Name}
		}
	}
	if c.Monitor.Secret == "" {
		return &types.ConfigError{Field: "monitor.secret", Reason: "required (set QT_MONITOR_SECRET)"}
	}
	if c.Sizing.MinBet <= 0 {
		return &types.ConfigError{Field: "sizing.min_bet", Reason: "must be > 0"}
	}
	if c.Fetcher.PageSize <= 0 || c.Fetcher.MaxMarkets <= 0 {
		return &types.ConfigError{Field: "fetcher", Reason: "page_size and max_markets must be > 0"}
	}
	return nil
}

// FirmList converts the configured firms into their registry form.
func (c *Config) FirmList() []types.Firm {
	firms := make([]types.Firm, len(c.Firms))
	for i, f := range c.Firms {
		firms[i] = types.Firm{
			Name:     f.Name,
			ModelID:  f.ModelID,
			ColorTag: f.ColorTag,
			Strategy: f.Strategy,
		}
	}
	return firms
}
