// Package config defines all configuration for the execution core.
// Config is loaded from a YAML file with sensitive fields overridable
// via CORE_* environment variables. DefaultConfig supplies the documented
// default limits so the core is usable without a file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAdminCode is the kill-switch admin code used when none is
// configured. It is acceptable for tests only; Validate refuses to run
// a live (non-paper) broker with it.
const DefaultAdminCode = "admin123"

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// BrokerConfig selects and tunes the broker adapter.
// Paper=true runs the in-memory simulator and needs no credentials.
type BrokerConfig struct {
	Paper     bool   `mapstructure:"paper"`
	BaseURL   string `mapstructure:"base_url"`
	StreamURL string `mapstructure:"stream_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`

	// OrderTimeout bounds every order-placing call; on expiry the OMS
	// marks the order SUBMITTED optimistically and reconciliation resolves.
	OrderTimeout time.Duration `mapstructure:"order_timeout"`

	// REST rate limiting for the live adapter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// PaperCash is the simulator's starting cash balance in USD.
	PaperCash float64 `mapstructure:"paper_cash"`
}

// RiskConfig carries the three limit families plus the circuit-breaker
// thresholds. Strategy limits may also be registered at runtime through
// the operator surface; entries here are registered at startup.
type RiskConfig struct {
	Portfolio  PortfolioLimitsConfig  `mapstructure:"portfolio"`
	Order      OrderLimitsConfig      `mapstructure:"order"`
	Strategies []StrategyLimitsConfig `mapstructure:"strategies"`
	Breaker    BreakerConfig          `mapstructure:"breaker"`

	// RejectReversals makes the position tracker refuse fills that would
	// flip a position through zero instead of opening the opposite leg.
	RejectReversals bool `mapstructure:"reject_reversals"`
}

// PortfolioLimitsConfig bounds the whole account.
type PortfolioLimitsConfig struct {
	MaxDailyDrawdownPct   float64 `mapstructure:"max_daily_drawdown_pct"`
	MaxTotalDrawdownPct   float64 `mapstructure:"max_total_drawdown_pct"`
	MaxDeployedCapitalPct float64 `mapstructure:"max_deployed_capital_pct"`
	MaxOpenPositions      int     `mapstructure:"max_open_positions"`
}

// StrategyLimitsConfig bounds a single producer.
type StrategyLimitsConfig struct {
	ProducerID           string  `mapstructure:"producer_id"`
	MaxAllocationPct     float64 `mapstructure:"max_allocation_pct"`
	MaxDrawdownPct       float64 `mapstructure:"max_drawdown_pct"`
	DailyLossLimitPct    float64 `mapstructure:"daily_loss_limit_pct"`
	CurrentAllocationPct float64 `mapstructure:"current_allocation_pct"`
	Paused               bool    `mapstructure:"paused"`
	PausedReason         string  `mapstructure:"paused_reason"`
}

// OrderLimitsConfig bounds a single candidate order.
type OrderLimitsConfig struct {
	MaxRiskPerTradePct   float64  `mapstructure:"max_risk_per_trade_pct"`
	MaxNotional          float64  `mapstructure:"max_notional"`
	MaxPriceDeviationPct float64  `mapstructure:"max_price_deviation_pct"`
	MinPrice             float64  `mapstructure:"min_price"`
	MaxOrderPctADV       float64  `mapstructure:"max_order_pct_adv"`
	MinADV               float64  `mapstructure:"min_adv"`
	BlockedSymbols       []string `mapstructure:"blocked_symbols"`
}

// BreakerConfig sets the drawdown thresholds (percent) for the circuit
// breaker. Warn thresholds move CLOSED to HALF_OPEN; halt thresholds trip
// the breaker OPEN and activate the global kill switch.
type BreakerConfig struct {
	DailyWarnPct float64 `mapstructure:"daily_warn_pct"`
	DailyHaltPct float64 `mapstructure:"daily_halt_pct"`
	TotalWarnPct float64 `mapstructure:"total_warn_pct"`
	TotalHaltPct float64 `mapstructure:"total_halt_pct"`
}

// EngineConfig tunes the orchestrator loops.
type EngineConfig struct {
	IntentBuffer      int           `mapstructure:"intent_buffer"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	MarkInterval      time.Duration `mapstructure:"mark_interval"`
}

// StoreConfig sets where state snapshots are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig holds the kill-switch admin code. Override it in any real
// deployment: CORE_ADMIN_CODE.
type AdminConfig struct {
	Code string `mapstructure:"code"`
}

// DefaultConfig returns the documented default limits: paper broker,
// portfolio {3% daily DD, 10% total DD, 80% deployed, 20 positions},
// order {2% risk/trade, 25000 notional cap, $5 min price, 5% deviation},
// breaker {2/3 daily warn/halt, 8/10 total warn/halt}.
func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			Paper:             true,
			BaseURL:           "https://paper-api.alpaca.markets",
			StreamURL:         "wss://paper-api.alpaca.markets/stream",
			OrderTimeout:      10 * time.Second,
			RequestsPerSecond: 3,
			Burst:             10,
			PaperCash:         100000,
		},
		Risk: RiskConfig{
			Portfolio: PortfolioLimitsConfig{
				MaxDailyDrawdownPct:   3,
				MaxTotalDrawdownPct:   10,
				MaxDeployedCapitalPct: 80,
				MaxOpenPositions:      20,
			},
			Order: OrderLimitsConfig{
				MaxRiskPerTradePct:   2,
				MaxNotional:          25000,
				MaxPriceDeviationPct: 5,
				MinPrice:             5,
				MaxOrderPctADV:       1,
				MinADV:               100000,
			},
			Breaker: BreakerConfig{
				DailyWarnPct: 2,
				DailyHaltPct: 3,
				TotalWarnPct: 8,
				TotalHaltPct: 10,
			},
		},
		Engine: EngineConfig{
			IntentBuffer:      256,
			EventBuffer:       256,
			ReconcileInterval: time.Minute,
			MarkInterval:      15 * time.Second,
		},
		Store: StoreConfig{
			DataDir: "data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Admin: AdminConfig{
			Code: DefaultAdminCode,
		},
	}
}

// Load reads config from a YAML file with env var overrides, layered on
// top of DefaultConfig. An empty path skips the file and uses defaults
// plus environment only. Sensitive fields use env vars: CORE_API_KEY,
// CORE_API_SECRET, CORE_ADMIN_CODE.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetEnvPrefix("CORE")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Override sensitive fields from env
	if key := os.Getenv("CORE_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("CORE_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if code := os.Getenv("CORE_ADMIN_CODE"); code != "" {
		cfg.Admin.Code = code
	}
	if os.Getenv("CORE_PAPER") == "true" || os.Getenv("CORE_PAPER") == "1" {
		cfg.Broker.Paper = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Broker.Paper {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required for live trading")
		}
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("broker credentials are required for live trading (set CORE_API_KEY / CORE_API_SECRET)")
		}
		if c.Admin.Code == DefaultAdminCode {
			return fmt.Errorf("admin.code must be overridden for live trading (set CORE_ADMIN_CODE)")
		}
	}
	if c.Broker.OrderTimeout <= 0 {
		return fmt.Errorf("broker.order_timeout must be > 0")
	}
	if c.Admin.Code == "" {
		return fmt.Errorf("admin.code must not be empty")
	}
	p := c.Risk.Portfolio
	if p.MaxDailyDrawdownPct <= 0 || p.MaxTotalDrawdownPct <= 0 {
		return fmt.Errorf("risk.portfolio drawdown limits must be > 0")
	}
	if p.MaxDeployedCapitalPct <= 0 || p.MaxDeployedCapitalPct > 100 {
		return fmt.Errorf("risk.portfolio.max_deployed_capital_pct must be in (0, 100]")
	}
	if p.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.portfolio.max_open_positions must be > 0")
	}
	o := c.Risk.Order
	if o.MaxRiskPerTradePct <= 0 {
		return fmt.Errorf("risk.order.max_risk_per_trade_pct must be > 0")
	}
	if o.MaxNotional <= 0 {
		return fmt.Errorf("risk.order.max_notional must be > 0")
	}
	b := c.Risk.Breaker
	if b.DailyWarnPct >= b.DailyHaltPct {
		return fmt.Errorf("risk.breaker.daily_warn_pct must be < daily_halt_pct")
	}
	if b.TotalWarnPct >= b.TotalHaltPct {
		return fmt.Errorf("risk.breaker.total_warn_pct must be < total_halt_pct")
	}
	for _, s := range c.Risk.Strategies {
		if s.ProducerID == "" {
			return fmt.Errorf("risk.strategies entries require producer_id")
		}
		if s.MaxAllocationPct <= 0 || s.MaxAllocationPct > 100 {
			return fmt.Errorf("risk.strategies[%s].max_allocation_pct must be in (0, 100]", s.ProducerID)
		}
	}
	if c.Engine.ReconcileInterval <= 0 || c.Engine.MarkInterval <= 0 {
		return fmt.Errorf("engine intervals must be > 0")
	}
	return nil
}
