// Package config loads process configuration from an optional JSON
// file with environment-variable overrides. Per-user trading settings
// live in the database; this file covers process-wide wiring only.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Broker       BrokerConfig       `json:"broker"`
	Signals      SignalsConfig      `json:"signals"`
	Trader       TraderConfig       `json:"trader"`
	Monitor      MonitorConfig      `json:"monitor"`
	Calendar     CalendarConfig     `json:"calendar"`
	Notification NotificationConfig `json:"notification"`
}

type LoggingConfig struct {
	Level      string `json:"level"`  // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"` // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// BrokerConfig configures the default venue connection. DryRun swaps
// the REST client for the in-memory mock so no real orders leave the
// process.
type BrokerConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	Exchange    string `json:"exchange"`
	TradingMode string `json:"trading_mode"` // spot, margin, futures
	DryRun      bool   `json:"dry_run"`

	RequestsPerMinute int `json:"requests_per_minute"`
}

type SignalsConfig struct {
	// Sources is the signal-source whitelist; anything else is ignored
	Sources       []string `json:"sources"`
	MinConfidence float64  `json:"min_confidence"`
}

type TraderConfig struct {
	CycleIntervalSeconds int     `json:"cycle_interval_seconds"`
	MaxTradesPerCycle    int     `json:"max_trades_per_cycle"`
	MinNotionalUSD       float64 `json:"min_notional_usd"`
}

// PartialTPLevel is one rung of the partial take-profit ladder
type PartialTPLevel struct {
	TargetPct float64 `json:"target_pct"`
	Fraction  float64 `json:"fraction"`
}

type MonitorConfig struct {
	IntervalSeconds     int              `json:"interval_seconds"`
	TrailingActivation  float64          `json:"trailing_activation"`
	TrailingDistance    float64          `json:"trailing_distance"`
	PartialTPLevels     []PartialTPLevel `json:"partial_tp_levels"`
	LiquidationWarnPct  float64          `json:"liquidation_warn_pct"`
	LiquidationClosePct float64          `json:"liquidation_close_pct"`
	GhostGraceSeconds   int              `json:"ghost_grace_seconds"`
}

type CalendarConfig struct {
	Enabled bool   `json:"enabled"`
	FeedURL string `json:"feed_url"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading_core",
			Password: "trading_core",
			Database: "trading_core",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Enabled: true,
			Addr:    "localhost:6379",
		},
		Broker: BrokerConfig{
			Exchange:          "binance",
			TradingMode:       "spot",
			DryRun:            true,
			RequestsPerMinute: 1200,
		},
		Signals: SignalsConfig{
			Sources:       []string{"titan_v3", "COUNCIL_V2.0_FALLBACK"},
			MinConfidence: 0.35,
		},
		Trader: TraderConfig{
			CycleIntervalSeconds: 300,
			MaxTradesPerCycle:    3,
			MinNotionalUSD:       10,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:    5,
			TrailingActivation: 0.005,
			TrailingDistance:   0.01,
			PartialTPLevels: []PartialTPLevel{
				{TargetPct: 0.01, Fraction: 0.25},
				{TargetPct: 0.02, Fraction: 0.50},
				{TargetPct: 0.03, Fraction: 0.75},
			},
			LiquidationWarnPct:  15.0,
			LiquidationClosePct: 3.5,
			GhostGraceSeconds:   120,
		},
		Notification: NotificationConfig{Enabled: true},
	}
}

// Load reads config.json (or $CONFIG_FILE) when present, then applies
// environment overrides, then validates.
func Load() (*Config, error) {
	cfg := Default()

	path := getEnv("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Broker.BaseURL = getEnv("BROKER_BASE_URL", c.Broker.BaseURL)
	c.Broker.APIKey = getEnv("BROKER_API_KEY", c.Broker.APIKey)
	c.Broker.APISecret = getEnv("BROKER_API_SECRET", c.Broker.APISecret)
	c.Broker.Exchange = getEnv("BROKER_EXCHANGE", c.Broker.Exchange)
	c.Broker.TradingMode = getEnv("BROKER_TRADING_MODE", c.Broker.TradingMode)
	c.Broker.DryRun = getEnvBool("BROKER_DRY_RUN", c.Broker.DryRun)

	if sources := os.Getenv("SIGNAL_SOURCES"); sources != "" {
		c.Signals.Sources = strings.Split(sources, ",")
	}
	c.Signals.MinConfidence = getEnvFloat("SIGNAL_MIN_CONFIDENCE", c.Signals.MinConfidence)

	c.Trader.CycleIntervalSeconds = getEnvInt("TRADER_CYCLE_SECONDS", c.Trader.CycleIntervalSeconds)
	c.Monitor.IntervalSeconds = getEnvInt("MONITOR_INTERVAL_SECONDS", c.Monitor.IntervalSeconds)

	c.Calendar.Enabled = getEnvBool("CALENDAR_ENABLED", c.Calendar.Enabled)
	c.Calendar.FeedURL = getEnv("CALENDAR_FEED_URL", c.Calendar.FeedURL)

	c.Notification.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notification.Telegram.BotToken)
	c.Notification.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", c.Notification.Telegram.ChatID)
	if c.Notification.Telegram.BotToken != "" && c.Notification.Telegram.ChatID != "" {
		c.Notification.Telegram.Enabled = true
	}
}

// Validate rejects configurations the process cannot run with
func (c *Config) Validate() error {
	switch c.Broker.TradingMode {
	case "spot", "margin", "futures":
	default:
		return fmt.Errorf("invalid trading_mode %q", c.Broker.TradingMode)
	}
	if !c.Broker.DryRun {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker base_url required outside dry-run mode")
		}
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("broker credentials required outside dry-run mode")
		}
	}
	if len(c.Signals.Sources) == 0 {
		return fmt.Errorf("signal source whitelist must not be empty")
	}
	if c.Trader.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("trader cycle interval must be positive")
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if c.Monitor.LiquidationClosePct >= c.Monitor.LiquidationWarnPct {
		return fmt.Errorf("liquidation close threshold must be below the warn threshold")
	}
	for i, level := range c.Monitor.PartialTPLevels {
		if level.TargetPct <= 0 || level.Fraction <= 0 || level.Fraction >= 1 {
			return fmt.Errorf("invalid partial TP level %d: %+v", i, level)
		}
		if i > 0 && level.TargetPct <= c.Monitor.PartialTPLevels[i-1].TargetPct {
			return fmt.Errorf("partial TP levels must have ascending targets")
		}
	}
	return nil
}

// CycleInterval returns the trader tick as a duration
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trader.CycleIntervalSeconds) * time.Second
}

// MonitorInterval returns the monitor tick as a duration
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// GhostGrace returns the reconciliation grace window as a duration
func (c *Config) GhostGrace() time.Duration {
	return time.Duration(c.Monitor.GhostGraceSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
