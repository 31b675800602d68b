// Package config loads the typed configuration for the portfolio manager.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// PartialFillPolicy selects how the executor handles an order left partially
// filled at the end of its polling window.
type PartialFillPolicy string

const (
	PartialFillCancelRemainder PartialFillPolicy = "CancelRemainder"
	PartialFillWaitForFill     PartialFillPolicy = "WaitForFill"
	PartialFillReattempt       PartialFillPolicy = "Reattempt"
)

// ExecutionStrategy selects the order-placement strategy.
type ExecutionStrategy string

const (
	ExecutionSimpleLimit  ExecutionStrategy = "SimpleLimit"
	ExecutionProgressive  ExecutionStrategy = "Progressive"
)

// Config is the complete configuration for the live or backtest driver.
type Config struct {
	Instrument InstrumentConfig `json:"instrument"`
	Risk       RiskConfig       `json:"risk"`
	Executor   ExecutorConfig   `json:"executor"`
	HA         HAConfig         `json:"ha"`
	Storage    StorageConfig    `json:"storage"`
	Broker     BrokerConfig     `json:"broker"`
	Webhook    WebhookConfig    `json:"webhook"`
	Log        LogConfig        `json:"log"`
}

// InstrumentConfig describes the contract multiplier and margin for a
// tradable instrument. Keyed by instrument name in the parent config file.
type InstrumentConfig struct {
	Defaults map[string]InstrumentSpec `json:"defaults"`
}

// InstrumentSpec holds the per-instrument constants used by the sizer.
type InstrumentSpec struct {
	PointValue    float64 `json:"point_value"`
	MarginPerLot  float64 `json:"margin_per_lot"`
	ATRSpacingMul float64 `json:"atr_spacing_multiplier"`
}

// RiskConfig holds portfolio-level risk, volatility, and margin caps.
type RiskConfig struct {
	EquityBase            float64 `json:"equity_base"`
	RiskPct               float64 `json:"risk_pct"`
	VolPct                float64 `json:"vol_pct"`
	RiskCapPct            float64 `json:"risk_cap_pct"`
	VolCapPct             float64 `json:"vol_cap_pct"`
	MarginCapPct          float64 `json:"margin_cap_pct"`
	MaxReattemptSlippagePct float64 `json:"max_reattempt_slippage_pct"`
}

// ExecutorConfig configures order placement behavior.
type ExecutorConfig struct {
	Strategy              ExecutionStrategy  `json:"strategy"`
	PartialFillPolicy     PartialFillPolicy  `json:"partial_fill_policy"`
	FillTimeoutSeconds    int                `json:"fill_timeout_seconds"`
	TighteningIntervalSec int                `json:"tightening_interval_seconds"`
	TighteningStep        float64            `json:"tightening_step"`
	MaxAttempts           int                `json:"max_attempts"`
	PartialFillWaitSec    int                `json:"partial_fill_wait_timeout_seconds"`
	ReattemptAggressivePct float64           `json:"reattempt_aggressive_pct"`
}

// HAConfig configures the leader-election coordinator.
type HAConfig struct {
	LeaderTTLSeconds      int    `json:"leader_ttl_seconds"`
	DetectSplitBrainEvery int    `json:"detect_split_brain_every_heartbeats"`
	CacheAddr             string `json:"cache_addr"`
}

// StorageConfig configures the relational store.
type StorageConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	DedupWindowSec  int    `json:"dedup_window_seconds"`
}

// BrokerConfig configures the broker HTTP client.
type BrokerConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	APIKey         string `json:"api_key"`
}

// WebhookConfig configures the HTTP ingest surface.
type WebhookConfig struct {
	Addr             string `json:"addr"`
	MaxPayloadBytes  int64  `json:"max_payload_bytes"`
	RateLimitPerMin  int    `json:"rate_limit_per_min"`
}

// LogConfig controls logging verbosity and format.
type LogConfig struct {
	Level  string `json:"level"`  // debug | info | warn | error
	Format string `json:"format"` // text | json
}

// Load reads the JSON config at path, expanding ${VAR}-style placeholders
// against the process environment. A local .env file, if present, is
// loaded first so it can supply the secrets those placeholders reference.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse JSON: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("CACHE_ADDR"); v != "" {
		cfg.HA.CacheAddr = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Risk.RiskCapPct <= 0 {
		cfg.Risk.RiskCapPct = 0.13
	}
	if cfg.Risk.VolCapPct <= 0 {
		cfg.Risk.VolCapPct = 0.045
	}
	if cfg.Risk.MarginCapPct <= 0 {
		cfg.Risk.MarginCapPct = 0.60
	}
	if cfg.Risk.MaxReattemptSlippagePct <= 0 {
		cfg.Risk.MaxReattemptSlippagePct = 0.005
	}
	if cfg.Executor.Strategy == "" {
		cfg.Executor.Strategy = ExecutionSimpleLimit
	}
	if cfg.Executor.PartialFillPolicy == "" {
		cfg.Executor.PartialFillPolicy = PartialFillCancelRemainder
	}
	if cfg.Executor.FillTimeoutSeconds <= 0 {
		cfg.Executor.FillTimeoutSeconds = 30
	}
	if cfg.Executor.TighteningIntervalSec <= 0 {
		cfg.Executor.TighteningIntervalSec = 5
	}
	if cfg.Executor.TighteningStep <= 0 {
		cfg.Executor.TighteningStep = 0.001
	}
	if cfg.Executor.MaxAttempts <= 0 {
		cfg.Executor.MaxAttempts = 5
	}
	if cfg.Executor.PartialFillWaitSec <= 0 {
		cfg.Executor.PartialFillWaitSec = 30
	}
	if cfg.Executor.ReattemptAggressivePct <= 0 {
		cfg.Executor.ReattemptAggressivePct = 0.001
	}
	if cfg.HA.LeaderTTLSeconds <= 0 {
		cfg.HA.LeaderTTLSeconds = 10
	}
	if cfg.HA.DetectSplitBrainEvery <= 0 {
		cfg.HA.DetectSplitBrainEvery = 10 // ~50s at a 5s heartbeat
	}
	if cfg.HA.CacheAddr == "" {
		cfg.HA.CacheAddr = "127.0.0.1:6379"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "pm.db"
	}
	if cfg.Storage.MaxOpenConns <= 0 {
		cfg.Storage.MaxOpenConns = 8
	}
	if cfg.Storage.DedupWindowSec <= 0 {
		cfg.Storage.DedupWindowSec = 300
	}
	if cfg.Broker.TimeoutSeconds <= 0 {
		cfg.Broker.TimeoutSeconds = 2
	}
	if cfg.Webhook.Addr == "" {
		cfg.Webhook.Addr = ":8080"
	}
	if cfg.Webhook.MaxPayloadBytes <= 0 {
		cfg.Webhook.MaxPayloadBytes = 10 * 1024
	}
	if cfg.Webhook.RateLimitPerMin <= 0 {
		cfg.Webhook.RateLimitPerMin = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// HeartbeatInterval is LEADER_TTL/2, per the coordinator's scheduling contract.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HA.LeaderTTLSeconds) * time.Second / 2
}

// DedupWindow returns the signal-log duplicate-detection window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Storage.DedupWindowSec) * time.Second
}
