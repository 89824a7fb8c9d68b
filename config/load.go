package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                  `yaml:"env"`
	Broker     BrokerConfig            `yaml:"broker"`
	Resilience ResilienceConfig        `yaml:"resilience"`
	Reconcile  ReconcileConfig         `yaml:"reconcile"`
	Features   FeatureConfig           `yaml:"features"`
	Risk       RiskConfig              `yaml:"risk"`
	Log        LogConfig               `yaml:"log"`
	Alert      AlertConfig             `yaml:"alert"`
	Metrics    MetricsConfig           `yaml:"metrics"`
	Symbols    map[string]SymbolConfig `yaml:"symbols"`
}

type BrokerConfig struct {
	APIKey          string  `yaml:"apiKey"`
	APISecret       string  `yaml:"apiSecret"`
	BaseURL         string  `yaml:"baseURL"`
	StreamURL       string  `yaml:"streamURL"`
	RateLimitPerSec float64 `yaml:"rateLimitPerSec"` // 0 表示不限速
	RateLimitBurst  int     `yaml:"rateLimitBurst"`
}

type ResilienceConfig struct {
	MaxRetries         int `yaml:"maxRetries"`
	BaseDelayMs        int `yaml:"baseDelayMs"`
	MaxDelayMs         int `yaml:"maxDelayMs"`
	BreakerThreshold   int `yaml:"breakerThreshold"`
	BreakerCooldownSec int `yaml:"breakerCooldownSec"`
	CallTimeoutSec     int `yaml:"callTimeoutSec"`
}

type ReconcileConfig struct {
	IntervalSec     int    `yaml:"intervalSec"`
	StartupDelaySec int    `yaml:"startupDelaySec"`
	HistorySize     int    `yaml:"historySize"`
	IncidentDir     string `yaml:"incidentDir"`
	IncidentLog     bool   `yaml:"incidentLog"`
}

// FeatureConfig 复合订单功能开关
type FeatureConfig struct {
	OCO     bool `yaml:"oco"`
	Bracket bool `yaml:"bracket"`
	Iceberg bool `yaml:"iceberg"`
}

type RiskConfig struct {
	StopIntervalSec int `yaml:"stopIntervalSec"` // 止损管理循环周期
}

type LogConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Outputs    []string `yaml:"outputs"`
	OutputFile string   `yaml:"outputFile"`
	ErrorFile  string   `yaml:"errorFile"`
}

type AlertConfig struct {
	ThrottleIntervalSec int      `yaml:"throttleIntervalSec"`
	Channels            []string `yaml:"channels"` // console, log
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// SymbolConfig 保存合约的乘数/跳动与持仓管理参数。
type SymbolConfig struct {
	TickSize   float64    `yaml:"tickSize"`   // 最小跳动价位
	PointValue float64    `yaml:"pointValue"` // 每点美元价值
	Commission float64    `yaml:"commission"` // 每手每边手续费
	Risk       SymbolRisk `yaml:"risk"`
}

type SymbolRisk struct {
	BreakevenTicks int `yaml:"breakevenTicks"` // 触发保本的有利跳动数
	TrailTicks     int `yaml:"trailTicks"`     // 追踪止损距离（跳动数）
	MaxHoldSec     int `yaml:"maxHoldSec"`     // 最长持仓秒数，0 不限
	MaxQuantity    int `yaml:"maxQuantity"`    // 单品种最大手数
}

// StopInterval 返回止损管理循环周期，未配置时为 5 秒。
func (c RiskConfig) StopInterval() time.Duration {
	if c.StopIntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.StopIntervalSec) * time.Second
}

// MaxHold 返回最长持仓时间
func (r SymbolRisk) MaxHold() time.Duration {
	return time.Duration(r.MaxHoldSec) * time.Second
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("FT_BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("FT_BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("FT_BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("FT_BROKER_STREAM_URL"); v != "" {
		cfg.Broker.StreamURL = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "" {
		return errors.New("broker.apiKey/apiSecret is required (or env overrides)")
	}
	if cfg.Resilience.MaxRetries < 0 {
		return errors.New("resilience.maxRetries must be >= 0")
	}
	if cfg.Resilience.BaseDelayMs < 0 || cfg.Resilience.MaxDelayMs < 0 {
		return errors.New("resilience delays must be >= 0")
	}
	if cfg.Resilience.BreakerThreshold < 0 {
		return errors.New("resilience.breakerThreshold must be >= 0")
	}
	if cfg.Reconcile.IntervalSec < 0 || cfg.Reconcile.StartupDelaySec < 0 {
		return errors.New("reconcile intervals must be >= 0")
	}
	if cfg.Reconcile.HistorySize < 0 {
		return errors.New("reconcile.historySize must be >= 0")
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols config is required")
	}
	for sym, sc := range cfg.Symbols {
		if sc.TickSize <= 0 {
			return fmt.Errorf("symbol %s tickSize must be > 0", sym)
		}
		if sc.PointValue <= 0 {
			return fmt.Errorf("symbol %s pointValue must be > 0", sym)
		}
		if sc.Commission < 0 {
			return fmt.Errorf("symbol %s commission must be >= 0", sym)
		}
		if sc.Risk.BreakevenTicks < 0 || sc.Risk.TrailTicks < 0 {
			return fmt.Errorf("symbol %s tick thresholds must be >= 0", sym)
		}
		if sc.Risk.MaxHoldSec < 0 {
			return fmt.Errorf("symbol %s risk.maxHoldSec must be >= 0", sym)
		}
		if sc.Risk.MaxQuantity < 0 {
			return fmt.Errorf("symbol %s risk.maxQuantity must be >= 0", sym)
		}
	}
	return nil
}
