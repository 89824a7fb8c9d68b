package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
env: dev
broker:
  apiKey: foo
  apiSecret: bar
  baseURL: https://broker.test
  streamURL: wss://broker.test/fills
  rateLimitPerSec: 10
resilience:
  maxRetries: 3
  baseDelayMs: 200
  maxDelayMs: 5000
  breakerThreshold: 5
  breakerCooldownSec: 30
  callTimeoutSec: 10
reconcile:
  intervalSec: 60
  startupDelaySec: 30
  historySize: 100
  incidentDir: incidents
  incidentLog: true
features:
  oco: true
  bracket: true
  iceberg: false
risk:
  stopIntervalSec: 5
symbols:
  ES:
    tickSize: 0.25
    pointValue: 50
    commission: 2.25
    risk:
      breakevenTicks: 8
      trailTicks: 4
      maxHoldSec: 3600
      maxQuantity: 10
  MNQ:
    tickSize: 0.25
    pointValue: 2
    commission: 0.52
    risk:
      breakevenTicks: 20
      trailTicks: 10
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Broker.APIKey != "foo" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	es, ok := cfg.Symbols["ES"]
	if !ok {
		t.Fatal("ES symbol missing")
	}
	if es.PointValue != 50 || es.TickSize != 0.25 {
		t.Errorf("ES contract params: %+v", es)
	}
	if es.Risk.MaxHold() != time.Hour {
		t.Errorf("ES maxHold = %v, want 1h", es.Risk.MaxHold())
	}
	if !cfg.Features.OCO || cfg.Features.Iceberg {
		t.Errorf("feature flags: %+v", cfg.Features)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	t.Setenv("FT_BROKER_API_KEY", "env-key")
	t.Setenv("FT_BROKER_API_SECRET", "env-secret")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.APIKey != "env-key" || cfg.Broker.APISecret != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", cfg.Broker)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestValidateRejectsBadSymbol(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := cfg.Symbols["ES"]
	bad.TickSize = 0
	cfg.Symbols["ES"] = bad
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero tickSize")
	}
}

func TestStopIntervalDefault(t *testing.T) {
	if (RiskConfig{}).StopInterval() != 5*time.Second {
		t.Error("default stop interval should be 5s")
	}
	if (RiskConfig{StopIntervalSec: 2}).StopInterval() != 2*time.Second {
		t.Error("configured stop interval not honored")
	}
}

func TestValidateParams(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateParams(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cfg.Metrics.Enabled = true
	if err := ValidateParams(cfg); err == nil {
		t.Fatal("expected error for metrics without listenAddr")
	}
}
