package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// MockParameterApplier 模拟参数应用器
type MockParameterApplier struct {
	applied map[string]interface{}
}

func NewMockParameterApplier() *MockParameterApplier {
	return &MockParameterApplier{
		applied: make(map[string]interface{}),
	}
}

func (m *MockParameterApplier) ApplyParameters(params map[string]interface{}) error {
	for k, v := range params {
		m.applied[k] = v
	}
	return nil
}

func (m *MockParameterApplier) GetApplied(key string) interface{} {
	return m.applied[key]
}

func TestHotReloader_New(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// 创建临时配置文件
	if err := os.WriteFile(configPath, []byte("test: value"), 0644); err != nil {
		t.Fatalf("Failed to create temp config: %v", err)
	}

	cfg := DefaultHotReloadConfig()
	reloader, err := NewHotReloader(configPath, cfg)
	if err != nil {
		t.Fatalf("Failed to create hot reloader: %v", err)
	}
	defer reloader.Stop()

	if reloader == nil {
		t.Fatal("Reloader is nil")
	}

	if reloader.configPath != configPath {
		t.Errorf("Expected config path %s, got %s", configPath, reloader.configPath)
	}
}

func TestHotReloader_RegisterValidator(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("test: value"), 0644)

	cfg := DefaultHotReloadConfig()
	reloader, _ := NewHotReloader(configPath, cfg)
	defer reloader.Stop()

	validator := &ResilienceParameterValidator{}
	reloader.RegisterValidator("resilience", validator)

	// 验证注册成功
	if len(reloader.validators) != 1 {
		t.Errorf("Expected 1 validator, got %d", len(reloader.validators))
	}
}

func TestHotReloader_RegisterApplier(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("test: value"), 0644)

	cfg := DefaultHotReloadConfig()
	reloader, _ := NewHotReloader(configPath, cfg)
	defer reloader.Stop()

	applier := NewMockParameterApplier()
	reloader.RegisterApplier("resilience", applier)

	// 验证注册成功
	if len(reloader.appliers) != 1 {
		t.Errorf("Expected 1 applier, got %d", len(reloader.appliers))
	}
}

func TestHotReloader_ValidateAndApply(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("test: value"), 0644)

	cfg := DefaultHotReloadConfig()
	reloader, _ := NewHotReloader(configPath, cfg)
	defer reloader.Stop()

	// 注册验证器和应用器
	validator := &ResilienceParameterValidator{}
	applier := NewMockParameterApplier()

	reloader.RegisterValidator("resilience", validator)
	reloader.RegisterApplier("resilience", applier)

	// 测试有效参数
	validParams := map[string]interface{}{
		"max_retries":       3,
		"base_delay_ms":     200,
		"breaker_threshold": 5,
	}

	err := reloader.ApplyParameters("resilience", validParams)
	if err != nil {
		t.Errorf("Failed to apply valid parameters: %v", err)
	}

	// 验证参数已应用
	if applier.GetApplied("max_retries") != 3 {
		t.Error("Parameters not applied correctly")
	}
}

func TestHotReloader_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("test: value"), 0644)

	cfg := DefaultHotReloadConfig()
	reloader, _ := NewHotReloader(configPath, cfg)

	ctx := context.Background()

	// 启动
	err := reloader.Start(ctx)
	if err != nil {
		t.Fatalf("Failed to start reloader: %v", err)
	}

	// 等待一段时间
	time.Sleep(100 * time.Millisecond)

	// 停止
	err = reloader.Stop()
	if err != nil {
		t.Errorf("Failed to stop reloader: %v", err)
	}
}

func TestResilienceParameterValidator_Valid(t *testing.T) {
	validator := &ResilienceParameterValidator{}

	testCases := []struct {
		name   string
		params map[string]interface{}
	}{
		{
			name: "Valid parameters",
			params: map[string]interface{}{
				"max_retries":       3,
				"base_delay_ms":     200,
				"breaker_threshold": 5,
			},
		},
		{
			name: "Minimum values",
			params: map[string]interface{}{
				"max_retries":       0,
				"base_delay_ms":     1,
				"breaker_threshold": 1,
			},
		},
		{
			name: "Maximum values",
			params: map[string]interface{}{
				"max_retries":       10,
				"base_delay_ms":     60000,
				"breaker_threshold": 100,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Validate(tc.params)
			if err != nil {
				t.Errorf("Expected valid parameters but got error: %v", err)
			}
		})
	}
}

func TestResilienceParameterValidator_Invalid(t *testing.T) {
	validator := &ResilienceParameterValidator{}

	testCases := []struct {
		name   string
		params map[string]interface{}
	}{
		{
			name: "Invalid max_retries (negative)",
			params: map[string]interface{}{
				"max_retries": -1,
			},
		},
		{
			name: "Invalid max_retries (too large)",
			params: map[string]interface{}{
				"max_retries": 50,
			},
		},
		{
			name: "Invalid base_delay_ms (zero)",
			params: map[string]interface{}{
				"base_delay_ms": 0,
			},
		},
		{
			name: "Invalid breaker_threshold (too large)",
			params: map[string]interface{}{
				"breaker_threshold": 200,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Validate(tc.params)
			if err == nil {
				t.Error("Expected validation error but got none")
			}
		})
	}
}

func TestRiskParameterValidator_Valid(t *testing.T) {
	validator := &RiskParameterValidator{}

	validParams := map[string]interface{}{
		"breakeven_ticks": 8,
		"trail_ticks":     4,
		"max_hold_sec":    3600,
	}

	err := validator.Validate(validParams)
	if err != nil {
		t.Errorf("Expected valid parameters but got error: %v", err)
	}
}

func TestRiskParameterValidator_Invalid(t *testing.T) {
	validator := &RiskParameterValidator{}

	testCases := []struct {
		name   string
		params map[string]interface{}
	}{
		{
			name: "Invalid breakeven_ticks (negative)",
			params: map[string]interface{}{
				"breakeven_ticks": -1,
			},
		},
		{
			name: "Invalid trail_ticks (too large)",
			params: map[string]interface{}{
				"trail_ticks": 5000,
			},
		},
		{
			name: "Invalid max_hold_sec (negative)",
			params: map[string]interface{}{
				"max_hold_sec": -60,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validator.Validate(tc.params)
			if err == nil {
				t.Error("Expected validation error but got none")
			}
		})
	}
}

func TestAlertParameterValidator_Valid(t *testing.T) {
	validator := &AlertParameterValidator{}

	validParams := map[string]interface{}{
		"throttle_interval": "5m",
	}

	err := validator.Validate(validParams)
	if err != nil {
		t.Errorf("Expected valid parameters but got error: %v", err)
	}
}

func TestAlertParameterValidator_Invalid(t *testing.T) {
	validator := &AlertParameterValidator{}

	invalidParams := map[string]interface{}{
		"throttle_interval": "invalid",
	}

	err := validator.Validate(invalidParams)
	if err == nil {
		t.Error("Expected validation error but got none")
	}
}

func TestHotReloader_GetLastReloadTime(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	os.WriteFile(configPath, []byte("test: value"), 0644)

	cfg := DefaultHotReloadConfig()
	reloader, _ := NewHotReloader(configPath, cfg)
	defer reloader.Stop()

	// 初始时间应该是零值
	lastTime := reloader.GetLastReloadTime()
	if !lastTime.IsZero() {
		t.Error("Expected zero time for last reload")
	}
}
