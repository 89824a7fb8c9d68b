package config

// ValidateParams 额外验证非空/非零的关键参数。
func ValidateParams(cfg AppConfig) error {
	if cfg.Broker.APIKey == "" || cfg.Broker.APISecret == "" {
		return ErrInvalid("broker.apiKey/apiSecret is required")
	}
	if cfg.Broker.BaseURL == "" {
		return ErrInvalid("broker.baseURL is required")
	}
	if cfg.Broker.RateLimitPerSec < 0 {
		return ErrInvalid("broker.rateLimitPerSec must be >= 0")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		return ErrInvalid("metrics.listenAddr is required when metrics are enabled")
	}
	return nil
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
