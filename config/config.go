package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orderflow OrderflowConfig `yaml:"orderflow"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Orders    OrdersConfig    `yaml:"orders"`
	Deadman   DeadmanConfig   `yaml:"deadman"`
	Streams   StreamsConfig   `yaml:"streams"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type OrderflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	WSURL            string `yaml:"ws_url"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
	WriteTimeoutMs   int    `yaml:"write_timeout_ms"`
	TokenEnv         string `yaml:"token_env"`
}

type HeartbeatConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	TimeoutMs  int `yaml:"timeout_ms"`
}

type BackoffConfig struct {
	BaseMs            int `yaml:"base_ms"`
	RateLimitedBaseMs int `yaml:"rate_limited_base_ms"`
	MaxAttempts       int `yaml:"max_attempts"`
	MaxDelayMs        int `yaml:"max_delay_ms"`
	MinIntervalMs     int `yaml:"min_interval_ms"`
}

type OrdersConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type DeadmanConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

type StreamsConfig struct {
	Buffer int `yaml:"buffer"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override connection settings from environment variables if available
	if v := os.Getenv("EXCHANGE_WS_URL"); v != "" {
		config.Exchange.WSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Metrics.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// defaultConfig carries the protocol constants so a minimal file only needs
// orderflow.name/version and exchange.ws_url.
func defaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			ConnectTimeoutMs: 10000,
			WriteTimeoutMs:   5000,
			TokenEnv:         "EXCHANGE_WS_TOKEN",
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs: 30000,
			TimeoutMs:  5000,
		},
		Backoff: BackoffConfig{
			BaseMs:            30000,
			RateLimitedBaseMs: 60000,
			MaxAttempts:       5,
			MaxDelayMs:        300000,
			MinIntervalMs:     30000,
		},
		Orders: OrdersConfig{
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         5,
			},
		},
		Streams: StreamsConfig{
			Buffer: 256,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Orderflow.Name == "" {
		return fmt.Errorf("orderflow.name is required")
	}

	if cfg.Orderflow.Version == "" {
		return fmt.Errorf("orderflow.version is required")
	}

	if cfg.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if !strings.HasPrefix(cfg.Exchange.WSURL, "ws://") && !strings.HasPrefix(cfg.Exchange.WSURL, "wss://") {
		return fmt.Errorf("exchange.ws_url '%s' must be a ws:// or wss:// URL", cfg.Exchange.WSURL)
	}
	if cfg.Exchange.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("exchange.connect_timeout_ms must be greater than 0")
	}
	if cfg.Exchange.WriteTimeoutMs <= 0 {
		return fmt.Errorf("exchange.write_timeout_ms must be greater than 0")
	}

	if cfg.Heartbeat.IntervalMs <= 0 {
		return fmt.Errorf("heartbeat.interval_ms must be greater than 0")
	}
	if cfg.Heartbeat.TimeoutMs <= 0 || cfg.Heartbeat.TimeoutMs >= cfg.Heartbeat.IntervalMs {
		return fmt.Errorf("heartbeat.timeout_ms must be greater than 0 and less than heartbeat.interval_ms")
	}

	if cfg.Backoff.BaseMs <= 0 {
		return fmt.Errorf("backoff.base_ms must be greater than 0")
	}
	if cfg.Backoff.RateLimitedBaseMs < cfg.Backoff.BaseMs {
		return fmt.Errorf("backoff.rate_limited_base_ms must not be less than backoff.base_ms")
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("backoff.max_attempts must be greater than 0")
	}
	if cfg.Backoff.MaxDelayMs < cfg.Backoff.RateLimitedBaseMs {
		return fmt.Errorf("backoff.max_delay_ms must not be less than backoff.rate_limited_base_ms")
	}
	if cfg.Backoff.MinIntervalMs <= 0 {
		return fmt.Errorf("backoff.min_interval_ms must be greater than 0")
	}

	if cfg.Orders.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("orders.rate_limit.requests_per_second must not be negative")
	}

	if cfg.Deadman.Enabled && cfg.Deadman.TimeoutSeconds <= 0 {
		return fmt.Errorf("deadman.timeout_seconds must be greater than 0 when the dead man's switch is enabled")
	}

	if cfg.Streams.Buffer <= 0 {
		return fmt.Errorf("streams.buffer must be greater than 0")
	}

	return nil
}
