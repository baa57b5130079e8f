package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
			MaxBodyBytes: 1 << 20,
			DrainTimeout: Duration{Duration: 30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
			Service:     "paygate",
		},
		Gate: GateConfig{
			ShadowMode:              false,
			DefaultSpendingLimitDay: 0,
			FreeMethods:             nil,
			RefundOnFailure:         true,
			ProxyTimeout:            Duration{Duration: 30 * time.Second},
		},
		Pricing: PricingConfig{
			DefaultBaseCredits:  1,
			DefaultPerKbCredits: 1,
		},
		KeyStore: KeyStoreConfig{
			SnapshotPath:   "./data/keystore.json",
			FlushInterval:  Duration{Duration: 5 * time.Second},
			AdminBootstrap: true,
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:    true,
			GlobalLimit:      1000,
			GlobalWindow:     Duration{Duration: 1 * time.Minute},
			PerIPEnabled:     true,
			PerIPLimit:       120,
			PerIPWindow:      Duration{Duration: 1 * time.Minute},
			DefaultKeyLimit:  60,
			DefaultKeyWindow: Duration{Duration: 1 * time.Minute},
		},
		Quota: QuotaConfig{
			DefaultDailyLimit:     0,
			DefaultMonthlyLimit:   0,
			DefaultDailyCredits:   0,
			DefaultMonthlyCredits: 0,
		},
		ScopedToken: ScopedTokenConfig{
			DefaultTTL: Duration{Duration: 15 * time.Minute},
			MaxTTL:     Duration{Duration: 24 * time.Hour},
		},
		OAuth: OAuthConfig{
			Enabled:         false,
			AccessTokenTTL:  Duration{Duration: 1 * time.Hour},
			RefreshTokenTTL: Duration{Duration: 30 * 24 * time.Hour},
			AuthCodeTTL:     Duration{Duration: 2 * time.Minute},
			ClientsSnapshotPath: "./data/oauth-clients.json",
			SigningSecret:   "",
		},
		Session: SessionConfig{
			IdleTimeout:              Duration{Duration: 10 * time.Minute},
			KeepAliveInterval:        Duration{Duration: 30 * time.Second},
			SweepInterval:            Duration{Duration: 60 * time.Second},
			MaxSessions:              10000,
			MaxConnectionsPerSession: 4,
		},
		Redis: RedisConfig{
			Enabled:       false,
			PubSubChannel: "paygate:events",
			DialTimeout:   Duration{Duration: 5 * time.Second},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Default: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			PerBackend: make(map[string]BreakerServiceConfig),
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
		Webhook: WebhookConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			DLQEnabled: false,
			DLQPath:    "./data/webhook-dlq.json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "paygate",
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
