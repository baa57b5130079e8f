package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Gate           GateConfig           `yaml:"gate"`
	Pricing        PricingConfig        `yaml:"pricing"`
	KeyStore       KeyStoreConfig       `yaml:"keystore"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Quota          QuotaConfig          `yaml:"quota"`
	ScopedToken    ScopedTokenConfig    `yaml:"scoped_token"`
	OAuth          OAuthConfig          `yaml:"oauth"`
	Session        SessionConfig        `yaml:"session"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Redis          RedisConfig          `yaml:"redis"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// ServerConfig holds HTTP front-door configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
	TrustedProxies     []string `yaml:"trusted_proxies"`
	DrainTimeout       Duration `yaml:"drain_timeout"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"`
	// ExtraResponseHeaders are stamped onto every response (spec §4.10:
	// "validates custom headers configured by the operator").
	ExtraResponseHeaders map[string]string `yaml:"extra_response_headers"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
	Service     string `yaml:"service"`
	Version     string `yaml:"version"`
}

// GateConfig holds admission-pipeline behavior flags (spec §4.7).
type GateConfig struct {
	ShadowMode              bool     `yaml:"shadow_mode"`
	DefaultSpendingLimitDay int64    `yaml:"default_spending_limit_day"`
	FreeMethods             []string `yaml:"free_methods"`
	RefundOnFailure         bool     `yaml:"refund_on_failure"`
	ProxyTimeout            Duration `yaml:"proxy_timeout"`
}

// ToolPricing overrides the default base price and per-KB rate for one tool.
type ToolPricing struct {
	BaseCredits  int64 `yaml:"base_credits"`
	PerKbCredits int64 `yaml:"per_kb_credits"`
}

// PricingConfig holds the default and per-tool pricing formula inputs (spec
// §4.7 step 11: creditsRequired = base + ceil(argumentBytes/1024) * perKbRate).
type PricingConfig struct {
	DefaultBaseCredits  int64                  `yaml:"default_base_credits"`
	DefaultPerKbCredits int64                  `yaml:"default_per_kb_credits"`
	PerTool             map[string]ToolPricing `yaml:"per_tool"`
}

// KeyStoreConfig holds API key store persistence configuration.
type KeyStoreConfig struct {
	SnapshotPath    string   `yaml:"snapshot_path"`
	FlushInterval   Duration `yaml:"flush_interval"`
	AdminBootstrap  bool     `yaml:"admin_bootstrap"`
}

// RateLimitConfig holds both the outer IP-based front-door limiter and the
// per-key composite-window limiter defaults.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	DefaultKeyLimit  int      `yaml:"default_key_limit"`
	DefaultKeyWindow Duration `yaml:"default_key_window"`
}

// QuotaConfig holds default quota-tracking windows and limits (spec §4.3).
// A zero limit on any dimension means "no limit" for that dimension.
type QuotaConfig struct {
	DefaultDailyLimit   int64 `yaml:"default_daily_limit"`
	DefaultMonthlyLimit int64 `yaml:"default_monthly_limit"`
	DefaultDailyCredits   int64 `yaml:"default_daily_credits"`
	DefaultMonthlyCredits int64 `yaml:"default_monthly_credits"`
}

// ScopedTokenConfig holds HMAC scoped-token signing configuration (spec §4.4).
type ScopedTokenConfig struct {
	Secret        string   `yaml:"secret"`
	DefaultTTL    Duration `yaml:"default_ttl"`
	MaxTTL        Duration `yaml:"max_ttl"`
}

// OAuthConfig holds OAuth 2.1 authorization server configuration (spec §4.5).
type OAuthConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Issuer            string   `yaml:"issuer"`
	AccessTokenTTL    Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   Duration `yaml:"refresh_token_ttl"`
	AuthCodeTTL       Duration `yaml:"auth_code_ttl"`
	AllowPlainPKCE    bool     `yaml:"allow_plain_pkce"`
	ClientsSnapshotPath string `yaml:"clients_snapshot_path"`
	SigningSecret     string `yaml:"signing_secret"`
}

// SessionConfig holds MCP streamable-HTTP session lifecycle configuration (spec §4.6).
type SessionConfig struct {
	IdleTimeout            Duration `yaml:"idle_timeout"`
	KeepAliveInterval      Duration `yaml:"keep_alive_interval"`
	SweepInterval          Duration `yaml:"sweep_interval"`
	MaxSessions            int      `yaml:"max_sessions"`
	MaxConnectionsPerSession int    `yaml:"max_connections_per_session"`
}

// ProxyConfig holds the set of backend MCP servers PayGate forwards tool calls to (spec §4.8).
type ProxyConfig struct {
	Backends []BackendConfig `yaml:"backends"`
}

// BackendConfig describes a single proxied MCP backend.
type BackendConfig struct {
	ID      string            `yaml:"id"`
	Type    string            `yaml:"type"` // "stdio", "http", or "multi"
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`
	Tools   []string          `yaml:"tools"` // tool names routed to this backend, for "multi" routing
}

// RedisConfig holds distributed-state-mirroring configuration (spec §4.9).
type RedisConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	PubSubChannel string   `yaml:"pubsub_channel"`
	DialTimeout   Duration `yaml:"dial_timeout"`
}

// CircuitBreakerConfig holds circuit breaker configuration for proxied backends and webhooks.
type CircuitBreakerConfig struct {
	Enabled    bool                            `yaml:"enabled"`
	Default    BreakerServiceConfig            `yaml:"default"`
	PerBackend map[string]BreakerServiceConfig `yaml:"per_backend"`
	Webhook    BreakerServiceConfig            `yaml:"webhook"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// WebhookConfig holds outbound side-effect webhook configuration (spec §6.7).
type WebhookConfig struct {
	Enabled      bool              `yaml:"enabled"`
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      Duration          `yaml:"timeout"`
	Retry        RetryConfig       `yaml:"retry"`
	DLQEnabled   bool              `yaml:"dlq_enabled"`
	DLQPath      string            `yaml:"dlq_path"`
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}
