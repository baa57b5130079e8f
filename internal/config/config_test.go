package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.RateLimit.GlobalLimit != 1000 {
		t.Errorf("expected default global rate limit 1000, got %d", cfg.RateLimit.GlobalLimit)
	}
	if cfg.Session.IdleTimeout.Duration != 10*time.Minute {
		t.Errorf("expected default session idle timeout 10m, got %v", cfg.Session.IdleTimeout.Duration)
	}
}

func TestLoadConfig_InvalidProxyBackend(t *testing.T) {
	tests := []struct {
		name    string
		backend BackendConfig
		wantErr string
	}{
		{
			name:    "missing id",
			backend: BackendConfig{Type: "http", URL: "http://localhost:9000"},
			wantErr: "must each define an id",
		},
		{
			name:    "stdio missing command",
			backend: BackendConfig{ID: "echo", Type: "stdio"},
			wantErr: "requires a command",
		},
		{
			name:    "http missing url",
			backend: BackendConfig{ID: "echo", Type: "http"},
			wantErr: "requires a url",
		},
		{
			name:    "unknown type",
			backend: BackendConfig{ID: "echo", Type: "carrier-pigeon"},
			wantErr: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			defer clearEnv()

			cfg := defaultConfig()
			cfg.Proxy.Backends = []BackendConfig{tt.backend}
			cfg.applyEnvOverrides()
			err := cfg.finalize()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadConfig_RedisRequiresURLWhenEnabled(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg := defaultConfig()
	cfg.Redis.Enabled = true
	cfg.applyEnvOverrides()

	err := cfg.finalize()
	if err == nil {
		t.Fatal("expected error when redis enabled without url")
	}
	if !contains(err.Error(), "redis.url is required") {
		t.Errorf("expected error about redis.url, got: %v", err)
	}
}

func TestLoadConfig_OAuthRequiresAbsoluteIssuer(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg := defaultConfig()
	cfg.OAuth.Enabled = true
	cfg.OAuth.Issuer = "not-a-url"
	cfg.applyEnvOverrides()

	err := cfg.finalize()
	if err == nil {
		t.Fatal("expected error for non-absolute oauth issuer")
	}
	if !contains(err.Error(), "must be an absolute URL") {
		t.Errorf("expected error about absolute URL, got: %v", err)
	}
}

func TestLoadConfig_ScopedTokenSecretMinLength(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg := defaultConfig()
	cfg.ScopedToken.Secret = "too-short"
	cfg.applyEnvOverrides()

	err := cfg.finalize()
	if err == nil {
		t.Fatal("expected error for short scoped token secret")
	}
	if !contains(err.Error(), "entropy") {
		t.Errorf("expected error about entropy, got: %v", err)
	}
}

func TestLoadConfig_NegativeLimitsRejected(t *testing.T) {
	clearEnv()
	defer clearEnv()

	cfg := defaultConfig()
	cfg.RateLimit.GlobalLimit = -1
	cfg.applyEnvOverrides()

	err := cfg.finalize()
	if err == nil {
		t.Fatal("expected error for negative rate limit")
	}
	if !contains(err.Error(), "non-negative") {
		t.Errorf("expected error about non-negative limit, got: %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_SERVER_ADDRESS", ":9090")
	os.Setenv("PAYGATE_LOG_LEVEL", "debug")
	os.Setenv("PAYGATE_RATE_LIMIT_GLOBAL_LIMIT", "42")
	os.Setenv("PAYGATE_REDIS_ENABLED", "true")
	os.Setenv("PAYGATE_REDIS_URL", "redis://localhost:6379/0")
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("expected overridden address :9090, got %s", cfg.Server.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected overridden log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.RateLimit.GlobalLimit != 42 {
		t.Errorf("expected overridden global limit 42, got %d", cfg.RateLimit.GlobalLimit)
	}
	if !cfg.Redis.Enabled || cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("expected redis override applied, got %+v", cfg.Redis)
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api/  ", "/api"},
		{"paygate", "/paygate"},
		{"/v1/paygate", "/v1/paygate"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeRoutePrefix(tt.input)
			if got != tt.want {
				t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Test helpers

func clearEnv() {
	envVars := []string{
		"PAYGATE_SERVER_ADDRESS", "PAYGATE_ROUTE_PREFIX", "PAYGATE_ADMIN_METRICS_API_KEY",
		"PAYGATE_LOG_LEVEL", "PAYGATE_LOG_FORMAT", "PAYGATE_ENVIRONMENT",
		"PAYGATE_SHADOW_MODE",
		"PAYGATE_KEYSTORE_SNAPSHOT_PATH", "PAYGATE_KEYSTORE_FLUSH_INTERVAL",
		"PAYGATE_RATE_LIMIT_GLOBAL_ENABLED", "PAYGATE_RATE_LIMIT_GLOBAL_LIMIT", "PAYGATE_RATE_LIMIT_GLOBAL_WINDOW",
		"PAYGATE_RATE_LIMIT_PER_IP_ENABLED", "PAYGATE_RATE_LIMIT_PER_IP_LIMIT", "PAYGATE_RATE_LIMIT_PER_IP_WINDOW",
		"PAYGATE_SCOPED_TOKEN_SECRET", "PAYGATE_SCOPED_TOKEN_DEFAULT_TTL",
		"PAYGATE_OAUTH_ENABLED", "PAYGATE_OAUTH_ISSUER",
		"PAYGATE_REDIS_ENABLED", "PAYGATE_REDIS_URL", "PAYGATE_REDIS_PUBSUB_CHANNEL",
		"PAYGATE_WEBHOOK_URL", "PAYGATE_WEBHOOK_ENABLED", "PAYGATE_WEBHOOK_TIMEOUT",
		"PAYGATE_WEBHOOK_DLQ_ENABLED", "PAYGATE_WEBHOOK_DLQ_PATH",
		"PAYGATE_METRICS_ENABLED", "PAYGATE_METRICS_NAMESPACE",
	}
	for _, key := range envVars {
		os.Unsetenv(key)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > len(substr) && containsAny(s, substr))
}

func containsAny(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
