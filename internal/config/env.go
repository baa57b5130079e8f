package config

import (
	"fmt"
	"net/textproto"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use PAYGATE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "PAYGATE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "PAYGATE_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "PAYGATE_ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}
	if v := os.Getenv("PAYGATE_TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = splitAndTrim(v)
	}

	// Load operator-configured response headers (PAYGATE_RESPONSE_HEADER_*).
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "PAYGATE_RESPONSE_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "PAYGATE_RESPONSE_HEADER_")
		if name == "" {
			continue
		}
		if c.Server.ExtraResponseHeaders == nil {
			c.Server.ExtraResponseHeaders = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Server.ExtraResponseHeaders[headerName] = parts[1]
	}

	setIfEnv(&c.Logging.Level, "PAYGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAYGATE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PAYGATE_ENVIRONMENT")

	setBoolIfEnv(&c.Gate.ShadowMode, "PAYGATE_SHADOW_MODE")

	setIfEnv(&c.KeyStore.SnapshotPath, "PAYGATE_KEYSTORE_SNAPSHOT_PATH")
	setDurationIfEnv(&c.KeyStore.FlushInterval, "PAYGATE_KEYSTORE_FLUSH_INTERVAL")

	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "PAYGATE_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "PAYGATE_RATE_LIMIT_GLOBAL_LIMIT")
	setDurationIfEnv(&c.RateLimit.GlobalWindow, "PAYGATE_RATE_LIMIT_GLOBAL_WINDOW")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "PAYGATE_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "PAYGATE_RATE_LIMIT_PER_IP_LIMIT")
	setDurationIfEnv(&c.RateLimit.PerIPWindow, "PAYGATE_RATE_LIMIT_PER_IP_WINDOW")

	setIfEnv(&c.ScopedToken.Secret, "PAYGATE_SCOPED_TOKEN_SECRET")
	setDurationIfEnv(&c.ScopedToken.DefaultTTL, "PAYGATE_SCOPED_TOKEN_DEFAULT_TTL")

	setBoolIfEnv(&c.OAuth.Enabled, "PAYGATE_OAUTH_ENABLED")
	setIfEnv(&c.OAuth.Issuer, "PAYGATE_OAUTH_ISSUER")

	setBoolIfEnv(&c.Redis.Enabled, "PAYGATE_REDIS_ENABLED")
	setIfEnv(&c.Redis.URL, "PAYGATE_REDIS_URL")
	setIfEnv(&c.Redis.PubSubChannel, "PAYGATE_REDIS_PUBSUB_CHANNEL")

	setIfEnv(&c.Webhook.URL, "PAYGATE_WEBHOOK_URL")
	setBoolIfEnv(&c.Webhook.Enabled, "PAYGATE_WEBHOOK_ENABLED")
	setDurationIfEnv(&c.Webhook.Timeout, "PAYGATE_WEBHOOK_TIMEOUT")
	setBoolIfEnv(&c.Webhook.DLQEnabled, "PAYGATE_WEBHOOK_DLQ_ENABLED")
	setIfEnv(&c.Webhook.DLQPath, "PAYGATE_WEBHOOK_DLQ_PATH")

	// Load webhook headers (PAYGATE_WEBHOOK_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "PAYGATE_WEBHOOK_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "PAYGATE_WEBHOOK_HEADER_")
		if name == "" {
			continue
		}
		if c.Webhook.Headers == nil {
			c.Webhook.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Webhook.Headers[headerName] = parts[1]
	}

	setBoolIfEnv(&c.Metrics.Enabled, "PAYGATE_METRICS_ENABLED")
	setIfEnv(&c.Metrics.Namespace, "PAYGATE_METRICS_NAMESPACE")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// splitAndTrim splits a comma-separated env value into trimmed, non-empty entries.
func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "paygate" -> "/paygate"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
