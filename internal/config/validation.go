package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const minScopedTokenSecretLen = 32

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Webhook.Headers == nil {
		c.Webhook.Headers = make(map[string]string)
	}
	if c.Server.ExtraResponseHeaders == nil {
		c.Server.ExtraResponseHeaders = make(map[string]string)
	}
	if c.CircuitBreaker.PerBackend == nil {
		c.CircuitBreaker.PerBackend = make(map[string]BreakerServiceConfig)
	}
	if c.Redis.PubSubChannel == "" {
		c.Redis.PubSubChannel = "paygate:events"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.RateLimit.GlobalLimit < 0 {
		errs = append(errs, "rate_limit.global_limit must be non-negative")
	}
	if c.RateLimit.PerIPLimit < 0 {
		errs = append(errs, "rate_limit.per_ip_limit must be non-negative")
	}
	if c.RateLimit.DefaultKeyLimit < 0 {
		errs = append(errs, "rate_limit.default_key_limit must be non-negative")
	}
	if c.Quota.DefaultDailyLimit < 0 {
		errs = append(errs, "quota.default_daily_limit must be non-negative")
	}
	if c.Quota.DefaultMonthlyLimit < 0 {
		errs = append(errs, "quota.default_monthly_limit must be non-negative")
	}
	if c.Quota.DefaultDailyCredits < 0 {
		errs = append(errs, "quota.default_daily_credits must be non-negative")
	}
	if c.Quota.DefaultMonthlyCredits < 0 {
		errs = append(errs, "quota.default_monthly_credits must be non-negative")
	}

	for _, backend := range c.Proxy.Backends {
		if backend.ID == "" {
			errs = append(errs, "proxy backend entries must each define an id")
			continue
		}
		switch backend.Type {
		case "stdio":
			if backend.Command == "" {
				errs = append(errs, fmt.Sprintf("proxy backend %q: stdio backend requires a command", backend.ID))
			}
		case "http", "multi":
			if backend.URL == "" {
				errs = append(errs, fmt.Sprintf("proxy backend %q: %s backend requires a url", backend.ID, backend.Type))
				continue
			}
			if _, err := url.ParseRequestURI(backend.URL); err != nil {
				errs = append(errs, fmt.Sprintf("proxy backend %q: invalid url %q: %v", backend.ID, backend.URL, err))
			}
		case "":
			errs = append(errs, fmt.Sprintf("proxy backend %q: type is required (stdio, http, or multi)", backend.ID))
		default:
			errs = append(errs, fmt.Sprintf("proxy backend %q: unknown type %q", backend.ID, backend.Type))
		}
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, "redis.url is required when redis.enabled is true")
	}
	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			errs = append(errs, fmt.Sprintf("redis.url is invalid: %v", err))
		}
	}

	if c.OAuth.Enabled {
		if c.OAuth.Issuer == "" {
			errs = append(errs, "oauth.issuer is required when oauth.enabled is true")
		} else if u, err := url.Parse(c.OAuth.Issuer); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Sprintf("oauth.issuer must be an absolute URL, got %q", c.OAuth.Issuer))
		}
		if c.OAuth.SigningSecret != "" && len(c.OAuth.SigningSecret) < minScopedTokenSecretLen {
			errs = append(errs, fmt.Sprintf("oauth.signing_secret must be at least %d bytes of entropy", minScopedTokenSecretLen))
		}
	}

	if c.ScopedToken.Secret != "" && len(c.ScopedToken.Secret) < minScopedTokenSecretLen {
		errs = append(errs, fmt.Sprintf("scoped_token.secret must be at least %d bytes of entropy", minScopedTokenSecretLen))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
