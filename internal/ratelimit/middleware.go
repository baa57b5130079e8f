package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/paygate/gateway/internal/metrics"
	"github.com/go-chi/httprate"
)

// Config holds the outer, IP-based front-door rate limiting configuration
// (spec §4.10's "global" and "per-IP" limiters wrapping /mcp). Per-key
// composite-window limiting (spec §4.2) is handled separately by Limiter
// in composite.go, since it runs inside the gate pipeline rather than as
// HTTP middleware.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// IsExempt, if set, bypasses both limiters for requests it returns true
	// for (e.g. an admin-tier API key already resolved upstream).
	IsExempt func(*http.Request) bool

	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns sensible default rate limits. These are generous
// limits designed to stop obvious spam while not restricting legitimate use.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// createRateLimitHandler creates a standardized rate limit handler function.
func createRateLimitHandler(
	limitType string,
	windowSeconds int,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

func withExemption(cfg Config, limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.IsExempt != nil && cfg.IsExempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	limiter := httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			createRateLimitHandler("global", int(cfg.GlobalWindow.Seconds()), cfg.Metrics),
		),
	)

	return withExemption(cfg, limiter)
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createRateLimitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), cfg.Metrics),
		),
	)

	return withExemption(cfg, limiter)
}
