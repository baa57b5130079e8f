package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PayGate.
type Metrics struct {
	// Gate decision metrics (spec §6.4)
	ToolCallsTotal        *prometheus.CounterVec
	CreditsChargedTotal   *prometheus.CounterVec
	CreditsRefundedTotal  *prometheus.CounterVec
	DenialsTotal          *prometheus.CounterVec
	RefundsTotal          *prometheus.CounterVec
	RateLimitHitsTotal  *prometheus.CounterVec
	GateDecisionDuration *prometheus.HistogramVec

	// HTTP front-door metrics
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Proxy/backend metrics
	ProxyCallsTotal   *prometheus.CounterVec
	ProxyCallDuration *prometheus.HistogramVec
	ProxyErrorsTotal  *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Gauges
	UptimeSeconds        prometheus.GaugeFunc
	ActiveKeysTotal      prometheus.Gauge
	ActiveSessionsTotal  prometheus.Gauge
	TotalCreditsAvailable prometheus.Gauge
	RedisHealthy         prometheus.Gauge
}

// New creates and registers all Prometheus metrics under the given namespace.
func New(registry prometheus.Registerer, namespace string, startedAt time.Time) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "paygate"
	}

	factory := promauto.With(registry)
	name := func(s string) string { return namespace + "_" + s }

	return &Metrics{
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("tool_calls_total"),
				Help: "Total number of tool calls processed by the gate",
			},
			[]string{"tool", "status"},
		),
		CreditsChargedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("credits_charged_total"),
				Help: "Total credits charged to API keys, by tool",
			},
			[]string{"tool"},
		),
		DenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("denials_total"),
				Help: "Total number of admission-pipeline denials by reason",
			},
			[]string{"reason"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("refunds_total"),
				Help: "Total number of credit refunds issued after a failed forward, by tool",
			},
			[]string{"tool"},
		),
		CreditsRefundedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("credits_refunded_total"),
				Help: "Total credits refunded to API keys after a failed forward, by tool",
			},
			[]string{"tool"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("rate_limit_hits_total"),
				Help: "Total number of rate-limit rejections by tool",
			},
			[]string{"tool"},
		),
		GateDecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name("gate_decision_duration_seconds"),
				Help:    "Time taken to run the admission pipeline",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"tool"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("http_requests_total"),
				Help: "Total HTTP requests handled by the front door",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name("http_request_duration_seconds"),
				Help:    "HTTP request duration",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		ProxyCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("proxy_calls_total"),
				Help: "Total number of calls forwarded to backend MCP servers",
			},
			[]string{"backend", "status"},
		),
		ProxyCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name("proxy_call_duration_seconds"),
				Help:    "Duration of calls forwarded to backend MCP servers",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"backend"},
		),
		ProxyErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("proxy_errors_total"),
				Help: "Total number of proxy forward errors by backend and kind",
			},
			[]string{"backend", "error_type"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("webhooks_total"),
				Help: "Total number of webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("webhook_retries_total"),
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: name("webhook_dlq_total"),
				Help: "Total number of webhooks sent to the dead letter queue",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name("webhook_duration_seconds"),
				Help:    "Time taken for webhook delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		UptimeSeconds: factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: name("uptime_seconds"),
				Help: "Seconds since the process started",
			},
			func() float64 { return time.Since(startedAt).Seconds() },
		),
		ActiveKeysTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: name("active_keys_total"),
				Help: "Number of active (non-suspended, non-expired) API keys",
			},
		),
		ActiveSessionsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: name("active_sessions_total"),
				Help: "Number of open MCP streamable-HTTP sessions",
			},
		),
		TotalCreditsAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: name("total_credits_available"),
				Help: "Sum of credit balances across all API keys",
			},
		),
		RedisHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: name("redis_healthy"),
				Help: "1 if the Redis mirror is reachable, 0 otherwise",
			},
		),
	}
}

// ObserveToolCall records a completed gate decision and forward outcome.
func (m *Metrics) ObserveToolCall(tool, status string, duration time.Duration) {
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.GateDecisionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveCharge records a successful credit deduction.
func (m *Metrics) ObserveCharge(tool string, credits int64) {
	m.CreditsChargedTotal.WithLabelValues(tool).Add(float64(credits))
}

// ObserveRefund records a credit refund issued after a failed forward.
func (m *Metrics) ObserveRefund(tool string, credits int64) {
	m.RefundsTotal.WithLabelValues(tool).Inc()
	m.CreditsRefundedTotal.WithLabelValues(tool).Add(float64(credits))
}

// ObserveDenial records an admission-pipeline denial.
func (m *Metrics) ObserveDenial(reason string) {
	m.DenialsTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimit records a rate limit hit for a tool.
func (m *Metrics) ObserveRateLimit(tool string) {
	m.RateLimitHitsTotal.WithLabelValues(tool).Inc()
}

// ObserveHTTPRequest records an HTTP request handled by the front door.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveProxyCall records a forward to a backend MCP server.
func (m *Metrics) ObserveProxyCall(backend, status string, duration time.Duration) {
	m.ProxyCallsTotal.WithLabelValues(backend, status).Inc()
	m.ProxyCallDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// ObserveProxyError records a proxy forward failure.
func (m *Metrics) ObserveProxyError(backend, errorType string) {
	m.ProxyErrorsTotal.WithLabelValues(backend, errorType).Inc()
}

// ObserveWebhook records webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
