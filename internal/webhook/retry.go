package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/httputil"
	"github.com/paygate/gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Timeout         time.Duration
}

// DefaultRetryConfig returns sensible defaults for webhook retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

func retryConfigFrom(cfg config.RetryConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.InitialInterval.Duration
	}
	if cfg.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.MaxInterval.Duration
	}
	if cfg.Multiplier > 0 {
		rc.Multiplier = cfg.Multiplier
	}
	return rc
}

// DLQStore persists events whose delivery exhausted all retries, for
// admin-driven manual replay (spec GLOSSARY "dead letter").
type DLQStore interface {
	SaveFailedWebhook(ctx context.Context, webhook FailedWebhook) error
	ListFailedWebhooks(ctx context.Context, limit int) ([]FailedWebhook, error)
	DeleteFailedWebhook(ctx context.Context, id string) error
}

// FailedWebhook is an event that exhausted its retry budget.
type FailedWebhook struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload"`
	EventType   string          `json:"eventType"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError"`
	LastAttempt time.Time       `json:"lastAttempt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// RetryableEmitter posts webhook events over HTTP with exponential backoff,
// falling back to a dead-letter queue when retries are exhausted. Grounded
// on the teacher's callback-retry idiom (exponential backoff loop, per-event
// DLQ record, metrics hook), generalized from payment/refund-specific
// payloads to PayGate's generic {type, actor, message, metadata} envelope.
type RetryableEmitter struct {
	cfg        config.WebhookConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore
	metrics    *metrics.Metrics
}

// EmitterOption customizes RetryableEmitter construction.
type EmitterOption func(*RetryableEmitter)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) EmitterOption {
	return func(e *RetryableEmitter) { e.logger = logger }
}

// WithDLQStore enables a dead-letter queue for exhausted deliveries.
func WithDLQStore(store DLQStore) EmitterOption {
	return func(e *RetryableEmitter) { e.dlqStore = store }
}

// WithMetrics attaches a metrics collector for delivery observability.
func WithMetrics(m *metrics.Metrics) EmitterOption {
	return func(e *RetryableEmitter) { e.metrics = m }
}

// NewEmitter constructs a webhook emitter from application config. Returns
// NoopEmitter if no URL is configured.
func NewEmitter(cfg config.WebhookConfig, opts ...EmitterOption) Emitter {
	if !cfg.Enabled || cfg.URL == "" {
		return NoopEmitter{}
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	e := &RetryableEmitter{
		cfg:        cfg,
		retryCfg:   retryConfigFrom(cfg.Retry),
		httpClient: httputil.NewClient(timeout),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit serializes and dispatches an event asynchronously; the caller never
// blocks on network I/O (spec §6.7).
func (e *RetryableEmitter) Emit(eventType, actor, message string, metadata map[string]string) {
	if e == nil || e.cfg.URL == "" {
		return
	}
	event := newEvent(eventType, actor, message, metadata)

	go func() {
		payload, err := json.Marshal(event)
		if err != nil {
			e.logger.Error().Err(err).Str("event_type", eventType).Msg("webhook.marshal_failed")
			return
		}

		if err := e.sendWithRetry(context.Background(), payload, eventType); err != nil {
			e.logger.Error().
				Err(err).
				Str("event_id", event.ID).
				Str("event_type", eventType).
				Msg("webhook.delivery_failed_after_retries")
			if e.dlqStore != nil {
				e.saveToDLQ(context.Background(), payload, eventType, err)
			}
		}
	}()
}

func (e *RetryableEmitter) sendWithRetry(ctx context.Context, payload []byte, eventType string) error {
	var lastErr error
	interval := e.retryCfg.InitialInterval
	start := time.Now()

	if !e.cfg.Retry.Enabled {
		reqCtx, cancel := context.WithTimeout(ctx, e.retryCfg.Timeout)
		err := e.sendHTTP(reqCtx, payload)
		cancel()
		if e.metrics != nil {
			status := "success"
			if err != nil {
				status = "failed"
			}
			e.metrics.ObserveWebhook(eventType, status, time.Since(start), 1, false)
		}
		return err
	}

	for attempt := 1; attempt <= e.retryCfg.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, e.retryCfg.Timeout)
		err := e.sendHTTP(reqCtx, payload)
		cancel()

		if err == nil {
			if e.metrics != nil {
				e.metrics.ObserveWebhook(eventType, "success", time.Since(start), attempt, false)
			}
			return nil
		}

		lastErr = err
		e.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", e.retryCfg.MaxAttempts).
			Str("event_type", eventType).
			Msg("webhook.attempt_failed")

		if attempt < e.retryCfg.MaxAttempts {
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * e.retryCfg.Multiplier)
			if interval > e.retryCfg.MaxInterval {
				interval = e.retryCfg.MaxInterval
			}
		}
	}

	if e.metrics != nil {
		e.metrics.ObserveWebhook(eventType, "failed", time.Since(start), e.retryCfg.MaxAttempts, false)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", e.retryCfg.MaxAttempts, lastErr)
}

func (e *RetryableEmitter) sendHTTP(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := e.cfg.Headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range e.cfg.Headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, e.cfg.URL)
	}
	return nil
}

func (e *RetryableEmitter) saveToDLQ(ctx context.Context, payload []byte, eventType string, lastErr error) {
	fw := FailedWebhook{
		ID:          generateEventID(),
		URL:         e.cfg.URL,
		Payload:     json.RawMessage(payload),
		EventType:   eventType,
		Attempts:    e.retryCfg.MaxAttempts,
		LastError:   lastErr.Error(),
		LastAttempt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := e.dlqStore.SaveFailedWebhook(ctx, fw); err != nil {
		e.logger.Error().Err(err).Str("id", fw.ID).Msg("webhook.dlq_save_failed")
		return
	}
	if e.metrics != nil {
		totalDuration := time.Duration(fw.Attempts) * e.retryCfg.InitialInterval
		e.metrics.ObserveWebhook(eventType, "dlq", totalDuration, fw.Attempts, true)
	}
	e.logger.Info().Str("id", fw.ID).Str("event_type", eventType).Int("attempts", fw.Attempts).Msg("webhook.saved_to_dlq")
}
