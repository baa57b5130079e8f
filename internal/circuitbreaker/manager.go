package circuitbreaker

import (
	"sync"
	"time"

	"github.com/paygate/gateway/internal/config"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// WebhookService is the fixed breaker key for outbound webhook delivery;
// every proxied backend additionally gets a breaker keyed by its backend id.
const WebhookService = "webhook"

// Manager manages circuit breakers per proxied backend (plus webhook
// delivery), giving each its own bulkhead so one misbehaving backend can't
// trip calls routed to another.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   Config
	log      zerolog.Logger
}

// Config holds circuit breaker configuration for all proxied services.
type Config struct {
	Enabled    bool
	Default    BreakerConfig
	PerService map[string]BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, log zerolog.Logger) *Manager {
	perService := make(map[string]BreakerConfig, len(cfg.PerBackend)+1)
	for id, svc := range cfg.PerBackend {
		perService[id] = toBreakerConfig(svc)
	}
	perService[WebhookService] = toBreakerConfig(cfg.Webhook)

	return NewManager(Config{
		Enabled:    cfg.Enabled,
		Default:    toBreakerConfig(cfg.Default),
		PerService: perService,
	}, log)
}

func toBreakerConfig(svc config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         svc.MaxRequests,
		Interval:            svc.Interval.Duration,
		Timeout:             svc.Timeout.Duration,
		ConsecutiveFailures: svc.ConsecutiveFailures,
		FailureRatio:        svc.FailureRatio,
		MinRequests:         svc.MinRequests,
	}
}

// NewManager creates a circuit breaker manager with the given configuration.
// Breakers are created lazily per service on first use.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
		log:      log,
	}
}

// Execute wraps a function call with circuit breaker protection for the
// named service (a proxy backend id, or WebhookService). If circuit
// breaking is disabled, executes directly.
func (m *Manager) Execute(service string, fn func() (interface{}, error)) (interface{}, error) {
	if !m.config.Enabled {
		return fn()
	}
	return m.breakerFor(service).Execute(fn)
}

func (m *Manager) breakerFor(service string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[service]; ok {
		return b
	}

	cfg, ok := m.config.PerService[service]
	if !ok {
		cfg = m.config.Default
	}
	b := gobreaker.NewCircuitBreaker(m.toGobreakerSettings(service, cfg))
	m.breakers[service] = b
	return b
}

// State returns the current state of a service's circuit breaker.
// Returns "disabled" if circuit breakers are not enabled.
func (m *Manager) State(service string) string {
	if !m.config.Enabled {
		return "disabled"
	}
	return m.breakerFor(service).State().String()
}

// Counts returns the current counts for a service's circuit breaker.
func (m *Manager) Counts(service string) Counts {
	if !m.config.Enabled {
		return Counts{}
	}
	c := m.breakerFor(service).Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// toGobreakerSettings converts our config to gobreaker.Settings.
func (m *Manager) toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	log := m.log
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
				if counts.Requests >= cfg.MinRequests {
					failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
					if failureRate >= cfg.FailureRatio {
						return true
					}
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
}

// DefaultConfig returns sensible defaults for circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Default: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		PerService: map[string]BreakerConfig{
			WebhookService: {
				MaxRequests:         5,
				Interval:            60 * time.Second,
				Timeout:             60 * time.Second,
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}
