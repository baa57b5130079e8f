// Package paygate assembles every PayGate collaborator into a single App,
// for embedding or for cmd/paygate to drive directly. Wiring follows the
// teacher's pkg/cedros App: an Option-configured constructor that defaults
// every dependency, registers the ones that own background goroutines or
// file handles with a lifecycle.Manager, and exposes a router/handler for
// serving.
package paygate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/circuitbreaker"
	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/httpserver"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/lifecycle"
	"github.com/paygate/gateway/internal/logger"
	"github.com/paygate/gateway/internal/metrics"
	"github.com/paygate/gateway/internal/oauth"
	"github.com/paygate/gateway/internal/plugin"
	"github.com/paygate/gateway/internal/proxy"
	"github.com/paygate/gateway/internal/quota"
	"github.com/paygate/gateway/internal/ratelimit"
	"github.com/paygate/gateway/internal/redissync"
	"github.com/paygate/gateway/internal/scopedtoken"
	"github.com/paygate/gateway/internal/session"
	"github.com/paygate/gateway/internal/usage"
	"github.com/paygate/gateway/internal/webhook"
)

// App wires every PayGate collaborator for reuse or standalone serving.
type App struct {
	Config       *config.Config
	KeyStore     *keystore.Store
	Gate         *gate.Gate
	Sessions     *session.Manager
	ScopedTokens *scopedtoken.Manager
	OAuth        *oauth.Provider
	Backend      proxy.Proxy
	RedisSync    *redissync.Sync
	Audit        *audit.Log
	Usage        *usage.Meter
	Server       *httpserver.Server

	metricsCollector *metrics.Metrics
	resourceManager  *lifecycle.Manager
	logger           zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	backend  proxy.Proxy
	plugins  []plugin.Plugin
	logger   *zerolog.Logger
}

// WithBackend overrides the proxy backend PayGate forwards tool calls to,
// in place of the one built from config.Proxy.Backends.
func WithBackend(backend proxy.Proxy) Option {
	return func(o *options) { o.backend = backend }
}

// WithPlugins registers plugin hooks run around every tool call (spec §6.6).
func WithPlugins(plugins ...plugin.Plugin) Option {
	return func(o *options) { o.plugins = plugins }
}

// WithLogger overrides the structured logger built from config.Logging.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// NewApp assembles a complete PayGate instance from cfg.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("paygate: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := zerolog.Nop()
	if optState.logger != nil {
		appLogger = *optState.logger
	} else {
		appLogger = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "paygate",
			Environment: cfg.Logging.Environment,
		})
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
		logger:          appLogger,
	}

	app.metricsCollector = metrics.New(prometheus.DefaultRegisterer, cfg.Metrics.Namespace, time.Now())

	redisSync, err := redissync.New(cfg.Redis, appLogger)
	if err != nil {
		return nil, fmt.Errorf("paygate: init redis sync: %w", err)
	}
	app.RedisSync = redisSync
	if redisSync != nil {
		app.resourceManager.RegisterFunc("redis-sync", func() error { return redisSync.Stop() })
	}

	keystoreOpts := []keystore.Option{keystore.WithLogger(appLogger)}
	if cfg.KeyStore.SnapshotPath != "" {
		snap, err := keystore.NewFileSnapshotter(cfg.KeyStore.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("paygate: init keystore snapshot: %w", err)
		}
		keystoreOpts = append(keystoreOpts, keystore.WithSnapshot(snap))
	}
	if redisSync != nil {
		keystoreOpts = append(keystoreOpts, keystore.WithMirror(redisSync))
	}
	store, err := keystore.New(cfg.KeyStore.FlushInterval.Duration, keystoreOpts...)
	if err != nil {
		return nil, fmt.Errorf("paygate: init keystore: %w", err)
	}
	app.KeyStore = store
	app.resourceManager.Register("keystore", store)

	adminKey, minted := bootstrapAdminKey(store, cfg.KeyStore.AdminBootstrap)
	if minted {
		appLogger.Warn().Str("admin_api_key", adminKey).
			Msg("paygate: minted a bootstrap admin API key; store it now, it will not be shown again")
	}

	if redisSync != nil {
		redisSync.Start(context.Background(), func(ctx context.Context, key string, eventType redissync.EventType) {
			switch eventType {
			case redissync.EventKeyUpdated:
				store.TouchLastUsed(key)
			default:
				appLogger.Debug().Str("key", logger.TruncateAddress(key)).Str("event", string(eventType)).
					Msg("paygate: observed redis invalidation event")
			}
		})
	}

	limiter := ratelimit.NewLimiter()

	quotaTracker := quota.New(cfg.Quota)

	plugins := plugin.New(appLogger, optState.plugins...)

	scopedTokenSecret := cfg.ScopedToken.Secret
	if scopedTokenSecret == "" {
		scopedTokenSecret = randomSecret()
		appLogger.Warn().Msg("paygate: scoped_token.secret not set, generated a random one; tokens will not validate across restarts")
	}
	scopedTokens := scopedtoken.New(scopedTokenSecret)
	app.ScopedTokens = scopedTokens

	var oauthProvider *oauth.Provider
	if cfg.OAuth.Enabled {
		oauthProvider, err = oauth.New(oauth.Config{
			Issuer:          cfg.OAuth.Issuer,
			AccessTokenTTL:  cfg.OAuth.AccessTokenTTL.Duration,
			RefreshTokenTTL: cfg.OAuth.RefreshTokenTTL.Duration,
			AuthCodeTTL:     cfg.OAuth.AuthCodeTTL.Duration,
			AllowPlainPKCE:  cfg.OAuth.AllowPlainPKCE,
			SnapshotPath:    cfg.OAuth.ClientsSnapshotPath,
			SigningSecret:   cfg.OAuth.SigningSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("paygate: init oauth provider: %w", err)
		}
	}
	app.OAuth = oauthProvider

	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, appLogger)

	var backend proxy.Proxy
	if optState.backend != nil {
		backend = optState.backend
	} else {
		backend, err = buildBackend(cfg.Proxy, breaker, appLogger)
		if err != nil {
			return nil, fmt.Errorf("paygate: init proxy backends: %w", err)
		}
	}
	app.Backend = backend
	app.resourceManager.RegisterFunc("proxy-backends", func() error {
		return backend.Stop(context.Background())
	})

	var dlqStore webhook.DLQStore
	if cfg.Webhook.DLQEnabled {
		fileStore, err := webhook.NewFileDLQStore(cfg.Webhook.DLQPath)
		if err != nil {
			return nil, fmt.Errorf("paygate: init webhook dlq: %w", err)
		}
		dlqStore = fileStore
		app.resourceManager.Register("webhook-dlq", fileStore)
	}
	webhookOpts := []webhook.EmitterOption{
		webhook.WithLogger(appLogger),
		webhook.WithMetrics(app.metricsCollector),
	}
	if dlqStore != nil {
		webhookOpts = append(webhookOpts, webhook.WithDLQStore(dlqStore))
	}
	emitter := webhook.NewEmitter(cfg.Webhook, webhookOpts...)

	auditLog := audit.New()
	app.Audit = auditLog

	usageMeter := usage.New()
	app.Usage = usageMeter

	g := gate.New(store, limiter, quotaTracker, plugins, backend, cfg.Pricing, cfg.Gate, cfg.RateLimit,
		gate.WithAudit(auditLog),
		gate.WithUsage(usageMeter),
		gate.WithMetrics(app.metricsCollector),
		gate.WithWebhook(emitter),
		gate.WithRedisSync(redisSync),
		gate.WithLogger(appLogger),
	)
	app.Gate = g

	sessions := session.New(session.Config{
		IdleTimeout:              cfg.Session.IdleTimeout.Duration,
		KeepAliveInterval:        cfg.Session.KeepAliveInterval.Duration,
		SweepInterval:            cfg.Session.SweepInterval.Duration,
		MaxSessions:              cfg.Session.MaxSessions,
		MaxConnectionsPerSession: cfg.Session.MaxConnectionsPerSession,
	}, session.WithLogger(appLogger))
	app.Sessions = sessions
	app.resourceManager.Register("sessions", sessions)

	srv, err := httpserver.New(cfg, g, store, limiter, sessions, scopedTokens, oauthProvider, backend, redisSync, app.metricsCollector, auditLog, appLogger)
	if err != nil {
		return nil, fmt.Errorf("paygate: init http server: %w", err)
	}
	app.Server = srv

	return app, nil
}

// Start brings up every collaborator with its own background lifecycle
// (currently just the proxy backend(s); the session sweeper and Redis
// subscriber are already running by the time NewApp returns).
func (a *App) Start(ctx context.Context) error {
	return a.Backend.Start(ctx)
}

// Handler exposes the configured router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Shutdown drains the HTTP server (stopping new /mcp requests) and then
// releases every registered resource in LIFO order (spec §5).
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Server.Shutdown(ctx); err != nil {
		return err
	}
	return a.resourceManager.Close()
}

// buildBackend constructs the proxy topology described by cfg: a single
// Proxy directly when there is exactly one backend (every call is forwarded
// to it unconditionally), or a tool-routing proxy.Multi when there is more
// than one (spec §4.8: "first-registered-wins on a tool name collision").
// Zero configured backends still returns a valid, inert Multi so the server
// can start; every tools/call then fails with "no backend registered".
func buildBackend(cfg config.ProxyConfig, breaker *circuitbreaker.Manager, log zerolog.Logger) (proxy.Proxy, error) {
	if len(cfg.Backends) == 0 {
		return proxy.NewMulti(log), nil
	}

	backends := make([]proxy.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		p, err := buildOneBackend(b, breaker, log)
		if err != nil {
			return nil, err
		}
		backends = append(backends, proxy.Backend{ID: b.ID, Proxy: p, Tools: b.Tools})
	}

	if len(backends) == 1 {
		return backends[0].Proxy, nil
	}
	return proxy.NewMulti(log, backends...), nil
}

func buildOneBackend(b config.BackendConfig, breaker *circuitbreaker.Manager, log zerolog.Logger) (proxy.Proxy, error) {
	switch b.Type {
	case "stdio":
		return proxy.NewStdio(proxy.StdioConfig{
			Command: b.Command,
			Args:    b.Args,
			Env:     b.Env,
		}, log), nil
	case "http", "multi":
		return proxy.NewHTTP(proxy.HTTPConfig{
			BackendID: b.ID,
			BaseURL:   b.URL,
			Headers:   b.Headers,
			Timeout:   b.Timeout.Duration,
		}, breaker), nil
	default:
		return nil, fmt.Errorf("paygate: backend %q: unsupported type %q", b.ID, b.Type)
	}
}

// bootstrapAdminKey mints a fresh admin API key with unlimited credits on
// first boot when enabled and the store is empty, so an operator never
// needs to hand-edit the snapshot file to get started (spec §7 bootstrap).
func bootstrapAdminKey(store *keystore.Store, enabled bool) (string, bool) {
	if !enabled || store.Len() > 0 {
		return "", false
	}
	key := "pg_admin_" + randomSecret()[:32]
	if err := store.Create(&keystore.Record{
		Key:     key,
		Active:  true,
		Credits: math.MaxInt64,
		Tags:    []string{"admin", "bootstrap"},
	}); err != nil {
		return "", false
	}
	_ = store.SetSpendingLimit(key, 0)
	return key, true
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
