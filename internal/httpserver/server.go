// Package httpserver is the HTTP front door (spec §4.10): request-id
// stamping, CORS, body-size caps, trusted-proxy-aware client IP resolution,
// SSE/JSON content negotiation, rate-limit header injection, and auth
// extraction (API key / scoped token / OAuth bearer) ahead of gate.Gate.
// Router composition is grounded on the teacher's
// internal/httpserver/server.go ConfigureRouter pattern: a package-level
// handlers struct built once, attached to routes grouped by timeout class.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/logger"
	"github.com/paygate/gateway/internal/metrics"
	"github.com/paygate/gateway/internal/oauth"
	"github.com/paygate/gateway/internal/proxy"
	"github.com/paygate/gateway/internal/ratelimit"
	"github.com/paygate/gateway/internal/redissync"
	"github.com/paygate/gateway/internal/scopedtoken"
	"github.com/paygate/gateway/internal/session"
)

// Server wires handlers, middleware, and collaborators.
type Server struct {
	handlers
	httpServer *http.Server
	drain      *drainState
}

// handlers bundles every collaborator a route handler needs. Built once
// and shared by every request, following the teacher's handlers-struct
// shape.
type handlers struct {
	cfg           *config.Config
	gate          *gate.Gate
	store         *keystore.Store
	limiter       *ratelimit.Limiter
	sessions      *session.Manager
	scopedTokens  *scopedtoken.Manager
	oauthProvider *oauth.Provider
	backend       proxy.Proxy
	redisSync     *redissync.Sync
	metrics       *metrics.Metrics
	audit         *audit.Log
	logger        zerolog.Logger
}

// New builds the HTTP server and its configured router.
func New(
	cfg *config.Config,
	g *gate.Gate,
	store *keystore.Store,
	limiter *ratelimit.Limiter,
	sessions *session.Manager,
	scopedTokens *scopedtoken.Manager,
	oauthProvider *oauth.Provider,
	backend proxy.Proxy,
	redisSync *redissync.Sync,
	metricsCollector *metrics.Metrics,
	auditLog *audit.Log,
	appLogger zerolog.Logger,
) (*Server, error) {
	if err := validateHeaderMap(cfg.Server.ExtraResponseHeaders); err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	drain := newDrainState()

	s := &Server{
		handlers: handlers{
			cfg:           cfg,
			gate:          g,
			store:         store,
			limiter:       limiter,
			sessions:      sessions,
			scopedTokens:  scopedTokens,
			oauthProvider: oauthProvider,
			backend:       backend,
			redisSync:     redisSync,
			metrics:       metricsCollector,
			audit:         auditLog,
			logger:        appLogger,
		},
		drain: drain,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, s.handlers, drain)
	return s, nil
}

// ConfigureRouter attaches PayGate's routes to an existing router, in the
// same "build middleware chain, then group by timeout class" shape as the
// teacher's ConfigureRouter.
func ConfigureRouter(router chi.Router, h handlers, drain *drainState) {
	if router == nil {
		return
	}
	cfg := h.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Mcp-Session-Id", "X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Credits-Remaining"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	if len(cfg.Server.ExtraResponseHeaders) > 0 {
		router.Use(extraHeadersMiddleware(cfg.Server.ExtraResponseHeaders))
	}
	router.Use(requestIDMiddleware)
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(withClientIP(cfg.Server.TrustedProxies))
	router.Use(drain.maintenanceMiddleware)

	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	router.Use(bodyLimitMiddleware(maxBody))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       h.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: discovery, health, metrics (5s timeout,
	// mirrors the teacher's "avoid imposing 60s timeout on lightweight
	// discovery/health endpoints" route grouping).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", h.healthz)
		r.Get("/readyz", h.readyz)
		r.Get("/.well-known/mcp-payment", h.wellKnownPayment)
		r.Get("/pricing", h.pricing)
		r.Get(prefix+"/balance", h.getBalance)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Tool-call endpoints: may block on a proxied backend call, so they get
	// the longer timeout and the shutdown drain gate.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(proxyRouteTimeout(cfg)))
		r.Use(drain.drainingMiddleware)
		r.Post(prefix+"/mcp", h.postMCP)
		r.Get(prefix+"/mcp", h.getMCP)
		r.Delete(prefix+"/mcp", h.deleteMCP)
		r.Post(prefix+"/topup", h.postTopup)
	})
}

func proxyRouteTimeout(cfg *config.Config) time.Duration {
	if cfg.Gate.ProxyTimeout.Duration > 0 {
		return cfg.Gate.ProxyTimeout.Duration + 5*time.Second
	}
	return 60 * time.Second
}

// adminMetricsAuth mirrors the teacher's optional admin-key gate in front
// of /metrics: if no key is configured, metrics are open; otherwise the
// caller must present it via X-Api-Key.
func adminMetricsAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if adminKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Api-Key") != adminKey {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the configured router, for callers embedding PayGate
// behind their own *http.Server or test harness instead of ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server (spec §5: "stop accepting new /mcp
// requests (drain flag), wait up to a configurable deadline ... then
// force-close").
func (s *Server) Shutdown(ctx context.Context) error {
	s.drain.SetDraining(true)
	return s.httpServer.Shutdown(ctx)
}

// SetDraining toggles the /mcp-only 503 drain response independently of a
// full Shutdown call, for callers that want to pre-drain before the final
// shutdown deadline.
func (s *Server) SetDraining(v bool) { s.drain.SetDraining(v) }

// SetMaintenance toggles whole-server maintenance mode (spec §4.10).
func (s *Server) SetMaintenance(enabled bool, body string) {
	s.drain.SetMaintenance(enabled, body)
}
