package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/paygate/gateway/internal/logger"
)

// securityHeadersMiddleware adds the same baseline protections the teacher
// applies to every response (grounded on
// CedrosPay-server/internal/httpserver/middleware_security.go, unchanged —
// PayGate is an API server with the identical threat model).
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// extraHeadersMiddleware stamps operator-configured extra headers (already
// validated at construction time by validateHeaderMap) onto every response.
func extraHeadersMiddleware(headers map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for name, value := range headers {
				w.Header().Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDMiddleware stamps every request with an X-Request-Id (spec
// §4.10), generating one with google/uuid when the caller didn't supply
// one. It writes the id back onto the request header too, so the
// downstream logger.Middleware's own request-id plumbing (which reads from
// the request, not the response) picks up the same value instead of
// minting a second one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps the request body at maxBytes (spec §4.10: "body-
// size cap (1 MiB; reject with 413)"). http.MaxBytesReader defers the
// actual rejection to the first read that crosses the limit; handlers that
// decode JSON surface that as a decode error, which they detect via
// isBodyTooLarge and answer with a 413.
func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func isBodyTooLarge(err error) bool {
	if err == nil {
		return false
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return true
	}
	return strings.Contains(err.Error(), "http: request body too large")
}

// drainState tracks the two server-wide 503 conditions spec §4.10 and §5
// describe: an operator-toggled maintenance window (whole server) and the
// shutdown drain flag (scoped to /mcp only).
type drainState struct {
	draining        atomic.Bool
	maintenance     atomic.Bool
	maintenanceBody atomic.Value // string
}

func newDrainState() *drainState {
	d := &drainState{}
	d.maintenanceBody.Store("")
	return d
}

func (d *drainState) SetDraining(v bool) { d.draining.Store(v) }
func (d *drainState) IsDraining() bool   { return d.draining.Load() }

func (d *drainState) SetMaintenance(enabled bool, body string) {
	d.maintenance.Store(enabled)
	d.maintenanceBody.Store(body)
}
func (d *drainState) IsMaintenance() bool   { return d.maintenance.Load() }
func (d *drainState) MaintenanceBody() string {
	if v, ok := d.maintenanceBody.Load().(string); ok {
		return v
	}
	return ""
}

// maintenanceMiddleware returns 503 for every route while maintenance mode
// is on (spec §4.10: "during maintenance mode it returns 503 with a
// configurable body").
func (d *drainState) maintenanceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.IsMaintenance() {
			body := d.MaintenanceBody()
			if body == "" {
				body = "service under maintenance"
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(body))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// drainingMiddleware returns 503 on /mcp specifically while a graceful
// shutdown is draining in-flight requests (spec §4.10, §5 "stop accepting
// new /mcp requests (drain flag)").
func (d *drainState) drainingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.IsDraining() {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("server is draining"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the real client address, walking X-Forwarded-For
// right-to-left and skipping any hop that matches a trusted proxy (exact
// address or CIDR block) — spec §4.10: "trusted-proxy-aware client IP
// (walk X-Forwarded-For right-to-left skipping entries matching the
// trusted-proxies list, either exact or CIDR)". The first hop encountered
// that is NOT a trusted proxy is the resolved client IP; if every hop is
// trusted (or there is no XFF header), RemoteAddr is used.
func clientIP(r *http.Request, trustedProxies []string) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if isTrustedProxy(hop, trustedProxies) {
				continue
			}
			return hop
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTrustedProxy(addr string, trusted []string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, entry := range trusted {
		if entry == addr {
			return true
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if trustedIP := net.ParseIP(entry); trustedIP != nil && trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

type clientIPKey struct{}

// withClientIP attaches the resolved client IP to the request context so
// downstream handlers (auth resolution, logging) don't re-walk XFF.
func withClientIP(trustedProxies []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustedProxies)
			ctx := context.WithValue(r.Context(), clientIPKey{}, ip)
			enriched := logger.FromContext(ctx).With().Str("client_ip", ip).Logger()
			ctx = logger.WithContext(ctx, enriched)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}
