package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIP_NoForwardedHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.5:4000"
	if got := clientIP(r, nil); got != "203.0.113.5" {
		t.Errorf("clientIP = %q, want 203.0.113.5", got)
	}
}

func TestClientIP_WalksRightToLeftSkippingTrustedProxies(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:4000"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.2, 10.0.0.1")

	got := clientIP(r, []string{"10.0.0.0/8"})
	if got != "198.51.100.9" {
		t.Errorf("clientIP = %q, want 198.51.100.9", got)
	}
}

func TestClientIP_AllHopsTrustedFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:4000"
	r.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.3")

	got := clientIP(r, []string{"10.0.0.0/8"})
	if got != "10.0.0.1" {
		t.Errorf("clientIP = %q, want 10.0.0.1", got)
	}
}

func TestClientIP_ExactProxyMatch(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.1")

	got := clientIP(r, []string{"192.0.2.1"})
	if got != "203.0.113.9" {
		t.Errorf("clientIP = %q, want 203.0.113.9", got)
	}
}

func TestDrainState_MaintenanceMiddleware(t *testing.T) {
	d := newDrainState()
	d.SetMaintenance(true, "custom maintenance body")

	handler := d.maintenanceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run during maintenance")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Body.String() != "custom maintenance body" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestDrainState_DrainingMiddlewareOnlyBlocksWhenDraining(t *testing.T) {
	d := newDrainState()
	called := false
	handler := d.drainingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if !called {
		t.Error("expected handler to run when not draining")
	}

	d.SetDraining(true)
	called = false
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	if called {
		t.Error("expected handler to be skipped while draining")
	}
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestBodyLimitMiddleware(t *testing.T) {
	handler := bodyLimitMiddleware(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		_, err := r.Body.Read(buf)
		if !isBodyTooLarge(err) {
			t.Errorf("expected body-too-large error, got %v", err)
		}
	}))

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this body is too large"))
	handler.ServeHTTP(httptest.NewRecorder(), r)
}
