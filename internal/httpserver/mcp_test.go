package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/plugin"
	"github.com/paygate/gateway/internal/proxy"
	"github.com/paygate/gateway/internal/quota"
	"github.com/paygate/gateway/internal/ratelimit"
	"github.com/paygate/gateway/internal/session"
)

type stubBackend struct{ result json.RawMessage }

func (s *stubBackend) Start(ctx context.Context) error { return nil }
func (s *stubBackend) Stop(ctx context.Context) error  { return nil }
func (s *stubBackend) IsRunning() bool                 { return true }
func (s *stubBackend) Forward(ctx context.Context, req proxy.Request, opts proxy.Options) (proxy.Response, error) {
	return proxy.Response{ID: req.ID, Result: s.result}, nil
}

const testAPIKey = "pg_test_0000000000000000000000"

func newTestHandlers(t *testing.T) *handlers {
	t.Helper()
	store, err := keystore.New(time.Hour)
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Create(&keystore.Record{Key: testAPIKey, Active: true, Credits: 1000}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	limiter := ratelimit.NewLimiter()
	quotaTracker := quota.New(config.QuotaConfig{})
	plugins := plugin.New(zerolog.Nop())
	backend := &stubBackend{result: json.RawMessage(`{"ok":true}`)}

	rateCfg := config.RateLimitConfig{DefaultKeyLimit: 1000, DefaultKeyWindow: config.Duration{Duration: time.Minute}}
	g := gate.New(store, limiter, quotaTracker, plugins, backend, config.PricingConfig{DefaultBaseCredits: 1}, config.GateConfig{}, rateCfg, gate.WithLogger(zerolog.Nop()))

	sessions := session.New(session.Config{})
	t.Cleanup(func() { sessions.Close() })

	cfg := &config.Config{RateLimit: rateCfg}

	return &handlers{
		cfg:      cfg,
		gate:     g,
		store:    store,
		limiter:  limiter,
		sessions: sessions,
		backend:  backend,
		logger:   zerolog.Nop(),
	}
}

func TestPostMCP_ValidAPIKeySucceeds(t *testing.T) {
	h := newTestHandlers(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{}}}`
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	r.Header.Set("X-Api-Key", testAPIKey)
	r = r.WithContext(context.WithValue(r.Context(), clientIPKey{}, "1.2.3.4"))
	w := httptest.NewRecorder()

	h.postMCP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get(sessionHeader) == "" {
		t.Error("expected Mcp-Session-Id header to be set")
	}
	if w.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("expected X-RateLimit-Limit header to be set")
	}
	if w.Header().Get("X-Credits-Remaining") == "" {
		t.Error("expected X-Credits-Remaining header to be set")
	}

	var resp gate.RPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
}

func TestPostMCP_MissingAPIKeyDeniedByGate(t *testing.T) {
	h := newTestHandlers(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search","arguments":{}}}`
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.postMCP(w, r)

	var resp gate.RPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a json-rpc error for missing api key")
	}
}

func TestPostMCP_SSEContentNegotiation(t *testing.T) {
	h := newTestHandlers(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	r.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()

	h.postMCP(w, r)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("expected a non-empty SSE body")
	}
}

func TestGetMCP_MissingSessionHeaderIsBadRequest(t *testing.T) {
	h := newTestHandlers(t)
	r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()

	h.getMCP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetMCP_UnknownSessionIsNotFound(t *testing.T) {
	h := newTestHandlers(t)
	r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	r.Header.Set(sessionHeader, "does-not-exist")
	w := httptest.NewRecorder()

	h.getMCP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeleteMCP_TerminatesSession(t *testing.T) {
	h := newTestHandlers(t)
	sess, err := h.sessions.CreateSession(testAPIKey)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	r := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	r.Header.Set(sessionHeader, sess.ID)
	w := httptest.NewRecorder()

	h.deleteMCP(w, r)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if _, ok := h.sessions.GetSession(sess.ID); ok {
		t.Error("expected session to be destroyed")
	}
}
