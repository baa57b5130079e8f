package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paygate/gateway/internal/config"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		Enabled:         true,
		MaxAttempts:     3,
		InitialInterval: config.Duration{Duration: 1 * time.Millisecond},
		MaxInterval:     config.Duration{Duration: 5 * time.Millisecond},
		Multiplier:      2.0,
	}
}

func TestEmitter_SuccessFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var got Event
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if got.Type != "tool_call.charged" {
			t.Errorf("event type = %q", got.Type)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{
		Enabled: true,
		URL:     srv.URL,
		Timeout: config.Duration{Duration: time.Second},
		Retry:   testRetryConfig(),
	}
	emitter := NewEmitter(cfg)
	emitter.Emit("tool_call.charged", "pgk_abc", "charged 5 credits", map[string]string{"tool": "search"})

	waitForCalls(t, &calls, 1)
}

func TestEmitter_RetryAfterFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{
		Enabled: true,
		URL:     srv.URL,
		Timeout: config.Duration{Duration: time.Second},
		Retry:   testRetryConfig(),
	}
	emitter := NewEmitter(cfg)
	emitter.Emit("key.suspended", "pgk_abc", "suspended for abuse", nil)

	waitForCalls(t, &calls, 3)
}

func TestEmitter_ExhaustsRetriesAndSavesToDLQ(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dlq := NewMemoryDLQStore()
	cfg := config.WebhookConfig{
		Enabled: true,
		URL:     srv.URL,
		Timeout: config.Duration{Duration: time.Second},
		Retry:   testRetryConfig(),
	}
	emitter := NewEmitter(cfg, WithDLQStore(dlq))
	emitter.Emit("token.revoked", "pgk_abc", "token revoked", nil)

	waitForCalls(t, &calls, 3)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, err := dlq.ListFailedWebhooks(context.Background(), 0)
		if err != nil {
			t.Fatalf("list failed webhooks: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].EventType != "token.revoked" {
				t.Errorf("EventType = %q, want token.revoked", entries[0].EventType)
			}
			if entries[0].Attempts != 3 {
				t.Errorf("Attempts = %d, want 3", entries[0].Attempts)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected one failed webhook in DLQ")
}

func TestEmitter_NoopWhenDisabled(t *testing.T) {
	emitter := NewEmitter(config.WebhookConfig{Enabled: false})
	if _, ok := emitter.(NoopEmitter); !ok {
		t.Fatalf("expected NoopEmitter, got %T", emitter)
	}
	emitter.Emit("tool_call.charged", "pgk_abc", "noop", nil)
}

func TestEmitter_NoopWhenURLEmpty(t *testing.T) {
	emitter := NewEmitter(config.WebhookConfig{Enabled: true, URL: ""})
	if _, ok := emitter.(NoopEmitter); !ok {
		t.Fatalf("expected NoopEmitter, got %T", emitter)
	}
}

func TestEmitter_ExponentialBackoff(t *testing.T) {
	var timestamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timestamps = append(timestamps, time.Now())
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{
		Enabled: true,
		URL:     srv.URL,
		Timeout: config.Duration{Duration: time.Second},
		Retry: config.RetryConfig{
			Enabled:         true,
			MaxAttempts:     3,
			InitialInterval: config.Duration{Duration: 10 * time.Millisecond},
			MaxInterval:     config.Duration{Duration: 100 * time.Millisecond},
			Multiplier:      2.0,
		},
	}
	emitter := NewEmitter(cfg)
	emitter.Emit("tool_call.charged", "pgk_abc", "backoff test", nil)

	deadline := time.Now().Add(time.Second)
	for len(timestamps) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(timestamps) < 3 {
		t.Fatalf("expected 3 attempts, got %d", len(timestamps))
	}
	if gap := timestamps[1].Sub(timestamps[0]); gap < 8*time.Millisecond {
		t.Errorf("first retry gap too short: %v", gap)
	}
}

func waitForCalls(t *testing.T, counter *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(counter) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("calls = %d, want %d", atomic.LoadInt32(counter), want)
}

func TestMemoryDLQStore(t *testing.T) {
	store := NewMemoryDLQStore()
	ctx := context.Background()

	fw := FailedWebhook{ID: "evt_1", URL: "http://example.com", EventType: "tool_call.charged"}
	if err := store.SaveFailedWebhook(ctx, fw); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := store.ListFailedWebhooks(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	if err := store.DeleteFailedWebhook(ctx, "evt_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, _ = store.ListFailedWebhooks(ctx, 0)
	if len(entries) != 0 {
		t.Fatalf("len(entries) after delete = %d, want 0", len(entries))
	}
}

func TestFileDLQStore(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/dlq.json"

	store, err := NewFileDLQStore(path)
	if err != nil {
		t.Fatalf("NewFileDLQStore: %v", err)
	}

	ctx := context.Background()
	fw := FailedWebhook{ID: "evt_1", URL: "http://example.com", EventType: "key.suspended"}
	if err := store.SaveFailedWebhook(ctx, fw); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := NewFileDLQStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries, err := reloaded.ListFailedWebhooks(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "evt_1" {
		t.Fatalf("entries after reload = %+v", entries)
	}
}

func TestNoopDLQStore(t *testing.T) {
	store := NoopDLQStore{}
	ctx := context.Background()

	if err := store.SaveFailedWebhook(ctx, FailedWebhook{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := store.ListFailedWebhooks(ctx, 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("list = %v, %v", entries, err)
	}
}
