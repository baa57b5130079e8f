package session

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := New(cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManager_CreateAndGetSession(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: time.Minute, SweepInterval: time.Hour})

	s, err := m.CreateSession("pg_abc123")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(s.ID, IDPrefix) {
		t.Fatalf("session id %q missing prefix %q", s.ID, IDPrefix)
	}

	got, ok := m.GetSession(s.ID)
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got.APIKey != "pg_abc123" {
		t.Errorf("APIKey = %q", got.APIKey)
	}
}

func TestManager_GetUnknownSession(t *testing.T) {
	m := testManager(t, Config{SweepInterval: time.Hour})
	if _, ok := m.GetSession("mcp_sess_doesnotexist"); ok {
		t.Fatal("expected ok=false for unknown session")
	}
}

func TestManager_IdleSessionDestroyedOnAccess(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: 20 * time.Millisecond, SweepInterval: time.Hour})

	s, err := m.CreateSession("")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := m.GetSession(s.ID); ok {
		t.Fatal("expected session to be evicted as idle")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after idle eviction", m.Len())
	}
}

func TestManager_SweeperDestroysIdleSessions(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: 15 * time.Millisecond, SweepInterval: 10 * time.Millisecond})

	s, err := m.CreateSession("")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if m.Len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after sweep", m.Len())
	}
	if _, ok := m.sessions[s.ID]; ok {
		t.Fatal("session map still holds swept session")
	}
}

func TestManager_OverflowEvictsLRU(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: time.Minute, SweepInterval: time.Hour, MaxSessions: 2})

	first, _ := m.CreateSession("a")
	_, _ = m.CreateSession("b")
	_, _ = m.CreateSession("c")

	if _, ok := m.GetSession(first.ID); ok {
		t.Fatal("expected first session to be LRU-evicted")
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestManager_AddSSEConnectionSetsHeaders(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: time.Minute, SweepInterval: time.Hour, KeepAliveInterval: time.Hour})

	s, _ := m.CreateSession("")
	rec := httptest.NewRecorder()

	if err := m.AddSSEConnection(s.ID, rec); err != nil {
		t.Fatalf("AddSSEConnection: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if xab := rec.Header().Get("X-Accel-Buffering"); xab != "no" {
		t.Errorf("X-Accel-Buffering = %q", xab)
	}
}

func TestManager_SendNotificationFansOut(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: time.Minute, SweepInterval: time.Hour, KeepAliveInterval: time.Hour})

	s, _ := m.CreateSession("")
	rec1 := httptest.NewRecorder()
	rec2 := httptest.NewRecorder()
	if err := m.AddSSEConnection(s.ID, rec1); err != nil {
		t.Fatalf("AddSSEConnection 1: %v", err)
	}
	if err := m.AddSSEConnection(s.ID, rec2); err != nil {
		t.Fatalf("AddSSEConnection 2: %v", err)
	}

	if err := m.SendNotification(s.ID, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	if !strings.Contains(rec1.Body.String(), `"hello":"world"`) {
		t.Errorf("rec1 body missing payload: %q", rec1.Body.String())
	}
	if !strings.Contains(rec2.Body.String(), `"hello":"world"`) {
		t.Errorf("rec2 body missing payload: %q", rec2.Body.String())
	}
}

func TestManager_DestroySessionClosesConnections(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: time.Minute, SweepInterval: time.Hour, KeepAliveInterval: time.Hour})

	s, _ := m.CreateSession("")
	rec := httptest.NewRecorder()
	if err := m.AddSSEConnection(s.ID, rec); err != nil {
		t.Fatalf("AddSSEConnection: %v", err)
	}

	m.DestroySession(s.ID)

	if _, ok := m.GetSession(s.ID); ok {
		t.Fatal("expected session to be gone after DestroySession")
	}

	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("expected conns cleared, got %d", n)
	}
}

func TestManager_MaxConnectionsPerSessionEvictsOldest(t *testing.T) {
	m := testManager(t, Config{IdleTimeout: time.Minute, SweepInterval: time.Hour, KeepAliveInterval: time.Hour, MaxConnectionsPerSession: 1})

	s, _ := m.CreateSession("")
	rec1 := httptest.NewRecorder()
	rec2 := httptest.NewRecorder()
	if err := m.AddSSEConnection(s.ID, rec1); err != nil {
		t.Fatalf("AddSSEConnection 1: %v", err)
	}
	if err := m.AddSSEConnection(s.ID, rec2); err != nil {
		t.Fatalf("AddSSEConnection 2: %v", err)
	}

	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("len(conns) = %d, want 1 after bound enforcement", n)
	}
}
