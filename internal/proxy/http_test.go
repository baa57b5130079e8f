package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProxy_ForwardRoundTrip(t *testing.T) {
	var gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-Api-Key")

		var wire struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&wire)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(wire.ID) + `,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	p := NewHTTP(HTTPConfig{
		BackendID: "backend-a",
		BaseURL:   srv.URL,
		Headers:   map[string]string{"Authorization": "Bearer should-be-dropped", "X-Api-Key": "should-be-dropped"},
	}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := p.Forward(context.Background(), Request{ID: json.RawMessage(`1`), Method: "tools/call"}, Options{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	if gotAuth != "" {
		t.Errorf("Authorization header was forwarded: %q", gotAuth)
	}
	if gotAPIKey != "" {
		t.Errorf("X-Api-Key header was forwarded: %q", gotAPIKey)
	}
}

func TestHTTPProxy_ForwardBeforeStartFails(t *testing.T) {
	p := NewHTTP(HTTPConfig{BackendID: "backend-a", BaseURL: "http://127.0.0.1:0"}, nil)
	_, err := p.Forward(context.Background(), Request{Method: "tools/call"}, Options{})
	if err != ErrNotRunning {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestHTTPProxy_BackendErrorStatusPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTP(HTTPConfig{BackendID: "backend-a", BaseURL: srv.URL}, nil)
	_ = p.Start(context.Background())

	_, err := p.Forward(context.Background(), Request{Method: "tools/call"}, Options{})
	if err == nil {
		t.Fatal("expected error for 500 backend response")
	}
}

func TestHTTPProxy_StopRejectsForward(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	p := NewHTTP(HTTPConfig{BackendID: "backend-a", BaseURL: srv.URL}, nil)
	_ = p.Start(context.Background())
	_ = p.Stop(context.Background())

	_, err := p.Forward(context.Background(), Request{Method: "tools/call"}, Options{})
	if err != ErrNotRunning {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}
