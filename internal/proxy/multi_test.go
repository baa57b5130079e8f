package proxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

type stubProxy struct {
	id          string
	running     bool
	forwardResp Response
	forwardErr  error
	toolsList   json.RawMessage
}

func (s *stubProxy) Start(ctx context.Context) error { s.running = true; return nil }
func (s *stubProxy) Stop(ctx context.Context) error  { s.running = false; return nil }
func (s *stubProxy) IsRunning() bool                 { return s.running }
func (s *stubProxy) Forward(ctx context.Context, req Request, opts Options) (Response, error) {
	if req.Method == "tools/list" {
		return Response{ID: req.ID, Result: s.toolsList}, nil
	}
	return s.forwardResp, s.forwardErr
}

func TestMulti_RoutesByTool(t *testing.T) {
	a := &stubProxy{id: "a", forwardResp: Response{Result: json.RawMessage(`{"from":"a"}`)}}
	b := &stubProxy{id: "b", forwardResp: Response{Result: json.RawMessage(`{"from":"b"}`)}}

	m := NewMulti(zerolog.Nop(),
		Backend{ID: "a", Proxy: a, Tools: []string{"search"}},
		Backend{ID: "b", Proxy: b, Tools: []string{"fetch"}},
	)

	resp, err := m.Forward(context.Background(), Request{Method: "tools/call"}, Options{Tool: "fetch"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	var out struct {
		From string `json:"from"`
	}
	json.Unmarshal(resp.Result, &out)
	if out.From != "b" {
		t.Errorf("routed to %q, want b", out.From)
	}
}

func TestMulti_UnknownToolErrors(t *testing.T) {
	a := &stubProxy{id: "a"}
	m := NewMulti(zerolog.Nop(), Backend{ID: "a", Proxy: a, Tools: []string{"search"}})

	_, err := m.Forward(context.Background(), Request{Method: "tools/call"}, Options{Tool: "unknown"})
	if err == nil {
		t.Fatal("expected error for unregistered tool")
	}
}

func TestMulti_FirstRegisteredWinsOnCollision(t *testing.T) {
	a := &stubProxy{id: "a", forwardResp: Response{Result: json.RawMessage(`{"from":"a"}`)}}
	b := &stubProxy{id: "b", forwardResp: Response{Result: json.RawMessage(`{"from":"b"}`)}}

	m := NewMulti(zerolog.Nop(),
		Backend{ID: "a", Proxy: a, Tools: []string{"search"}},
		Backend{ID: "b", Proxy: b, Tools: []string{"search"}},
	)

	resp, err := m.Forward(context.Background(), Request{Method: "tools/call"}, Options{Tool: "search"})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	var out struct {
		From string `json:"from"`
	}
	json.Unmarshal(resp.Result, &out)
	if out.From != "a" {
		t.Errorf("collision winner = %q, want a (first registered)", out.From)
	}
}

func TestMulti_AggregateToolsListMerges(t *testing.T) {
	a := &stubProxy{toolsList: json.RawMessage(`{"tools":[{"name":"search"}]}`)}
	b := &stubProxy{toolsList: json.RawMessage(`{"tools":[{"name":"fetch"}]}`)}

	m := NewMulti(zerolog.Nop(),
		Backend{ID: "a", Proxy: a, Tools: []string{"search"}},
		Backend{ID: "b", Proxy: b, Tools: []string{"fetch"}},
	)

	resp, err := m.AggregateToolsList(context.Background(), Request{ID: json.RawMessage(`1`), Method: "tools/list"})
	if err != nil {
		t.Fatalf("AggregateToolsList: %v", err)
	}

	var list toolListResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Errorf("got %d tools, want 2", len(list.Tools))
	}
}

func TestMulti_StartStopAndIsRunning(t *testing.T) {
	a := &stubProxy{}
	m := NewMulti(zerolog.Nop(), Backend{ID: "a", Proxy: a, Tools: []string{"search"}})

	if m.IsRunning() {
		t.Fatal("expected not running before Start")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.IsRunning() {
		t.Error("expected running after Start")
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.IsRunning() {
		t.Error("expected not running after Stop")
	}
}
