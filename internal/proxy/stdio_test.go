package proxy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// echoScript is a tiny stdio backend: for every newline-delimited JSON-RPC
// request it reads, it echoes back a success response carrying the same id.
const echoScript = `while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\("[^"]*"\).*/\1/p')
  echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"echoed\":true}}"
done`

// exitImmediatelyScript exits as soon as it is spawned, to exercise restart.
const exitImmediatelyScript = `exit 1`

func newEchoStdio(t *testing.T) *StdioProxy {
	t.Helper()
	cfg := StdioConfig{
		Command: "sh",
		Args:    []string{"-c", echoScript},
	}
	p := NewStdio(cfg, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func TestStdioProxy_ForwardRoundTrip(t *testing.T) {
	p := newEchoStdio(t)

	if !p.IsRunning() {
		t.Fatal("expected proxy to be running after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := p.Forward(ctx, Request{Method: "tools/call", Params: json.RawMessage(`{}`)}, Options{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected backend error: %+v", resp.Error)
	}

	var result struct {
		Echoed bool `json:"echoed"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Echoed {
		t.Error("expected echoed=true in result")
	}
}

func TestStdioProxy_ConcurrentCallsMultiplexByID(t *testing.T) {
	p := newEchoStdio(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := p.Forward(ctx, Request{Method: "tools/call"}, Options{})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Forward failed: %v", err)
		}
	}
}

func TestStdioProxy_ForwardAfterStopFails(t *testing.T) {
	p := newEchoStdio(t)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, err := p.Forward(context.Background(), Request{Method: "tools/call"}, Options{})
	if err != ErrNotRunning {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestStdioProxy_RestartsAfterCrash(t *testing.T) {
	cfg := StdioConfig{
		Command: "sh",
		Args:    []string{"-c", exitImmediatelyScript},
		Backoff: RestartBackoff{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2},
	}
	p := NewStdio(cfg, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	p.mu.Lock()
	firstCmd := p.cmd
	p.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	restarted := false
	for time.Now().Before(deadline) {
		p.mu.Lock()
		cmd := p.cmd
		p.mu.Unlock()
		if cmd != nil && cmd != firstCmd {
			restarted = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !restarted {
		t.Fatal("expected crashing backend to have been respawned at least once")
	}
}

func TestStdioProxy_StopDropsPendingCalls(t *testing.T) {
	cfg := StdioConfig{
		Command: "sh",
		// never writes a response, so Forward would hang until Stop drops it
		Args: []string{"-c", "cat >/dev/null"},
	}
	p := NewStdio(cfg, zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Forward(context.Background(), Request{Method: "tools/call"}, Options{})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Forward to return an error once Stop dropped it")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Forward did not return after Stop")
	}
}
