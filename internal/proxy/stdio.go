package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RestartBackoff configures the exponential backoff applied between child
// process restarts after an unexpected exit (spec §4.8: "restarts on crash
// with exponential backoff"). Shape mirrors webhook.RetryConfig.
type RestartBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRestartBackoff returns sensible child-process restart defaults.
func DefaultRestartBackoff() RestartBackoff {
	return RestartBackoff{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// StdioConfig configures a StdioProxy.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Backoff RestartBackoff
}

type pendingCall struct {
	respCh chan Response
	err    error // set by dropPending before it sends on respCh
}

// StdioProxy spawns and supervises a single child process speaking
// newline-delimited JSON-RPC 2.0 on its stdin/stdout, multiplexing
// concurrent calls by request id (spec §4.8).
type StdioProxy struct {
	cfg    StdioConfig
	logger zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	stopped bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	restartDone chan struct{}
}

// NewStdio constructs a StdioProxy. Start must be called before Forward.
func NewStdio(cfg StdioConfig, logger zerolog.Logger) *StdioProxy {
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = DefaultRestartBackoff()
	}
	return &StdioProxy{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingCall),
	}
}

// Start spawns the child process and begins the stdout-reading and
// process-monitoring goroutines.
func (p *StdioProxy) Start(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	return p.spawn()
}

func (p *StdioProxy) spawn() error {
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("proxy: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("proxy: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("proxy: start backend %q: %w", p.cfg.Command, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.running = true
	p.mu.Unlock()

	go p.readLoop(stdout)
	go p.monitor(cmd)

	return nil
}

func (p *StdioProxy) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		var wire struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *RPCError       `json:"error"`
		}
		if err := json.Unmarshal(line, &wire); err != nil {
			p.logger.Warn().Err(err).Msg("proxy: malformed backend line, dropping")
			continue
		}
		resp.ID = wire.ID
		resp.Result = wire.Result
		resp.Error = wire.Error

		key := string(wire.ID)
		p.pendingMu.Lock()
		call, ok := p.pending[key]
		if ok {
			delete(p.pending, key)
		}
		p.pendingMu.Unlock()

		if ok {
			call.respCh <- resp
		}
	}
}

func (p *StdioProxy) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	p.running = false
	stopped := p.stopped
	p.mu.Unlock()

	p.dropPending(fmt.Errorf("proxy: backend process exited: %w", err))

	if stopped {
		return
	}

	p.logger.Warn().Err(err).Msg("proxy: backend exited unexpectedly, restarting")
	go p.restartWithBackoff()
}

func (p *StdioProxy) restartWithBackoff() {
	interval := p.cfg.Backoff.InitialInterval
	for {
		time.Sleep(interval)

		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}

		if err := p.spawn(); err != nil {
			p.logger.Error().Err(err).Msg("proxy: backend restart failed")
			interval = nextBackoff(interval, p.cfg.Backoff)
			continue
		}
		return
	}
}

func nextBackoff(current time.Duration, b RestartBackoff) time.Duration {
	next := time.Duration(float64(current) * b.Multiplier)
	if next > b.MaxInterval {
		next = b.MaxInterval
	}
	return next
}

func (p *StdioProxy) dropPending(err error) {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = make(map[string]*pendingCall)
	p.pendingMu.Unlock()

	for _, call := range pending {
		call.err = err
		call.respCh <- Response{Error: &RPCError{Code: -32000, Message: err.Error()}}
	}
}

// Forward sends req to the child process and waits for its matching
// response, a context cancellation, or process replacement.
func (p *StdioProxy) Forward(ctx context.Context, req Request, opts Options) (Response, error) {
	p.mu.Lock()
	running := p.running
	stdin := p.stdin
	p.mu.Unlock()
	if !running {
		return Response{}, ErrNotRunning
	}

	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage(fmt.Sprintf("%q", uuid.NewString()))
	}

	wire := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: req.Method, Params: req.Params}

	data, err := json.Marshal(wire)
	if err != nil {
		return Response{}, fmt.Errorf("proxy: marshal request: %w", err)
	}
	data = append(data, '\n')

	call := &pendingCall{respCh: make(chan Response, 1)}
	key := string(id)
	p.pendingMu.Lock()
	p.pending[key] = call
	p.pendingMu.Unlock()

	p.writeMu.Lock()
	_, writeErr := stdin.Write(data)
	p.writeMu.Unlock()
	if writeErr != nil {
		p.pendingMu.Lock()
		delete(p.pending, key)
		p.pendingMu.Unlock()
		return Response{}, fmt.Errorf("proxy: write to backend: %w", writeErr)
	}

	select {
	case resp := <-call.respCh:
		if call.err != nil {
			return Response{}, call.err
		}
		return resp, nil
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, key)
		p.pendingMu.Unlock()
		return Response{}, ctx.Err()
	}
}

// Stop terminates the child process and drops every in-flight call.
func (p *StdioProxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	cmd := p.cmd
	stdin := p.stdin
	p.running = false
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	p.dropPending(ErrNotRunning)
	return nil
}

// IsRunning reports whether the child process is currently alive.
func (p *StdioProxy) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
