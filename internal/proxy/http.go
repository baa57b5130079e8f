package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/paygate/gateway/internal/circuitbreaker"
)

// HTTPConfig configures an HTTPProxy.
type HTTPConfig struct {
	BackendID string
	BaseURL   string
	Headers   map[string]string
	Timeout   time.Duration
}

// HTTPProxy forwards JSON-RPC calls to a backend MCP server reachable over
// plain HTTP, breaker-protected per backend id (spec §4.8).
type HTTPProxy struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *circuitbreaker.Manager
	running atomic.Bool
}

// NewHTTP constructs an HTTPProxy. breaker may be nil, in which case calls
// run unprotected.
func NewHTTP(cfg HTTPConfig, breaker *circuitbreaker.Manager) *HTTPProxy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProxy{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Start marks the backend ready to receive forwarded calls. HTTP backends
// are not supervised the way stdio ones are, so this is bookkeeping only.
func (p *HTTPProxy) Start(ctx context.Context) error {
	p.running.Store(true)
	return nil
}

// Stop marks the backend as no longer accepting forwarded calls.
func (p *HTTPProxy) Stop(ctx context.Context) error {
	p.running.Store(false)
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (p *HTTPProxy) IsRunning() bool {
	return p.running.Load()
}

// Forward POSTs req as a JSON-RPC 2.0 envelope to the configured base URL.
// Credential headers (spec §4.8: X-Api-Key is never forwarded) are never
// copied from the inbound request since Request carries no headers at all.
func (p *HTTPProxy) Forward(ctx context.Context, req Request, opts Options) (Response, error) {
	if !p.running.Load() {
		return Response{}, ErrNotRunning
	}

	call := func() (interface{}, error) {
		return p.doForward(ctx, req)
	}

	var (
		result interface{}
		err    error
	)
	if p.breaker != nil {
		result, err = p.breaker.Execute(p.cfg.BackendID, call)
	} else {
		result, err = call()
	}
	if err != nil {
		return Response{}, err
	}
	return result.(Response), nil
}

func (p *HTTPProxy) doForward(ctx context.Context, req Request) (Response, error) {
	wire := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: req.ID, Method: req.Method, Params: req.Params}

	body, err := json.Marshal(wire)
	if err != nil {
		return Response{}, fmt.Errorf("proxy: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("proxy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, stripped := range CredentialStrippingHeaders {
		httpReq.Header.Del(stripped)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("proxy: backend request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return Response{}, fmt.Errorf("proxy: read backend response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return Response{}, fmt.Errorf("proxy: backend returned status %d", httpResp.StatusCode)
	}

	var wireResp struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return Response{}, fmt.Errorf("proxy: malformed backend response: %w", err)
	}

	return Response{ID: wireResp.ID, Result: wireResp.Result, Error: wireResp.Error}, nil
}
