// Package proxy implements the reverse-proxy layer that forwards admitted
// tool calls to a backend MCP server — either a supervised child process
// speaking newline-delimited JSON-RPC over stdio, a plain HTTP backend, or a
// router across several of either (spec §4.8). The stdio supervision shape
// (spawn via os/exec, restart with backoff) is grounded on the one-shot
// StdioMCPClient in Mindburn-Labs-helm's capabilities package, generalized
// into a long-running, request-multiplexing client; the backoff loop itself
// reuses the shape of internal/webhook's retry.RetryConfig.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotRunning is returned by Forward when the backend is not started.
var ErrNotRunning = errors.New("proxy: backend is not running")

// Request is a single JSON-RPC call forwarded to a backend.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Response is the backend's JSON-RPC reply.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// RPCError mirrors the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Options carries per-call overrides (currently just the tool name, which
// Multi routes on; kept as a struct so future per-call options don't change
// every Forward signature).
type Options struct {
	Tool string
}

// Proxy is the contract both the stdio and HTTP backends satisfy, and the
// one the multi-server router also satisfies by fanning out to them (spec
// §4.8: "one contract {start, stop, forward(request, options) -> response,
// isRunning}").
type Proxy interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Forward(ctx context.Context, req Request, opts Options) (Response, error)
	IsRunning() bool
}

// CredentialStrippingHeaders lists headers that must never be forwarded to
// a backend (spec §4.8: "the X-API-Key header is not forwarded").
var CredentialStrippingHeaders = []string{"X-Api-Key", "Authorization"}
