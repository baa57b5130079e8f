package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/gate"
)

const sessionHeader = "Mcp-Session-Id"

// postMCP implements POST /mcp (spec §6.1): a single JSON-RPC 2.0 request,
// authenticated via X-Api-Key or Authorization: Bearer, answered as JSON or
// a one-event SSE stream depending on Accept.
func (h *handlers) postMCP(w http.ResponseWriter, r *http.Request) {
	var req gate.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, gate.RPCResponse{
				JSONRPC: "2.0",
				Error: &gate.RPCErrorBody{
					Code:    pgerrors.ErrCodeInvalidRequest.JSONRPCCode(),
					Message: "request body exceeds the configured limit",
				},
			})
			return
		}
		writeParseError(w, "malformed json-rpc request")
		return
	}

	auth := h.resolveAuth(r.Header.Get("X-Api-Key"), r.Header.Get("Authorization"), clientIPFromContext(r.Context()))
	if auth.failed() {
		writeRPCError(w, req.ID, auth.code, auth.msg)
		return
	}

	sessID := h.ensureSession(r.Header.Get(sessionHeader), auth.ctx.APIKey)
	w.Header().Set(sessionHeader, sessID)

	resp := h.gate.Handle(r.Context(), req, auth.ctx)
	h.injectRateLimitHeaders(w, auth.ctx.APIKey, toolNameFromRequest(req))

	if wantsSSE(r) {
		writeSSEMessage(w, resp)
		return
	}
	writeRPCResponse(w, resp)
}

// getMCP implements GET /mcp: a long-lived SSE stream of server-initiated
// notifications for an existing session (spec §6.1, §4.6).
func (h *handlers) getMCP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}
	if _, ok := h.sessions.GetSession(id); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err := h.sessions.AddSSEConnection(id, w); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	<-r.Context().Done()
}

// deleteMCP implements DELETE /mcp: terminates a session (spec §6.1).
func (h *handlers) deleteMCP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}
	h.sessions.DestroySession(id)
	w.WriteHeader(http.StatusNoContent)
}

// ensureSession reuses the session named by the Mcp-Session-Id request
// header, or creates one on first call (spec §6.1: "server creates on
// first call").
func (h *handlers) ensureSession(requested, apiKey string) string {
	if requested != "" {
		if s, ok := h.sessions.GetSession(requested); ok {
			return s.ID
		}
	}
	s, err := h.sessions.CreateSession(apiKey)
	if err != nil {
		return requested
	}
	return s.ID
}

// wantsSSE implements spec §4.10's content negotiation rule: "SSE when
// Accept: text/event-stream, else JSON".
func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// writeSSEMessage frames a single JSON-RPC response as one MCP "message"
// SSE event (spec §6.1: "Response: JSON or SSE stream of one message
// event").
func writeSSEMessage(w http.ResponseWriter, resp gate.RPCResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	if ok {
		flusher.Flush()
	}
}

// toolNameFromRequest extracts the tool name gate.Gate's own step 8 keys
// its per-tool rate-limit bucket on (record.Key+":"+tool), mirroring
// gate.callParams's parsing of the tools/call params shape. Returns "" for
// tools/call_batch (no single tool to key on) and every other method, so
// injectRateLimitHeaders falls back to the global bucket for those.
func toolNameFromRequest(req gate.RPCRequest) string {
	if req.Method != "tools/call" {
		return ""
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ""
	}
	return params.Name
}

// injectRateLimitHeaders stamps the rate-limit triplet plus credits
// remaining on every metered response (spec §4.10). gate.Gate's step 8
// always checks both the global bucket (apiKey+":*") and, for tools/call,
// the per-tool bucket (apiKey+":"+tool) at the same limit/window, and denies
// the call if either is full; headers reflect the per-tool bucket when a
// tool name is available and fall back to the global bucket otherwise. Limit/window resolution mirrors gate.Gate's own
// effectiveKeyLimit/effectiveKeyWindow so the reported numbers match what
// the gate actually enforced, without needing the gate to expose its
// internal ratelimit.Limiter.
func (h *handlers) injectRateLimitHeaders(w http.ResponseWriter, apiKey, tool string) {
	if apiKey == "" || h.limiter == nil {
		return
	}
	limit := h.cfg.RateLimit.DefaultKeyLimit
	if limit <= 0 {
		return
	}
	window := h.cfg.RateLimit.DefaultKeyWindow.Duration
	if window <= 0 {
		window = time.Minute
	}

	bucketKey := apiKey + ":*"
	if tool != "" {
		bucketKey = apiKey + ":" + tool
	}
	count := h.limiter.Peek(bucketKey, window)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))

	if h.store != nil {
		if record, err := h.store.LookupRaw(apiKey); err == nil {
			w.Header().Set("X-Credits-Remaining", strconv.FormatInt(record.Credits, 10))
		}
	}
}
