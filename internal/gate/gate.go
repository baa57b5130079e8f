// Package gate implements the admission pipeline every tools/call and
// tools/call_batch request passes through before it reaches a backend MCP
// server (spec §4.7). It is the one place that touches every other
// collaborator: KeyStore, RateLimiter, QuotaTracker, PluginManager, Proxy,
// plus the side-effect sinks (AuditLogger, UsageMeter, Metrics, WebhookEmitter).
// The ordered-check-then-charge-then-notify control flow and the
// optimistic-claim-before-verify anti-replay shape for credit deduction are
// grounded on the teacher's internal/paywall/authorize.go; the collaborator
// composition (store + notifier + metrics + logger injected by constructor)
// on internal/paywall/service.go.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/config"
	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/metrics"
	"github.com/paygate/gateway/internal/plugin"
	"github.com/paygate/gateway/internal/proxy"
	"github.com/paygate/gateway/internal/quota"
	"github.com/paygate/gateway/internal/ratelimit"
	"github.com/paygate/gateway/internal/redissync"
	"github.com/paygate/gateway/internal/usage"
	"github.com/paygate/gateway/internal/webhook"
	"github.com/rs/zerolog"
)

// RPCRequest is the subset of a JSON-RPC 2.0 request the gate acts on.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCErrorBody   `json:"error,omitempty"`
}

// RPCErrorBody is a JSON-RPC 2.0 error object, with PayGate's payment
// metadata riding along in Data for -32402 responses (spec §4.7 code table).
type RPCErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AuthContext carries the request-scoped identity the HTTP front door
// resolved before handing the call to the gate (spec §4.7 input tuple:
// "(request, apiKey?, clientIp?, scopedTokenTools?)").
type AuthContext struct {
	APIKey              string
	ClientIP            string
	ScopedTokenTools    []string
	HasScopedTokenTools bool
}

// callParams mirrors the MCP tools/call request shape.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// batchParams mirrors the MCP tools/call_batch request shape.
type batchParams struct {
	Calls []callParams `json:"calls"`
}

// TeamChecker evaluates an external team/group spending budget alongside
// the record's own spending limit (spec §6.7: "TeamChecker(apiKey, credits)
// -> {allowed, reason?}" + "TeamRecorder(apiKey, credits)").
type TeamChecker interface {
	Check(apiKey string, credits int64) (allowed bool, reason string)
	Record(apiKey string, credits int64)
}

// NoopTeamChecker always allows and records nothing; the default when no
// team/group budgeting is configured.
type NoopTeamChecker struct{}

func (NoopTeamChecker) Check(apiKey string, credits int64) (bool, string) { return true, "" }
func (NoopTeamChecker) Record(apiKey string, credits int64)              {}

// Option customizes Gate construction.
type Option func(*Gate)

// WithTeamChecker attaches a team/group budget checker.
func WithTeamChecker(t TeamChecker) Option {
	return func(g *Gate) { g.team = t }
}

// WithAudit attaches an audit log sink.
func WithAudit(a *audit.Log) Option {
	return func(g *Gate) { g.audit = a }
}

// WithUsage attaches a usage meter sink.
func WithUsage(u *usage.Meter) Option {
	return func(g *Gate) { g.usage = u }
}

// WithMetrics attaches a Prometheus metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithWebhook attaches a webhook emitter.
func WithWebhook(w webhook.Emitter) Option {
	return func(g *Gate) { g.webhook = w }
}

// WithRedisSync attaches a distributed counter sync. When set, step 13's
// credit deduction becomes Redis's atomic DECRBY-with-rollback rather than
// the local KeyStore's TryDeduct (spec §4.9: "the local tryDeduct is
// bypassed whenever a Redis sync is configured"); a Redis outage falls back
// to the local path for that call (spec §7 transient-infra-error handling).
func WithRedisSync(rs *redissync.Sync) Option {
	return func(g *Gate) { g.redisSync = rs }
}

// WithLogger attaches a structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// Gate is the admission pipeline. It holds no authoritative state of its
// own — every mutation it makes runs through the collaborator that owns
// the relevant state (KeyStore for credits, QuotaTracker/Store.Mutate for
// quota counters).
type Gate struct {
	store   *keystore.Store
	limiter *ratelimit.Limiter
	quota   *quota.Tracker
	plugins   *plugin.Manager
	backend   proxy.Proxy
	redisSync *redissync.Sync

	pricingCfg config.PricingConfig
	gateCfg    config.GateConfig
	rateCfg    config.RateLimitConfig

	team    TeamChecker
	audit   *audit.Log
	usage   *usage.Meter
	metrics *metrics.Metrics
	webhook webhook.Emitter
	logger  zerolog.Logger
}

// New constructs a Gate over its required collaborators.
func New(
	store *keystore.Store,
	limiter *ratelimit.Limiter,
	quotaTracker *quota.Tracker,
	plugins *plugin.Manager,
	backend proxy.Proxy,
	pricingCfg config.PricingConfig,
	gateCfg config.GateConfig,
	rateCfg config.RateLimitConfig,
	opts ...Option,
) *Gate {
	g := &Gate{
		store:      store,
		limiter:    limiter,
		quota:      quotaTracker,
		plugins:    plugins,
		backend:    backend,
		pricingCfg: pricingCfg,
		gateCfg:    gateCfg,
		rateCfg:    rateCfg,
		team:       NoopTeamChecker{},
		webhook:    webhook.NoopEmitter{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// isFreeMethod reports whether method bypasses auth and metering entirely
// (spec §4.7 step 1: every method other than tools/call and
// tools/call_batch is forwarded unauthenticated — initialize, tools/list,
// ping, and any operator-configured free method are the expected examples,
// not an exhaustive allowlist).
func (g *Gate) isFreeMethod(method string) bool {
	return method != "tools/call" && method != "tools/call_batch"
}

// Handle runs req through the admission pipeline and returns the response
// to write back to the caller.
func (g *Gate) Handle(ctx context.Context, req RPCRequest, auth AuthContext) RPCResponse {
	if g.isFreeMethod(req.Method) {
		return g.handleFreeMethod(ctx, req)
	}

	record, denyCode, denyReason := g.resolveAndCheckKey(auth)
	if denyCode != "" {
		g.recordDenial(req.Method, denyReason)
		return g.denyResponse(req.ID, denyCode, denyReason, nil)
	}

	switch req.Method {
	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return g.denyResponse(req.ID, pgerrors.ErrCodeInvalidParams, "malformed tools/call params", nil)
		}
		result, rpcErr := g.evaluateSubCall(ctx, record, auth, params)
		if rpcErr != nil {
			return RPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		return RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}

	case "tools/call_batch":
		var batch batchParams
		if err := json.Unmarshal(req.Params, &batch); err != nil {
			return g.denyResponse(req.ID, pgerrors.ErrCodeInvalidParams, "malformed tools/call_batch params", nil)
		}
		return g.handleBatch(ctx, req.ID, record, auth, batch)

	default:
		return g.denyResponse(req.ID, pgerrors.ErrCodeInvalidMethod, "unknown method", nil)
	}
}

// handleFreeMethod forwards a non-metered method with no auth (spec §4.7
// step 1). tools/list is routed through the multi-backend aggregator when
// available and enriched with per-tool pricing; initialize is broadcast to
// every backend when the proxy supports it.
func (g *Gate) handleFreeMethod(ctx context.Context, req RPCRequest) RPCResponse {
	wireReq := proxy.Request{ID: req.ID, Method: req.Method, Params: req.Params}

	var (
		resp proxy.Response
		err  error
	)
	switch {
	case req.Method == "tools/list":
		if m, ok := g.backend.(interface {
			AggregateToolsList(context.Context, proxy.Request) (proxy.Response, error)
		}); ok {
			resp, err = m.AggregateToolsList(ctx, wireReq)
			break
		}
		resp, err = g.backend.Forward(ctx, wireReq, proxy.Options{})
	case req.Method == "initialize":
		if m, ok := g.backend.(interface {
			ForwardToAll(context.Context, proxy.Request) (proxy.Response, error)
		}); ok {
			resp, err = m.ForwardToAll(ctx, wireReq)
			break
		}
		resp, err = g.backend.Forward(ctx, wireReq, proxy.Options{})
	default:
		resp, err = g.backend.Forward(ctx, wireReq, proxy.Options{})
	}

	if err != nil {
		return g.denyResponse(req.ID, pgerrors.ErrCodeBackendUnavailable, err.Error(), nil)
	}
	if req.Method == "tools/list" {
		resp.Result = enrichToolsListWithPricing(resp.Result, g.pricingCfg)
	}
	return RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: resp.Result, Error: convertRPCError(resp.Error)}
}

func convertRPCError(e *proxy.RPCError) *RPCErrorBody {
	if e == nil {
		return nil
	}
	return &RPCErrorBody{Code: e.Code, Message: e.Message, Data: e.Data}
}

// resolveAndCheckKey runs spec §4.7 steps 2-5 (key resolution, expiry,
// suspension, IP allowlist), common to both tools/call and tools/call_batch.
func (g *Gate) resolveAndCheckKey(auth AuthContext) (*keystore.Record, pgerrors.ErrorCode, string) {
	if auth.APIKey == "" {
		return nil, pgerrors.ErrCodeInvalidAPIKey, "missing api key"
	}

	record, err := g.store.LookupRaw(auth.APIKey)
	if err != nil {
		return nil, pgerrors.ErrCodeInvalidAPIKey, "invalid api key"
	}
	if !record.Active {
		return nil, pgerrors.ErrCodeInvalidAPIKey, "invalid api key"
	}

	now := time.Now().UTC()
	if record.IsExpired(now) {
		return nil, pgerrors.ErrCodeKeyExpired, "api key expired"
	}
	if record.Suspended {
		return nil, pgerrors.ErrCodeKeySuspended, "api key suspended"
	}

	if len(record.IPAllowlist) > 0 && auth.ClientIP != "" {
		if !ipAllowed(auth.ClientIP, record.IPAllowlist) {
			return nil, pgerrors.ErrCodeIPNotAllowed, "client ip not allowed"
		}
	}

	g.store.TouchLastUsed(record.Key)
	return record, "", ""
}

// evaluateSubCall runs spec §4.7 steps 6-16 for a single tool call.
func (g *Gate) evaluateSubCall(ctx context.Context, record *keystore.Record, auth AuthContext, params callParams) (json.RawMessage, *RPCErrorBody) {
	started := time.Now()
	tool := params.Name
	shadow := g.gateCfg.ShadowMode

	// step 6: tool ACL
	if !toolAllowed(record, auth.ScopedTokenTools, auth.HasScopedTokenTools, tool) {
		g.recordDenial(tool, "tool_not_allowed")
		if !shadow {
			return nil, errBody(pgerrors.ErrCodeToolNotAllowed, "tool not allowed", nil)
		}
	}

	// step 7: plugin beforeToolCall
	before, err := g.plugins.ExecuteBeforeToolCall(ctx, plugin.ToolCall{APIKey: record.Key, Tool: tool, Params: params.Arguments})
	if err != nil {
		return nil, errBody(pgerrors.ErrCodeInternalError, err.Error(), nil)
	}
	if before.ShortCircuit {
		if shadow {
			// in shadow mode the plugin's decision is observed, not enforced
		} else {
			g.recordDenial(tool, before.DenyReason)
			return before.Response, nil
		}
	}
	args := before.Params
	if args == nil {
		args = params.Arguments
	}

	// step 8: rate limit
	globalResult := g.limiter.Check(record.Key+":*", g.effectiveKeyLimit(record), g.effectiveKeyWindow())
	toolResult := g.limiter.Check(record.Key+":"+tool, g.effectiveKeyLimit(record), g.effectiveKeyWindow())
	if !globalResult.Allowed || !toolResult.Allowed {
		g.recordDenial(tool, "rate_limited")
		if g.metrics != nil {
			g.metrics.ObserveRateLimit(tool)
		}
		if !shadow {
			return nil, errBody(pgerrors.ErrCodeRateLimited, "rate limited", nil)
		}
	}

	// step 9: team/group budget
	creditsEstimate := pricing(g.pricingCfg, tool, len(args))
	if allowed, reason := g.team.Check(record.Key, creditsEstimate); !allowed {
		g.recordDenial(tool, "budget_exceeded")
		if !shadow {
			return nil, errBody(pgerrors.ErrCodeBudgetExceeded, fmt.Sprintf("team budget exceeded: %s", reason), nil)
		}
	}

	// step 10: quota
	var quotaResult quota.Result
	g.store.Mutate(record.Key, func(r *keystore.Record) {
		quotaResult = g.quota.Check(r, creditsEstimate, time.Now().UTC())
	})
	if !quotaResult.Allowed {
		g.recordDenial(tool, quotaResult.Reason)
		if !shadow {
			return nil, errBody(pgerrors.ErrCodeQuotaExceeded, quotaResult.DenyMessage(), nil)
		}
	}

	// step 11: pricing, honoring plugin transformPrice
	creditsRequired, err := g.plugins.TransformPrice(ctx, tool, creditsEstimate)
	if err != nil {
		return nil, errBody(pgerrors.ErrCodeInternalError, err.Error(), nil)
	}

	// step 12: spending limit
	if record.SpendingLimit > 0 && record.TotalSpent+creditsRequired > record.SpendingLimit {
		g.recordDenial(tool, "spending_limit_exceeded")
		if !shadow {
			return nil, errBody(pgerrors.ErrCodeSpendingLimitExceeded, "spending limit exceeded", nil)
		}
	}

	if shadow {
		// shadow mode: forward without charging, already evaluated every
		// decision above for observability.
		return g.forwardAndRecordShadow(ctx, record, tool, args)
	}

	// step 13: credit deduction (the serialization point)
	if amount, eligible := g.store.CheckAutoTopup(record.Key); eligible {
		_ = g.store.ApplyAutoTopup(record.Key, amount)
	}
	if !g.tryDeduct(ctx, record.Key, creditsRequired) {
		fresh, _ := g.store.LookupRaw(record.Key)
		available := int64(0)
		if fresh != nil {
			available = fresh.Credits
		}
		g.recordDenial(tool, "insufficient_credits")
		base := g.pricingCfg.DefaultBaseCredits
		perKb := g.pricingCfg.DefaultPerKbCredits
		if override, ok := g.pricingCfg.PerTool[tool]; ok {
			base = override.BaseCredits
			perKb = override.PerKbCredits
		}
		data, _ := json.Marshal(map[string]interface{}{
			"tool":             tool,
			"creditsNeeded":    creditsRequired,
			"creditsAvailable": available,
			"pricing":          pricingInfo{BaseCredits: base, PerKbCredits: perKb},
			"topUpEndpoint":    "/topup",
			"balanceEndpoint":  "/balance",
			"pricingEndpoint":  "/pricing",
		})
		return nil, errBody(pgerrors.ErrCodeInsufficientCredits, "insufficient_credits", data)
	}

	// step 14: forward to proxy
	result, forwardErr := g.forward(ctx, tool, args)
	if forwardErr != nil {
		if g.gateCfg.RefundOnFailure && isRefundable(forwardErr) {
			_ = g.store.Refund(record.Key, creditsRequired, "proxy forward failed")
			if g.redisSync != nil {
				_ = g.redisSync.RefundCredits(ctx, record.Key, creditsRequired)
			}
			if g.metrics != nil {
				g.metrics.ObserveRefund(tool, creditsRequired)
			}
		} else {
			g.recordUsage(record, tool, creditsRequired, true, "", time.Since(started))
			g.store.Mutate(record.Key, func(r *keystore.Record) {
				quota.Record(r, creditsRequired, time.Now().UTC())
			})
		}
		g.sideEffects(record, tool, creditsRequired, false, forwardErr.Error())
		return nil, errBody(pgerrors.ErrCodeBackendUnavailable, forwardErr.Error(), nil)
	}

	g.store.Mutate(record.Key, func(r *keystore.Record) {
		quota.Record(r, creditsRequired, time.Now().UTC())
	})
	if g.metrics != nil {
		g.metrics.ObserveCharge(tool, creditsRequired)
		g.metrics.ObserveToolCall(tool, "allowed", time.Since(started))
	}

	// step 15: plugin afterToolCall
	finalResult, err := g.plugins.ExecuteAfterToolCall(ctx, plugin.ToolCall{APIKey: record.Key, Tool: tool, Params: args}, result, nil)
	if err != nil {
		finalResult = result
	}

	// step 16: side effects
	g.recordUsage(record, tool, creditsRequired, true, "", time.Since(started))
	g.team.Record(record.Key, creditsRequired)
	g.sideEffects(record, tool, creditsRequired, true, "")

	return finalResult, nil
}

// tryDeduct performs step 13's credit deduction. When RedisSync is
// configured it is the authoritative decision (spec §4.9); the local
// record's counters are then updated to match without re-running the
// balance check, since Redis already made the decision. On a Redis error
// (outage) it falls back to the local KeyStore path for this call only.
func (g *Gate) tryDeduct(ctx context.Context, key string, amount int64) bool {
	if g.redisSync == nil {
		return g.store.TryDeduct(key, amount)
	}

	ok, _, err := g.redisSync.DeductCredits(ctx, key, amount)
	if err != nil {
		g.logger.Warn().Err(err).Msg("redissync unreachable, falling back to local credit check")
		return g.store.TryDeduct(key, amount)
	}
	if !ok {
		return false
	}

	_ = g.store.Mutate(key, func(r *keystore.Record) {
		r.Credits -= amount
		r.TotalSpent += amount
		r.TotalCalls++
	})
	return true
}

func (g *Gate) forwardAndRecordShadow(ctx context.Context, record *keystore.Record, tool string, args json.RawMessage) (json.RawMessage, *RPCErrorBody) {
	result, err := g.forward(ctx, tool, args)
	if err != nil {
		g.recordUsage(record, tool, 0, false, "shadow_forward_error", 0)
		return nil, errBody(pgerrors.ErrCodeBackendUnavailable, err.Error(), nil)
	}
	g.recordUsage(record, tool, 0, true, "shadow_mode", 0)
	return result, nil
}

func (g *Gate) forward(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	timeout := g.gateCfg.ProxyTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wire := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{Name: tool, Arguments: args}
	params, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	resp, err := g.backend.Forward(fctx, proxy.Request{Method: "tools/call", Params: params}, proxy.Options{Tool: tool})
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveProxyError(tool, "forward_error")
		}
		return nil, err
	}
	if resp.Error != nil {
		if g.metrics != nil {
			g.metrics.ObserveProxyError(tool, "backend_error")
		}
		return nil, &backendError{code: resp.Error.Code, message: resp.Error.Message}
	}
	return resp.Result, nil
}

// backendError carries a backend's JSON-RPC error code through to the
// refund decision (spec §4.7 step 14: "non-refundable failures (ACL-ish
// backend errors) pass the error through with credits charged").
type backendError struct {
	code    int
	message string
}

func (e *backendError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.code, e.message)
}

// nonRefundableCodes are backend JSON-RPC errors that reflect a permanent
// client-side problem (unknown tool, bad arguments) rather than a
// transient backend failure, so no refund is owed.
var nonRefundableCodes = map[int]bool{
	-32601: true, // method/tool not found
	-32602: true, // invalid params
}

// handleBatch runs spec §4.7's batch flow: steps 2-5 were already run once
// by the caller (resolveAndCheckKey); here each sub-call runs steps 6-16
// independently via evaluateSubCall. Tool ACL (step 6) is checked per
// sub-call despite the "steps 2-6 once" wording, since ACL is inherently
// tool-specific — see DESIGN.md's C7 section.
func (g *Gate) handleBatch(ctx context.Context, id json.RawMessage, record *keystore.Record, auth AuthContext, batch batchParams) RPCResponse {
	type subResult struct {
		Tool           string          `json:"tool"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          *RPCErrorBody   `json:"error,omitempty"`
		CreditsCharged int64           `json:"creditsCharged"`
	}

	results := make([]subResult, 0, len(batch.Calls))
	var total int64

	for _, call := range batch.Calls {
		before := record.TotalSpent
		result, rpcErr := g.evaluateSubCall(ctx, record, auth, call)

		fresh, err := g.store.LookupRaw(record.Key)
		charged := int64(0)
		if err == nil {
			charged = fresh.TotalSpent - before
			record = fresh
		}
		total += charged

		results = append(results, subResult{Tool: call.Name, Result: result, Error: rpcErr, CreditsCharged: charged})
	}

	payload, _ := json.Marshal(struct {
		Results             interface{} `json:"results"`
		TotalCreditsCharged int64       `json:"totalCreditsCharged"`
	}{Results: results, TotalCreditsCharged: total})

	return RPCResponse{JSONRPC: "2.0", ID: id, Result: payload}
}

func (g *Gate) effectiveKeyLimit(record *keystore.Record) int {
	return g.rateCfg.DefaultKeyLimit
}

func (g *Gate) effectiveKeyWindow() time.Duration {
	if g.rateCfg.DefaultKeyWindow.Duration <= 0 {
		return time.Minute
	}
	return g.rateCfg.DefaultKeyWindow.Duration
}

func (g *Gate) recordDenial(tool, reason string) {
	if g.metrics != nil {
		g.metrics.ObserveDenial(reason)
	}
}

func (g *Gate) recordUsage(record *keystore.Record, tool string, credits int64, allowed bool, denyReason string, duration time.Duration) {
	if g.usage == nil {
		return
	}
	g.usage.Record(usage.Event{
		APIKey:         record.Key,
		KeyName:        record.Name,
		Tool:           tool,
		CreditsCharged: credits,
		Allowed:        allowed,
		DenyReason:     denyReason,
		DurationMs:     duration.Milliseconds(),
		Namespace:      record.Namespace,
	})
}

func (g *Gate) sideEffects(record *keystore.Record, tool string, credits int64, allowed bool, errMsg string) {
	status := "allowed"
	if !allowed {
		status = "denied"
	}
	if g.audit != nil {
		g.audit.Log("tool_call."+status, record.Key, fmt.Sprintf("%s %s", tool, status), map[string]string{
			"tool": tool, "credits": fmt.Sprint(credits),
		})
	}
	if g.webhook != nil {
		g.webhook.Emit("tool_call."+status, record.Key, fmt.Sprintf("%s call %s (%d credits)", tool, status, credits), map[string]string{"tool": tool})
	}
}

func errBody(code pgerrors.ErrorCode, message string, data json.RawMessage) *RPCErrorBody {
	return &RPCErrorBody{Code: code.JSONRPCCode(), Message: message, Data: data}
}

func (g *Gate) denyResponse(id json.RawMessage, code pgerrors.ErrorCode, message string, data json.RawMessage) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Error: errBody(code, message, data)}
}

func isRefundable(err error) bool {
	if be, ok := err.(*backendError); ok {
		return !nonRefundableCodes[be.code]
	}
	return true
}
