// Package plugin implements the PluginManager collaborator contract the
// gate consults at fixed pipeline points (spec §6.7:
// PluginManager.{executeBeforeToolCall, executeAfterToolCall, executeOnRequest,
// executeStart, executeStop, transformPrice}). Dispatch-with-panic-recovery
// is grounded on the teacher's internal/observability/registry.go Registry,
// generalized from fire-and-forget event hooks to ordered, short-circuitable
// request-processing hooks.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// ToolCall carries the request-scoped fields a plugin may inspect or rewrite.
type ToolCall struct {
	APIKey string
	Tool   string
	Params json.RawMessage
}

// BeforeResult lets a plugin rewrite params or short-circuit the pipeline
// with its own response (spec §4.7 step 7: "may rewrite params or
// short-circuit").
type BeforeResult struct {
	Params       json.RawMessage
	ShortCircuit bool
	Response     json.RawMessage
	DenyReason   string
}

// AfterResult lets a plugin rewrite the backend's response before it is
// returned to the caller (spec §4.7 step 15).
type AfterResult struct {
	Response json.RawMessage
}

// Plugin is the interface every registered plugin implements. Every method
// has a safe default so a plugin can implement only the hooks it needs by
// embedding NoopPlugin.
type Plugin interface {
	Name() string
	OnRequest(ctx context.Context, method string) error
	BeforeToolCall(ctx context.Context, call ToolCall) (BeforeResult, error)
	AfterToolCall(ctx context.Context, call ToolCall, response json.RawMessage, callErr error) (AfterResult, error)
	TransformPrice(ctx context.Context, tool string, baseCredits int64) (int64, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopPlugin implements every Plugin method as a no-op; embed it to
// implement only the hooks a concrete plugin cares about.
type NoopPlugin struct{}

func (NoopPlugin) Name() string { return "noop" }
func (NoopPlugin) OnRequest(ctx context.Context, method string) error { return nil }
func (NoopPlugin) BeforeToolCall(ctx context.Context, call ToolCall) (BeforeResult, error) {
	return BeforeResult{Params: call.Params}, nil
}
func (NoopPlugin) AfterToolCall(ctx context.Context, call ToolCall, response json.RawMessage, callErr error) (AfterResult, error) {
	return AfterResult{Response: response}, nil
}
func (NoopPlugin) TransformPrice(ctx context.Context, tool string, baseCredits int64) (int64, error) {
	return baseCredits, nil
}
func (NoopPlugin) Start(ctx context.Context) error { return nil }
func (NoopPlugin) Stop(ctx context.Context) error  { return nil }

// Manager dispatches to an ordered list of registered plugins.
type Manager struct {
	plugins []Plugin
	logger  zerolog.Logger
}

// New constructs a Manager over the given plugins, applied in order.
func New(logger zerolog.Logger, plugins ...Plugin) *Manager {
	return &Manager{plugins: plugins, logger: logger}
}

func (m *Manager) recoverPanic(hook, plugin string) {
	if r := recover(); r != nil {
		m.logger.Error().
			Str("hook", hook).
			Str("plugin", plugin).
			Interface("panic", r).
			Msg("plugin panicked, ignoring")
	}
}

// ExecuteOnRequest runs OnRequest on every plugin; the first error aborts
// the request.
func (m *Manager) ExecuteOnRequest(ctx context.Context, method string) (err error) {
	for _, p := range m.plugins {
		func() {
			defer m.recoverPanic("OnRequest", p.Name())
			err = p.OnRequest(ctx, method)
		}()
		if err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

// ExecuteBeforeToolCall runs BeforeToolCall on every plugin in order,
// threading each plugin's rewritten params into the next. Stops at the
// first plugin that short-circuits.
func (m *Manager) ExecuteBeforeToolCall(ctx context.Context, call ToolCall) (BeforeResult, error) {
	result := BeforeResult{Params: call.Params}
	for _, p := range m.plugins {
		var (
			res BeforeResult
			err error
		)
		next := call
		next.Params = result.Params
		func() {
			defer m.recoverPanic("BeforeToolCall", p.Name())
			res, err = p.BeforeToolCall(ctx, next)
		}()
		if err != nil {
			return result, fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		if res.Params != nil {
			result.Params = res.Params
		}
		if res.ShortCircuit {
			result.ShortCircuit = true
			result.Response = res.Response
			result.DenyReason = res.DenyReason
			return result, nil
		}
	}
	return result, nil
}

// ExecuteAfterToolCall runs AfterToolCall on every plugin in order,
// threading each plugin's rewritten response into the next.
func (m *Manager) ExecuteAfterToolCall(ctx context.Context, call ToolCall, response json.RawMessage, callErr error) (json.RawMessage, error) {
	current := response
	for _, p := range m.plugins {
		var (
			ar  AfterResult
			err error
		)
		func() {
			defer m.recoverPanic("AfterToolCall", p.Name())
			ar, err = p.AfterToolCall(ctx, call, current, callErr)
		}()
		if err != nil {
			return current, fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
		if ar.Response != nil {
			current = ar.Response
		}
	}
	return current, nil
}

// TransformPrice threads baseCredits through every plugin's TransformPrice
// in order (spec §4.7 step 11: "honoring plugin transformPrice").
func (m *Manager) TransformPrice(ctx context.Context, tool string, baseCredits int64) (int64, error) {
	price := baseCredits
	for _, p := range m.plugins {
		var err error
		func() {
			defer m.recoverPanic("TransformPrice", p.Name())
			price, err = p.TransformPrice(ctx, tool, price)
		}()
		if err != nil {
			return price, fmt.Errorf("plugin %s: %w", p.Name(), err)
		}
	}
	return price, nil
}

// ExecuteStart starts every plugin in registration order, stopping at the
// first error.
func (m *Manager) ExecuteStart(ctx context.Context) error {
	for _, p := range m.plugins {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("plugin %s: start: %w", p.Name(), err)
		}
	}
	return nil
}

// ExecuteStop stops every plugin in reverse registration order, continuing
// past individual failures and returning the last error seen.
func (m *Manager) ExecuteStop(ctx context.Context) error {
	var lastErr error
	for i := len(m.plugins) - 1; i >= 0; i-- {
		p := m.plugins[i]
		if err := p.Stop(ctx); err != nil {
			m.logger.Error().Str("plugin", p.Name()).Err(err).Msg("plugin stop failed")
			lastErr = err
		}
	}
	return lastErr
}
