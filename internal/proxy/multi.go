package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Backend pairs a Proxy with the id it was registered under and the tool
// names it declares ownership of.
type Backend struct {
	ID      string
	Proxy   Proxy
	Tools   []string
}

// Multi routes a call to whichever registered backend declares the called
// tool, merging their tools/list results. On a tool-name collision across
// backends, the first-registered backend wins and the collision is logged
// (spec §4.8: "first-registered-wins collision policy with a warning log").
type Multi struct {
	backends []Backend
	byTool   map[string]*Backend
	logger   zerolog.Logger
}

// NewMulti constructs a Multi router over the given backends, in
// registration order.
func NewMulti(logger zerolog.Logger, backends ...Backend) *Multi {
	m := &Multi{logger: logger}
	m.byTool = make(map[string]*Backend, len(backends))
	for i := range backends {
		b := backends[i]
		m.backends = append(m.backends, b)
		for _, tool := range b.Tools {
			if existing, ok := m.byTool[tool]; ok {
				m.logger.Warn().
					Str("tool", tool).
					Str("kept_backend", existing.ID).
					Str("dropped_backend", b.ID).
					Msg("tool name registered by more than one backend, keeping first registration")
				continue
			}
			m.byTool[tool] = &m.backends[len(m.backends)-1]
		}
	}
	return m
}

// Start starts every registered backend, stopping at the first failure.
func (m *Multi) Start(ctx context.Context) error {
	for _, b := range m.backends {
		if err := b.Proxy.Start(ctx); err != nil {
			return fmt.Errorf("proxy: start backend %s: %w", b.ID, err)
		}
	}
	return nil
}

// Stop stops every registered backend, continuing past individual failures
// and returning the last error seen.
func (m *Multi) Stop(ctx context.Context) error {
	var lastErr error
	for _, b := range m.backends {
		if err := b.Proxy.Stop(ctx); err != nil {
			m.logger.Error().Str("backend", b.ID).Err(err).Msg("backend stop failed")
			lastErr = err
		}
	}
	return lastErr
}

// IsRunning reports true if at least one registered backend is running.
func (m *Multi) IsRunning() bool {
	for _, b := range m.backends {
		if b.Proxy.IsRunning() {
			return true
		}
	}
	return false
}

// Forward routes req to the backend that declared opts.Tool.
func (m *Multi) Forward(ctx context.Context, req Request, opts Options) (Response, error) {
	b, ok := m.byTool[opts.Tool]
	if !ok {
		return Response{}, fmt.Errorf("proxy: no backend registered for tool %q", opts.Tool)
	}
	return b.Proxy.Forward(ctx, req, opts)
}

// ForwardToAll sends req to every registered backend (spec §4.8: "forwards
// initialize to all") and returns the first successful response; failures
// from other backends are logged, not surfaced, since initialize has no
// well-defined per-backend merge semantics.
func (m *Multi) ForwardToAll(ctx context.Context, req Request) (Response, error) {
	var (
		first *Response
		last  error
	)
	for _, b := range m.backends {
		resp, err := b.Proxy.Forward(ctx, req, Options{})
		if err != nil {
			m.logger.Warn().Str("backend", b.ID).Err(err).Msg("backend failed broadcast call")
			last = err
			continue
		}
		if first == nil {
			first = &resp
		}
	}
	if first != nil {
		return *first, nil
	}
	if last != nil {
		return Response{}, last
	}
	return Response{}, fmt.Errorf("proxy: no backends registered")
}

// toolListResult mirrors the subset of an MCP tools/list result this router
// needs to merge across backends.
type toolListResult struct {
	Tools []json.RawMessage `json:"tools"`
}

// AggregateToolsList fans a tools/list call out to every backend and merges
// their tool descriptors, applying the same first-registered-wins collision
// policy used for routing.
func (m *Multi) AggregateToolsList(ctx context.Context, req Request) (Response, error) {
	seen := make(map[string]bool)
	var merged []json.RawMessage

	for _, b := range m.backends {
		resp, err := b.Proxy.Forward(ctx, req, Options{})
		if err != nil {
			m.logger.Warn().Str("backend", b.ID).Err(err).Msg("backend failed tools/list, skipping")
			continue
		}
		if resp.Error != nil {
			m.logger.Warn().Str("backend", b.ID).Int("code", resp.Error.Code).Msg("backend returned error for tools/list, skipping")
			continue
		}

		var list toolListResult
		if err := json.Unmarshal(resp.Result, &list); err != nil {
			m.logger.Warn().Str("backend", b.ID).Err(err).Msg("backend returned malformed tools/list, skipping")
			continue
		}

		for _, tool := range list.Tools {
			var named struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(tool, &named); err != nil {
				continue
			}
			if seen[named.Name] {
				continue
			}
			seen[named.Name] = true
			merged = append(merged, tool)
		}
	}

	result, err := json.Marshal(toolListResult{Tools: merged})
	if err != nil {
		return Response{}, fmt.Errorf("proxy: marshal merged tools/list: %w", err)
	}
	return Response{ID: req.ID, Result: result}, nil
}
