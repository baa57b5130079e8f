package gate

import (
	"encoding/json"

	"github.com/paygate/gateway/internal/config"
)

// pricing computes creditsRequired = base + ceil(argumentBytes/1024) *
// perKbRate (spec §4.7 step 11), using a per-tool override when configured.
func pricing(cfg config.PricingConfig, tool string, argumentBytes int) int64 {
	base := cfg.DefaultBaseCredits
	perKb := cfg.DefaultPerKbCredits
	if override, ok := cfg.PerTool[tool]; ok {
		base = override.BaseCredits
		perKb = override.PerKbCredits
	}

	kb := (int64(argumentBytes) + 1023) / 1024
	return base + kb*perKb
}

// pricingInfo is the `_pricing` field merged into each tools/list entry.
type pricingInfo struct {
	BaseCredits  int64 `json:"baseCredits"`
	PerKbCredits int64 `json:"perKbCredits"`
}

// enrichToolsListWithPricing adds a `_pricing` field to every tool
// descriptor in a tools/list result (spec §4.7 step 1: "tools/list
// responses are enriched with _pricing per tool"). Unknown or malformed
// shapes pass through unchanged.
func enrichToolsListWithPricing(result json.RawMessage, cfg config.PricingConfig) json.RawMessage {
	if len(result) == 0 {
		return result
	}

	var parsed struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return result
	}

	enriched := make([]json.RawMessage, 0, len(parsed.Tools))
	for _, raw := range parsed.Tools {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			enriched = append(enriched, raw)
			continue
		}
		var named struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(raw, &named)

		base := cfg.DefaultBaseCredits
		perKb := cfg.DefaultPerKbCredits
		if override, ok := cfg.PerTool[named.Name]; ok {
			base = override.BaseCredits
			perKb = override.PerKbCredits
		}
		info, err := json.Marshal(pricingInfo{BaseCredits: base, PerKbCredits: perKb})
		if err != nil {
			enriched = append(enriched, raw)
			continue
		}
		fields["_pricing"] = info

		merged, err := json.Marshal(fields)
		if err != nil {
			enriched = append(enriched, raw)
			continue
		}
		enriched = append(enriched, merged)
	}

	out, err := json.Marshal(struct {
		Tools []json.RawMessage `json:"tools"`
	}{Tools: enriched})
	if err != nil {
		return result
	}
	return out
}
