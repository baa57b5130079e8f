package httpserver

import (
	"net/http"

	pgerrors "github.com/paygate/gateway/internal/errors"
)

// wellKnownPaymentResponse mirrors spec §6.2: "server metadata (spec
// version, billing model, default price, auth methods, payment error code,
// pricing endpoint, global rate limit, tool count)".
type wellKnownPaymentResponse struct {
	SpecVersion       string   `json:"specVersion"`
	BillingModel      string   `json:"billingModel"`
	DefaultBaseCredits int64   `json:"defaultBaseCredits"`
	DefaultPerKbCredits int64  `json:"defaultPerKbCredits"`
	AuthMethods       []string `json:"authMethods"`
	PaymentErrorCode  int      `json:"paymentErrorCode"`
	PricingEndpoint   string   `json:"pricingEndpoint"`
	GlobalRateLimit   int      `json:"globalRateLimitPerMinute"`
	ToolCount         int      `json:"toolCount"`
}

type toolPriceEntry struct {
	Tool         string `json:"tool"`
	BaseCredits  int64  `json:"baseCredits"`
	PerKbCredits int64  `json:"perKbCredits"`
}

type pricingResponse struct {
	wellKnownPaymentResponse
	Tools []toolPriceEntry `json:"tools"`
}

// wellKnownPayment implements GET /.well-known/mcp-payment (public, spec
// §6.2).
func (h *handlers) wellKnownPayment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.buildWellKnown())
}

// pricing implements GET /pricing: the same metadata plus a per-tool
// pricing list (spec §6.2).
func (h *handlers) pricing(w http.ResponseWriter, r *http.Request) {
	base := h.buildWellKnown()
	tools := make([]toolPriceEntry, 0, len(h.cfg.Pricing.PerTool))
	for name, override := range h.cfg.Pricing.PerTool {
		tools = append(tools, toolPriceEntry{
			Tool:         name,
			BaseCredits:  override.BaseCredits,
			PerKbCredits: override.PerKbCredits,
		})
	}
	writeJSON(w, http.StatusOK, pricingResponse{wellKnownPaymentResponse: base, Tools: tools})
}

func (h *handlers) buildWellKnown() wellKnownPaymentResponse {
	authMethods := []string{"api_key"}
	if h.scopedTokens != nil {
		authMethods = append(authMethods, "scoped_token")
	}
	if h.oauthProvider != nil {
		authMethods = append(authMethods, "oauth2")
	}

	return wellKnownPaymentResponse{
		SpecVersion:         "2025-06-18",
		BillingModel:        "credits",
		DefaultBaseCredits:  h.cfg.Pricing.DefaultBaseCredits,
		DefaultPerKbCredits: h.cfg.Pricing.DefaultPerKbCredits,
		AuthMethods:         authMethods,
		PaymentErrorCode:    pgerrors.ErrCodeInsufficientCredits.JSONRPCCode(),
		PricingEndpoint:     "/pricing",
		GlobalRateLimit:     h.cfg.RateLimit.GlobalLimit,
		ToolCount:           len(h.cfg.Pricing.PerTool),
	}
}
