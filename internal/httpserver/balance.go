package httpserver

import "net/http"

type balanceResponse struct {
	APIKey         string `json:"apiKey"`
	CreditsBalance int64  `json:"creditsBalance"`
}

// getBalance implements GET /balance (spec §6.2: the insufficient-credits
// error's `balanceEndpoint` points here), a read-only counterpart to
// POST /topup for a client driving an automatic top-up loop.
func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-Api-Key")
	if apiKey == "" {
		http.Error(w, "X-Api-Key header is required", http.StatusBadRequest)
		return
	}

	record, err := h.store.LookupRaw(apiKey)
	if err != nil {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{APIKey: apiKey, CreditsBalance: record.Credits})
}
