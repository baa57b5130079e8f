package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/paygate/gateway/internal/keystore"
)

// topupRequest is the pre-authorized credit grant this endpoint accepts.
// Actual payment collection is out of scope (spec §1 Non-goals); the caller
// is expected to be a trusted collaborator (e.g. an out-of-scope admin or
// billing surface) that has already verified payment.
type topupRequest struct {
	APIKey string `json:"apiKey"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

type topupResponse struct {
	APIKey         string `json:"apiKey"`
	CreditsBalance int64  `json:"creditsBalance"`
}

// postTopup implements POST /topup (spec §7: "a client can drive an
// automatic top-up loop against /topup"): grants credits, records a ledger
// entry, and emits an audit event.
func (h *handlers) postTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			http.Error(w, "request body exceeds the configured limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.APIKey == "" || req.Amount <= 0 {
		http.Error(w, "apiKey and a positive amount are required", http.StatusBadRequest)
		return
	}

	if err := h.store.AddCredits(req.APIKey, req.Amount, keystore.LedgerTopup, req.Memo); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if h.redisSync != nil {
		h.redisSync.Topup(r.Context(), req.APIKey, req.Amount)
	}

	record, err := h.store.LookupRaw(req.APIKey)
	balance := int64(0)
	if err == nil {
		balance = record.Credits
	}

	if h.audit != nil {
		h.audit.Log("topup", req.APIKey, "credits granted", map[string]string{
			"amount": strconv.FormatInt(req.Amount, 10),
		})
	}

	writeJSON(w, http.StatusOK, topupResponse{APIKey: req.APIKey, CreditsBalance: balance})
}
