package httpserver

import "net/http"

// healthzResponse is deliberately minimal: liveness only asks "is the
// process up and serving requests".
type healthzResponse struct {
	Status string `json:"status"`
}

// readyzResponse reports each readiness dependency individually so an
// operator can tell which one is degraded (spec §7 item 4: "health
// endpoint reflects the degraded status").
type readyzResponse struct {
	Status       string `json:"status"`
	KeyStore     bool   `json:"keyStoreLoaded"`
	Redis        bool   `json:"redisHealthy"`
	BackendReady bool   `json:"backendRunning"`
}

// healthz implements GET /healthz (liveness).
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{Status: "ok"})
}

// readyz implements GET /readyz (readiness): KeyStore loaded, Redis
// reachable if configured, at least one proxy backend running.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	resp := readyzResponse{
		KeyStore:     h.store != nil,
		Redis:        h.redisSync.Healthy(),
		BackendReady: h.backend != nil && h.backend.IsRunning(),
	}

	status := http.StatusOK
	if !resp.KeyStore || !resp.Redis || !resp.BackendReady {
		status = http.StatusServiceUnavailable
	}
	resp.Status = "ready"
	if status != http.StatusOK {
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}
