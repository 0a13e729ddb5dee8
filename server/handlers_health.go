package server

import (
	"net/http"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the database ping and every configured check in order and
// reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make([]Check, 0, len(h.deps.ReadyChecks)+1)
	if h.deps.DB != nil {
		checks = append(checks, Check{Name: "database", Fn: h.deps.DB.PingContext})
	}
	checks = append(checks, h.deps.ReadyChecks...)

	for _, check := range checks {
		err := check.Fn(r.Context())
		if err == nil {
			continue
		}
		if r.Context().Err() != nil {
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": check.Name,
			"error":        err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
