package api

import (
	"net/http"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountKeyMappings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": "storage unreachable"})
		return
	}
	activeMappings.Set(float64(n))

	resp := map[string]any{
		"status":          "ok",
		"active_mappings": n,
		"embedded_target": s.target != nil,
	}
	if s.target != nil {
		paused := s.target.Status().Paused
		targetPaused.Set(boolGauge(paused))
		resp["target_paused"] = paused
	}
	writeJSON(w, http.StatusOK, resp)
}
