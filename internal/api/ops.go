package api

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuditMetrics reports audit pool and circuit health, plus cache stats
// when a cache is configured.
func (s *Server) handleAuditMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"audit": s.deps.Audit.Metrics()}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}
