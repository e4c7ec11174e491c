package server

import "net/http"

// handleHealth handles health check requests. It reports degraded while a
// database monitor check is failing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "healthy"
	code := http.StatusOK
	unhealthy := s.dbMonitor.Unhealthy()
	if len(unhealthy) > 0 {
		state = "degraded"
		code = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":  state,
		"version": s.version,
		"service": "adpilot",
	}
	if len(unhealthy) > 0 {
		response["unhealthy"] = unhealthy
	}

	writeJSON(w, code, response, s.log)
}
