package server

import (
	"context"
	"net/http"
	"time"
)

// handleHealth reports liveness plus a database probe. It answers 200 even
// when the database is down so load balancers can tell "process up, store
// down" from "process gone".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	db := "ok"
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health probe: database unreachable", "error", err)
		db = "error"
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"db":             db,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
