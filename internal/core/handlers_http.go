package core

import (
	"encoding/json"
	"errors"
	"net/http"
)

func setJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
}

// handleHealth reports lifecycle state, registry counts and a fresh
// resource sample. Anything but RUNNING is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	setJSONHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	state := s.State()
	status, statusCode := "healthy", http.StatusOK
	if state != StateRunning {
		status, statusCode = "unhealthy", http.StatusServiceUnavailable
	}

	stats := s.GetStats()
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"state":  state.String(),
		"stats":  stats,
		"capacity": map[string]any{
			"current": s.conns.Load(),
			"max":     s.config.MaxConnections,
		},
		"system": s.collector.Collect(),
		"uptime": s.clock.Since(s.startedAt).Seconds(),
	}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write health response")
	}
}

// handleStats returns the registry snapshot plus topic and limiter details.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	setJSONHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	hub, err := s.runningHub()
	if err != nil {
		http.Error(w, `{"error":"server not running"}`, http.StatusServiceUnavailable)
		return
	}
	if id := r.URL.Query().Get("connection"); id != "" {
		s.writeConnectionStats(w, hub, id)
		return
	}

	stats, err := hub.Stats()
	if err != nil {
		http.Error(w, `{"error":"server not running"}`, http.StatusServiceUnavailable)
		return
	}
	topics, _ := hub.Topics()

	body := map[string]any{
		"totalConnections":   stats.TotalConnections,
		"activeConnections":  stats.ActiveConnections,
		"totalSubscriptions": stats.TotalSubscriptions,
		"queuedMessages":     stats.QueuedMessages,
		"topics":             len(topics),
	}
	if s.connLimiter != nil {
		body["connectionRateLimit"] = s.connLimiter.GetStats()
	}
	body["resourceGuard"] = s.guard.GetStats()

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write stats response")
	}
}

// writeConnectionStats answers /stats?connection=<id> with one connection.
func (s *Server) writeConnectionStats(w http.ResponseWriter, hub *Hub, id string) {
	info, err := hub.Connection(id)
	switch {
	case errors.Is(err, ErrUnknownConnection):
		http.Error(w, `{"error":"unknown connection"}`, http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, `{"error":"server not running"}`, http.StatusServiceUnavailable)
		return
	}

	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write connection stats")
	}
}
