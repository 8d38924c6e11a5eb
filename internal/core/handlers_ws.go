package core

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
)

// WebSocket upgrade handler
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	s.logger.Debug().
		Str("remote_addr", r.RemoteAddr).
		Str("client_ip", clientIP).
		Str("user_agent", r.UserAgent()).
		Msg("WebSocket upgrade request received")

	// Admission holds off Stop until the read loop is accounted for.
	s.admit.RLock()
	hub, err := s.runningHub()
	if err != nil {
		s.admit.RUnlock()
		monitoring.RecordRejected("not_running")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.readers.Add(1)
	s.admit.RUnlock()

	admitted := false
	defer func() {
		if !admitted {
			s.readers.Done()
		}
	}()

	if s.connLimiter != nil && !s.connLimiter.CheckConnectionAllowed(clientIP) {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Msg("Connection rejected: resource limit")
		monitoring.RecordRejected(reason)
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	// Reserve the slot before upgrading; readPump releases it.
	if current := s.conns.Add(1); current > int64(s.config.MaxConnections) {
		s.conns.Add(-1)
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int64("current_connections", current-1).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected: at capacity")
		monitoring.RecordRejected("max_connections")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		if !admitted {
			s.conns.Add(-1)
		}
	}()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.RecordRejected("upgrade_failed")
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.UserAgent()).
			Dur("elapsed", time.Since(startTime)).
			Msg("WebSocket upgrade failed")
		return
	}

	transport := newWSTransport(conn, s.config.SendBufferSize, s.logger.With().
		Str("client_ip", clientIP).
		Logger())

	id, err := hub.Accept(transport, map[string]string{
		"client_ip":   clientIP,
		"user_agent":  r.UserAgent(),
		"remote_addr": r.RemoteAddr,
	})
	if err != nil {
		// hub stopped between admission and accept
		transport.Close()
		return
	}

	admitted = true
	go s.readPump(hub, id, conn, transport)

	s.logger.Info().
		Str("client_ip", clientIP).
		Str("connection_id", id).
		Dur("setup_time", time.Since(startTime)).
		Msg("Client connected")
}

// getClientIP prefers the first X-Forwarded-For hop over RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
