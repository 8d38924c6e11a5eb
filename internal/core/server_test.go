package core

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg types.ServerConfig, opts ...Option) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s := NewServer(cfg, opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func dialTestServer(t *testing.T, s *Server) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ack := readOutbound(t, conn)
	require.Equal(t, messaging.KindConnectionAck, ack.Type)
	var payload messaging.ConnectionAck
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	require.NotEmpty(t, payload.ConnectionID)
	return conn, payload.ConnectionID
}

func readOutbound(t *testing.T, conn *websocket.Conn) messaging.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)

	var msg messaging.Outbound
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func subscribe(t *testing.T, s *Server, conn *websocket.Conn, topics ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "subscribe",
		"payload": map[string]any{"topics": topics},
	}))
	require.Eventually(t, func() bool {
		hub := s.Hub()
		if hub == nil {
			return false
		}
		subs, err := hub.SubscribersOf(topics[len(topics)-1])
		return err == nil && len(subs) > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_BroadcastEndToEnd(t *testing.T) {
	s := startTestServer(t, types.ServerConfig{})
	conn, _ := dialTestServer(t, s)

	subscribe(t, s, conn, ProbabilityTopic("42"))

	n, err := s.BroadcastProbabilityUpdate("42", map[string]float64{"home": 0.61})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := readOutbound(t, conn)
	assert.Equal(t, messaging.KindProbabilityUpdate, msg.Type)
	assert.JSONEq(t, `{"home":0.61}`, string(msg.Payload))
	assert.True(t, strings.HasPrefix(msg.MessageID, "msg_"))

	n, err = s.BroadcastGameStateUpdate("42", map[string]any{"quarter": 2})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServer_HeartbeatAndPing(t *testing.T) {
	s := startTestServer(t, types.ServerConfig{})
	conn, _ := dialTestServer(t, s)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})

	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("hi"), time.Now().Add(time.Second)))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat"}))

	msg := readOutbound(t, conn)
	assert.Equal(t, messaging.KindHeartbeat, msg.Type)

	select {
	case data := <-pong:
		assert.Equal(t, "hi", data)
	default:
		t.Fatal("no pong received before heartbeat reply")
	}
}

func TestServer_MalformedMessageGetsError(t *testing.T) {
	s := startTestServer(t, types.ServerConfig{})
	conn, _ := dialTestServer(t, s)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	msg := readOutbound(t, conn)
	require.Equal(t, messaging.KindError, msg.Type)
	var payload messaging.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.True(t, strings.HasPrefix(payload.Message, "invalid message"), payload.Message)

	assert.Equal(t, 1, s.GetStats().TotalConnections)
}

func TestServer_ClientCloseRemovesConnection(t *testing.T) {
	s := startTestServer(t, types.ServerConfig{})
	conn, _ := dialTestServer(t, s)
	subscribe(t, s, conn, GameStateTopic("7"))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	require.Eventually(t, func() bool {
		stats := s.GetStats()
		return stats.TotalConnections == 0 && stats.TotalSubscriptions == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_MaxConnections(t *testing.T) {
	s := startTestServer(t, types.ServerConfig{MaxConnections: 1})
	dialTestServer(t, s)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_EventsReported(t *testing.T) {
	rec := &eventRecorder{}
	s := startTestServer(t, types.ServerConfig{}, WithEventHandler(rec.record))
	conn, _ := dialTestServer(t, s)
	subscribe(t, s, conn, PredictionTopic("s1"))

	require.Eventually(t, func() bool {
		types := rec.types()
		return len(types) >= 2 && types[0] == EventConnect && types[1] == EventSubscribe
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServer_Lifecycle(t *testing.T) {
	s := NewServer(types.ServerConfig{Addr: "127.0.0.1:0"}, WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Stop(ctx), "stopping a stopped server is a no-op")

	require.NoError(t, s.Start())
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	conn, _ := dialTestServer(t, s)

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Stop(ctx))
	assert.Equal(t, Stats{}, s.GetStats())

	// the client sees the close
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	_, err := s.BroadcastPredictionComplete("s1", map[string]any{"ok": true})
	assert.ErrorIs(t, err, ErrNotRunning)

	// restart on a fresh port
	require.NoError(t, s.Start())
	dialTestServer(t, s)
	assert.Equal(t, 1, s.GetStats().TotalConnections)
	require.NoError(t, s.Stop(ctx))
}

func TestServer_HealthAndStats(t *testing.T) {
	s := startTestServer(t, types.ServerConfig{})
	_, id := dialTestServer(t, s)
	base := "http://" + s.Addr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var health struct {
		Status string `json:"status"`
		State  string `json:"state"`
		Stats  Stats  `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "RUNNING", health.State)
	assert.Equal(t, 1, health.Stats.TotalConnections)

	statsResp, err := http.Get(base + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	var stats map[string]any
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats["totalConnections"])
	assert.Contains(t, stats, "resourceGuard")

	connResp, err := http.Get(base + "/stats?connection=" + id)
	require.NoError(t, err)
	defer connResp.Body.Close()
	require.Equal(t, http.StatusOK, connResp.StatusCode)
	var info ConnectionInfo
	require.NoError(t, json.NewDecoder(connResp.Body).Decode(&info))
	assert.Equal(t, id, info.ID)
	assert.True(t, info.Alive)
	assert.Equal(t, "127.0.0.1", info.Metadata["client_ip"])

	missingResp, err := http.Get(base + "/stats?connection=conn_missing")
	require.NoError(t, err)
	defer missingResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestServer_ResourceGuardRejectsUpgrade(t *testing.T) {
	// every real or injected sample exceeds one goroutine
	s := startTestServer(t, types.ServerConfig{MaxGoroutines: 1})
	s.ResourceGuard().UpdateResources(monitoring.SystemSnapshot{Goroutines: 10})

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, s.GetStats().TotalConnections)
}

func TestGetClientIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", getClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(r))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STOPPING", StateStopping.String())
	assert.Equal(t, "State(9)", State(9).String())
}
