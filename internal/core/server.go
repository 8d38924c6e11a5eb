package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/limits"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/types"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Server accepts WebSocket clients and broadcasts to them. It is created
// stopped; Start and Stop may be called repeatedly over its lifetime.
type Server struct {
	config  types.ServerConfig
	logger  zerolog.Logger
	clock   clockwork.Clock
	onEvent func(Event)

	lifecycle sync.Mutex // serialises Start and Stop
	admit     sync.RWMutex
	state     atomic.Int32
	startedAt time.Time

	hub         atomic.Pointer[Hub]
	listener    net.Listener
	httpServer  *http.Server
	connLimiter *limits.ConnectionRateLimiter
	msgLimiter  *limits.RateLimiter
	guard       *limits.ResourceGuard
	collector   *monitoring.ProcessCollector

	cancel  context.CancelFunc
	wg      sync.WaitGroup // serve loop, process collector
	readers sync.WaitGroup // one per connection read loop
	conns   atomic.Int64
}

// Option customises a Server.
type Option func(*Server)

// WithLogger replaces the logger built from the config.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock sets the clock driving heartbeats and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithEventHandler registers a callback for connection and subscription
// events. It runs on its own goroutine, in event order.
func WithEventHandler(fn func(Event)) Option {
	return func(s *Server) { s.onEvent = fn }
}

func NewServer(config types.ServerConfig, opts ...Option) *Server {
	config = config.WithDefaults()

	s := &Server{
		config: config,
		logger: monitoring.NewLogger(monitoring.LoggerConfig{
			Level:  config.LogLevel,
			Format: config.LogFormat,
		}),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "server").Logger()
	s.collector = monitoring.NewProcessCollector(s.logger)
	s.guard = limits.NewResourceGuard(limits.ResourceGuardConfig{
		CPURejectThreshold: config.CPURejectThreshold,
		CPUPauseThreshold:  config.CPUPauseThreshold,
		MemoryLimit:        config.MemoryLimit,
		MaxGoroutines:      config.MaxGoroutines,
		Logger:             s.logger,
	})

	s.logger.Info().
		Str("addr", config.Addr).
		Int("max_connections", config.MaxConnections).
		Int("queue_capacity", config.QueueCapacity).
		Dur("heartbeat_timeout", config.HeartbeatTimeout).
		Msg("Server initialized")

	return s
}

func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Addr returns the listening address while the server is running.
func (s *Server) Addr() net.Addr {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start opens the listener, starts the hub with its heartbeat sweep and
// begins serving /ws, /health, /stats and /metrics. It fails with
// ErrAlreadyRunning unless the server is stopped.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateStopped {
		return ErrAlreadyRunning
	}
	s.setState(StateStarting)

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.hub.Store(NewHub(HubConfig{
		Clock:             s.clock,
		Logger:            s.logger,
		QueueCapacity:     s.config.QueueCapacity,
		HeartbeatTimeout:  s.config.HeartbeatTimeout,
		HeartbeatInterval: s.config.HeartbeatInterval,
		OnEvent:           s.onEvent,
		Alerter:           monitoring.NewLogAlerter(s.logger),
	}))

	s.msgLimiter = limits.NewRateLimiter(s.config.ClientMessageBurst, s.config.ClientMessageRate)
	s.connLimiter = nil
	if s.config.ConnectionRateLimitEnabled {
		s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     s.config.ConnRateLimitIPBurst,
			IPRate:      s.config.ConnRateLimitIPRate,
			GlobalBurst: s.config.ConnRateLimitGlobalBurst,
			GlobalRate:  s.config.ConnRateLimitGlobalRate,
			Logger:      s.logger,
		})
		s.logger.Info().Msg("Connection rate limiting enabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", monitoring.HandleMetrics())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.startedAt = s.clock.Now()

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "http_serve", nil)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}(s.httpServer)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.collector.Run(ctx, s.config.MetricsInterval, s.guard.UpdateResources)
	}()

	monitoring.SetMaxConnections(s.config.MaxConnections)
	s.setState(StateRunning)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Server listening")
	return nil
}

// Stop rejects new work, closes the listener, disconnects every client and
// waits for connection goroutines to exit or ctx to expire. Calling Stop on
// a stopped server does nothing.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == StateStopped {
		return nil
	}

	s.admit.Lock()
	s.setState(StateStopping)
	s.admit.Unlock()

	s.logger.Info().Msg("Initiating graceful shutdown")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if hub := s.hub.Load(); hub != nil {
		hub.Stop(monitoring.DisconnectReasonServerShutdown)
	}

	readersDone := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(readersDone)
	}()
	select {
	case <-readersDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	s.cancel()
	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}
	s.wg.Wait()

	s.hub.Store(nil)
	s.listener = nil
	s.setState(StateStopped)

	s.logger.Info().Msg("Graceful shutdown completed")
	return errors.Join(errs...)
}

// runningHub returns the hub while the server is running.
func (s *Server) runningHub() (*Hub, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	hub := s.hub.Load()
	if hub == nil {
		return nil, ErrNotRunning
	}
	return hub, nil
}

// GetStats returns a registry snapshot. A server that is not running has
// no connections and reports zeros.
func (s *Server) GetStats() Stats {
	hub, err := s.runningHub()
	if err != nil {
		return Stats{}
	}
	stats, err := hub.Stats()
	if err != nil {
		return Stats{}
	}
	return stats
}

// ResourceGuard returns the guard fed by the process collector. Ingest
// sources consult it to back off under CPU pressure.
func (s *Server) ResourceGuard() *limits.ResourceGuard {
	return s.guard
}

// Hub exposes the running hub, or nil when stopped.
func (s *Server) Hub() *Hub {
	hub, _ := s.runningHub()
	return hub
}
