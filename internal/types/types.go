package types

import "time"

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// DefaultQueueCapacity is the per-connection outbound queue bound.
const DefaultQueueCapacity = 100

// ServerConfig contains the configuration for the broadcast server
type ServerConfig struct {
	Addr           string
	MaxConnections int

	// Liveness
	HeartbeatTimeout  time.Duration // Connections silent for longer than this are evicted
	HeartbeatInterval time.Duration // Period of the heartbeat sweep

	// Delivery
	QueueCapacity  int // Outbound queue bound per connection (default: 100)
	SendBufferSize int // Writer goroutine channel size per connection

	// Inbound message rate limiting (per connection)
	ClientMessageBurst int
	ClientMessageRate  float64

	// Connection admission rate limiting
	ConnectionRateLimitEnabled bool
	ConnRateLimitIPBurst       int
	ConnRateLimitIPRate        float64
	ConnRateLimitGlobalBurst   int
	ConnRateLimitGlobalRate    float64

	// Resource guard (zero disables a check)
	CPURejectThreshold float64 // Refuse upgrades above this process CPU %
	CPUPauseThreshold  float64 // Pause ingest above this process CPU %
	MemoryLimit        int64   // Refuse upgrades above this RSS in bytes
	MaxGoroutines      int     // Refuse upgrades above this goroutine count

	// HTTP server timeouts (upgrade requests, /health, /metrics)
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Monitoring intervals
	MetricsInterval time.Duration // Process metrics collection interval (default: 15s)

	// Logging configuration
	LogLevel  LogLevel  // Log level (default: info)
	LogFormat LogFormat // Log format (default: json)
}

// WithDefaults fills zero values with the defaults used in production.
func (c ServerConfig) WithDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":3002"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.ClientMessageBurst <= 0 {
		c.ClientMessageBurst = 100
	}
	if c.ClientMessageRate <= 0 {
		c.ClientMessageRate = 10
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 15 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo
	}
	if c.LogFormat == "" {
		c.LogFormat = LogFormatJSON
	}
	return c
}
