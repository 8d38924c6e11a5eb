package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/types"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string `env:"WS_ADDR" envDefault:":3002"`
	MaxConnections int    `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`

	// Liveness
	//
	// A client that sends no heartbeat for HEARTBEAT_TIMEOUT is disconnected
	// by the next sweep. The sweep runs every HEARTBEAT_INTERVAL, so the
	// worst-case eviction delay is timeout + interval.
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`

	// Delivery
	QueueCapacity  int `env:"OUTBOUND_QUEUE_CAPACITY" envDefault:"100"`
	SendBufferSize int `env:"SEND_BUFFER_SIZE" envDefault:"256"`

	// Client message rate limiting
	ClientMessageBurst int     `env:"CLIENT_MSG_BURST" envDefault:"100"`
	ClientMessageRate  float64 `env:"CLIENT_MSG_RATE" envDefault:"10"`

	// Connection rate limiting
	ConnectionRateLimitEnabled bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst       int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate        float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst   int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate    float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Resource guard
	//
	// Samples come from the process collector every METRICS_INTERVAL.
	// 0 disables a check.
	CPURejectThreshold float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CPU_PAUSE_THRESHOLD" envDefault:"80.0"`
	MemoryLimit        int64   `env:"MEMORY_LIMIT" envDefault:"2147483648"` // 2GiB RSS
	MaxGoroutines      int     `env:"MAX_GOROUTINES" envDefault:"50000"`

	// HTTP timeouts
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Upstream event sources (empty = disabled)
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:""`
	ConsumerGroup string `env:"KAFKA_CONSUMER_GROUP" envDefault:"gamecast-group"`
	KafkaTopics   string `env:"KAFKA_TOPICS" envDefault:"gamecast.probabilities,gamecast.game-state,gamecast.predictions"`
	MaxIngestRate int    `env:"MAX_INGEST_RATE" envDefault:"1000"`
	NATSURL       string `env:"NATS_URL" envDefault:""`
	NATSSubject   string `env:"NATS_SUBJECT" envDefault:"gamecast.>"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets env vars directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be > 0, got %s", c.HeartbeatTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("OUTBOUND_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be > 0, got %d", c.SendBufferSize)
	}
	if c.ClientMessageBurst < 1 || c.ClientMessageRate <= 0 {
		return fmt.Errorf("CLIENT_MSG_BURST and CLIENT_MSG_RATE must be > 0 (got %d, %.2f)",
			c.ClientMessageBurst, c.ClientMessageRate)
	}

	if c.CPURejectThreshold < 0 || c.CPUPauseThreshold < 0 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD and CPU_PAUSE_THRESHOLD must be >= 0 (got %.1f, %.1f)",
			c.CPURejectThreshold, c.CPUPauseThreshold)
	}
	if c.MemoryLimit < 0 || c.MaxGoroutines < 0 {
		return fmt.Errorf("MEMORY_LIMIT and MAX_GOROUTINES must be >= 0 (got %d, %d)",
			c.MemoryLimit, c.MaxGoroutines)
	}

	// Logical checks
	if c.HeartbeatInterval > c.HeartbeatTimeout {
		return fmt.Errorf("HEARTBEAT_INTERVAL (%s) must be <= HEARTBEAT_TIMEOUT (%s)",
			c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	if len(SplitList(c.KafkaBrokers)) > 0 && len(SplitList(c.KafkaTopics)) == 0 {
		return fmt.Errorf("KAFKA_TOPICS is required when KAFKA_BROKERS is set")
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Println("\n=== Liveness ===")
	fmt.Printf("Heartbeat:       timeout %s, sweep every %s\n", c.HeartbeatTimeout, c.HeartbeatInterval)
	fmt.Println("\n=== Delivery ===")
	fmt.Printf("Queue Capacity:  %d messages\n", c.QueueCapacity)
	fmt.Printf("Send Buffer:     %d frames\n", c.SendBufferSize)
	fmt.Printf("Client Msgs:     %d burst, %.1f/sec\n", c.ClientMessageBurst, c.ClientMessageRate)
	fmt.Println("\n=== Resource Guard ===")
	fmt.Printf("CPU:             reject > %.1f%%, pause ingest > %.1f%%\n", c.CPURejectThreshold, c.CPUPauseThreshold)
	fmt.Printf("Memory Limit:    %d MB\n", c.MemoryLimit/(1024*1024))
	fmt.Printf("Max Goroutines:  %d\n", c.MaxGoroutines)
	fmt.Println("\n=== Upstream ===")
	fmt.Printf("Kafka Brokers:   %s\n", c.KafkaBrokers)
	fmt.Printf("Kafka Topics:    %s\n", c.KafkaTopics)
	fmt.Printf("NATS URL:        %s\n", c.NATSURL)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("queue_capacity", c.QueueCapacity).
		Int("send_buffer_size", c.SendBufferSize).
		Bool("conn_rate_limit_enabled", c.ConnectionRateLimitEnabled).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Int64("memory_limit", c.MemoryLimit).
		Int("max_goroutines", c.MaxGoroutines).
		Str("kafka_brokers", c.KafkaBrokers).
		Str("kafka_topics", c.KafkaTopics).
		Str("nats_url", c.NATSURL).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

// ServerConfig maps the environment onto the server's settings.
func (c *Config) ServerConfig() types.ServerConfig {
	return types.ServerConfig{
		Addr:                       c.Addr,
		MaxConnections:             c.MaxConnections,
		HeartbeatTimeout:           c.HeartbeatTimeout,
		HeartbeatInterval:          c.HeartbeatInterval,
		QueueCapacity:              c.QueueCapacity,
		SendBufferSize:             c.SendBufferSize,
		ClientMessageBurst:         c.ClientMessageBurst,
		ClientMessageRate:          c.ClientMessageRate,
		ConnectionRateLimitEnabled: c.ConnectionRateLimitEnabled,
		ConnRateLimitIPBurst:       c.ConnRateLimitIPBurst,
		ConnRateLimitIPRate:        c.ConnRateLimitIPRate,
		ConnRateLimitGlobalBurst:   c.ConnRateLimitGlobalBurst,
		ConnRateLimitGlobalRate:    c.ConnRateLimitGlobalRate,
		CPURejectThreshold:         c.CPURejectThreshold,
		CPUPauseThreshold:          c.CPUPauseThreshold,
		MemoryLimit:                c.MemoryLimit,
		MaxGoroutines:              c.MaxGoroutines,
		HTTPReadTimeout:            c.HTTPReadTimeout,
		HTTPWriteTimeout:           c.HTTPWriteTimeout,
		HTTPIdleTimeout:            c.HTTPIdleTimeout,
		MetricsInterval:            c.MetricsInterval,
		LogLevel:                   types.LogLevel(c.LogLevel),
		LogFormat:                  types.LogFormat(c.LogFormat),
	}
}

// SplitList splits a comma-separated setting, dropping blanks.
func SplitList(value string) []string {
	result := []string{}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
