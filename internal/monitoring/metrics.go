package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broadcast server
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_connections_active",
		Help: "Current number of registered connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecast_connections_rejected_total",
		Help: "Connection attempts rejected before upgrade, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecast_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gamecast_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_messages_sent_total",
		Help: "Total number of frames handed to client transports",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_messages_received_total",
		Help: "Total number of valid text frames received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_bytes_sent_total",
		Help: "Total number of bytes handed to client transports",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_bytes_received_total",
		Help: "Total number of payload bytes received from clients",
	})

	invalidFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_invalid_frames_total",
		Help: "Inbound frames that failed to decode and were ignored",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_rate_limited_messages_total",
		Help: "Total number of client messages rejected by the rate limiter",
	})

	// Broadcast / delivery metrics
	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecast_broadcasts_total",
		Help: "Broadcasts published, by message kind",
	}, []string{"kind"})

	broadcastRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gamecast_broadcast_recipients",
		Help:    "Number of subscribers targeted per broadcast",
		Buckets: []float64{0, 1, 10, 100, 1000, 10000},
	})

	queuedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_queued_messages",
		Help: "Messages currently waiting in outbound queues",
	})

	queueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_queue_evictions_total",
		Help: "Queued messages evicted because a queue was full",
	})

	// Subscription metrics
	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_subscriptions_active",
		Help: "Current number of (connection, topic) memberships",
	})

	topicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_topics_active",
		Help: "Current number of topics with at least one subscriber",
	})

	heartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gamecast_heartbeat_timeouts_total",
		Help: "Connections evicted by the heartbeat sweep",
	})

	// Ingest metrics
	ingestReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecast_ingest_received_total",
		Help: "Upstream events received, by source",
	}, []string{"source"})

	ingestDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecast_ingest_dropped_total",
		Help: "Upstream events dropped (undecodable or rejected), by source",
	}, []string{"source"})

	// System metrics
	processRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_process_rss_bytes",
		Help: "Resident set size of the server process",
	})

	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_process_cpu_percent",
		Help: "CPU usage of the server process",
	})

	systemMemoryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_system_memory_used_percent",
		Help: "Host memory utilisation",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gamecast_goroutines_active",
		Help: "Current number of goroutines",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gamecast_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(invalidFrames)
	prometheus.MustRegister(rateLimitedMessages)

	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(broadcastRecipients)
	prometheus.MustRegister(queuedMessages)
	prometheus.MustRegister(queueEvictions)

	prometheus.MustRegister(subscriptionsActive)
	prometheus.MustRegister(topicsActive)
	prometheus.MustRegister(heartbeatTimeouts)

	prometheus.MustRegister(ingestReceived)
	prometheus.MustRegister(ingestDropped)

	prometheus.MustRegister(processRSSBytes)
	prometheus.MustRegister(processCPUPercent)
	prometheus.MustRegister(systemMemoryPercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(errorsTotal)
}

// HandleMetrics serves the default Prometheus registry.
func HandleMetrics() http.Handler {
	return promhttp.Handler()
}

// SetMaxConnections records the configured connection cap.
func SetMaxConnections(n int) {
	connectionsMax.Set(float64(n))
}

// RecordConnect tracks an accepted connection.
func RecordConnect(active int) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

// IncrementConnectionRateLimit tracks a connection refused by the admission
// rate limiter; scope is "global" or "per_ip".
func IncrementConnectionRateLimit(scope string) {
	connectionsRejected.WithLabelValues("rate_limit_" + scope).Inc()
}

// RecordRejected tracks a connection refused before upgrade.
func RecordRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordDisconnect tracks a disconnect with reason and connection lifetime.
func RecordDisconnect(reason string, active int, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
	connectionsActive.Set(float64(active))
}

// UpdateMessageMetrics updates message-related metrics
func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics updates bytes sent/received metrics
func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func IncrementInvalidFrames() {
	invalidFrames.Inc()
}

func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

// RecordBroadcast tracks one publish and its fan-out size.
func RecordBroadcast(kind string, recipients int) {
	broadcastsTotal.WithLabelValues(kind).Inc()
	broadcastRecipients.Observe(float64(recipients))
}

func IncrementQueueEvictions() {
	queueEvictions.Inc()
}

func IncrementHeartbeatTimeouts(n int) {
	heartbeatTimeouts.Add(float64(n))
}

// UpdateRegistryMetrics publishes the registry gauges after each sweep.
func UpdateRegistryMetrics(active, subscriptions, topics, queued int) {
	connectionsActive.Set(float64(active))
	subscriptionsActive.Set(float64(subscriptions))
	topicsActive.Set(float64(topics))
	queuedMessages.Set(float64(queued))
}

// Ingest sources
const (
	SourceKafka = "kafka"
	SourceNATS  = "nats"
)

func IncrementIngestReceived(source string) {
	ingestReceived.WithLabelValues(source).Inc()
}

func IncrementIngestDropped(source string) {
	ingestDropped.WithLabelValues(source).Inc()
}

// Error severity levels for metrics and logging
const (
	SeverityWarning  = "warning"  // Non-critical, service continues
	SeverityCritical = "critical" // Critical but recoverable
)

// Error types for categorization
const (
	ErrorTypeIngest        = "ingest"
	ErrorTypeBroadcast     = "broadcast"
	ErrorTypeSerialization = "serialization"
	ErrorTypeConnection    = "connection"
	ErrorTypePanic         = "panic"
)

// RecordError tracks an error by type and severity.
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// Disconnect reasons
const (
	DisconnectReasonReadError        = "read_error"
	DisconnectReasonClientInitiated  = "client_initiated"
	DisconnectReasonHeartbeatTimeout = "heartbeat_timeout"
	DisconnectReasonTransportClosed  = "transport_closed"
	DisconnectReasonServerShutdown   = "server_shutdown"
)
