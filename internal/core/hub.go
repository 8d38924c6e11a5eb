package core

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/types"
	"github.com/rs/zerolog"
)

const (
	commandBufferSize = 1024
	eventBufferSize   = 1024
)

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type acceptCmd struct {
	baseHubCmd
	transport Transport
	metadata  map[string]string
	reply     chan string
}

type disconnectCmd struct {
	baseHubCmd
	id     string
	reason string
	reply  chan bool
}

type inboundCmd struct {
	baseHubCmd
	id  string
	msg messaging.Inbound
}

type publishCmd struct {
	baseHubCmd
	topic   string
	kind    messaging.Kind
	payload json.RawMessage
	reply   chan int
}

type unicastCmd struct {
	baseHubCmd
	id      string
	kind    messaging.Kind
	payload json.RawMessage
	reply   chan error
}

type statsCmd struct {
	baseHubCmd
	reply chan Stats
}

type subscribersCmd struct {
	baseHubCmd
	topic string
	reply chan []string
}

type topicsCmd struct {
	baseHubCmd
	reply chan []string
}

type infoCmd struct {
	baseHubCmd
	id    string
	reply chan infoReply
}

type infoReply struct {
	info ConnectionInfo
	ok   bool
}

type stopCmd struct {
	baseHubCmd
	reason string
}

// HubConfig configures a Hub.
type HubConfig struct {
	Clock             clockwork.Clock
	Logger            zerolog.Logger
	QueueCapacity     int
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
	OnEvent           func(Event) // optional, called on a separate goroutine

	// Alerter is told when one sweep evicts at least TimeoutAlertThreshold
	// connections (default: 50). Optional.
	Alerter               monitoring.Alerter
	TimeoutAlertThreshold int
}

// Hub is the single owner of the Registry. Every mutation and query is a
// command processed in order on the hub goroutine, which also runs the
// periodic heartbeat sweep.
type Hub struct {
	cmdCh    chan hubCmd
	done     chan struct{}
	stopOnce sync.Once

	clock    clockwork.Clock
	logger   zerolog.Logger
	registry *Registry

	heartbeatTimeout  time.Duration
	heartbeatInterval time.Duration

	alerter        monitoring.Alerter
	alertThreshold int

	events   chan Event
	onEvent  func(Event)
	eventsWG sync.WaitGroup
}

// NewHub creates a hub and starts its goroutine.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = types.DefaultQueueCapacity
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.TimeoutAlertThreshold <= 0 {
		cfg.TimeoutAlertThreshold = 50
	}
	logger := cfg.Logger.With().Str("component", "hub").Logger()

	h := &Hub{
		cmdCh:             make(chan hubCmd, commandBufferSize),
		done:              make(chan struct{}),
		clock:             cfg.Clock,
		logger:            logger,
		registry:          NewRegistry(cfg.Clock, logger, cfg.QueueCapacity),
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		onEvent:           cfg.OnEvent,
		alerter:           cfg.Alerter,
		alertThreshold:    cfg.TimeoutAlertThreshold,
	}
	h.registry.onEvent = h.emit

	if h.onEvent != nil {
		h.events = make(chan Event, eventBufferSize)
		h.eventsWG.Add(1)
		go h.dispatchEvents()
	}

	go h.run()
	return h
}

// Accept registers a transport and returns the new connection id.
func (h *Hub) Accept(t Transport, metadata map[string]string) (string, error) {
	reply := make(chan string, 1)
	if err := h.submit(acceptCmd{transport: t, metadata: metadata, reply: reply}); err != nil {
		return "", err
	}
	return awaitReply(h, reply)
}

// Disconnect removes a connection. It reports false if the id was unknown.
func (h *Hub) Disconnect(id, reason string) (bool, error) {
	reply := make(chan bool, 1)
	if err := h.submit(disconnectCmd{id: id, reason: reason, reply: reply}); err != nil {
		return false, err
	}
	return awaitReply(h, reply)
}

// Dispatch hands a parsed client message to the hub without waiting for it
// to be processed.
func (h *Hub) Dispatch(id string, msg messaging.Inbound) error {
	return h.submit(inboundCmd{id: id, msg: msg})
}

// Publish fans payload out to the subscribers of topic and returns how
// many were targeted.
func (h *Hub) Publish(topic string, kind messaging.Kind, payload json.RawMessage) (int, error) {
	reply := make(chan int, 1)
	if err := h.submit(publishCmd{topic: topic, kind: kind, payload: payload, reply: reply}); err != nil {
		return 0, err
	}
	return awaitReply(h, reply)
}

// Unicast sends one message to one connection.
func (h *Hub) Unicast(id string, kind messaging.Kind, payload json.RawMessage) error {
	reply := make(chan error, 1)
	if err := h.submit(unicastCmd{id: id, kind: kind, payload: payload, reply: reply}); err != nil {
		return err
	}
	err, waitErr := awaitReply(h, reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// SendError sends an error message to one connection.
func (h *Hub) SendError(id, message string) error {
	payload, err := messaging.MarshalPayload(messaging.ErrorPayload{Message: message})
	if err != nil {
		return err
	}
	return h.Unicast(id, messaging.KindError, payload)
}

func (h *Hub) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.submit(statsCmd{reply: reply}); err != nil {
		return Stats{}, err
	}
	return awaitReply(h, reply)
}

func (h *Hub) SubscribersOf(topic string) ([]string, error) {
	reply := make(chan []string, 1)
	if err := h.submit(subscribersCmd{topic: topic, reply: reply}); err != nil {
		return nil, err
	}
	return awaitReply(h, reply)
}

func (h *Hub) Topics() ([]string, error) {
	reply := make(chan []string, 1)
	if err := h.submit(topicsCmd{reply: reply}); err != nil {
		return nil, err
	}
	return awaitReply(h, reply)
}

// Connection returns a snapshot of one connection.
func (h *Hub) Connection(id string) (ConnectionInfo, error) {
	reply := make(chan infoReply, 1)
	if err := h.submit(infoCmd{id: id, reply: reply}); err != nil {
		return ConnectionInfo{}, err
	}
	r, err := awaitReply(h, reply)
	if err != nil {
		return ConnectionInfo{}, err
	}
	if !r.ok {
		return ConnectionInfo{}, ErrUnknownConnection
	}
	return r.info, nil
}

// Stop disconnects every connection and ends the hub goroutine. Commands
// submitted afterwards fail with ErrNotRunning. Safe to call repeatedly.
func (h *Hub) Stop(reason string) {
	h.stopOnce.Do(func() {
		select {
		case h.cmdCh <- stopCmd{reason: reason}:
		case <-h.done:
		}
	})
	<-h.done
	h.eventsWG.Wait()
}

// Done is closed once the hub goroutine has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) submit(cmd hubCmd) error {
	select {
	case <-h.done:
		return ErrNotRunning
	default:
	}
	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return ErrNotRunning
	}
}

// awaitReply waits for a command result, preferring a reply that raced
// with hub shutdown. A closed reply channel means the command panicked.
func awaitReply[T any](h *Hub, reply chan T) (T, error) {
	var zero T
	select {
	case v, ok := <-reply:
		if !ok {
			return zero, ErrCommandFailed
		}
		return v, nil
	case <-h.done:
		select {
		case v, ok := <-reply:
			if !ok {
				return zero, ErrCommandFailed
			}
			return v, nil
		default:
			return zero, ErrNotRunning
		}
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer h.closeEvents()
	defer monitoring.RecoverPanic(h.logger, "hub", nil)

	ticker := h.clock.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	h.logger.Info().
		Dur("heartbeat_timeout", h.heartbeatTimeout).
		Dur("heartbeat_interval", h.heartbeatInterval).
		Msg("Hub started")

	for {
		select {
		case <-ticker.Chan():
			h.guarded("hub_sweep", h.sweep)

		case cmd := <-h.cmdCh:
			if stop, ok := cmd.(stopCmd); ok {
				h.shutdown(stop.reason)
				return
			}
			if h.guarded("hub_command", func() { h.handle(cmd) }) {
				abandon(cmd)
			}
		}
	}
}

// guarded runs fn on the hub goroutine and reports whether it panicked.
// The panic is logged and the hub keeps serving.
func (h *Hub) guarded(name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			monitoring.LogPanic(h.logger, name, r, nil)
		}
	}()
	fn()
	return false
}

// abandon closes the reply channel of a command whose handler panicked so
// the caller gets ErrCommandFailed. A reply already sent is still
// delivered first.
func abandon(cmd hubCmd) {
	switch c := cmd.(type) {
	case acceptCmd:
		close(c.reply)
	case disconnectCmd:
		if c.reply != nil {
			close(c.reply)
		}
	case publishCmd:
		close(c.reply)
	case unicastCmd:
		close(c.reply)
	case statsCmd:
		close(c.reply)
	case subscribersCmd:
		close(c.reply)
	case topicsCmd:
		close(c.reply)
	case infoCmd:
		close(c.reply)
	}
}

func (h *Hub) handle(cmd hubCmd) {
	switch c := cmd.(type) {
	case acceptCmd:
		c.reply <- h.registry.Accept(c.transport, c.metadata).id

	case disconnectCmd:
		removed := h.registry.Disconnect(c.id, c.reason)
		if c.reply != nil {
			c.reply <- removed
		}

	case inboundCmd:
		h.handleInbound(c.id, c.msg)

	case publishCmd:
		c.reply <- h.registry.Publish(c.topic, c.kind, c.payload)

	case unicastCmd:
		c.reply <- h.registry.Unicast(c.id, c.kind, c.payload)

	case statsCmd:
		c.reply <- h.registry.Stats()

	case subscribersCmd:
		c.reply <- h.registry.SubscribersOf(c.topic)

	case topicsCmd:
		c.reply <- h.registry.Topics()

	case infoCmd:
		info, ok := h.registry.Info(c.id)
		c.reply <- infoReply{info: info, ok: ok}
	}
}

func (h *Hub) handleInbound(id string, msg messaging.Inbound) {
	switch msg.Type {
	case messaging.KindSubscribe:
		p, err := messaging.ParseSubscription(msg.Payload)
		if err != nil {
			h.replyError(id, "invalid subscribe payload: "+err.Error())
			return
		}
		added, err := h.registry.Subscribe(id, p.Topics, p.Filters)
		if err != nil {
			return
		}
		if len(added) > 0 {
			h.emit(Event{Type: EventSubscribe, ConnectionID: id, Topics: added})
		}

	case messaging.KindUnsubscribe:
		p, err := messaging.ParseSubscription(msg.Payload)
		if err != nil {
			h.replyError(id, "invalid unsubscribe payload: "+err.Error())
			return
		}
		removed, err := h.registry.Unsubscribe(id, p.Topics)
		if err != nil {
			return
		}
		if len(removed) > 0 {
			h.emit(Event{Type: EventUnsubscribe, ConnectionID: id, Topics: removed})
		}

	case messaging.KindHeartbeat:
		if !h.registry.RecordHeartbeat(id) {
			return
		}
		payload, _ := messaging.MarshalPayload(messaging.HeartbeatAck{ServerTime: h.clock.Now()})
		_ = h.registry.Unicast(id, messaging.KindHeartbeat, payload)

	default:
		if msg.Type.Valid() {
			h.replyError(id, "unsupported message type: "+string(msg.Type))
		} else {
			h.replyError(id, "unknown message type: "+string(msg.Type))
		}
	}
}

func (h *Hub) replyError(id, message string) {
	if err := h.registry.SendError(id, message); err != nil && !errors.Is(err, ErrUnknownConnection) {
		h.logger.Debug().Err(err).Str("connection_id", id).Msg("Failed to send error message")
	}
}

func (h *Hub) sweep() {
	expired := h.registry.Sweep(h.heartbeatTimeout)
	if len(expired) > 0 {
		h.logger.Info().
			Int("expired", len(expired)).
			Msg("Heartbeat sweep disconnected silent clients")
	}
	if h.alerter != nil && len(expired) >= h.alertThreshold {
		h.alerter.Alert(monitoring.AlertWarning, "Heartbeat timeout spike", map[string]any{
			"expired":   len(expired),
			"remaining": len(h.registry.connections),
			"timeout":   h.heartbeatTimeout.String(),
		})
	}

	queued := h.registry.FlushQueues()
	stats := h.registry.Stats()
	monitoring.UpdateRegistryMetrics(stats.TotalConnections, stats.TotalSubscriptions, h.registry.index.TopicCount(), queued)
}

func (h *Hub) shutdown(reason string) {
	ids := h.registry.DisconnectAll(reason)
	h.logger.Info().
		Int("disconnected", len(ids)).
		Str("reason", reason).
		Msg("Hub stopped")
}

func (h *Hub) emit(ev Event) {
	if h.events == nil {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn().
			Str("event", string(ev.Type)).
			Str("connection_id", ev.ConnectionID).
			Msg("Event buffer full, dropping event")
	}
}

func (h *Hub) closeEvents() {
	if h.events != nil {
		close(h.events)
	}
}

func (h *Hub) dispatchEvents() {
	defer h.eventsWG.Done()
	for ev := range h.events {
		h.callHandler(ev)
	}
}

func (h *Hub) callHandler(ev Event) {
	defer monitoring.RecoverPanic(h.logger, "event_handler", map[string]any{"event": string(ev.Type)})
	h.onEvent(ev)
}
