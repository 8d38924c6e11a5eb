package core

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/frame"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/heartbeat"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/rs/zerolog"
)

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	TotalConnections   int `json:"totalConnections"`
	ActiveConnections  int `json:"activeConnections"`  // heartbeat-alive only
	TotalSubscriptions int `json:"totalSubscriptions"` // one per (connection, topic)
	QueuedMessages     int `json:"queuedMessages"`
}

// Registry owns every connection together with the subscription index and
// the heartbeat monitor, and keeps the three consistent.
//
// Registry is not safe for concurrent use. The Hub serialises all access to
// it on one goroutine.
type Registry struct {
	clock         clockwork.Clock
	logger        zerolog.Logger
	queueCapacity int

	ids    idGenerator
	msgIDs *messaging.MessageIDs

	connections map[string]*Connection
	index       *SubscriptionIndex
	heartbeats  *heartbeat.Monitor

	// onEvent receives connect and disconnect for every path that adds or
	// removes a connection, including write failures inside send.
	onEvent func(Event)
}

func NewRegistry(clock clockwork.Clock, logger zerolog.Logger, queueCapacity int) *Registry {
	return &Registry{
		clock:         clock,
		logger:        logger,
		queueCapacity: queueCapacity,
		msgIDs:        messaging.NewMessageIDs(),
		connections:   make(map[string]*Connection),
		index:         NewSubscriptionIndex(),
		heartbeats:    heartbeat.New(),
	}
}

// Accept registers a new connection, starts its heartbeat clock and sends
// it a connection_ack carrying the assigned id.
func (r *Registry) Accept(t Transport, metadata map[string]string) *Connection {
	now := r.clock.Now()
	c := newConnection(r.ids.Next(), t, metadata, r.queueCapacity, now)

	r.connections[c.id] = c
	r.heartbeats.Track(c.id, now)
	monitoring.RecordConnect(len(r.connections))

	r.logger.Debug().
		Str("connection_id", c.id).
		Interface("metadata", c.metadata).
		Msg("Connection accepted")
	// before the ack, so a failed ack write reports connect then disconnect
	r.notify(Event{Type: EventConnect, ConnectionID: c.id, Metadata: c.Metadata()})

	ack, _ := messaging.MarshalPayload(messaging.ConnectionAck{ConnectionID: c.id})
	r.send(c, r.newMessage(messaging.KindConnectionAck, ack))
	return c
}

// Disconnect removes the connection, its topic memberships, its queue and
// its heartbeat state, then closes the transport. It reports false when id
// is not registered, which makes repeated calls harmless.
func (r *Registry) Disconnect(id, reason string) bool {
	c, ok := r.connections[id]
	if !ok {
		return false
	}

	for topic := range c.topics {
		r.index.Remove(topic, id)
	}
	clear(c.topics)
	clear(c.filters)
	c.queue.Clear()
	r.heartbeats.Forget(id)
	delete(r.connections, id)

	if err := c.transport.Close(); err != nil {
		r.logger.Debug().Err(err).Str("connection_id", id).Msg("Transport close failed")
	}

	duration := r.clock.Since(c.connectedAt)
	monitoring.RecordDisconnect(reason, len(r.connections), duration)

	r.logger.Debug().
		Str("connection_id", id).
		Str("reason", reason).
		Dur("connected_for", duration).
		Msg("Connection removed")
	r.notify(Event{Type: EventDisconnect, ConnectionID: id, Reason: reason})
	return true
}

func (r *Registry) notify(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// DisconnectAll removes every connection and returns the removed ids.
func (r *Registry) DisconnectAll(reason string) []string {
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.Disconnect(id, reason)
	}
	return ids
}

// Subscribe adds id to every topic. Already present pairs are left alone.
// It returns the topics that were newly added.
func (r *Registry) Subscribe(id string, topics []string, filters map[string]any) ([]string, error) {
	c, ok := r.connections[id]
	if !ok {
		return nil, ErrUnknownConnection
	}

	var added []string
	for _, topic := range topics {
		if filters != nil {
			c.filters[topic] = maps.Clone(filters)
		}
		if _, ok := c.topics[topic]; ok {
			continue
		}
		c.topics[topic] = struct{}{}
		r.index.Add(topic, id)
		added = append(added, topic)
	}
	return added, nil
}

// Unsubscribe removes id from every topic and returns the topics actually
// removed. Topics left without subscribers disappear from the index.
func (r *Registry) Unsubscribe(id string, topics []string) ([]string, error) {
	c, ok := r.connections[id]
	if !ok {
		return nil, ErrUnknownConnection
	}

	var removed []string
	for _, topic := range topics {
		if _, ok := c.topics[topic]; !ok {
			continue
		}
		delete(c.topics, topic)
		delete(c.filters, topic)
		r.index.Remove(topic, id)
		removed = append(removed, topic)
	}
	return removed, nil
}

func (r *Registry) SubscribersOf(topic string) []string {
	return r.index.SubscribersOf(topic)
}

func (r *Registry) Topics() []string {
	return r.index.Topics()
}

// RecordHeartbeat marks id alive now.
func (r *Registry) RecordHeartbeat(id string) bool {
	return r.heartbeats.RecordHeartbeat(id, r.clock.Now())
}

// Sweep disconnects every connection that has not heartbeated within
// timeout and returns their ids.
func (r *Registry) Sweep(timeout time.Duration) []string {
	expired := r.heartbeats.Sweep(r.clock.Now(), timeout)
	for _, id := range expired {
		r.Disconnect(id, monitoring.DisconnectReasonHeartbeatTimeout)
	}
	if len(expired) > 0 {
		monitoring.IncrementHeartbeatTimeouts(len(expired))
	}
	return expired
}

// Publish delivers payload to every subscriber of topic, each with its own
// message id and timestamp, and returns the number of subscribers targeted.
// A topic without subscribers is a no-op.
func (r *Registry) Publish(topic string, kind messaging.Kind, payload json.RawMessage) int {
	subscribers := r.index.SubscribersOf(topic)
	for _, id := range subscribers {
		// an earlier send in this loop may have disconnected id
		c, ok := r.connections[id]
		if !ok {
			continue
		}
		r.send(c, r.newMessage(kind, payload))
	}
	monitoring.RecordBroadcast(string(kind), len(subscribers))
	return len(subscribers)
}

// Unicast delivers one message to a single connection.
func (r *Registry) Unicast(id string, kind messaging.Kind, payload json.RawMessage) error {
	c, ok := r.connections[id]
	if !ok {
		return ErrUnknownConnection
	}
	r.send(c, r.newMessage(kind, payload))
	return nil
}

// SendError notifies one client of a problem with something it sent.
func (r *Registry) SendError(id, message string) error {
	payload, _ := messaging.MarshalPayload(messaging.ErrorPayload{Message: message})
	return r.Unicast(id, messaging.KindError, payload)
}

// FlushQueues retries queued messages for every connection with a
// backlog, stopping per connection at the first failed write. It returns
// the number of messages still queued.
func (r *Registry) FlushQueues() int {
	for _, c := range r.connections {
		if c.queue.Len() == 0 {
			continue
		}
		if err := r.drain(c); err != nil && errors.Is(err, ErrTransportClosed) {
			r.Disconnect(c.id, monitoring.DisconnectReasonTransportClosed)
		}
	}
	return r.queued()
}

func (r *Registry) Stats() Stats {
	return Stats{
		TotalConnections:   len(r.connections),
		ActiveConnections:  r.heartbeats.AliveCount(),
		TotalSubscriptions: r.index.Len(),
		QueuedMessages:     r.queued(),
	}
}

// Info returns a snapshot of one connection.
func (r *Registry) Info(id string) (ConnectionInfo, bool) {
	c, ok := r.connections[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	last, _ := r.heartbeats.LastHeartbeat(id)
	return ConnectionInfo{
		ID:            c.id,
		Topics:        c.Topics(),
		Metadata:      c.Metadata(),
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: last,
		Alive:         r.heartbeats.IsAlive(id),
		Queued:        c.queue.Len(),
	}, true
}

// Filters returns the filters stored for a connection's topic.
func (r *Registry) Filters(id, topic string) map[string]any {
	c, ok := r.connections[id]
	if !ok {
		return nil
	}
	return maps.Clone(c.filters[topic])
}

func (r *Registry) queued() int {
	n := 0
	for _, c := range r.connections {
		n += c.queue.Len()
	}
	return n
}

func (r *Registry) newMessage(kind messaging.Kind, payload json.RawMessage) *messaging.Outbound {
	now := r.clock.Now()
	return messaging.NewOutbound(kind, payload, now, r.msgIDs.Next(now))
}

// send is the delivery path for every outbound message.
//
// With an empty queue the message is written directly. With a backlog the
// queue is drained first and msg is written only if the whole backlog went
// out, so per-connection order is kept. Any transient failure queues msg;
// a closed transport disconnects the connection. Nothing is returned: a
// bad connection never fails the caller.
func (r *Registry) send(c *Connection, msg *messaging.Outbound) {
	err := r.drain(c)
	if err == nil {
		err = r.write(c, msg)
	}
	if err == nil {
		return
	}

	if errors.Is(err, ErrTransportClosed) {
		r.Disconnect(c.id, monitoring.DisconnectReasonTransportClosed)
		return
	}

	if evicted := c.queue.Push(msg); evicted != nil {
		monitoring.IncrementQueueEvictions()
		r.logger.Debug().
			Str("connection_id", c.id).
			Str("evicted_message_id", evicted.MessageID).
			Int("queue_len", c.queue.Len()).
			Msg("Outbound queue full, dropped oldest message")
	}
}

// drain writes queued messages oldest first until the queue is empty or a
// write fails.
func (r *Registry) drain(c *Connection) error {
	for {
		msg, ok := c.queue.Peek()
		if !ok {
			return nil
		}
		if err := r.write(c, msg); err != nil {
			return err
		}
		c.queue.Pop()
	}
}

func (r *Registry) write(c *Connection, msg *messaging.Outbound) error {
	data, err := msg.Serialize()
	if err != nil {
		// nothing to retry; drop it
		monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.SeverityWarning)
		r.logger.Error().
			Err(err).
			Str("connection_id", c.id).
			Str("type", string(msg.Type)).
			Msg("Failed to serialize outbound message")
		return nil
	}
	if err := c.transport.Write(frame.EncodeText(data)); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return err
		}
		return ErrTransportBusy
	}
	return nil
}
