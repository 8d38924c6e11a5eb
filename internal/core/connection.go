package core

import (
	"encoding/hex"
	"maps"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is one accepted client. It is owned by the Registry and only
// touched from the hub goroutine; liveness lives in the heartbeat monitor
// under the same id.
type Connection struct {
	id          string
	transport   Transport
	topics      map[string]struct{}
	filters     map[string]map[string]any // per topic, stored not evaluated
	queue       *OutboundQueue
	metadata    map[string]string
	connectedAt time.Time
}

func newConnection(id string, t Transport, metadata map[string]string, queueCapacity int, now time.Time) *Connection {
	return &Connection{
		id:          id,
		transport:   t,
		topics:      make(map[string]struct{}),
		filters:     make(map[string]map[string]any),
		queue:       NewOutboundQueue(queueCapacity),
		metadata:    maps.Clone(metadata),
		connectedAt: now,
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Topics returns the connection's subscriptions in sorted order.
func (c *Connection) Topics() []string {
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (c *Connection) Metadata() map[string]string { return maps.Clone(c.metadata) }

func (c *Connection) QueueLen() int { return c.queue.Len() }

// ConnectionInfo is a read-only snapshot of a connection for callers
// outside the hub.
type ConnectionInfo struct {
	ID            string            `json:"id"`
	Topics        []string          `json:"topics"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ConnectedAt   time.Time         `json:"connectedAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Alive         bool              `json:"alive"`
	Queued        int               `json:"queued"`
}

// idGenerator hands out connection ids of the form conn_<n>_<8 hex>, a
// process-wide counter plus a random suffix.
type idGenerator struct {
	counter atomic.Uint64
}

func (g *idGenerator) Next() string {
	n := g.counter.Add(1)
	u := uuid.New()
	return "conn_" + strconv.FormatUint(n, 10) + "_" + hex.EncodeToString(u[:4])
}
