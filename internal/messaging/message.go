package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Kind is the wire-level "type" field of every message.
type Kind string

const (
	KindSubscribe          Kind = "subscribe"
	KindUnsubscribe        Kind = "unsubscribe"
	KindProbabilityUpdate  Kind = "probability_update"
	KindGameStateUpdate    Kind = "game_state_update"
	KindPredictionComplete Kind = "prediction_complete"
	KindError              Kind = "error"
	KindHeartbeat          Kind = "heartbeat"
	KindConnectionAck      Kind = "connection_ack"
)

var kinds = map[Kind]struct{}{
	KindSubscribe:          {},
	KindUnsubscribe:        {},
	KindProbabilityUpdate:  {},
	KindGameStateUpdate:    {},
	KindPredictionComplete: {},
	KindError:              {},
	KindHeartbeat:          {},
	KindConnectionAck:      {},
}

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Outbound is the server to client envelope. It is built once per recipient
// and never modified afterwards.
//
//	{"type":"probability_update","payload":{...},"timestamp":"...","messageId":"msg_..."}
type Outbound struct {
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// Serialize converts the envelope to JSON bytes for the wire.
func (m *Outbound) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// SequenceGenerator creates unique, monotonically increasing sequence numbers.
// Safe for concurrent use.
type SequenceGenerator struct {
	counter int64
}

// NewSequenceGenerator creates a sequence generator starting at 0.
// First call to Next() will return 1.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{}
}

func (s *SequenceGenerator) Next() int64 {
	return atomic.AddInt64(&s.counter, 1)
}

// MessageIDs produces ids of the form msg_<unix-millis>_<sequence>.
type MessageIDs struct {
	seq *SequenceGenerator
}

func NewMessageIDs() *MessageIDs {
	return &MessageIDs{seq: NewSequenceGenerator()}
}

// Next returns a fresh message id stamped with now.
func (g *MessageIDs) Next(now time.Time) string {
	var b strings.Builder
	b.Grow(32)
	b.WriteString("msg_")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(g.seq.Next(), 10))
	return b.String()
}

// NewOutbound wraps an already serialised payload. A nil payload is omitted
// from the wire form.
func NewOutbound(kind Kind, payload json.RawMessage, now time.Time, id string) *Outbound {
	return &Outbound{
		Type:      kind,
		Payload:   payload,
		Timestamp: now,
		MessageID: id,
	}
}

// MarshalPayload serialises an arbitrary payload value once so it can be
// shared by every recipient of a broadcast.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Payloads of server-generated messages

type ConnectionAck struct {
	ConnectionID string `json:"connectionId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
}

// Inbound is a client to server message before its payload is interpreted.
type Inbound struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingType      = errors.New("message type is required")
	ErrMissingTopics    = errors.New("payload.topics must be a non-empty array of strings")
	ErrEmptyTopic       = errors.New("topic names must be non-empty")
)

// ParseInbound decodes one client text message.
func ParseInbound(text string) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return Inbound{}, ErrMissingType
	}
	return msg, nil
}

// SubscriptionPayload is the payload of subscribe and unsubscribe. Filters
// are kept on the connection as given and not evaluated.
type SubscriptionPayload struct {
	Topics  []string       `json:"topics"`
	Filters map[string]any `json:"filters,omitempty"`
}

// ParseSubscription decodes and validates a subscribe/unsubscribe payload.
// Duplicate topics are collapsed, order is preserved.
func ParseSubscription(raw json.RawMessage) (SubscriptionPayload, error) {
	if len(raw) == 0 {
		return SubscriptionPayload{}, ErrMissingTopics
	}

	var p SubscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SubscriptionPayload{}, fmt.Errorf("%w: %v", ErrMissingTopics, err)
	}
	if len(p.Topics) == 0 {
		return SubscriptionPayload{}, ErrMissingTopics
	}

	seen := make(map[string]struct{}, len(p.Topics))
	topics := p.Topics[:0]
	for _, t := range p.Topics {
		if t == "" {
			return SubscriptionPayload{}, ErrEmptyTopic
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	p.Topics = topics
	return p, nil
}
