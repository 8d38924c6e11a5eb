// Package ingest bridges upstream event streams (Kafka, NATS) onto the
// broadcast server. Each bridge decodes an upstream record into an Event
// and hands it to Dispatch.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Publisher is the broadcast API the bridges drive. *core.Server
// implements it.
type Publisher interface {
	BroadcastProbabilityUpdate(gameID string, probabilities any) (int, error)
	BroadcastGameStateUpdate(gameID string, state any) (int, error)
	BroadcastPredictionComplete(scenarioID string, result any) (int, error)
	Publish(topic string, kind messaging.Kind, payload any) (int, error)
}

// Backpressure is the CPU emergency brake consulted per event.
// *limits.ResourceGuard implements it.
type Backpressure interface {
	ShouldPauseIngest() bool
}

// Event is one upstream update. Topic, when set, overrides the topic
// derived from GameID or ScenarioID.
type Event struct {
	Type       messaging.Kind  `json:"type"`
	GameID     string          `json:"gameId,omitempty"`
	ScenarioID string          `json:"scenarioId,omitempty"`
	Topic      string          `json:"topic,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrMalformedEvent  = errors.New("malformed upstream event")
	ErrUnroutable      = errors.New("upstream event has no target")
	ErrUnsupportedKind = errors.New("upstream event type cannot be broadcast")
)

// Dispatch routes ev to the matching broadcast operation and returns the
// number of subscribers targeted.
func Dispatch(p Publisher, ev Event) (int, error) {
	switch ev.Type {
	case messaging.KindProbabilityUpdate, messaging.KindGameStateUpdate, messaging.KindPredictionComplete:
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, ev.Type)
	}

	if ev.Topic != "" {
		return p.Publish(ev.Topic, ev.Type, ev.Payload)
	}

	switch ev.Type {
	case messaging.KindProbabilityUpdate:
		if ev.GameID == "" {
			return 0, fmt.Errorf("%w: probability update without gameId", ErrUnroutable)
		}
		return p.BroadcastProbabilityUpdate(ev.GameID, ev.Payload)
	case messaging.KindGameStateUpdate:
		if ev.GameID == "" {
			return 0, fmt.Errorf("%w: game state update without gameId", ErrUnroutable)
		}
		return p.BroadcastGameStateUpdate(ev.GameID, ev.Payload)
	default:
		if ev.ScenarioID == "" {
			return 0, fmt.Errorf("%w: prediction without scenarioId", ErrUnroutable)
		}
		return p.BroadcastPredictionComplete(ev.ScenarioID, ev.Payload)
	}
}

// kindForChannel maps the last segment of a Kafka topic or NATS subject
// to a message kind.
func kindForChannel(name string) (messaging.Kind, bool) {
	switch name {
	case "probabilities":
		return messaging.KindProbabilityUpdate, true
	case "state", "game-state":
		return messaging.KindGameStateUpdate, true
	case "predictions", "complete":
		return messaging.KindPredictionComplete, true
	}
	return "", false
}

// relay is the shared tail of every bridge: rate limit, dispatch, count.
type relay struct {
	source    string
	publisher Publisher
	limiter   *rate.Limiter
	guard     Backpressure // optional
	logger    zerolog.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func newRelay(source string, p Publisher, maxRate int, guard Backpressure, logger zerolog.Logger) *relay {
	if maxRate <= 0 {
		maxRate = 1000
	}
	return &relay{
		source:    source,
		publisher: p,
		limiter:   rate.NewLimiter(rate.Limit(maxRate), maxRate),
		guard:     guard,
		logger:    logger,
	}
}

func (r *relay) deliver(ev Event, origin string) {
	monitoring.IncrementIngestReceived(r.source)

	if !r.limiter.Allow() {
		r.drop(origin, "Ingest rate limit exceeded - dropping events")
		return
	}

	if r.guard != nil && r.guard.ShouldPauseIngest() {
		r.drop(origin, "CPU emergency brake - dropping events")
		return
	}

	n, err := Dispatch(r.publisher, ev)
	if err != nil {
		r.fail(err, origin)
		return
	}
	r.processed.Add(1)

	r.logger.Debug().
		Str("origin", origin).
		Str("type", string(ev.Type)).
		Int("recipients", n).
		Msg("Upstream event broadcast")
}

func (r *relay) drop(origin, msg string) {
	monitoring.IncrementIngestDropped(r.source)
	if dropped := r.dropped.Add(1); dropped%100 == 1 {
		r.logger.Warn().
			Uint64("dropped_count", dropped).
			Str("origin", origin).
			Msg(msg)
	}
}

func (r *relay) fail(err error, origin string) {
	r.failed.Add(1)
	monitoring.RecordError(monitoring.ErrorTypeIngest, monitoring.SeverityWarning)
	r.logger.Warn().
		Err(err).
		Str("origin", origin).
		Msg("Failed to relay upstream event")
}

// Stats reports relay counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

func (r *relay) stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
	}
}
