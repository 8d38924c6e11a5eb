package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/rs/zerolog"
)

type NATSConfig struct {
	URL           string
	Subject       string // default: gamecast.>
	MaxReconnects int
	ReconnectWait time.Duration
	MaxRate       int
	Guard         Backpressure
	Logger        zerolog.Logger
}

// NATSSource subscribes to upstream subjects and broadcasts each message.
//
// Subjects name the target, the message body is the payload:
//
//	gamecast.games.<gameId>.probabilities
//	gamecast.games.<gameId>.state
//	gamecast.predictions.<scenarioId>.complete
type NATSSource struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	relay   *relay
	logger  zerolog.Logger
}

func NewNATSSource(cfg NATSConfig, p Publisher) (*NATSSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if p == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "gamecast.>"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	s := &NATSSource{
		subject: cfg.Subject,
		logger:  cfg.Logger.With().Str("component", "nats").Logger(),
	}
	s.relay = newRelay(monitoring.SourceNATS, p, cfg.MaxRate, cfg.Guard, s.logger)

	conn, err := nats.Connect(cfg.URL,
		nats.Name("gamecast"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(s.disconnectHandler),
		nats.ReconnectHandler(s.reconnectHandler),
		nats.ErrorHandler(s.errorHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn

	s.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Msg("Connected to NATS")
	return s, nil
}

// Start subscribes to the configured subject.
func (s *NATSSource) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	s.logger.Info().
		Str("subject", s.subject).
		Msg("Subscribed to NATS subject")
	return nil
}

// Stop unsubscribes and drains the connection.
func (s *NATSSource) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}

	st := s.relay.stats()
	s.logger.Info().
		Uint64("processed", st.Processed).
		Uint64("failed", st.Failed).
		Uint64("dropped", st.Dropped).
		Msg("NATS source stopped")
}

func (s *NATSSource) Stats() Stats { return s.relay.stats() }

func (s *NATSSource) handle(msg *nats.Msg) {
	defer monitoring.RecoverPanic(s.logger, "natsHandler", map[string]any{
		"subject": msg.Subject,
	})

	ev, err := eventFromSubject(msg.Subject, msg.Data)
	if err != nil {
		s.relay.fail(err, msg.Subject)
		return
	}
	s.relay.deliver(ev, msg.Subject)
}

func (s *NATSSource) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeIngest, monitoring.SeverityWarning)
		s.logger.Warn().Err(err).Msg("Disconnected from NATS")
		return
	}
	s.logger.Info().Msg("Disconnected from NATS")
}

func (s *NATSSource) reconnectHandler(conn *nats.Conn) {
	s.logger.Info().
		Str("url", conn.ConnectedUrl()).
		Msg("Reconnected to NATS")
}

func (s *NATSSource) errorHandler(_ *nats.Conn, _ *nats.Subscription, err error) {
	monitoring.RecordError(monitoring.ErrorTypeIngest, monitoring.SeverityWarning)
	s.logger.Error().Err(err).Msg("NATS error")
}

func eventFromSubject(subject string, data []byte) (Event, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return Event{}, fmt.Errorf("%w: subject %q", ErrUnroutable, subject)
	}
	if !json.Valid(data) {
		return Event{}, fmt.Errorf("%w: body of %q is not JSON", ErrMalformedEvent, subject)
	}

	kind, ok := kindForChannel(parts[3])
	if !ok || parts[2] == "" {
		return Event{}, fmt.Errorf("%w: subject %q", ErrUnroutable, subject)
	}

	ev := Event{Type: kind, Payload: data}
	switch {
	case parts[1] == "games" && kind != messaging.KindPredictionComplete:
		ev.GameID = parts[2]
	case parts[1] == "predictions" && kind == messaging.KindPredictionComplete:
		ev.ScenarioID = parts[2]
	default:
		return Event{}, fmt.Errorf("%w: subject %q", ErrUnroutable, subject)
	}
	return ev, nil
}
