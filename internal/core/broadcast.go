package core

import (
	"fmt"

	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
)

// Topic names are fixed by the client protocol.
func ProbabilityTopic(gameID string) string { return "game:" + gameID + ":probabilities" }

func GameStateTopic(gameID string) string { return "game:" + gameID + ":state" }

func PredictionTopic(scenarioID string) string { return "prediction:" + scenarioID + ":complete" }

// Publish marshals payload once and delivers it to every subscriber of
// topic. Each recipient gets its own message id and timestamp. It returns
// the number of subscribers targeted; zero subscribers is not an error.
//
// Publishing while the server is not RUNNING is rejected with
// ErrNotRunning and logged.
func (s *Server) Publish(topic string, kind messaging.Kind, payload any) (int, error) {
	hub, err := s.runningHub()
	if err != nil {
		s.logger.Warn().
			Str("topic", topic).
			Str("type", string(kind)).
			Str("state", s.State().String()).
			Msg("Broadcast dropped: server not running")
		return 0, err
	}

	data, err := messaging.MarshalPayload(payload)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.SeverityWarning)
		return 0, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	n, err := hub.Publish(topic, kind, data)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeBroadcast, monitoring.SeverityWarning)
		return 0, err
	}

	s.logger.Debug().
		Str("topic", topic).
		Str("type", string(kind)).
		Int("recipients", n).
		Msg("Broadcast delivered")
	return n, nil
}

// BroadcastProbabilityUpdate publishes to game:{gameID}:probabilities.
func (s *Server) BroadcastProbabilityUpdate(gameID string, probabilities any) (int, error) {
	return s.PublishProbability(ProbabilityTopic(gameID), probabilities)
}

// BroadcastGameStateUpdate publishes to game:{gameID}:state.
func (s *Server) BroadcastGameStateUpdate(gameID string, state any) (int, error) {
	return s.PublishGameState(GameStateTopic(gameID), state)
}

// BroadcastPredictionComplete publishes to prediction:{scenarioID}:complete.
func (s *Server) BroadcastPredictionComplete(scenarioID string, result any) (int, error) {
	return s.PublishPredictionComplete(PredictionTopic(scenarioID), result)
}

func (s *Server) PublishProbability(topic string, payload any) (int, error) {
	return s.Publish(topic, messaging.KindProbabilityUpdate, payload)
}

func (s *Server) PublishGameState(topic string, payload any) (int, error) {
	return s.Publish(topic, messaging.KindGameStateUpdate, payload)
}

func (s *Server) PublishPredictionComplete(topic string, payload any) (int, error) {
	return s.Publish(topic, messaging.KindPredictionComplete, payload)
}

// SendError sends an error message to a single connection.
func (s *Server) SendError(connectionID, message string) error {
	hub, err := s.runningHub()
	if err != nil {
		return err
	}
	return hub.SendError(connectionID, message)
}
