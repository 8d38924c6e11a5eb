package monitoring

import "github.com/rs/zerolog"

// AlertLevel is the severity of an operational alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alerter sends notifications about conditions an operator should see.
// Implementations must not block the caller.
type Alerter interface {
	Alert(level AlertLevel, message string, metadata map[string]any)
}

// LogAlerter writes alerts to the structured log with alert=true so log
// pipelines can route them.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alerts").Logger()}
}

func (a *LogAlerter) Alert(level AlertLevel, message string, metadata map[string]any) {
	var event *zerolog.Event
	switch level {
	case AlertCritical:
		event = a.logger.Error()
	case AlertWarning:
		event = a.logger.Warn()
	default:
		event = a.logger.Info()
	}

	event = event.Bool("alert", true).Str("alert_level", string(level))
	for k, v := range metadata {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}
