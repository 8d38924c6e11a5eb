package core

// EventType names a connection or subscription change reported to the
// embedding application.
type EventType string

const (
	EventConnect     EventType = "connect"
	EventDisconnect  EventType = "disconnect"
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
)

// Event is delivered to the OnEvent callback in the order the hub produced
// it. Topics is set for subscribe and unsubscribe, Reason for disconnect,
// Metadata for connect.
type Event struct {
	Type         EventType
	ConnectionID string
	Topics       []string
	Reason       string
	Metadata     map[string]string
}
