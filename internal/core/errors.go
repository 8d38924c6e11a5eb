package core

import "errors"

var (
	// ErrAlreadyRunning is returned by Start when the server is starting or running.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrNotRunning is returned by operations that need a running hub.
	ErrNotRunning = errors.New("server not running")

	// ErrTransportClosed reports that the peer is gone; the connection is
	// disconnected rather than queued for.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTransportBusy reports a transient write failure. The message is
	// queued.
	ErrTransportBusy = errors.New("transport busy")

	ErrUnknownConnection = errors.New("unknown connection")

	// ErrCommandFailed is returned when the hub recovered from a panic
	// while handling the caller's command.
	ErrCommandFailed = errors.New("hub command failed")
)
