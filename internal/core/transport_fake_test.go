package core

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/stretchr/testify/require"
)

// fakeTransport records every frame written to it. Setting err makes
// subsequent writes fail with that error.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	closed bool
}

func (f *fakeTransport) Write(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, bytes.Clone(frame))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// messages decodes every recorded frame as a server text frame.
func (f *fakeTransport) messages(t *testing.T) []messaging.Outbound {
	t.Helper()
	f.mu.Lock()
	frames := append([][]byte(nil), f.frames...)
	f.mu.Unlock()

	out := make([]messaging.Outbound, 0, len(frames))
	for _, b := range frames {
		out = append(out, decodeServerFrame(t, b))
	}
	return out
}

func decodeServerFrame(t *testing.T, b []byte) messaging.Outbound {
	t.Helper()
	h, err := ws.ReadHeader(bytes.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, ws.OpText, h.OpCode)
	require.False(t, h.Masked)

	var msg messaging.Outbound
	require.NoError(t, json.Unmarshal(b[len(b)-int(h.Length):], &msg))
	return msg
}

func ofKind(msgs []messaging.Outbound, kind messaging.Kind) []messaging.Outbound {
	var out []messaging.Outbound
	for _, m := range msgs {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}
