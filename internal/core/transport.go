package core

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/rs/zerolog"
)

// Transport is the write side of a client connection as seen by the
// registry. Write must not block: it either accepts the encoded frame,
// reports ErrTransportBusy, or reports ErrTransportClosed.
type Transport interface {
	Write(frame []byte) error
	Close() error
}

const (
	writeWait       = 10 * time.Second
	closeFrameWait  = time.Second
	writeBufferSize = 4096
)

// wsTransport feeds a per-connection writer goroutine through a bounded
// channel. A full channel is reported as ErrTransportBusy, a failed socket
// write closes the transport for good.
type wsTransport struct {
	conn   net.Conn
	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func newWSTransport(conn net.Conn, bufferSize int, logger zerolog.Logger) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		send:   make(chan []byte, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	t.wg.Add(1)
	go t.writePump()
	return t
}

func (t *wsTransport) Write(frame []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	select {
	case t.send <- frame:
		return nil
	default:
		return ErrTransportBusy
	}
}

// Close stops the writer. Frames already accepted are flushed first, then
// a close frame is sent and the socket closed. Safe to call repeatedly.
func (t *wsTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *wsTransport) shutdown() {
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
}

// wait blocks until the writer goroutine has exited.
func (t *wsTransport) wait() {
	t.wg.Wait()
}

// writePump batches queued frames into one buffered flush per wakeup.
func (t *wsTransport) writePump() {
	defer t.wg.Done()
	defer monitoring.RecoverPanic(t.logger, "writePump", nil)
	defer t.conn.Close()

	writer := bufio.NewWriterSize(t.conn, writeBufferSize)

	for {
		select {
		case <-t.done:
			t.drainAndClose(writer)
			return

		case frame := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if _, err := writer.Write(frame); err != nil {
				t.fail(err)
				return
			}
			sent, size := 1, len(frame)

			n := len(t.send)
			for i := 0; i < n; i++ {
				frame = <-t.send
				if _, err := writer.Write(frame); err != nil {
					t.fail(err)
					return
				}
				sent++
				size += len(frame)
			}

			if err := writer.Flush(); err != nil {
				t.fail(err)
				return
			}
			monitoring.UpdateMessageMetrics(int64(sent), 0)
			monitoring.UpdateBytesMetrics(int64(size), 0)
		}
	}
}

// drainAndClose flushes frames accepted before Close and sends a close frame.
func (t *wsTransport) drainAndClose(writer *bufio.Writer) {
	t.conn.SetWriteDeadline(time.Now().Add(closeFrameWait))
	for {
		select {
		case frame := <-t.send:
			if _, err := writer.Write(frame); err != nil {
				return
			}
		default:
			_ = wsutil.WriteServerMessage(writer, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			_ = writer.Flush()
			return
		}
	}
}

func (t *wsTransport) fail(err error) {
	t.logger.Debug().
		Err(err).
		Str("reason", "write_error").
		Msg("Failed to write to client, closing transport")
	monitoring.RecordError(monitoring.ErrorTypeConnection, monitoring.SeverityWarning)
	t.shutdown()
}
