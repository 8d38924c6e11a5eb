package core

import (
	"bufio"
	"errors"
	"net"

	"github.com/gobwas/ws"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/frame"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
)

const (
	readBufferSize = 4096
	// frames above this are not read at all; the connection is dropped
	maxInboundPayload = 64 << 10
)

// readPump reads client frames until the socket fails or the client closes,
// then removes the connection from the hub.
func (s *Server) readPump(hub *Hub, id string, conn net.Conn, transport *wsTransport) {
	defer s.readers.Done()
	// Panic recovery must be the first registered defer so it also covers cleanup.
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"connection_id": id,
	})

	reason := monitoring.DisconnectReasonReadError
	defer func() {
		s.conns.Add(-1)
		s.msgLimiter.RemoveClient(id)
		if _, err := hub.Disconnect(id, reason); err != nil && !errors.Is(err, ErrNotRunning) {
			monitoring.LogError(s.logger, err, "Disconnect failed", map[string]any{
				"connection_id": id,
				"reason":        reason,
			})
		}
		transport.Close()
		// the close frame is on the wire before Stop sees this reader exit
		transport.wait()
	}()

	reader := bufio.NewReaderSize(conn, readBufferSize)

	for {
		raw, err := frame.ReadFrame(reader, maxInboundPayload)
		if err != nil {
			if errors.Is(err, frame.ErrFrameTooLarge) {
				monitoring.IncrementInvalidFrames()
				s.logger.Warn().Err(err).Str("connection_id", id).Msg("Oversized frame, closing connection")
			}
			return
		}

		switch raw.OpCode() {
		case ws.OpClose:
			reason = monitoring.DisconnectReasonClientInitiated
			return

		case ws.OpPing:
			_ = transport.Write(frame.Pong(raw))

		case ws.OpPong:

		case ws.OpText:
			text, ok := frame.Decode(raw.Bytes)
			if !ok {
				monitoring.IncrementInvalidFrames()
				continue
			}
			monitoring.UpdateMessageMetrics(0, 1)
			monitoring.UpdateBytesMetrics(0, int64(len(raw.Bytes)))

			if !s.msgLimiter.CheckLimit(id) {
				s.logger.Warn().
					Str("connection_id", id).
					Int("burst_limit", s.config.ClientMessageBurst).
					Float64("rate_limit_per_sec", s.config.ClientMessageRate).
					Msg("Client rate limited")
				monitoring.IncrementRateLimitedMessages()
				_ = hub.SendError(id, "rate limit exceeded, please slow down")
				continue
			}

			msg, err := messaging.ParseInbound(text)
			if err != nil {
				_ = hub.SendError(id, "invalid message: "+err.Error())
				continue
			}
			if err := hub.Dispatch(id, msg); err != nil {
				return
			}

		default:
			monitoring.IncrementInvalidFrames()
		}
	}
}
