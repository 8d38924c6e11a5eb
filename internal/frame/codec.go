// Package frame implements the WebSocket text framing used between clients
// and the broadcast server. Header parsing and frame compilation are done
// with gobwas/ws; this package adds the narrow acceptance rules for inbound
// client frames.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/gobwas/ws"
)

// MaxShortPayload is the largest payload expressible in the 7-bit length field.
const MaxShortPayload = 125

// minClientFrame is two header bytes plus the four byte masking key.
const minClientFrame = 6

var ErrFrameTooLarge = errors.New("frame payload exceeds limit")

// Decode extracts the text of a single masked client text frame.
//
// It returns ok=false for anything it does not accept: input shorter than a
// masked header, a declared length larger than the bytes available,
// fragmented or reserved-bit frames, non-text opcodes, unmasked frames,
// extended (126/127) length encodings and payloads that are not valid UTF-8.
// Callers treat ok=false as "ignore this frame".
func Decode(b []byte) (string, bool) {
	if len(b) < minClientFrame {
		return "", false
	}
	if int(b[1]&0x7f) > MaxShortPayload {
		return "", false
	}

	h, err := ws.ReadHeader(bytes.NewReader(b))
	if err != nil {
		return "", false
	}
	if !h.Fin || h.Rsv != 0 || h.OpCode != ws.OpText || !h.Masked {
		return "", false
	}

	end := minClientFrame + int(h.Length)
	if len(b) < end {
		return "", false
	}

	payload := make([]byte, h.Length)
	copy(payload, b[minClientFrame:end])
	ws.Cipher(payload, h.Mask, 0)

	if !utf8.Valid(payload) {
		return "", false
	}
	return string(payload), true
}

// Encode builds an unmasked single text frame as sent by the server.
func Encode(text string) []byte {
	return EncodeText([]byte(text))
}

// EncodeText is Encode for an already serialised payload. The payload is
// not retained.
func EncodeText(payload []byte) []byte {
	return ws.MustCompileFrame(ws.NewTextFrame(payload))
}

// EncodeClient builds a masked text frame the way a client would send it.
func EncodeClient(text string, mask [4]byte) []byte {
	return ws.MustCompileFrame(ws.MaskFrameWith(ws.NewTextFrame([]byte(text)), mask))
}

// Raw is one complete frame as read off the wire.
type Raw struct {
	Header ws.Header
	Bytes  []byte // header and payload, still masked
}

// OpCode reports the frame opcode.
func (r Raw) OpCode() ws.OpCode { return r.Header.OpCode }

// Payload returns the unmasked payload as a fresh slice.
func (r Raw) Payload() []byte {
	start := len(r.Bytes) - int(r.Header.Length)
	payload := make([]byte, r.Header.Length)
	copy(payload, r.Bytes[start:])
	if r.Header.Masked {
		ws.Cipher(payload, r.Header.Mask, 0)
	}
	return payload
}

// ReadFrame reads exactly one frame from r. Payloads longer than maxPayload
// are rejected with ErrFrameTooLarge before they are read.
func ReadFrame(r io.Reader, maxPayload int64) (Raw, error) {
	var head bytes.Buffer
	h, err := ws.ReadHeader(io.TeeReader(r, &head))
	if err != nil {
		return Raw{}, err
	}
	if h.Length > maxPayload {
		return Raw{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Length, maxPayload)
	}

	buf := make([]byte, head.Len()+int(h.Length))
	copy(buf, head.Bytes())
	if _, err := io.ReadFull(r, buf[head.Len():]); err != nil {
		return Raw{}, err
	}
	return Raw{Header: h, Bytes: buf}, nil
}

// Pong builds the server reply to a client ping, echoing its payload.
func Pong(ping Raw) []byte {
	return ws.MustCompileFrame(ws.NewPongFrame(ping.Payload()))
}
